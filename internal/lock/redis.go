package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCoordinator implements Coordinator on a shared Redis instance with
// SET NX PX and token-checked release.
type RedisCoordinator struct {
	client  *redis.Client
	prefix  string
	maxWait time.Duration
	logger  *slog.Logger
}

// NewRedisCoordinator creates a coordinator. maxWait bounds how long Acquire
// polls a busy key before returning ErrBusy.
func NewRedisCoordinator(log *slog.Logger, client *redis.Client, maxWait time.Duration) *RedisCoordinator {
	if log == nil {
		log = slog.Default()
	}
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}
	return &RedisCoordinator{
		client:  client,
		prefix:  "chatdock:lock:",
		maxWait: maxWait,
		logger:  log.With(slog.String("component", "lock")),
	}
}

func (c *RedisCoordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(c.maxWait)

	for {
		ok, err := c.client.SetNX(ctx, c.prefix+key, token, ttl).Result()
		if err != nil {
			// Fail closed: an unlocked resolve can split a conversation, which
			// is far more expensive to repair than a delayed job.
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrBusy
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

func (c *RedisCoordinator) Release(ctx context.Context, key, token string) error {
	deleted, err := releaseScript.Run(ctx, c.client, []string{c.prefix + key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if deleted == 0 {
		// TTL expired or another process took over; the job's own timeout
		// already made it eligible for retry.
		c.logger.Warn("released lock was no longer held", slog.String("key", key))
		return ErrNotHeld
	}
	return nil
}
