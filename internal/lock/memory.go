package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	token  string
	expiry time.Time
}

// MemoryCoordinator is a single-process Coordinator for tests and local
// development. It honours TTL expiry but provides no cross-process safety.
type MemoryCoordinator struct {
	mu      sync.Mutex
	held    map[string]memEntry
	maxWait time.Duration
}

func NewMemoryCoordinator(maxWait time.Duration) *MemoryCoordinator {
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}
	return &MemoryCoordinator{
		held:    make(map[string]memEntry),
		maxWait: maxWait,
	}
}

func (c *MemoryCoordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(c.maxWait)

	for {
		if c.tryAcquire(key, token, ttl) {
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

func (c *MemoryCoordinator) tryAcquire(key, token string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.held[key]; ok && time.Now().Before(e.expiry) {
		return false
	}
	c.held[key] = memEntry{token: token, expiry: time.Now().Add(ttl)}
	return true
}

func (c *MemoryCoordinator) Release(_ context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.held[key]
	if !ok || e.token != token {
		return ErrNotHeld
	}
	delete(c.held, key)
	return nil
}
