package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/time/rate"

	"github.com/chatdock/chatdock/internal/channel"
	"github.com/chatdock/chatdock/internal/conversation"
	"github.com/chatdock/chatdock/internal/event"
	"github.com/chatdock/chatdock/internal/vault"
)

// CredentialSource resolves a channel connection and unseals its credentials.
// Looked up fresh on every delivery so rotation takes effect immediately.
type CredentialSource interface {
	Get(ctx context.Context, id string) (vault.Connection, error)
	Credentials(conn vault.Connection) (map[string]string, error)
}

// DeliveryStore records delivery outcomes on the message row.
type DeliveryStore interface {
	UpdateDelivery(ctx context.Context, messageID string, status conversation.DeliveryStatus, deliveryError string) error
}

// Worker executes outbound send tasks. Each provider gets its own client-side
// rate limiter on top of whatever the provider enforces server-side.
type Worker struct {
	connections CredentialSource
	store       DeliveryStore
	registry    *channel.Registry
	limiters    map[event.Provider]*rate.Limiter
	logger      *slog.Logger
}

func NewWorker(log *slog.Logger, connections CredentialSource, store DeliveryStore, registry *channel.Registry, sendRate float64) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if sendRate <= 0 {
		sendRate = 10
	}
	// A sub-1/s rate would truncate to burst 0, and Wait never admits with a
	// zero burst.
	burst := int(sendRate)
	if burst < 1 {
		burst = 1
	}
	limiters := make(map[event.Provider]*rate.Limiter)
	for _, p := range registry.Providers() {
		limiters[p] = rate.NewLimiter(rate.Limit(sendRate), burst)
	}
	return &Worker{
		connections: connections,
		store:       store,
		registry:    registry,
		limiters:    limiters,
		logger:      log.With(slog.String("service", "outbound")),
	}
}

// HandleSend processes one delivery task. Permanent provider rejections mark
// the message delivery_failed and stop retrying; everything else is retried by
// the task queue.
func (w *Worker) HandleSend(ctx context.Context, task *asynq.Task) error {
	var p SendPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal send payload: %v: %w", err, asynq.SkipRetry)
	}

	if limiter, ok := w.limiters[p.Provider]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	conn, err := w.connections.Get(ctx, p.ConnectionID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return w.fail(ctx, p, "channel connection removed", asynq.SkipRetry)
		}
		return fmt.Errorf("resolve connection: %w", err)
	}
	if !conn.Active {
		return w.fail(ctx, p, "channel connection deactivated", asynq.SkipRetry)
	}
	creds, err := w.connections.Credentials(conn)
	if err != nil {
		return fmt.Errorf("unseal credentials: %w", err)
	}

	sender, ok := w.registry.Sender(p.Provider)
	if !ok {
		return w.fail(ctx, p, fmt.Sprintf("provider %s cannot send", p.Provider), asynq.SkipRetry)
	}

	if err := sender.Send(ctx, creds, p.RecipientID, p.Body); err != nil {
		if channel.IsPermanent(err) {
			return w.fail(ctx, p, err.Error(), asynq.SkipRetry)
		}
		w.logger.Warn("send attempt failed",
			slog.String("message_id", p.MessageID),
			slog.String("provider", p.Provider.String()),
			slog.Any("error", err))
		return err
	}

	if err := w.store.UpdateDelivery(ctx, p.MessageID, conversation.DeliverySent, ""); err != nil {
		w.logger.Error("mark message sent", slog.String("message_id", p.MessageID), slog.Any("error", err))
	}
	w.logger.Info("message delivered",
		slog.String("message_id", p.MessageID),
		slog.String("provider", p.Provider.String()))
	return nil
}

func (w *Worker) fail(ctx context.Context, p SendPayload, cause string, skip error) error {
	if err := w.store.UpdateDelivery(ctx, p.MessageID, conversation.DeliveryFailed, cause); err != nil {
		w.logger.Error("mark message failed", slog.String("message_id", p.MessageID), slog.Any("error", err))
	}
	w.logger.Warn("delivery failed permanently",
		slog.String("message_id", p.MessageID),
		slog.String("provider", p.Provider.String()),
		slog.String("cause", cause))
	return fmt.Errorf("%s: %w", cause, skip)
}

// RetryDelay honours provider throttle hints and falls back to the queue's
// default exponential backoff.
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	if delay, ok := channel.ThrottleDelay(err); ok && delay > 0 {
		return delay
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}

// NewServer builds the task server the worker runs on.
func NewServer(redisOpt asynq.RedisClientOpt, concurrency int) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 8
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    concurrency,
		Queues:         map[string]int{QueueName: 1},
		RetryDelayFunc: RetryDelay,
	})
}

// NewMux registers the worker's handlers.
func NewMux(w *Worker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSend, w.HandleSend)
	return mux
}
