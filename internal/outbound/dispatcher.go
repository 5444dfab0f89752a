package outbound

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/chatdock/chatdock/internal/conversation"
	"github.com/chatdock/chatdock/internal/vault"
)

// TaskEnqueuer is the slice of the asynq client the dispatcher needs.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher enqueues outbound deliveries. It satisfies the conversation
// package's Dispatcher contract.
type Dispatcher struct {
	client   TaskEnqueuer
	maxRetry int
	logger   *slog.Logger
}

func NewDispatcher(log *slog.Logger, client TaskEnqueuer, maxRetry int) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &Dispatcher{
		client:   client,
		maxRetry: maxRetry,
		logger:   log.With(slog.String("service", "outbound")),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, conn vault.Connection, conv conversation.Conversation, msg conversation.Message) error {
	task, err := NewSendTask(SendPayload{
		MessageID:         msg.ID,
		ConversationID:    conv.ID,
		ConnectionID:      conn.ID,
		Provider:          conn.Provider,
		ExternalChannelID: conn.ExternalChannelID,
		RecipientID:       conv.ExternalCustomerID,
		Body:              msg.Body,
	}, d.maxRetry)
	if err != nil {
		return err
	}
	info, err := d.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue outbound task: %w", err)
	}
	d.logger.Debug("outbound task enqueued",
		slog.String("task_id", info.ID),
		slog.String("message_id", msg.ID),
		slog.String("provider", conn.Provider.String()))
	return nil
}
