// Package outbound delivers agent and bot replies to customers through the
// provider APIs, asynchronously and outside any ingest lock.
package outbound

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/chatdock/chatdock/internal/event"
)

// TypeSend is the asynq task type for one outbound message delivery.
const TypeSend = "outbound:send"

// QueueName is the asynq queue outbound deliveries run on.
const QueueName = "outbound"

// SendPayload is the task body. RecipientID is the provider-side customer id
// the reply goes to. Credentials are never embedded; the worker resolves them
// fresh at send time.
type SendPayload struct {
	MessageID         string         `json:"message_id"`
	ConversationID    string         `json:"conversation_id"`
	ConnectionID      string         `json:"connection_id"`
	Provider          event.Provider `json:"provider"`
	ExternalChannelID string         `json:"external_channel_id"`
	RecipientID       string         `json:"recipient_id"`
	Body              string         `json:"body"`
}

// NewSendTask builds the asynq task for a payload.
func NewSendTask(p SendPayload, maxRetry int) (*asynq.Task, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal send payload: %w", err)
	}
	return asynq.NewTask(TypeSend, body, asynq.Queue(QueueName), asynq.MaxRetry(maxRetry)), nil
}
