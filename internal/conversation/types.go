// Package conversation owns the conversation lifecycle: resolving inbound
// events to exactly one active conversation per (connection, customer) pair,
// appending messages idempotently, and closing threads.
package conversation

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("conversation: not found")
	// ErrDuplicateMessage marks an inbound message whose provider message id
	// was already persisted for the same channel connection.
	ErrDuplicateMessage = errors.New("conversation: duplicate provider message id")
)

// Status is the lifecycle state of a conversation. Open and snoozed threads
// accept inbound routing; closed threads never reopen.
type Status string

const (
	StatusOpen    Status = "open"
	StatusSnoozed Status = "snoozed"
	StatusClosed  Status = "closed"
)

// Role identifies who authored a message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleBot      Role = "bot"
)

// DeliveryStatus tracks outbound delivery. Inbound messages carry none.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Conversation groups messages exchanged with one customer over one channel
// connection.
type Conversation struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenant_id"`
	ChannelConnectionID string    `json:"channel_connection_id"`
	ExternalCustomerID  string    `json:"external_customer_id"`
	CustomerName        string    `json:"customer_name,omitempty"`
	Status              Status    `json:"status"`
	LastMessageAt       time.Time `json:"last_message_at"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Active reports whether the conversation still accepts inbound routing.
func (c Conversation) Active() bool {
	return c.Status == StatusOpen || c.Status == StatusSnoozed
}

// Message is one entry in a conversation. ProviderMessageID is set for inbound
// customer messages and is the dedup key together with ChannelConnectionID.
type Message struct {
	ID                  string         `json:"id"`
	ConversationID      string         `json:"conversation_id"`
	ChannelConnectionID string         `json:"channel_connection_id,omitempty"`
	ProviderMessageID   string         `json:"provider_message_id,omitempty"`
	Role                Role           `json:"role"`
	Body                string         `json:"body"`
	DeliveryStatus      DeliveryStatus `json:"delivery_status,omitempty"`
	DeliveryError       string         `json:"delivery_error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}
