package conversation

import (
	"context"
	"time"
)

// Store is the persistence contract the resolver and lifecycle actions run
// against. InTx yields a Store whose calls share one transaction; the resolver
// always works through it so a failed append never leaves a half-routed
// conversation behind.
type Store interface {
	// InTx runs fn against a transactional view of the store and commits when
	// fn returns nil.
	InTx(ctx context.Context, fn func(Store) error) error

	// FindActive returns the most recent open or snoozed conversation for the
	// (connection, customer) pair, or ErrNotFound.
	FindActive(ctx context.Context, connectionID, externalCustomerID string) (*Conversation, error)
	// FindActiveByAliases is the secondary-match pass: it searches the same
	// connection by alternate customer identifiers, comparing against both the
	// customer id and the stored customer name, non-closed threads only.
	FindActiveByAliases(ctx context.Context, connectionID string, aliases []string) (*Conversation, error)
	Create(ctx context.Context, conv *Conversation) error
	Get(ctx context.Context, id string) (*Conversation, error)
	TouchLastMessage(ctx context.Context, id string, at time.Time) error
	SetStatus(ctx context.Context, id string, status Status) error

	// MessageExists reports whether a provider message id was already persisted
	// for the connection, regardless of which conversation holds it.
	MessageExists(ctx context.Context, connectionID, providerMessageID string) (bool, error)
	InsertMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	UpdateDelivery(ctx context.Context, messageID string, status DeliveryStatus, deliveryError string) error
}
