package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chatdock/chatdock/internal/channel"
	"github.com/chatdock/chatdock/internal/event"
	"github.com/chatdock/chatdock/internal/vault"
)

// Result is the outcome of routing one inbound event.
type Result struct {
	Conversation *Conversation
	Message      *Message
	// Duplicate is set when the provider message id was already persisted and
	// nothing was written.
	Duplicate bool
	// Created is set when a new conversation was opened for this event.
	Created bool
}

// Resolver routes inbound events to conversations. ProcessEvent must only be
// called while the caller holds the per-key lock for the event; the resolver
// itself does not acquire it.
type Resolver struct {
	store    Store
	registry *channel.Registry
	logger   *slog.Logger
}

func NewResolver(log *slog.Logger, store Store, registry *channel.Registry) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:    store,
		registry: registry,
		logger:   log.With(slog.String("service", "resolver")),
	}
}

// ProcessEvent finds or creates the conversation for ev on conn and appends
// the customer message. All writes happen in one transaction.
func (r *Resolver) ProcessEvent(ctx context.Context, conn vault.Connection, ev event.Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}

	var res Result
	err := r.store.InTx(ctx, func(tx Store) error {
		exists, err := tx.MessageExists(ctx, conn.ID, ev.ProviderMessageID)
		if err != nil {
			return err
		}
		if exists {
			res = Result{Duplicate: true}
			return nil
		}

		conv, created, err := r.resolve(ctx, tx, conn, ev)
		if err != nil {
			return err
		}

		msg := &Message{
			ConversationID:      conv.ID,
			ChannelConnectionID: conn.ID,
			ProviderMessageID:   ev.ProviderMessageID,
			Role:                RoleCustomer,
			Body:                ev.Body,
		}
		if err := tx.InsertMessage(ctx, msg); err != nil {
			// Unique-index backstop: a concurrent writer got there first.
			if errors.Is(err, ErrDuplicateMessage) {
				res = Result{Duplicate: true}
				return nil
			}
			return err
		}

		if !created {
			if err := tx.TouchLastMessage(ctx, conv.ID, ev.SentAt); err != nil {
				return err
			}
			conv.LastMessageAt = ev.SentAt
		}
		res = Result{Conversation: conv, Message: msg, Created: created}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("process event: %w", err)
	}

	if res.Duplicate {
		r.logger.Debug("dropped duplicate message",
			slog.String("provider", ev.Provider.String()),
			slog.String("provider_message_id", ev.ProviderMessageID))
	} else if res.Created {
		r.logger.Info("opened conversation",
			slog.String("conversation_id", res.Conversation.ID),
			slog.String("provider", ev.Provider.String()),
			slog.String("external_customer_id", ev.ExternalSenderID))
	}
	return res, nil
}

// resolve returns the conversation the event belongs to: the active thread for
// the exact customer id, then a non-closed thread matched through the
// provider's alias policy, then a freshly opened one.
func (r *Resolver) resolve(ctx context.Context, tx Store, conn vault.Connection, ev event.Event) (*Conversation, bool, error) {
	conv, err := tx.FindActive(ctx, conn.ID, ev.ExternalSenderID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if policy := r.registry.MatchPolicy(ev.Provider); policy != nil {
		if aliases := policy.SecondaryAliases(ev); len(aliases) > 0 {
			conv, err = tx.FindActiveByAliases(ctx, conn.ID, aliases)
			if err == nil {
				return conv, false, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, false, err
			}
		}
	}

	conv = &Conversation{
		TenantID:            conn.TenantID,
		ChannelConnectionID: conn.ID,
		ExternalCustomerID:  ev.ExternalSenderID,
		CustomerName:        ev.SenderName,
		Status:              StatusOpen,
		LastMessageAt:       ev.SentAt,
	}
	if err := tx.Create(ctx, conv); err != nil {
		return nil, false, err
	}
	return conv, true, nil
}
