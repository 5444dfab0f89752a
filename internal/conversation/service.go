package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatdock/chatdock/internal/event"
	"github.com/chatdock/chatdock/internal/lock"
	"github.com/chatdock/chatdock/internal/vault"
)

// ConnectionGetter looks up channel connections by id.
type ConnectionGetter interface {
	Get(ctx context.Context, id string) (vault.Connection, error)
}

// Dispatcher hands an outbound message to the delivery pipeline. Dispatch must
// return quickly; actual provider calls happen asynchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn vault.Connection, conv Conversation, msg Message) error
}

// Service exposes the lifecycle actions operators drive through the API:
// closing, snoozing, replying.
type Service struct {
	store       Store
	locks       lock.Coordinator
	connections ConnectionGetter
	dispatcher  Dispatcher
	lockTTL     time.Duration
	logger      *slog.Logger
}

func NewService(log *slog.Logger, store Store, locks lock.Coordinator, connections ConnectionGetter, dispatcher Dispatcher, lockTTL time.Duration) *Service {
	if log == nil {
		log = slog.Default()
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Service{
		store:       store,
		locks:       locks,
		connections: connections,
		dispatcher:  dispatcher,
		lockTTL:     lockTTL,
		logger:      log.With(slog.String("service", "conversation")),
	}
}

func (s *Service) Get(ctx context.Context, id string) (*Conversation, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if _, err := s.store.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, limit)
}

// Close flips a conversation to closed under the same per-key lock the ingest
// worker uses, so a message in flight either lands in this thread before it
// closes or opens a fresh one after.
func (s *Service) Close(ctx context.Context, conversationID string) error {
	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == StatusClosed {
		return nil
	}
	conn, err := s.connections.Get(ctx, conv.ChannelConnectionID)
	if err != nil {
		return fmt.Errorf("resolve connection: %w", err)
	}

	key := event.Key(conv.ExternalCustomerID, conn.ExternalChannelID)
	token, err := s.locks.Acquire(ctx, key, s.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := s.locks.Release(ctx, key, token); err != nil {
			s.logger.Warn("release close lock", slog.String("key", key), slog.Any("error", err))
		}
	}()

	if err := s.store.SetStatus(ctx, conversationID, StatusClosed); err != nil {
		return err
	}
	s.logger.Info("closed conversation", slog.String("conversation_id", conversationID))
	return nil
}

// Snooze pauses a conversation without ending it. Snoozed threads still accept
// inbound routing, so no lock is needed.
func (s *Service) Snooze(ctx context.Context, conversationID string) error {
	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == StatusClosed {
		return fmt.Errorf("conversation %s is closed", conversationID)
	}
	return s.store.SetStatus(ctx, conversationID, StatusSnoozed)
}

// Reopen moves a snoozed conversation back to open. Closed stays closed.
func (s *Service) Reopen(ctx context.Context, conversationID string) error {
	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == StatusClosed {
		return fmt.Errorf("conversation %s is closed", conversationID)
	}
	return s.store.SetStatus(ctx, conversationID, StatusOpen)
}

// Reply persists an outbound message as delivery-pending and hands it to the
// dispatcher. Delivery status is updated asynchronously by the send worker.
func (s *Service) Reply(ctx context.Context, conversationID string, role Role, body string) (*Message, error) {
	if body == "" {
		return nil, fmt.Errorf("reply body is required")
	}
	if role != RoleAgent && role != RoleBot {
		return nil, fmt.Errorf("unsupported reply role: %s", role)
	}
	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == StatusClosed {
		return nil, fmt.Errorf("conversation %s is closed", conversationID)
	}
	conn, err := s.connections.Get(ctx, conv.ChannelConnectionID)
	if err != nil {
		return nil, fmt.Errorf("resolve connection: %w", err)
	}

	msg := &Message{
		ConversationID:      conv.ID,
		ChannelConnectionID: conn.ID,
		Role:                role,
		Body:                body,
		DeliveryStatus:      DeliveryPending,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.store.TouchLastMessage(ctx, conv.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("touch after reply", slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}

	if err := s.dispatcher.Dispatch(ctx, conn, *conv, *msg); err != nil {
		// The message stays pending; the operator can retry the dispatch.
		if uerr := s.store.UpdateDelivery(ctx, msg.ID, DeliveryFailed, err.Error()); uerr != nil {
			s.logger.Error("mark dispatch failure", slog.String("message_id", msg.ID), slog.Any("error", uerr))
		}
		return nil, fmt.Errorf("dispatch reply: %w", err)
	}
	return msg, nil
}
