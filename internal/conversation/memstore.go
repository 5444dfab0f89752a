package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development. InTx is
// not transactional; callers relying on rollback need the Postgres store.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      map[string]*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
	}
}

func (s *MemoryStore) InTx(_ context.Context, fn func(Store) error) error {
	return fn(s)
}

func (s *MemoryStore) FindActive(_ context.Context, connectionID, externalCustomerID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findActiveLocked(connectionID, func(c *Conversation) bool {
		return c.ExternalCustomerID == externalCustomerID
	})
}

func (s *MemoryStore) FindActiveByAliases(_ context.Context, connectionID string, aliases []string) (*Conversation, error) {
	if len(aliases) == 0 {
		return nil, ErrNotFound
	}
	want := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		want[a] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findActiveLocked(connectionID, func(c *Conversation) bool {
		if want[c.ExternalCustomerID] {
			return true
		}
		return c.CustomerName != "" && want[c.CustomerName]
	})
}

func (s *MemoryStore) findActiveLocked(connectionID string, match func(*Conversation) bool) (*Conversation, error) {
	var best *Conversation
	for _, c := range s.conversations {
		if c.ChannelConnectionID != connectionID || c.Status == StatusClosed || !match(c) {
			continue
		}
		if best == nil || c.LastMessageAt.After(best.LastMessageAt) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	clone := *best
	return &clone, nil
}

func (s *MemoryStore) Create(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	conv.ID = uuid.NewString()
	if conv.Status == "" {
		conv.Status = StatusOpen
	}
	if conv.LastMessageAt.IsZero() {
		conv.LastMessageAt = now
	}
	conv.CreatedAt = now
	conv.UpdatedAt = now
	clone := *conv
	s.conversations[conv.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (s *MemoryStore) TouchLastMessage(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MessageExists(_ context.Context, connectionID, providerMessageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageExistsLocked(connectionID, providerMessageID), nil
}

func (s *MemoryStore) messageExistsLocked(connectionID, providerMessageID string) bool {
	for _, m := range s.messages {
		if m.ChannelConnectionID == connectionID && m.ProviderMessageID == providerMessageID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ProviderMessageID != "" && s.messageExistsLocked(msg.ChannelConnectionID, msg.ProviderMessageID) {
		return ErrDuplicateMessage
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()
	clone := *msg
	s.messages[msg.ID] = &clone
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *m
	return &clone, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var msgs []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			msgs = append(msgs, *m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *MemoryStore) UpdateDelivery(_ context.Context, messageID string, status DeliveryStatus, deliveryError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	m.DeliveryStatus = status
	m.DeliveryError = deliveryError
	return nil
}
