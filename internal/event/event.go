// Package event defines the provider-agnostic representation of one inbound
// customer message, produced by channel adapters before any shared routing runs.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedPayload marks a webhook body that cannot be parsed into events.
// It is terminal: the delivery is rejected, never retried.
var ErrMalformedPayload = errors.New("malformed payload")

// Provider identifies the upstream messaging API an event came from.
type Provider string

const (
	ProviderMessenger Provider = "messenger"
	ProviderInstagram Provider = "instagram"
	ProviderTelegram  Provider = "telegram"
	ProviderWebWidget Provider = "webwidget"
)

func (p Provider) String() string { return string(p) }

// ParseProvider validates and normalizes a raw provider string.
func ParseProvider(raw string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(raw))) {
	case ProviderMessenger:
		return ProviderMessenger, nil
	case ProviderInstagram:
		return ProviderInstagram, nil
	case ProviderTelegram:
		return ProviderTelegram, nil
	case ProviderWebWidget:
		return ProviderWebWidget, nil
	}
	return "", fmt.Errorf("unsupported provider: %s", raw)
}

// Event is one canonical inbound customer message. It is transient: only the
// conversation and message rows derived from it are persisted.
type Event struct {
	Provider          Provider  `json:"provider"`
	ExternalChannelID string    `json:"external_channel_id"`
	ExternalSenderID  string    `json:"external_sender_id"`
	SenderName        string    `json:"sender_name,omitempty"`
	ProviderMessageID string    `json:"provider_message_id"`
	SentAt            time.Time `json:"sent_at"`
	Body              string    `json:"body"`
}

// Key builds the ordering/locking key shared by the ingestion queue and the
// lock coordinator: all events for one (customer, channel) pair map to it.
func Key(externalSenderID, externalChannelID string) string {
	return externalSenderID + "|" + externalChannelID
}

// JobKey returns the per-event ordering/locking key.
func (e Event) JobKey() string {
	return Key(e.ExternalSenderID, e.ExternalChannelID)
}

// Validate checks the fields routing and dedup depend on.
func (e Event) Validate() error {
	if e.Provider == "" {
		return fmt.Errorf("%w: missing provider", ErrMalformedPayload)
	}
	if strings.TrimSpace(e.ExternalChannelID) == "" {
		return fmt.Errorf("%w: missing channel id", ErrMalformedPayload)
	}
	if strings.TrimSpace(e.ExternalSenderID) == "" {
		return fmt.Errorf("%w: missing sender id", ErrMalformedPayload)
	}
	if strings.TrimSpace(e.ProviderMessageID) == "" {
		return fmt.Errorf("%w: missing message id", ErrMalformedPayload)
	}
	return nil
}
