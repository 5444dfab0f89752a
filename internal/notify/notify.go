// Package notify pushes conversation activity to downstream consumers such as
// agent dashboards. Delivery is best effort; ingestion never blocks on it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Kind names a conversation activity.
type Kind string

const (
	KindConversationOpened Kind = "conversation.opened"
	KindMessageReceived    Kind = "message.received"
	KindConversationClosed Kind = "conversation.closed"
)

// Notifier receives conversation activity. Implementations must be safe for
// concurrent use and must not panic on delivery failure.
type Notifier interface {
	Notify(ctx context.Context, tenantID, conversationID string, kind Kind)
}

// Noop discards all notifications.
type Noop struct{}

func (Noop) Notify(context.Context, string, string, Kind) {}

type payload struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	At             string `json:"at"`
}

// Webhook posts activity as JSON to a fixed endpoint, optionally with a
// bearer token.
type Webhook struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

func NewWebhook(log *slog.Logger, url, token string, timeout time.Duration) *Webhook {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		logger: log.With(slog.String("service", "notify")),
	}
}

func (w *Webhook) Notify(ctx context.Context, tenantID, conversationID string, kind Kind) {
	body, err := json.Marshal(payload{
		TenantID:       tenantID,
		ConversationID: conversationID,
		Kind:           string(kind),
		At:             time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("build notification request", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("deliver notification", slog.String("kind", string(kind)), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Warn("notification rejected",
			slog.String("kind", string(kind)),
			slog.String("status", fmt.Sprintf("%d", resp.StatusCode)))
	}
}
