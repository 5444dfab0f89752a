// Package webwidget adapts the embeddable website chat widget.
//
// Widget messages arrive through the platform's own edge, so the payload is
// already close to canonical: one message per delivery, signed with the
// per-channel widget secret.
package webwidget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chatdock/chatdock/internal/channel"
	"github.com/chatdock/chatdock/internal/event"
)

// credential keys stored on a widget channel connection.
const (
	credHMACSecret = "hmac_secret"
	credPushURL    = "push_url"
	credPushToken  = "push_token"
)

type payload struct {
	ChannelID string  `json:"channel_id"`
	MessageID string  `json:"message_id"`
	Visitor   visitor `json:"visitor"`
	Body      string  `json:"body"`
	SentAt    string  `json:"sent_at"`
}

type visitor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Adapter struct {
	httpClient *http.Client
}

func New() *Adapter {
	return &Adapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Adapter) Provider() event.Provider {
	return event.ProviderWebWidget
}

// VerifySignature checks the X-Widget-Signature header, a plain hex
// HMAC-SHA256 of the raw body under the channel's widget secret.
func (a *Adapter) VerifySignature(body []byte, signature, secret string) bool {
	return channel.VerifyHMACHex(body, signature, "", secret)
}

func (a *Adapter) Parse(body []byte) ([]event.Event, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrMalformedPayload, err)
	}

	sentAt, err := time.Parse(time.RFC3339, strings.TrimSpace(p.SentAt))
	if err != nil {
		sentAt = time.Now().UTC()
	}

	ev := event.Event{
		Provider:          event.ProviderWebWidget,
		ExternalChannelID: strings.TrimSpace(p.ChannelID),
		ExternalSenderID:  strings.TrimSpace(p.Visitor.ID),
		SenderName:        strings.TrimSpace(p.Visitor.Name),
		ProviderMessageID: strings.TrimSpace(p.MessageID),
		SentAt:            sentAt.UTC(),
		Body:              strings.TrimSpace(p.Body),
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.Body == "" {
		return nil, fmt.Errorf("%w: empty body", event.ErrMalformedPayload)
	}
	return []event.Event{ev}, nil
}

type pushRequest struct {
	VisitorID string `json:"visitor_id"`
	Body      string `json:"body"`
}

// Send pushes an agent reply back to the visitor through the widget's
// realtime push endpoint.
func (a *Adapter) Send(ctx context.Context, creds map[string]string, recipientID, text string) error {
	pushURL := strings.TrimSpace(creds[credPushURL])
	if pushURL == "" {
		return fmt.Errorf("widget push_url is required")
	}
	body, err := json.Marshal(pushRequest{VisitorID: recipientID, Body: text})
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(creds[credPushToken]); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("widget push: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("widget push failed (status %d)", resp.StatusCode)
	}
	return nil
}
