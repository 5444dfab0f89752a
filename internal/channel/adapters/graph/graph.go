// Package graph implements the shared webhook payload shape and send API used
// by Meta's Graph-style messaging providers (Messenger, Instagram DM).
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chatdock/chatdock/internal/event"
)

// SignaturePrefix is the scheme tag Meta prepends to the X-Hub-Signature-256 header.
const SignaturePrefix = "sha256="

const defaultBaseURL = "https://graph.facebook.com/v19.0"

// Payload is the envelope of one webhook delivery. A delivery batches entries
// per channel (page/account); entries in one delivery can belong to different
// tenants.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry carries the events for a single channel id.
type Entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []Messaging `json:"messaging"`
}

// Messaging is one direct-message event inside an entry.
type Messaging struct {
	Sender    Party    `json:"sender"`
	Recipient Party    `json:"recipient"`
	Timestamp int64    `json:"timestamp"`
	Message   *Message `json:"message"`
}

// Party identifies a sender or recipient; Username is only populated on some
// Instagram payloads.
type Party struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// Message is the message body of a messaging event.
type Message struct {
	MID    string `json:"mid"`
	Text   string `json:"text"`
	IsEcho bool   `json:"is_echo,omitempty"`
}

// Parse converts a Graph webhook body into canonical events, splitting per
// entry so each event resolves to exactly one channel connection. Non-message
// events (delivery receipts, read receipts, echoes of our own sends) are
// skipped, not errors.
func Parse(provider event.Provider, wantObject string, body []byte) ([]event.Event, error) {
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrMalformedPayload, err)
	}
	if !strings.EqualFold(strings.TrimSpace(payload.Object), wantObject) {
		return nil, fmt.Errorf("%w: unexpected object %q", event.ErrMalformedPayload, payload.Object)
	}
	if len(payload.Entry) == 0 {
		return nil, fmt.Errorf("%w: no entries", event.ErrMalformedPayload)
	}

	events := make([]event.Event, 0, len(payload.Entry))
	for _, entry := range payload.Entry {
		channelID := strings.TrimSpace(entry.ID)
		if channelID == "" {
			return nil, fmt.Errorf("%w: entry without id", event.ErrMalformedPayload)
		}
		for _, item := range entry.Messaging {
			if item.Message == nil || item.Message.IsEcho {
				continue
			}
			text := strings.TrimSpace(item.Message.Text)
			if text == "" {
				continue
			}
			ev := event.Event{
				Provider:          provider,
				ExternalChannelID: channelID,
				ExternalSenderID:  strings.TrimSpace(item.Sender.ID),
				SenderName:        strings.TrimSpace(item.Sender.Username),
				ProviderMessageID: strings.TrimSpace(item.Message.MID),
				SentAt:            time.UnixMilli(item.Timestamp).UTC(),
				Body:              text,
			}
			if err := ev.Validate(); err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// Client sends outbound messages through the Graph send API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a Graph send client. baseURL overrides the production
// endpoint in tests; pass "" for the default.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type sendRequest struct {
	Recipient Party    `json:"recipient"`
	Message   sendText `json:"message"`
}

type sendText struct {
	Text string `json:"text"`
}

// RateLimitedError marks a send rejected with a retryable throttle status.
type RateLimitedError struct {
	Status int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("graph send rate limited (status %d)", e.Status)
}

// ThrottleDelay is zero: the Graph API gives no retry-after hint.
func (e *RateLimitedError) ThrottleDelay() time.Duration { return 0 }

// PermanentError marks a send the provider rejected for good.
type PermanentError struct {
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("graph send rejected (status %d): %s", e.Status, e.Body)
}

func (e *PermanentError) PermanentFailure() {}

// Send posts one text message to recipientID using the page access token.
func (c *Client) Send(ctx context.Context, accessToken, recipientID, text string) error {
	payload, err := json.Marshal(sendRequest{
		Recipient: Party{ID: recipientID},
		Message:   sendText{Text: text},
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	url := c.baseURL + "/me/messages?access_token=" + accessToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitedError{Status: resp.StatusCode}
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &PermanentError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return fmt.Errorf("graph send failed (status %d)", resp.StatusCode)
}
