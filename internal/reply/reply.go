// Package reply calls the response-generation collaborator that drafts bot
// replies from conversation history. It is an external service; this package
// is only the client.
package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatdock/chatdock/internal/conversation"
)

// Generator drafts a reply for a conversation. An empty string with a nil
// error means the collaborator declined to answer.
type Generator interface {
	Generate(ctx context.Context, conv conversation.Conversation, history []conversation.Message) (string, error)
}

type generateRequest struct {
	ConversationID string           `json:"conversation_id"`
	CustomerName   string           `json:"customer_name,omitempty"`
	Messages       []historyMessage `json:"messages"`
}

type historyMessage struct {
	Role string `json:"role"`
	Body string `json:"body"`
}

type generateResponse struct {
	Reply string `json:"reply"`
}

// Client talks to the reply collaborator over HTTP.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(log *slog.Logger, baseURL, token string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  log.With(slog.String("service", "reply")),
	}
}

func (c *Client) Generate(ctx context.Context, conv conversation.Conversation, history []conversation.Message) (string, error) {
	req := generateRequest{
		ConversationID: conv.ID,
		CustomerName:   conv.CustomerName,
		Messages:       make([]historyMessage, 0, len(history)),
	}
	for _, m := range history {
		req.Messages = append(req.Messages, historyMessage{Role: string(m.Role), Body: m.Body})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/replies", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call reply collaborator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return "", nil
	}
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("reply collaborator status %d: %s", resp.StatusCode, respBody)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return out.Reply, nil
}
