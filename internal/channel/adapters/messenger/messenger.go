// Package messenger adapts Facebook Messenger page webhooks.
package messenger

import (
	"context"
	"strings"

	"github.com/chatdock/chatdock/internal/channel"
	"github.com/chatdock/chatdock/internal/channel/adapters/graph"
	"github.com/chatdock/chatdock/internal/event"
)

// credential key holding the page access token.
const credAccessToken = "access_token"

type Adapter struct {
	client *graph.Client
}

// New creates a Messenger adapter. baseURL overrides the Graph endpoint in
// tests; pass "" for production.
func New(baseURL string) *Adapter {
	return &Adapter{client: graph.NewClient(baseURL)}
}

func (a *Adapter) Provider() event.Provider {
	return event.ProviderMessenger
}

// VerifySignature checks the X-Hub-Signature-256 header, an HMAC-SHA256 of the
// raw body under the app secret.
func (a *Adapter) VerifySignature(body []byte, signature, secret string) bool {
	return channel.VerifyHMACHex(body, signature, graph.SignaturePrefix, secret)
}

func (a *Adapter) Parse(body []byte) ([]event.Event, error) {
	return graph.Parse(event.ProviderMessenger, "page", body)
}

func (a *Adapter) Send(ctx context.Context, creds map[string]string, recipientID, text string) error {
	return a.client.Send(ctx, strings.TrimSpace(creds[credAccessToken]), recipientID, text)
}
