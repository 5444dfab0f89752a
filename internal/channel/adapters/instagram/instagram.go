// Package instagram adapts Instagram direct-message webhooks.
package instagram

import (
	"context"
	"strings"

	"github.com/chatdock/chatdock/internal/channel"
	"github.com/chatdock/chatdock/internal/channel/adapters/graph"
	"github.com/chatdock/chatdock/internal/event"
)

const credAccessToken = "access_token"

type Adapter struct {
	client *graph.Client
}

// New creates an Instagram adapter. baseURL overrides the Graph endpoint in
// tests; pass "" for production.
func New(baseURL string) *Adapter {
	return &Adapter{client: graph.NewClient(baseURL)}
}

func (a *Adapter) Provider() event.Provider {
	return event.ProviderInstagram
}

// VerifySignature checks the X-Hub-Signature-256 header against the app secret.
func (a *Adapter) VerifySignature(body []byte, signature, secret string) bool {
	return channel.VerifyHMACHex(body, signature, graph.SignaturePrefix, secret)
}

func (a *Adapter) Parse(body []byte) ([]event.Event, error) {
	return graph.Parse(event.ProviderInstagram, "instagram", body)
}

func (a *Adapter) Send(ctx context.Context, creds map[string]string, recipientID, text string) error {
	return a.client.Send(ctx, strings.TrimSpace(creds[credAccessToken]), recipientID, text)
}

// SecondaryAliases lets the resolver fall back to the sender's username
// handle. Instagram scoped ids can differ across entry points while the
// handle stays stable, so a handle match reattaches the customer to their
// open conversation instead of opening a parallel one. Closed conversations
// are never candidates for this pass.
func (a *Adapter) SecondaryAliases(ev event.Event) []string {
	handle := strings.TrimSpace(ev.SenderName)
	if handle == "" {
		return nil
	}
	return []string{handle}
}
