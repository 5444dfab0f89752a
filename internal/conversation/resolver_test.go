package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdock/chatdock/internal/channel"
	"github.com/chatdock/chatdock/internal/channel/adapters/instagram"
	"github.com/chatdock/chatdock/internal/event"
	"github.com/chatdock/chatdock/internal/lock"
	"github.com/chatdock/chatdock/internal/vault"
)

type stubAdapter struct {
	provider event.Provider
	aliases  func(event.Event) []string
}

func (a *stubAdapter) Provider() event.Provider { return a.provider }

func (a *stubAdapter) VerifySignature([]byte, string, string) bool { return true }

func (a *stubAdapter) Parse([]byte) ([]event.Event, error) { return nil, nil }

func (a *stubAdapter) SecondaryAliases(ev event.Event) []string {
	if a.aliases == nil {
		return nil
	}
	return a.aliases(ev)
}

func testRegistry(t *testing.T, adapters ...channel.Adapter) *channel.Registry {
	t.Helper()
	reg := channel.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}
	return reg
}

func testConnection() vault.Connection {
	return vault.Connection{
		ID:                "0c9f1f1e-5b3a-4a39-9a9f-000000000001",
		TenantID:          "0c9f1f1e-5b3a-4a39-9a9f-000000000002",
		Provider:          event.ProviderMessenger,
		ExternalChannelID: "page-1",
		Active:            true,
	}
}

func inboundEvent(messageID, senderID string) event.Event {
	return event.Event{
		Provider:          event.ProviderMessenger,
		ExternalChannelID: "page-1",
		ExternalSenderID:  senderID,
		SenderName:        "Dana",
		ProviderMessageID: messageID,
		SentAt:            time.Now().UTC(),
		Body:              "hello",
	}
}

func TestProcessEventOpensConversation(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(nil, store, testRegistry(t, &stubAdapter{provider: event.ProviderMessenger}))

	res, err := r.ProcessEvent(context.Background(), testConnection(), inboundEvent("m-1", "cust-1"))
	require.NoError(t, err)
	require.True(t, res.Created)
	require.NotNil(t, res.Conversation)
	assert.Equal(t, StatusOpen, res.Conversation.Status)
	assert.Equal(t, "cust-1", res.Conversation.ExternalCustomerID)
	assert.Equal(t, "Dana", res.Conversation.CustomerName)
	require.NotNil(t, res.Message)
	assert.Equal(t, RoleCustomer, res.Message.Role)
	assert.Equal(t, "m-1", res.Message.ProviderMessageID)
}

func TestProcessEventReusesActiveConversation(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(nil, store, testRegistry(t, &stubAdapter{provider: event.ProviderMessenger}))
	ctx := context.Background()
	conn := testConnection()

	first, err := r.ProcessEvent(ctx, conn, inboundEvent("m-1", "cust-1"))
	require.NoError(t, err)

	second, err := r.ProcessEvent(ctx, conn, inboundEvent("m-2", "cust-1"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)

	msgs, err := store.ListMessages(ctx, first.Conversation.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestProcessEventReusesSnoozedConversation(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(nil, store, testRegistry(t, &stubAdapter{provider: event.ProviderMessenger}))
	ctx := context.Background()
	conn := testConnection()

	first, err := r.ProcessEvent(ctx, conn, inboundEvent("m-1", "cust-1"))
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, first.Conversation.ID, StatusSnoozed))

	second, err := r.ProcessEvent(ctx, conn, inboundEvent("m-2", "cust-1"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
}

func TestProcessEventAfterCloseOpensNewConversation(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(nil, store, testRegistry(t, &stubAdapter{provider: event.ProviderMessenger}))
	ctx := context.Background()
	conn := testConnection()

	first, err := r.ProcessEvent(ctx, conn, inboundEvent("m-1", "cust-1"))
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, first.Conversation.ID, StatusClosed))

	second, err := r.ProcessEvent(ctx, conn, inboundEvent("m-2", "cust-1"))
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.Conversation.ID, second.Conversation.ID)
}

func TestProcessEventDropsDuplicate(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(nil, store, testRegistry(t, &stubAdapter{provider: event.ProviderMessenger}))
	ctx := context.Background()
	conn := testConnection()

	first, err := r.ProcessEvent(ctx, conn, inboundEvent("m-1", "cust-1"))
	require.NoError(t, err)

	dup, err := r.ProcessEvent(ctx, conn, inboundEvent("m-1", "cust-1"))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Nil(t, dup.Message)

	msgs, err := store.ListMessages(ctx, first.Conversation.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestProcessEventDuplicateAcrossClosedConversation(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(nil, store, testRegistry(t, &stubAdapter{provider: event.ProviderMessenger}))
	ctx := context.Background()
	conn := testConnection()

	first, err := r.ProcessEvent(ctx, conn, inboundEvent("m-1", "cust-1"))
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, first.Conversation.ID, StatusClosed))

	// Same provider message id redelivered after the thread closed: still a
	// duplicate, no new conversation.
	dup, err := r.ProcessEvent(ctx, conn, inboundEvent("m-1", "cust-1"))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
}

func instagramConnection() vault.Connection {
	return vault.Connection{
		ID:                "0c9f1f1e-5b3a-4a39-9a9f-000000000003",
		TenantID:          "0c9f1f1e-5b3a-4a39-9a9f-000000000002",
		Provider:          event.ProviderInstagram,
		ExternalChannelID: "ig-1",
		Active:            true,
	}
}

func instagramEvent(messageID, senderID, handle string) event.Event {
	return event.Event{
		Provider:          event.ProviderInstagram,
		ExternalChannelID: "ig-1",
		ExternalSenderID:  senderID,
		SenderName:        handle,
		ProviderMessageID: messageID,
		SentAt:            time.Now().UTC(),
		Body:              "hello",
	}
}

// Instagram hands out different scoped sender ids for the same human across
// entry points. The handle reattaches them to their open conversation instead
// of opening a parallel one.
func TestProcessEventSecondaryAliasMatch(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(nil, store, testRegistry(t, instagram.New("")))
	ctx := context.Background()
	conn := instagramConnection()

	first, err := r.ProcessEvent(ctx, conn, instagramEvent("m-1", "scoped-a", "dana"))
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := r.ProcessEvent(ctx, conn, instagramEvent("m-2", "scoped-b", "dana"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)

	msgs, err := store.ListMessages(ctx, first.Conversation.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestProcessEventSecondaryAliasSkipsClosed(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(nil, store, testRegistry(t, instagram.New("")))
	ctx := context.Background()
	conn := instagramConnection()

	first, err := r.ProcessEvent(ctx, conn, instagramEvent("m-1", "scoped-a", "dana"))
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, first.Conversation.ID, StatusClosed))

	res, err := r.ProcessEvent(ctx, conn, instagramEvent("m-2", "scoped-b", "dana"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEqual(t, first.Conversation.ID, res.Conversation.ID)
}

// A handle shared with a different customer's display name on another channel
// must not cross connections.
func TestProcessEventSecondaryAliasScopedToConnection(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(nil, store, testRegistry(t, instagram.New(""), &stubAdapter{provider: event.ProviderMessenger}))
	ctx := context.Background()

	messengerRes, err := r.ProcessEvent(ctx, testConnection(), inboundEvent("m-1", "cust-1"))
	require.NoError(t, err)

	res, err := r.ProcessEvent(ctx, instagramConnection(), instagramEvent("m-2", "scoped-a", "Dana"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEqual(t, messengerRes.Conversation.ID, res.Conversation.ID)
}

func TestProcessEventRejectsInvalidEvent(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(nil, store, testRegistry(t, &stubAdapter{provider: event.ProviderMessenger}))

	ev := inboundEvent("m-1", "cust-1")
	ev.ProviderMessageID = ""
	_, err := r.ProcessEvent(context.Background(), testConnection(), ev)
	assert.ErrorIs(t, err, event.ErrMalformedPayload)
}

// Concurrent events for the same customer, each processed under the per-key
// lock, must land in a single conversation.
func TestProcessEventConcurrentSameKey(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(nil, store, testRegistry(t, &stubAdapter{provider: event.ProviderMessenger}))
	locks := lock.NewMemoryCoordinator(5 * time.Second)
	ctx := context.Background()
	conn := testConnection()

	const workers = 6
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := inboundEvent("m-"+string(rune('a'+i)), "cust-1")
			token, err := locks.Acquire(ctx, ev.JobKey(), time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			defer func() { _ = locks.Release(ctx, ev.JobKey(), token) }()
			if _, err := r.ProcessEvent(ctx, conn, ev); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	var convIDs []string
	for i := 0; i < workers; i++ {
		conv, err := store.FindActive(ctx, conn.ID, "cust-1")
		require.NoError(t, err)
		convIDs = append(convIDs, conv.ID)
	}
	for _, id := range convIDs {
		assert.Equal(t, convIDs[0], id)
	}
	msgs, err := store.ListMessages(ctx, convIDs[0], 20)
	require.NoError(t, err)
	assert.Len(t, msgs, workers)
}
