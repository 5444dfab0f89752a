package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdock/chatdock/internal/channel"
	"github.com/chatdock/chatdock/internal/channel/adapters/telegram"
	"github.com/chatdock/chatdock/internal/conversation"
	"github.com/chatdock/chatdock/internal/event"
	"github.com/chatdock/chatdock/internal/vault"
)

type stubSender struct {
	provider event.Provider
	sendErr  error
	sent     []string
	creds    map[string]string
}

func (s *stubSender) Provider() event.Provider                     { return s.provider }
func (s *stubSender) VerifySignature([]byte, string, string) bool  { return true }
func (s *stubSender) Parse([]byte) ([]event.Event, error)          { return nil, nil }
func (s *stubSender) Send(_ context.Context, creds map[string]string, recipientID, body string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.creds = creds
	s.sent = append(s.sent, recipientID+":"+body)
	return nil
}

type stubCreds struct {
	conn    vault.Connection
	getErr  error
	secrets map[string]string
}

func (s *stubCreds) Get(_ context.Context, id string) (vault.Connection, error) {
	if s.getErr != nil {
		return vault.Connection{}, s.getErr
	}
	return s.conn, nil
}

func (s *stubCreds) Credentials(vault.Connection) (map[string]string, error) {
	return s.secrets, nil
}

type recordingDeliveries struct {
	statuses map[string]conversation.DeliveryStatus
	errors   map[string]string
}

func newRecordingDeliveries() *recordingDeliveries {
	return &recordingDeliveries{
		statuses: map[string]conversation.DeliveryStatus{},
		errors:   map[string]string{},
	}
}

func (r *recordingDeliveries) UpdateDelivery(_ context.Context, messageID string, status conversation.DeliveryStatus, deliveryError string) error {
	r.statuses[messageID] = status
	r.errors[messageID] = deliveryError
	return nil
}

func sendTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := NewSendTask(SendPayload{
		MessageID:         "msg-1",
		ConversationID:    "conv-1",
		ConnectionID:      "conn-1",
		Provider:          event.ProviderTelegram,
		ExternalChannelID: "bot-1",
		RecipientID:       "chat-42",
		Body:              "your order shipped",
	}, 3)
	require.NoError(t, err)
	return task
}

func newTestWorker(t *testing.T, sender *stubSender, creds *stubCreds, store *recordingDeliveries) *Worker {
	t.Helper()
	reg := channel.NewRegistry()
	require.NoError(t, reg.Register(sender))
	return NewWorker(nil, creds, store, reg, 100)
}

func activeConn() vault.Connection {
	return vault.Connection{ID: "conn-1", Provider: event.ProviderTelegram, ExternalChannelID: "bot-1", Active: true}
}

func TestHandleSendDeliversAndMarksSent(t *testing.T) {
	sender := &stubSender{provider: event.ProviderTelegram}
	creds := &stubCreds{conn: activeConn(), secrets: map[string]string{"bot_token": "t"}}
	store := newRecordingDeliveries()
	w := newTestWorker(t, sender, creds, store)

	require.NoError(t, w.HandleSend(context.Background(), sendTask(t)))

	assert.Equal(t, []string{"chat-42:your order shipped"}, sender.sent)
	assert.Equal(t, map[string]string{"bot_token": "t"}, sender.creds)
	assert.Equal(t, conversation.DeliverySent, store.statuses["msg-1"])
}

func TestHandleSendPermanentRejectionStopsRetrying(t *testing.T) {
	sender := &stubSender{
		provider: event.ProviderTelegram,
		sendErr:  &telegram.PermanentError{Code: 403, Message: "bot was blocked by the user"},
	}
	store := newRecordingDeliveries()
	w := newTestWorker(t, sender, &stubCreds{conn: activeConn()}, store)

	err := w.HandleSend(context.Background(), sendTask(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, conversation.DeliveryFailed, store.statuses["msg-1"])
	assert.Contains(t, store.errors["msg-1"], "blocked")
}

func TestHandleSendTransientFailureRetries(t *testing.T) {
	sender := &stubSender{provider: event.ProviderTelegram, sendErr: errors.New("connection reset")}
	store := newRecordingDeliveries()
	w := newTestWorker(t, sender, &stubCreds{conn: activeConn()}, store)

	err := w.HandleSend(context.Background(), sendTask(t))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, store.statuses, "delivery status must stay pending until the queue settles")
}

func TestHandleSendMissingConnectionFailsPermanently(t *testing.T) {
	store := newRecordingDeliveries()
	w := newTestWorker(t, &stubSender{provider: event.ProviderTelegram},
		&stubCreds{getErr: vault.ErrNotFound}, store)

	err := w.HandleSend(context.Background(), sendTask(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, conversation.DeliveryFailed, store.statuses["msg-1"])
}

func TestHandleSendInactiveConnectionFailsPermanently(t *testing.T) {
	conn := activeConn()
	conn.Active = false
	store := newRecordingDeliveries()
	w := newTestWorker(t, &stubSender{provider: event.ProviderTelegram},
		&stubCreds{conn: conn}, store)

	err := w.HandleSend(context.Background(), sendTask(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

// A configured send rate under one message per second still has to admit
// sends, just with spacing; a truncated zero burst would block forever.
func TestHandleSendFractionalRateStillDelivers(t *testing.T) {
	sender := &stubSender{provider: event.ProviderTelegram}
	creds := &stubCreds{conn: activeConn(), secrets: map[string]string{"bot_token": "t"}}
	store := newRecordingDeliveries()
	reg := channel.NewRegistry()
	require.NoError(t, reg.Register(sender))
	w := NewWorker(nil, creds, store, reg, 0.5)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, w.HandleSend(ctx, sendTask(t)))
	assert.Equal(t, conversation.DeliverySent, store.statuses["msg-1"])
}

func TestRetryDelayHonoursThrottleHint(t *testing.T) {
	err := &telegram.RateLimitedError{RetryAfter: 17 * time.Second}
	assert.Equal(t, 17*time.Second, RetryDelay(1, err, nil))
}

func TestRetryDelayFallsBackForOtherErrors(t *testing.T) {
	d := RetryDelay(1, errors.New("boom"), nil)
	assert.Greater(t, d, time.Duration(0))
}
