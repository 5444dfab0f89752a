package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdock/chatdock/internal/channel"
	"github.com/chatdock/chatdock/internal/channel/adapters/instagram"
	"github.com/chatdock/chatdock/internal/channel/adapters/messenger"
	"github.com/chatdock/chatdock/internal/channel/adapters/telegram"
	"github.com/chatdock/chatdock/internal/channel/adapters/webwidget"
	"github.com/chatdock/chatdock/internal/config"
	"github.com/chatdock/chatdock/internal/event"
	"github.com/chatdock/chatdock/internal/vault"
)

type fakeQueue struct {
	mu     sync.Mutex
	events []event.Event
}

func (q *fakeQueue) Enqueue(_ context.Context, ev event.Event) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
	return int64(len(q.events)), nil
}

type fakeConnections struct {
	conns map[string]vault.Connection
	creds map[string]map[string]string
}

func (f *fakeConnections) Resolve(_ context.Context, provider event.Provider, externalChannelID string) (vault.Connection, error) {
	conn, ok := f.conns[string(provider)+"/"+externalChannelID]
	if !ok {
		return vault.Connection{}, vault.ErrNotFound
	}
	return conn, nil
}

func (f *fakeConnections) Credentials(conn vault.Connection) (map[string]string, error) {
	return f.creds[conn.ID], nil
}

const appSecret = "app-secret"

func newWebhookEnv(t *testing.T) (*echo.Echo, *fakeQueue) {
	t.Helper()
	reg := channel.NewRegistry()
	reg.MustRegister(messenger.New(""))
	reg.MustRegister(instagram.New(""))
	reg.MustRegister(telegram.New())
	reg.MustRegister(webwidget.New())

	queue := &fakeQueue{}
	connections := &fakeConnections{
		conns: map[string]vault.Connection{
			"telegram/bot-1":  {ID: "conn-tg", Provider: event.ProviderTelegram, ExternalChannelID: "bot-1", Active: true},
			"webwidget/web-1": {ID: "conn-ww", Provider: event.ProviderWebWidget, ExternalChannelID: "web-1", Active: true},
		},
		creds: map[string]map[string]string{
			"conn-tg": {"bot_token": "t", "webhook_secret": "tg-secret"},
			"conn-ww": {"hmac_secret": "ww-secret"},
		},
	}
	providers := config.ProvidersConfig{
		Messenger: config.ProviderAppConfig{AppSecret: appSecret, VerifyToken: "verify-me"},
		Instagram: config.ProviderAppConfig{AppSecret: appSecret, VerifyToken: "verify-me"},
	}

	e := echo.New()
	NewWebhookHandler(nil, reg, queue, connections, providers).Register(e)
	return e, queue
}

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func post(e *echo.Echo, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const messengerBody = `{
	"object": "page",
	"entry": [
		{"id": "page-1", "time": 1700000000000, "messaging": [
			{"sender": {"id": "cust-1"}, "recipient": {"id": "page-1"}, "timestamp": 1700000000000,
			 "message": {"mid": "m-1", "text": "hello"}}
		]},
		{"id": "page-2", "time": 1700000000000, "messaging": [
			{"sender": {"id": "cust-2"}, "recipient": {"id": "page-2"}, "timestamp": 1700000000000,
			 "message": {"mid": "m-2", "text": "hi there"}}
		]}
	]
}`

func TestMessengerWebhookAcceptsSignedDelivery(t *testing.T) {
	e, queue := newWebhookEnv(t)

	rec := post(e, "/webhooks/messenger", messengerBody, map[string]string{
		"X-Hub-Signature-256": "sha256=" + sign(messengerBody, appSecret),
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, queue.events, 2)
	assert.Equal(t, "page-1", queue.events[0].ExternalChannelID)
	assert.Equal(t, "page-2", queue.events[1].ExternalChannelID)
	assert.Equal(t, event.ProviderMessenger, queue.events[0].Provider)
}

func TestMessengerWebhookRejectsBadSignature(t *testing.T) {
	e, queue := newWebhookEnv(t)

	rec := post(e, "/webhooks/messenger", messengerBody, map[string]string{
		"X-Hub-Signature-256": "sha256=" + sign(messengerBody, "wrong-secret"),
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, queue.events, "nothing may be enqueued on auth failure")
}

func TestMessengerWebhookRejectsMissingSignature(t *testing.T) {
	e, queue := newWebhookEnv(t)

	rec := post(e, "/webhooks/messenger", messengerBody, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, queue.events)
}

func TestMessengerWebhookRejectsMalformedBody(t *testing.T) {
	e, queue := newWebhookEnv(t)
	body := `{"object": "page", "entry": "not-an-array"}`

	rec := post(e, "/webhooks/messenger", body, map[string]string{
		"X-Hub-Signature-256": "sha256=" + sign(body, appSecret),
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, queue.events)
}

func TestMessengerSubscriptionVerification(t *testing.T) {
	e, _ := newWebhookEnv(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/messenger?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=challenge-123", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "challenge-123", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet,
		"/webhooks/messenger?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=challenge-123", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

const telegramBody = `{
	"update_id": 10,
	"message": {
		"message_id": 7,
		"from": {"id": 99, "first_name": "Dana", "username": "dana"},
		"chat": {"id": 99, "type": "private"},
		"date": 1700000000,
		"text": "hello bot"
	}
}`

func TestTelegramWebhookFillsChannelFromURL(t *testing.T) {
	e, queue := newWebhookEnv(t)

	rec := post(e, "/webhooks/telegram/bot-1", telegramBody, map[string]string{
		"X-Telegram-Bot-Api-Secret-Token": "tg-secret",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, queue.events, 1)
	assert.Equal(t, "bot-1", queue.events[0].ExternalChannelID)
	assert.Equal(t, event.ProviderTelegram, queue.events[0].Provider)
	assert.Equal(t, "hello bot", queue.events[0].Body)
}

func TestTelegramWebhookRejectsWrongSecretToken(t *testing.T) {
	e, queue := newWebhookEnv(t)

	rec := post(e, "/webhooks/telegram/bot-1", telegramBody, map[string]string{
		"X-Telegram-Bot-Api-Secret-Token": "nope",
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, queue.events)
}

func TestTelegramWebhookUnknownChannel(t *testing.T) {
	e, queue := newWebhookEnv(t)

	rec := post(e, "/webhooks/telegram/bot-unknown", telegramBody, map[string]string{
		"X-Telegram-Bot-Api-Secret-Token": "tg-secret",
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, queue.events)
}

const widgetBody = `{
	"channel_id": "web-1",
	"message_id": "w-1",
	"visitor": {"id": "visitor-7", "name": "Sam"},
	"body": "is anyone there?",
	"sent_at": "2026-08-30T10:00:00Z"
}`

func TestWidgetWebhookAcceptsSignedDelivery(t *testing.T) {
	e, queue := newWebhookEnv(t)

	rec := post(e, "/webhooks/widget/web-1", widgetBody, map[string]string{
		"X-Widget-Signature": sign(widgetBody, "ww-secret"),
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, queue.events, 1)
	assert.Equal(t, "web-1", queue.events[0].ExternalChannelID)
	assert.Equal(t, "visitor-7", queue.events[0].ExternalSenderID)
}

func TestWidgetWebhookRejectsBadSignature(t *testing.T) {
	e, queue := newWebhookEnv(t)

	rec := post(e, "/webhooks/widget/web-1", widgetBody, map[string]string{
		"X-Widget-Signature": sign(widgetBody, "wrong"),
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, queue.events)
}
