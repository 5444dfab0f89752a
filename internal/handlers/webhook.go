package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chatdock/chatdock/internal/channel"
	"github.com/chatdock/chatdock/internal/config"
	"github.com/chatdock/chatdock/internal/event"
	"github.com/chatdock/chatdock/internal/vault"
)

// maxWebhookBody caps webhook payload reads. Providers send small JSON
// bodies; anything larger is hostile.
const maxWebhookBody = 1 << 20

// Enqueuer accepts canonical events for ordered processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev event.Event) (int64, error)
}

// ConnectionResolver resolves per-channel connections and their secrets for
// providers that sign with per-channel credentials.
type ConnectionResolver interface {
	Resolve(ctx context.Context, provider event.Provider, externalChannelID string) (vault.Connection, error)
	Credentials(conn vault.Connection) (map[string]string, error)
}

// WebhookHandler is the ingestion gateway: one POST route per provider, each
// doing verify -> parse -> enqueue -> 200. Persistence and routing happen
// later in the worker; the gateway only guarantees the event is durably
// queued.
type WebhookHandler struct {
	registry    *channel.Registry
	queue       Enqueuer
	connections ConnectionResolver
	providers   config.ProvidersConfig
	logger      *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, registry *channel.Registry, queue Enqueuer, connections ConnectionResolver, providers config.ProvidersConfig) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		registry:    registry,
		queue:       queue,
		connections: connections,
		providers:   providers,
		logger:      log.With(slog.String("service", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/messenger", h.verifySubscription(h.providers.Messenger))
	e.POST("/webhooks/messenger", h.graphWebhook(event.ProviderMessenger, h.providers.Messenger))
	e.GET("/webhooks/instagram", h.verifySubscription(h.providers.Instagram))
	e.POST("/webhooks/instagram", h.graphWebhook(event.ProviderInstagram, h.providers.Instagram))
	e.POST("/webhooks/telegram/:channel_id", h.telegramWebhook)
	e.POST("/webhooks/widget/:channel_id", h.widgetWebhook)
}

// verifySubscription answers the Graph subscription handshake: echo the
// challenge when the verify token matches.
func (h *WebhookHandler) verifySubscription(app config.ProviderAppConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		mode := c.QueryParam("hub.mode")
		token := c.QueryParam("hub.verify_token")
		if mode != "subscribe" || !channel.SecretEqual(token, app.VerifyToken) {
			return errorJSON(c, http.StatusForbidden, "verification failed")
		}
		return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
	}
}

func (h *WebhookHandler) graphWebhook(provider event.Provider, app config.ProviderAppConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		adapter, ok := h.registry.Get(provider)
		if !ok {
			return errorJSON(c, http.StatusNotFound, "unknown provider")
		}
		body, err := readBody(c)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "unreadable body")
		}
		signature := c.Request().Header.Get("X-Hub-Signature-256")
		if !adapter.VerifySignature(body, signature, app.AppSecret) {
			h.logger.Warn("rejected webhook: bad signature", slog.String("provider", provider.String()))
			return errorJSON(c, http.StatusUnauthorized, "invalid signature")
		}
		events, err := adapter.Parse(body)
		if err != nil {
			return h.malformed(c, provider, err)
		}
		return h.enqueueAll(c, provider, events)
	}
}

// telegramWebhook authenticates with the per-channel secret token. The update
// payload does not name the bot it was sent to, so the channel id comes from
// the registered webhook URL.
func (h *WebhookHandler) telegramWebhook(c echo.Context) error {
	adapter, ok := h.registry.Get(event.ProviderTelegram)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "unknown provider")
	}
	channelID := c.Param("channel_id")
	secret, ok, err := h.channelSecret(c, event.ProviderTelegram, channelID, "webhook_secret")
	if err != nil || !ok {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "unreadable body")
	}
	token := c.Request().Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if !adapter.VerifySignature(body, token, secret) {
		h.logger.Warn("rejected webhook: bad secret token", slog.String("provider", "telegram"))
		return errorJSON(c, http.StatusUnauthorized, "invalid secret token")
	}
	events, err := adapter.Parse(body)
	if err != nil {
		return h.malformed(c, event.ProviderTelegram, err)
	}
	for i := range events {
		events[i].ExternalChannelID = channelID
		if err := events[i].Validate(); err != nil {
			return h.malformed(c, event.ProviderTelegram, err)
		}
	}
	return h.enqueueAll(c, event.ProviderTelegram, events)
}

func (h *WebhookHandler) widgetWebhook(c echo.Context) error {
	adapter, ok := h.registry.Get(event.ProviderWebWidget)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "unknown provider")
	}
	channelID := c.Param("channel_id")
	secret, ok, err := h.channelSecret(c, event.ProviderWebWidget, channelID, "hmac_secret")
	if err != nil || !ok {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "unreadable body")
	}
	signature := c.Request().Header.Get("X-Widget-Signature")
	if !adapter.VerifySignature(body, signature, secret) {
		h.logger.Warn("rejected webhook: bad signature", slog.String("provider", "webwidget"))
		return errorJSON(c, http.StatusUnauthorized, "invalid signature")
	}
	events, err := adapter.Parse(body)
	if err != nil {
		return h.malformed(c, event.ProviderWebWidget, err)
	}
	for i := range events {
		// The URL names the channel; the payload must not redirect it.
		events[i].ExternalChannelID = channelID
		if err := events[i].Validate(); err != nil {
			return h.malformed(c, event.ProviderWebWidget, err)
		}
	}
	return h.enqueueAll(c, event.ProviderWebWidget, events)
}

// channelSecret resolves the connection named by the URL and returns the
// credential the provider signs with. The success path returns (secret, true,
// nil); otherwise the response has already been written.
func (h *WebhookHandler) channelSecret(c echo.Context, provider event.Provider, channelID, key string) (string, bool, error) {
	conn, err := h.connections.Resolve(c.Request().Context(), provider, channelID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return "", false, errorJSON(c, http.StatusNotFound, "unknown channel")
		}
		return "", false, errorJSON(c, http.StatusInternalServerError, "connection lookup failed")
	}
	creds, err := h.connections.Credentials(conn)
	if err != nil {
		return "", false, errorJSON(c, http.StatusInternalServerError, "credential unseal failed")
	}
	secret := creds[key]
	if secret == "" {
		h.logger.Error("channel missing webhook secret",
			slog.String("provider", provider.String()),
			slog.String("connection_id", conn.ID))
		return "", false, errorJSON(c, http.StatusUnauthorized, "channel not verifiable")
	}
	return secret, true, nil
}

func (h *WebhookHandler) malformed(c echo.Context, provider event.Provider, err error) error {
	h.logger.Warn("rejected webhook: malformed payload",
		slog.String("provider", provider.String()),
		slog.Any("error", err))
	return errorJSON(c, http.StatusBadRequest, "malformed payload")
}

func (h *WebhookHandler) enqueueAll(c echo.Context, provider event.Provider, events []event.Event) error {
	ctx := c.Request().Context()
	for _, ev := range events {
		if _, err := h.queue.Enqueue(ctx, ev); err != nil {
			h.logger.Error("enqueue event",
				slog.String("provider", provider.String()),
				slog.String("job_key", ev.JobKey()),
				slog.Any("error", err))
			// 500 makes the provider redeliver; dedup absorbs the replay.
			return errorJSON(c, http.StatusInternalServerError, "enqueue failed")
		}
	}
	return c.JSON(http.StatusOK, map[string]int{"accepted": len(events)})
}

func readBody(c echo.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
}
