// Package telegram adapts Telegram bot webhooks.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/chatdock/chatdock/internal/channel"
	"github.com/chatdock/chatdock/internal/event"
)

// credential keys stored on a telegram channel connection.
const (
	credBotToken      = "bot_token"
	credWebhookSecret = "webhook_secret"
)

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Provider() event.Provider {
	return event.ProviderTelegram
}

// VerifySignature compares the X-Telegram-Bot-Api-Secret-Token header with the
// per-channel webhook secret. Telegram sends a static token rather than a body
// HMAC; the compare is still constant-time.
func (a *Adapter) VerifySignature(_ []byte, signature, secret string) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	return channel.SecretEqual(strings.TrimSpace(signature), secret)
}

// Parse converts one Update into at most one canonical event. Telegram routes
// webhooks per bot, so the payload carries no channel id: the gateway fills
// ExternalChannelID from the connection it resolved the secret against.
func (a *Adapter) Parse(body []byte) ([]event.Event, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrMalformedPayload, err)
	}
	if update.UpdateID == 0 && update.Message == nil {
		return nil, fmt.Errorf("%w: not a telegram update", event.ErrMalformedPayload)
	}
	msg := update.Message
	if msg == nil || msg.From == nil {
		return nil, nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return nil, nil
	}

	name := strings.TrimSpace(msg.From.UserName)
	if name == "" {
		name = strings.TrimSpace(strings.TrimSpace(msg.From.FirstName) + " " + strings.TrimSpace(msg.From.LastName))
	}

	ev := event.Event{
		Provider:          event.ProviderTelegram,
		ExternalSenderID:  strconv.FormatInt(msg.From.ID, 10),
		SenderName:        name,
		ProviderMessageID: strconv.Itoa(msg.MessageID),
		SentAt:            time.Unix(int64(msg.Date), 0).UTC(),
		Body:              text,
	}
	return []event.Event{ev}, nil
}

func (a *Adapter) Send(ctx context.Context, creds map[string]string, recipientID, text string) error {
	token := strings.TrimSpace(creds[credBotToken])
	if token == "" {
		return fmt.Errorf("telegram bot_token is required")
	}
	chatID, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram recipient must be a chat id: %w", err)
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, httpClientFromContext(ctx))
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	message := tgbotapi.NewMessage(chatID, text)
	if _, err := bot.Send(message); err != nil {
		return classifySendError(err)
	}
	return nil
}

// SecondaryAliases matches a customer back to an open conversation by their
// username handle when the numeric id has not been seen before.
func (a *Adapter) SecondaryAliases(ev event.Event) []string {
	handle := strings.TrimSpace(ev.SenderName)
	if handle == "" || strings.Contains(handle, " ") {
		return nil
	}
	return []string{handle}
}
