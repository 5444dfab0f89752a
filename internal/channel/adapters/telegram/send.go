package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// RateLimitedError carries Telegram's requested retry-after delay.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("telegram rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitedError) ThrottleDelay() time.Duration { return e.RetryAfter }

// PermanentError marks a send the Bot API rejected for good (bad chat id,
// bot blocked by the user, malformed text).
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("telegram send rejected (code %d): %s", e.Code, e.Message)
}

func (e *PermanentError) PermanentFailure() {}

func classifySendError(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Code == http.StatusTooManyRequests {
		retryAfter := time.Duration(apiErr.RetryAfter) * time.Second
		if retryAfter <= 0 {
			retryAfter = time.Minute
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	}
	if apiErr.Code >= 400 && apiErr.Code < 500 {
		return &PermanentError{Code: apiErr.Code, Message: apiErr.Message}
	}
	return err
}

func httpClientFromContext(ctx context.Context) *http.Client {
	client := &http.Client{Timeout: 15 * time.Second}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < client.Timeout {
			client.Timeout = remaining
		}
	}
	return client
}
