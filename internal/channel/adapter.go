// Package channel defines the adapter contract every messaging provider
// implements, and the registry that dispatches on provider type.
package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/chatdock/chatdock/internal/event"
)

// Adapter parses provider webhook deliveries into canonical events.
// Implementations are pure: no I/O, no side effects.
type Adapter interface {
	Provider() event.Provider

	// VerifySignature checks the provider signature header against the raw
	// request body. It runs before any parsing.
	VerifySignature(body []byte, signature, secret string) bool

	// Parse converts one webhook body into canonical events. A single delivery
	// may bundle events for several channels owned by different tenants; the
	// adapter splits them so each event carries exactly one channel id.
	Parse(body []byte) ([]event.Event, error)
}

// Sender delivers an outbound reply through the provider API using the
// channel's decrypted credentials.
type Sender interface {
	Send(ctx context.Context, creds map[string]string, recipientID, body string) error
}

// Throttled is implemented by send errors that are provider throttles. The
// delay is the provider's requested backoff, or zero when it gave none.
type Throttled interface {
	error
	ThrottleDelay() time.Duration
}

// Permanent is implemented by send errors that will never succeed on retry.
type Permanent interface {
	error
	PermanentFailure()
}

// ThrottleDelay reports whether err is a provider throttle and its requested
// backoff.
func ThrottleDelay(err error) (time.Duration, bool) {
	var t Throttled
	if errors.As(err, &t) {
		return t.ThrottleDelay(), true
	}
	return 0, false
}

// IsPermanent reports whether err is a permanent send rejection.
func IsPermanent(err error) bool {
	var p Permanent
	return errors.As(err, &p)
}

// MatchPolicy supplies adapter-specific fallback identifiers for the
// resolver's secondary matching pass. The pass only ever considers
// non-closed conversations; a policy that returns nothing disables it.
type MatchPolicy interface {
	SecondaryAliases(ev event.Event) []string
}

// VerifyHMACHex reports whether signature is the hex HMAC-SHA256 of body under
// secret, after stripping prefix (e.g. "sha256="). Constant-time compare.
func VerifyHMACHex(body []byte, signature, prefix, secret string) bool {
	signature = strings.TrimSpace(signature)
	if prefix != "" {
		if !strings.HasPrefix(signature, prefix) {
			return false
		}
		signature = signature[len(prefix):]
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

// SecretEqual is a constant-time compare for static webhook secret tokens.
func SecretEqual(got, want string) bool {
	return hmac.Equal([]byte(got), []byte(want))
}
