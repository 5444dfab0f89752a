package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdock/chatdock/internal/event"
)

type fakeAdapter struct {
	provider event.Provider
}

func (f *fakeAdapter) Provider() event.Provider { return f.provider }

func (f *fakeAdapter) VerifySignature(body []byte, signature, secret string) bool { return true }

func (f *fakeAdapter) Parse(body []byte) ([]event.Event, error) { return nil, nil }

type fakeSendingAdapter struct {
	fakeAdapter
}

func (f *fakeSendingAdapter) Send(ctx context.Context, creds map[string]string, recipientID, body string) error {
	return nil
}

func (f *fakeSendingAdapter) SecondaryAliases(ev event.Event) []string {
	return []string{"@" + ev.SenderName}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	plain := &fakeAdapter{provider: event.ProviderMessenger}
	sending := &fakeSendingAdapter{fakeAdapter{provider: event.ProviderTelegram}}

	require.NoError(t, r.Register(plain))
	require.NoError(t, r.Register(sending))

	t.Run("duplicate provider rejected", func(t *testing.T) {
		err := r.Register(&fakeAdapter{provider: event.ProviderMessenger})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("nil and anonymous adapters rejected", func(t *testing.T) {
		assert.Error(t, r.Register(nil))
		assert.Error(t, r.Register(&fakeAdapter{}))
	})

	t.Run("get", func(t *testing.T) {
		got, ok := r.Get(event.ProviderMessenger)
		require.True(t, ok)
		assert.Same(t, plain, got)

		_, ok = r.Get(event.ProviderInstagram)
		assert.False(t, ok)
	})

	t.Run("sender only for adapters that send", func(t *testing.T) {
		_, ok := r.Sender(event.ProviderMessenger)
		assert.False(t, ok)

		s, ok := r.Sender(event.ProviderTelegram)
		require.True(t, ok)
		assert.NotNil(t, s)
	})

	t.Run("match policy only for adapters that define one", func(t *testing.T) {
		assert.Nil(t, r.MatchPolicy(event.ProviderMessenger))
		assert.Nil(t, r.MatchPolicy(event.ProviderInstagram))

		policy := r.MatchPolicy(event.ProviderTelegram)
		require.NotNil(t, policy)
		aliases := policy.SecondaryAliases(event.Event{SenderName: "sam"})
		assert.Equal(t, []string{"@sam"}, aliases)
	})

	t.Run("providers lists registered types", func(t *testing.T) {
		providers := r.Providers()
		assert.ElementsMatch(t, []event.Provider{event.ProviderMessenger, event.ProviderTelegram}, providers)
	})
}

func signHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMACHex(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	secret := "s3cret"
	sig := signHex(secret, body)

	assert.True(t, VerifyHMACHex(body, sig, "", secret))
	assert.True(t, VerifyHMACHex(body, "sha256="+sig, "sha256=", secret))
	assert.True(t, VerifyHMACHex(body, strings.ToUpper(sig), "", secret), "hex case must not matter")
	assert.True(t, VerifyHMACHex(body, "  "+sig+"  ", "", secret), "surrounding whitespace is tolerated")

	assert.False(t, VerifyHMACHex(body, sig, "sha256=", secret), "missing required prefix fails")
	assert.False(t, VerifyHMACHex(body, sig, "", "wrong"))
	assert.False(t, VerifyHMACHex([]byte("tampered"), sig, "", secret))
	assert.False(t, VerifyHMACHex(body, "", "", secret))
}

func TestSecretEqual(t *testing.T) {
	assert.True(t, SecretEqual("token", "token"))
	assert.False(t, SecretEqual("token", "Token"))
	assert.False(t, SecretEqual("", "token"))
}

type throttledErr struct{ delay time.Duration }

func (e *throttledErr) Error() string                { return "throttled" }
func (e *throttledErr) ThrottleDelay() time.Duration { return e.delay }

type permanentErr struct{}

func (e *permanentErr) Error() string     { return "rejected" }
func (e *permanentErr) PermanentFailure() {}

func TestErrorClassification(t *testing.T) {
	delay, ok := ThrottleDelay(&throttledErr{delay: 3 * time.Second})
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, delay)

	wrapped := errors.Join(errors.New("send"), &throttledErr{delay: time.Second})
	delay, ok = ThrottleDelay(wrapped)
	assert.True(t, ok)
	assert.Equal(t, time.Second, delay)

	_, ok = ThrottleDelay(errors.New("transient"))
	assert.False(t, ok)

	assert.True(t, IsPermanent(&permanentErr{}))
	assert.True(t, IsPermanent(errors.Join(errors.New("send"), &permanentErr{})))
	assert.False(t, IsPermanent(errors.New("transient")))
	assert.False(t, IsPermanent(nil))
}
