package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotify(t *testing.T) {
	var got payload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	hook := NewWebhook(slog.Default(), srv.URL, "hook-token", time.Second)
	hook.Notify(context.Background(), "tenant-1", "conv-1", KindConversationOpened)

	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, string(KindConversationOpened), got.Kind)
	assert.Equal(t, "Bearer hook-token", auth)

	_, err := time.Parse(time.RFC3339, got.At)
	assert.NoError(t, err)
}

func TestWebhookNotifySwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hook := NewWebhook(slog.Default(), srv.URL, "", time.Second)
	// Must not panic or return an error; delivery is best effort.
	hook.Notify(context.Background(), "tenant-1", "conv-1", KindMessageReceived)

	unreachable := NewWebhook(slog.Default(), "http://127.0.0.1:1", "", 100*time.Millisecond)
	unreachable.Notify(context.Background(), "tenant-1", "conv-1", KindMessageReceived)
}
