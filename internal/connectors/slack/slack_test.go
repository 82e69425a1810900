package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageTriggerFiresOnMatch(t *testing.T) {
	var oldest string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversations.history", r.URL.Path)
		require.Equal(t, "C123", r.URL.Query().Get("channel"))
		oldest = r.URL.Query().Get("oldest")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"messages": []map[string]string{
				{"user": "U1", "text": "deploy finished", "ts": "1772366400.000100"},
				{"user": "U2", "text": "lunch?", "ts": "1772366401.000200"},
			},
		})
	}))
	defer srv.Close()

	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trigger := newMessageTrigger(srv.URL)
	fields := map[string]any{
		"channel": "C123",
		"conditions": []any{
			map[string]any{"field": "text", "operator": "CONTAINS", "value": "deploy"},
		},
	}

	result := trigger.Run(context.Background(), fields, &last, "xoxb-token")
	require.True(t, result.Success, result.Message)
	assert.Equal(t, "1 new messages", result.Message)
	assert.Equal(t, "1772366400.000000", oldest)

	var data struct {
		Messages []map[string]any `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(result.Data, &data))
	require.Len(t, data.Messages, 1)
	assert.Equal(t, "deploy finished", data.Messages[0]["text"])
}

func TestNewMessageTriggerNoMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "messages": []any{}})
	}))
	defer srv.Close()

	trigger := newMessageTrigger(srv.URL)
	result := trigger.Run(context.Background(), map[string]any{"channel": "C123"}, nil, "tok")
	assert.False(t, result.Success)
	assert.Equal(t, 404, result.StatusCode)
}

func TestNewMessageTriggerMapsInvalidAuthTo401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Slack reports credential failures as HTTP 200 with ok:false.
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "invalid_auth"})
	}))
	defer srv.Close()

	trigger := newMessageTrigger(srv.URL)
	result := trigger.Run(context.Background(), map[string]any{"channel": "C123"}, nil, "stale")
	assert.True(t, result.Unauthorized())
	assert.Contains(t, result.Message, "invalid_auth")
}

func TestNewMessageTriggerMissingChannel(t *testing.T) {
	trigger := newMessageTrigger("http://unused.invalid")
	result := trigger.Run(context.Background(), map[string]any{}, nil, "tok")
	assert.False(t, result.Success)
	assert.Equal(t, 400, result.StatusCode)
}

func TestSendMessageAction(t *testing.T) {
	var captured map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat.postMessage", r.URL.Path)
		require.Equal(t, "Bearer xoxb-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "1772366402.000300"})
	}))
	defer srv.Close()

	action := &sendMessage{baseURL: srv.URL}
	result := action.Run(context.Background(), map[string]any{
		"channel": "C123",
		"text":    "build passed",
	}, "xoxb-token")

	require.True(t, result.Success, result.Message)
	assert.Equal(t, "Message posted to C123", result.Message)
	assert.Equal(t, "build passed", captured["text"])
}

func TestSendMessageActionChannelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	}))
	defer srv.Close()

	action := &sendMessage{baseURL: srv.URL}
	result := action.Run(context.Background(), map[string]any{"channel": "C404", "text": "hi"}, "tok")

	assert.False(t, result.Success)
	assert.Equal(t, 400, result.StatusCode)
	assert.Contains(t, result.Message, "channel_not_found")
}

func TestSendMessageActionTokenExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "token_expired"})
	}))
	defer srv.Close()

	action := &sendMessage{baseURL: srv.URL}
	result := action.Run(context.Background(), map[string]any{"channel": "C123", "text": "hi"}, "stale")
	assert.True(t, result.Unauthorized())
}

func TestAppWiring(t *testing.T) {
	app := New("client", "secret", "https://callback.example")
	require.True(t, app.NeedsAuth())

	_, ok := app.FindTrigger("new-message")
	assert.True(t, ok)
	_, ok = app.FindAction("send-message")
	assert.True(t, ok)

	assert.Contains(t, app.Auth.AuthURL("s"), "slack.com/oauth/v2/authorize")
}
