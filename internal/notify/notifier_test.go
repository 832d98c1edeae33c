package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error
	sent [][2]string
}

func (s *recordingSender) Send(_ context.Context, title, message string) error {
	s.sent = append(s.sent, [2]string{title, message})
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"rebalance_failed", " "}, "CLMM Bot", discardLogger())

	require.NoError(t, n.Notify(context.Background(), "position_opened", "Opened", "x"))
	assert.Empty(t, s.sent)

	require.NoError(t, n.Notify(context.Background(), "rebalance_failed", "Failed", "step 4"))
	require.Len(t, s.sent, 1)
	assert.Equal(t, [2]string{"CLMM Bot: Failed", "step 4"}, s.sent[0])
}

func TestNotifierCriticalBypassesFilter(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"rebalance_failed"}, "CLMM Bot", discardLogger())

	require.NoError(t, n.Critical(context.Background(), "engine crashed"))
	require.NoError(t, n.Info(context.Background(), "CLMM Bot initialized"))
	require.Len(t, s.sent, 2)
	assert.Equal(t, "CLMM Bot: CRITICAL: engine crashed", s.sent[0][1])
	assert.Equal(t, "", s.sent[0][0])
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, "", discardLogger())

	err := n.Notify(context.Background(), "any", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.sent, 1, "later senders still receive the message")
}

func TestNotifierWithoutSenders(t *testing.T) {
	n := NewNotifier(nil, nil, "CLMM Bot", discardLogger())
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Critical(context.Background(), "nobody listens"))
}

func TestDiscordSenderPayload(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	require.NoError(t, d.Send(context.Background(), "", "CLMM Bot: CLMM Bot initialized"))
	assert.Equal(t, "CLMM Bot: CLMM Bot initialized", got["content"])

	require.NoError(t, d.Send(context.Background(), "Rebalanced", "body"))
	assert.Equal(t, "**Rebalanced**\nbody", got["content"])
}

func TestDiscordSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 429")
}

func TestTelegramSender(t *testing.T) {
	var path string
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}
