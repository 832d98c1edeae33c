package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/clmmbot/internal/config"
)

type webhook struct {
	mu       sync.Mutex
	messages []string
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	w.mu.Lock()
	w.messages = append(w.messages, body.Content)
	w.mu.Unlock()
	rw.WriteHeader(http.StatusNoContent)
}

func (w *webhook) contains(sub string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.messages {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func paperConfig(t *testing.T, oracleURL, webhookURL string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Pool = config.PoolConfig{ID: "pool-1", AssetA: "SOL", AssetB: "USDC"}
	cfg.Oracle.URL = oracleURL
	cfg.Notify.DiscordWebhookURL = webhookURL
	cfg.Server.Enabled = false
	cfg.Rebalance.WithdrawOnShutdown = true
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestRunModePaperLedger(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"official":[{"id":"pool-1","price":100}],"unOfficial":[]}`))
	}))
	defer feed.Close()
	hook := &webhook{}
	discord := httptest.NewServer(hook)
	defer discord.Close()

	a := New(paperConfig(t, feed.URL, discord.URL), slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return hook.contains("Position opened") }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, hook.contains("CLMM Bot: initialized for pool pool-1"))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, hook.contains("Position withdrawn"), "withdraw on shutdown")
	assert.False(t, hook.contains("CRITICAL"))
}

func TestArchiveModeNeedsStorage(t *testing.T) {
	a := New(&config.Config{Mode: "archive"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := a.ArchiveMode(context.Background(), &Dependencies{})
	assert.ErrorContains(t, err, "archive mode needs supabase and s3")
}
