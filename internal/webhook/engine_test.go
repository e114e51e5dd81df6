package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/whatsgate/gateway/internal/config"
)

func newTestEngine(t *testing.T, sinkURL string) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(client, config.WebhookConfig{URL: sinkURL}, logger)
}

func TestEnqueueWithNoSinkReturnsReason(t *testing.T) {
	e := newTestEngine(t, "")
	res, err := e.Enqueue(context.Background(), "s1", "messages.upsert", map[string]any{"x": 1})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "no-sink", res.Reason)
}

func TestEnqueueIncrementsPending(t *testing.T) {
	e := newTestEngine(t, "http://example.invalid/hook")
	res, err := e.Enqueue(context.Background(), "s1", "messages.upsert", map[string]any{"x": 1})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.NotEmpty(t, res.ID)

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Pending)
}

func TestWorkerDeliversSuccessfully(t *testing.T) {
	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	_, err := e.Enqueue(context.Background(), "s1", "messages.upsert", map[string]any{"x": 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go e.Run(ctx)

	require.Eventually(t, func() bool {
		return received.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stats, err := e.Stats(context.Background())
		return err == nil && stats.Pending == 0 && stats.Processing == 0
	}, 2*time.Second, 10*time.Millisecond)

	e.StopProcessing()
}

func TestWorkerRetriesOnFailureBeforeDeadLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	_, err := e.Enqueue(context.Background(), "s1", "messages.upsert", map[string]any{"x": 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	go e.Run(ctx)

	require.Eventually(t, func() bool {
		stats, err := e.Stats(context.Background())
		return err == nil && stats.Processing == 1
	}, 2*time.Second, 10*time.Millisecond)

	e.StopProcessing()
}

func TestRetryFailedResetsAttempts(t *testing.T) {
	e := newTestEngine(t, "http://example.invalid/hook")
	ctx := context.Background()

	job := &Job{ID: "j1", SessionID: "s1", Event: "messages.upsert", Attempts: 3, Errors: []JobError{{Timestamp: 1, Error: "boom"}}}
	raw, err := encodeJob(job)
	require.NoError(t, err)
	require.NoError(t, e.queue.client.LPush(ctx, keyFailed, raw).Err())

	moved, err := e.RetryFailed(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Pending)
	require.Equal(t, int64(0), stats.Failed)

	raw, err = e.queue.client.LIndex(ctx, keyQueue, 0).Result()
	require.NoError(t, err)
	requeued, err := decodeJob(raw)
	require.NoError(t, err)
	require.Equal(t, 0, requeued.Attempts)
	require.Empty(t, requeued.Errors)
}

func TestEnqueueWithValidateSinkHostRejectsLoopback(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := New(client, config.WebhookConfig{URL: "http://127.0.0.1:9999/hook", ValidateSinkHost: true}, logger)
	require.True(t, e.sinkBlocked)

	res, err := e.Enqueue(context.Background(), "s1", "messages.upsert", map[string]any{"x": 1})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "sink-blocked", res.Reason)
}

func TestApplyAuthHeaders(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
	applyAuth(req, config.WebhookConfig{AuthType: config.WebhookAuthBearer, Token: "tok"})
	require.Equal(t, "Bearer tok", req.Header.Get("Authorization"))

	req2, _ := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
	applyAuth(req2, config.WebhookConfig{AuthType: config.WebhookAuthToken, Token: "tok"})
	require.Equal(t, "Token tok", req2.Header.Get("Authorization"))

	req3, _ := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
	applyAuth(req3, config.WebhookConfig{AuthType: config.WebhookAuthBasic, User: "u", Password: "p"})
	require.Equal(t, "Basic dTpw", req3.Header.Get("Authorization"))
}
