package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/whatsgate/gateway/internal/authstore"
	"github.com/whatsgate/gateway/internal/config"
	"github.com/whatsgate/gateway/internal/eventfilter"
	"github.com/whatsgate/gateway/internal/transport"
	"github.com/whatsgate/gateway/internal/transport/faketransport"
	"github.com/whatsgate/gateway/internal/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, cfg config.Config) (*Registry, *faketransport.Factory, authstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := authstore.NewRedisStore(context.Background(), authstore.RedisOptions{Addr: mr.Addr()}, testLogger())
	require.NoError(t, err)

	engine := webhook.New(client, config.WebhookConfig{}, testLogger())
	filter := eventfilter.New(eventfilter.Config{})
	factory := &faketransport.Factory{}

	if cfg.Reconnect.MaxAttempts == 0 && !cfg.Reconnect.Auto {
		cfg.Reconnect = config.ReconnectConfig{Auto: true, MaxAttempts: 10}
	}
	if cfg.KeepAlive.PingInterval == 0 {
		cfg.KeepAlive = config.KeepAliveConfig{PingInterval: time.Hour, PongTimeout: time.Hour, MaxMissedPongs: 3}
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck = config.HealthCheckConfig{Interval: time.Hour, MaxIdleTime: time.Hour}
	}

	reg := NewRegistry(factory, store, engine, filter, cfg, testLogger())
	return reg, factory, store
}

func TestEnsureIsIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t, config.Config{})
	s1, err := reg.Ensure(context.Background(), "alpha")
	require.NoError(t, err)
	s2, err := reg.Ensure(context.Background(), "alpha")
	require.NoError(t, err)
	require.Same(t, s1, s2)
}

func TestEnsureRejectsInvalidID(t *testing.T) {
	reg, _, _ := newTestRegistry(t, config.Config{})
	_, err := reg.Ensure(context.Background(), "bad id with spaces")
	require.Error(t, err)
}

func TestOpenEventTransitionsSessionToOpen(t *testing.T) {
	reg, factory, _ := newTestRegistry(t, config.Config{})
	factory.NextSeed = transport.Identity{ID: "1234@s.whatsapp.net", PushName: "Alice"}

	_, err := reg.Ensure(context.Background(), "alpha")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return factory.Last() != nil }, time.Second, 5*time.Millisecond)
	fake := factory.Last()
	fake.Push(transport.Event{Kind: transport.EventOpen})

	require.Eventually(t, func() bool {
		sess, ok := reg.Get("alpha")
		return ok && sess.currentStatus() == StatusOpen
	}, time.Second, 5*time.Millisecond)

	sess, _ := reg.Get("alpha")
	snap := sess.snapshot()
	require.Equal(t, "1234@s.whatsapp.net", snap.Identity.ID)
	require.Equal(t, 0, snap.ReconnectAttempts)
}

func TestLoggedOutCloseIsTerminalAndRemovesSession(t *testing.T) {
	reg, factory, _ := newTestRegistry(t, config.Config{})
	_, err := reg.Ensure(context.Background(), "alpha")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return factory.Last() != nil }, time.Second, 5*time.Millisecond)
	fake := factory.Last()
	fake.Push(transport.Event{Kind: transport.EventClose, Close: &transport.CloseInfo{Code: transport.DisconnectLoggedOut}})

	require.Eventually(t, func() bool {
		_, ok := reg.Get("alpha")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestConnectionLostIncrementsReconnectAttempts(t *testing.T) {
	reg, factory, _ := newTestRegistry(t, config.Config{})
	_, err := reg.Ensure(context.Background(), "alpha")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return factory.Last() != nil }, time.Second, 5*time.Millisecond)
	fake := factory.Last()
	fake.Push(transport.Event{Kind: transport.EventClose, Close: &transport.CloseInfo{Code: transport.DisconnectConnectionLost}})

	require.Eventually(t, func() bool {
		sess, ok := reg.Get("alpha")
		return ok && sess.snapshot().ReconnectAttempts == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMaxReconnectAttemptsExceededIsTerminal(t *testing.T) {
	reg, factory, _ := newTestRegistry(t, config.Config{Reconnect: config.ReconnectConfig{Auto: true, MaxAttempts: 0}})
	_, err := reg.Ensure(context.Background(), "alpha")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return factory.Last() != nil }, time.Second, 5*time.Millisecond)
	fake := factory.Last()
	fake.Push(transport.Event{Kind: transport.EventClose, Close: &transport.CloseInfo{Code: transport.DisconnectConnectionLost}})

	require.Eventually(t, func() bool {
		_, ok := reg.Get("alpha")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestLogoutErasesKeysAndRemovesSession(t *testing.T) {
	reg, factory, store := newTestRegistry(t, config.Config{})
	_, err := reg.Ensure(context.Background(), "alpha")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return factory.Last() != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, store.SaveCreds(context.Background(), "alpha", map[string]any{"me": map[string]any{"id": "x"}}))

	require.NoError(t, reg.Logout(context.Background(), "alpha"))

	_, ok := reg.Get("alpha")
	require.False(t, ok)

	state, err := store.Load(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, "", state.MeID())

	require.True(t, factory.Last().LogoutCalled)
}

func TestRestartReconnectsWithFreshTransport(t *testing.T) {
	reg, factory, _ := newTestRegistry(t, config.Config{})
	_, err := reg.Ensure(context.Background(), "alpha")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return factory.Last() != nil }, time.Second, 5*time.Millisecond)
	first := factory.Last()

	require.NoError(t, reg.Restart(context.Background(), "alpha"))

	require.Eventually(t, func() bool {
		return len(factory.Clients) == 2
	}, time.Second, 5*time.Millisecond)
	require.NotSame(t, first, factory.Last())
}

func TestRestartOnUnknownSessionIsSessionNotFound(t *testing.T) {
	reg, _, _ := newTestRegistry(t, config.Config{})
	err := reg.Restart(context.Background(), "missing")
	require.Error(t, err)
}
