package authstore

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &RedisStore{client: client, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestLoadEmptyReturnsFreshState(t *testing.T) {
	store := newTestStore(t)
	state, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Empty(t, state.Creds)
	require.Equal(t, "", state.MeID())
}

func TestSaveCredsRoundTripsBinaryFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	creds := map[string]any{
		"me":        map[string]any{"id": "1234@s.whatsapp.net"},
		"noiseKey":  []byte{0x01, 0x02, 0x03, 0xff},
		"signedKey": map[string]any{"keyId": float64(1), "priv": []byte("secret-bytes")},
	}
	require.NoError(t, store.SaveCreds(ctx, "s1", creds))

	state, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "1234@s.whatsapp.net", state.MeID())
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0xff}, state.Creds["noiseKey"])

	signed, ok := state.Creds["signedKey"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, []byte("secret-bytes"), signed["priv"])
}

func TestSetGetClearKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.SetKeys(ctx, "s1", "pre-key", map[string][]byte{
		"1": []byte("one"),
		"2": []byte("two"),
	})
	require.NoError(t, err)

	got, err := store.GetKeys(ctx, "s1", "pre-key", []string{"1", "2", "3"})
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got["1"])
	require.Equal(t, []byte("two"), got["2"])
	require.NotContains(t, got, "3")

	require.NoError(t, store.ClearKeys(ctx, "s1", "pre-key"))
	got, err = store.GetKeys(ctx, "s1", "pre-key", []string{"1", "2"})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestClearKeysOnlyAffectsItsCategory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetKeys(ctx, "s1", "pre-key", map[string][]byte{"1": []byte("a")}))
	require.NoError(t, store.SetKeys(ctx, "s1", "session", map[string][]byte{"1": []byte("b")}))

	require.NoError(t, store.ClearKeys(ctx, "s1", "pre-key"))

	gotPre, err := store.GetKeys(ctx, "s1", "pre-key", []string{"1"})
	require.NoError(t, err)
	require.Empty(t, gotPre)

	gotSess, err := store.GetKeys(ctx, "s1", "session", []string{"1"})
	require.NoError(t, err)
	require.Equal(t, []byte("b"), gotSess["1"])
}

func TestEraseSessionRemovesCredsAndKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveCreds(ctx, "s1", map[string]any{"me": map[string]any{"id": "x"}}))
	require.NoError(t, store.SetKeys(ctx, "s1", "pre-key", map[string][]byte{"1": []byte("a")}))

	require.NoError(t, store.EraseSession(ctx, "s1"))

	state, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "", state.MeID())

	got, err := store.GetKeys(ctx, "s1", "pre-key", []string{"1"})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestScanSessionIDsFindsEveryDistinctSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveCreds(ctx, "alpha", map[string]any{}))
	require.NoError(t, store.SaveCreds(ctx, "beta", map[string]any{}))
	require.NoError(t, store.SetKeys(ctx, "alpha", "pre-key", map[string][]byte{"1": []byte("a")}))

	ids, err := store.ScanSessionIDs(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alpha", "beta"}, ids)
}
