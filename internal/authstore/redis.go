package authstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whatsgate/gateway/internal/backoff"
	"github.com/whatsgate/gateway/internal/gatewayerr"
	"github.com/whatsgate/gateway/internal/wabuffer"
)

const (
	credsSuffix  = "creds"
	scanBatch    = 1000
	connectTries = 10
)

var connectPolicy = backoff.BackoffPolicy{InitialMs: 200, MaxMs: 5000, Factor: 1.5, Jitter: 0}

// RedisStore is the production Store, grounded on the connect-then-Ping
// pattern the example pack's Redis cache uses, extended with a bounded
// retry loop so the gateway tolerates Redis starting up slowly.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// RedisOptions configures the connection. Addr is required; Password
// and DB follow go-redis defaults when zero-valued.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore dials Redis and blocks, retrying with a bounded
// exponential backoff until a Ping succeeds, ctx is done, or
// connectTries attempts have failed.
func NewRedisStore(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	result, err := backoff.RetryWithBackoff(ctx, connectPolicy, connectTries, func(attempt int) (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if pingErr := client.Ping(pingCtx).Err(); pingErr != nil {
			logger.Warn("authstore: redis ping failed, retrying", "attempt", attempt, "err", pingErr)
			return struct{}{}, pingErr
		}
		return struct{}{}, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, gatewayerr.Store("connect", fmt.Errorf("redis unreachable after %d attempts: %w", connectTries, result.LastError))
	}

	logger.Info("authstore: connected to redis", "addr", opts.Addr, "attempts", result.Attempts)
	return &RedisStore{client: client, logger: logger}, nil
}

func credsKey(sessionID string) string {
	return fmt.Sprintf("wa:%s:%s", sessionID, credsSuffix)
}

func keyKey(sessionID, category, id string) string {
	return fmt.Sprintf("wa:%s:%s-%s", sessionID, category, id)
}

func keyPrefix(sessionID, category string) string {
	return fmt.Sprintf("wa:%s:%s-", sessionID, category)
}

func sessionPrefix(sessionID string) string {
	return fmt.Sprintf("wa:%s:", sessionID)
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*State, error) {
	raw, err := s.client.Get(ctx, credsKey(sessionID)).Bytes()
	if err == redis.Nil {
		return &State{Creds: map[string]any{}}, nil
	}
	if err != nil {
		return nil, gatewayerr.Store("load", err)
	}

	var tagged any
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, gatewayerr.Store("load", fmt.Errorf("decode creds: %w", err))
	}
	decoded := wabuffer.Decode(tagged)
	creds, ok := decoded.(map[string]any)
	if !ok {
		return nil, gatewayerr.Store("load", fmt.Errorf("creds document has unexpected shape"))
	}
	return &State{Creds: creds}, nil
}

func (s *RedisStore) SaveCreds(ctx context.Context, sessionID string, creds map[string]any) error {
	encoded := wabuffer.Encode(creds)
	raw, err := json.Marshal(encoded)
	if err != nil {
		return gatewayerr.Store("save_creds", fmt.Errorf("encode creds: %w", err))
	}
	if err := s.client.Set(ctx, credsKey(sessionID), raw, 0).Err(); err != nil {
		return gatewayerr.Store("save_creds", err)
	}
	return nil
}

func (s *RedisStore) GetKeys(ctx context.Context, sessionID, category string, ids []string) (map[string][]byte, error) {
	if len(ids) == 0 {
		return map[string][]byte{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, keyKey(sessionID, category, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, gatewayerr.Store("keys_get", err)
	}

	out := make(map[string][]byte, len(ids))
	for id, cmd := range cmds {
		b, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, gatewayerr.Store("keys_get", err)
		}
		out[id] = b
	}
	return out, nil
}

func (s *RedisStore) SetKeys(ctx context.Context, sessionID, category string, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for id, v := range values {
		pipe.Set(ctx, keyKey(sessionID, category, id), v, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return gatewayerr.Store("keys_set", err)
	}
	return nil
}

func (s *RedisStore) ClearKeys(ctx context.Context, sessionID, category string) error {
	return s.deleteByPrefix(ctx, keyPrefix(sessionID, category))
}

func (s *RedisStore) EraseSession(ctx context.Context, sessionID string) error {
	return s.deleteByPrefix(ctx, sessionPrefix(sessionID))
}

// deleteByPrefix uses SCAN rather than KEYS so a large keyspace never
// blocks the Redis event loop, per the store's operational invariant.
func (s *RedisStore) deleteByPrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return gatewayerr.Store("scan", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return gatewayerr.Store("scan_delete", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// ScanSessionIDs walks the wa:* keyspace via SCAN and extracts the
// distinct session id component (wa:<id>:<rest>) of each match.
func (s *RedisStore) ScanSessionIDs(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "wa:*", scanBatch).Result()
		if err != nil {
			return nil, gatewayerr.Store("scan", err)
		}
		for _, k := range keys {
			id := sessionIDFromKey(k)
			if id != "" {
				seen[id] = struct{}{}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// sessionIDFromKey returns <id> for a key shaped wa:<id>:<rest> with a
// non-empty id and rest, and "" for any other key.
func sessionIDFromKey(key string) string {
	rest, ok := strings.CutPrefix(key, "wa:")
	if !ok {
		return ""
	}
	id, tail, found := strings.Cut(rest, ":")
	if !found || id == "" || tail == "" {
		return ""
	}
	return id
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
