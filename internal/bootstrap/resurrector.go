// Package bootstrap implements the startup scan that re-admits every
// session with persisted credentials into the live session registry,
// so a process restart does not require re-pairing.
package bootstrap

import (
	"context"
	"log/slog"

	"github.com/whatsgate/gateway/internal/authstore"
	"github.com/whatsgate/gateway/internal/session"
)

// Resurrect scans the auth store for every distinct session id and
// calls Ensure for each one. Per-session failures are logged and do
// not abort the batch.
func Resurrect(ctx context.Context, store authstore.Store, registry *session.Registry, logger *slog.Logger) (int, error) {
	ids, err := store.ScanSessionIDs(ctx)
	if err != nil {
		return 0, err
	}

	if len(ids) == 0 {
		logger.Info("bootstrap: no persisted sessions found")
		return 0, nil
	}

	resumed := 0
	for _, id := range ids {
		if _, err := registry.Ensure(ctx, id); err != nil {
			logger.Warn("bootstrap: failed to resume session", "id", id, "err", err)
			continue
		}
		resumed++
	}
	logger.Info("bootstrap: resumed sessions", "count", resumed, "found", len(ids))
	return resumed, nil
}
