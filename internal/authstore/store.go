// Package authstore implements the durable, binary-safe auth
// credential store: one identity document per session plus
// per-category signal keys, all addressed under the
// "wa:<sessionId>:" keyspace.
package authstore

import "context"

// State is what Load returns: the persisted (or freshly initialized)
// credential document plus accessors for the per-category signal keys.
type State struct {
	// Creds is the decoded identity document. A fresh session has an
	// empty map; once paired it carries at least {"me": {"id": "..."}}.
	Creds map[string]any
}

// MeID extracts creds.me.id, returning "" if absent or malformed so
// callers can enforce the CredentialsInvalid invariant without a type
// assertion panic.
func (s *State) MeID() string {
	if s == nil || s.Creds == nil {
		return ""
	}
	me, ok := s.Creds["me"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := me["id"].(string)
	return id
}

// Store is the narrow persistence interface the session supervisor and
// bootstrap resurrector depend on.
type Store interface {
	// Load returns the session's persisted credential document,
	// initializing an empty one on first use.
	Load(ctx context.Context, sessionID string) (*State, error)

	// SaveCreds persists creds atomically. The supervisor must not
	// advance a session to "open" without a successful SaveCreds call
	// following the most recent credential update.
	SaveCreds(ctx context.Context, sessionID string, creds map[string]any) error

	// GetKeys returns the stored values for the given ids in category,
	// omitting ids that have no stored value.
	GetKeys(ctx context.Context, sessionID, category string, ids []string) (map[string][]byte, error)

	// SetKeys writes all given id->value pairs in category using a
	// single pipelined batch.
	SetKeys(ctx context.Context, sessionID, category string, values map[string][]byte) error

	// ClearKeys removes every stored key in category via a cursor
	// scan, never a blocking enumerate-all primitive.
	ClearKeys(ctx context.Context, sessionID, category string) error

	// EraseSession removes every key under wa:<sessionID>:*.
	EraseSession(ctx context.Context, sessionID string) error

	// ScanSessionIDs discovers every distinct session id with
	// persisted credentials by scanning the wa:* keyspace (any
	// wa:<id>:<rest> key counts), for the bootstrap resurrector.
	ScanSessionIDs(ctx context.Context) ([]string, error)

	Close() error
}
