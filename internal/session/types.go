// Package session implements the session lifecycle state machine: one
// supervisor goroutine per WhatsApp identity, owning its transport
// exclusively and advancing a small status graph in response to the
// typed event stream the transport package exposes.
package session

import (
	"sync"
	"time"

	"github.com/whatsgate/gateway/internal/transport"
	"github.com/whatsgate/gateway/internal/ttlcache"
)

// Status is the outward session lifecycle state surfaced over HTTP.
type Status string

const (
	StatusInit                Status = "init"
	StatusConnecting          Status = "connecting"
	StatusOpen                Status = "open"
	StatusClose               Status = "close"
	StatusCloseInvalidCreds   Status = "close.invalid_credentials"
	StatusCloseConnectionLost Status = "close.connection_lost"
)

const (
	messagesCacheTTL = 6 * time.Hour
	contactsCacheTTL = 6 * time.Hour
	groupsCacheTTL   = 5 * time.Minute

	// cacheSweepInterval matches the shortest-lived cache's TTL so no
	// cache can grow unswept for longer than its own entries live.
	cacheSweepInterval = groupsCacheTTL
)

// Session is one tenant's supervised WhatsApp connection. Every
// mutable field is guarded by mu, and the only writer is the
// session's own supervisor goroutine; everyone else reads through the
// locked accessors below. The three caches carry their own locks and
// are also filled by the registry's outbound fetches. This is the single-owner confinement the
// concurrency model requires.
type Session struct {
	mu sync.Mutex

	id     string
	status Status

	client transport.Client

	identity transport.Identity

	lastQR        string
	qrGeneratedAt time.Time

	createdAt   time.Time
	connectedAt time.Time
	lastActivity time.Time

	reconnectAttempts int
	disconnectReason  string

	missedPongs        int
	lastPongReceivedAt time.Time

	messages *ttlcache.Cache[string, any]
	contacts *ttlcache.Cache[string, transport.Contact]
	groups   *ttlcache.Cache[string, transport.GroupInfo]
}

// Snapshot is the read-only view returned to HTTP handlers and the
// registry's list operation, taken under lock.
type Snapshot struct {
	ID                string
	Status            Status
	Identity          transport.Identity
	LastQR            string
	CreatedAt         time.Time
	ConnectedAt       time.Time
	ReconnectAttempts int
	DisconnectReason  string
	MissedPongs       int
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		id:        id,
		status:    StatusInit,
		createdAt: now,
		lastActivity: now,
		messages:  ttlcache.New[string, any](messagesCacheTTL),
		contacts:  ttlcache.New[string, transport.Contact](contactsCacheTTL),
		groups:    ttlcache.New[string, transport.GroupInfo](groupsCacheTTL),
	}
}

// Snapshot returns a point-in-time, lock-free copy of the session's
// externally observable state.
func (s *Session) Snapshot() Snapshot {
	return s.snapshot()
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:                s.id,
		Status:            s.status,
		Identity:          s.identity,
		LastQR:            s.lastQR,
		CreatedAt:         s.createdAt,
		ConnectedAt:       s.connectedAt,
		ReconnectAttempts: s.reconnectAttempts,
		DisconnectReason:  s.disconnectReason,
		MissedPongs:       s.missedPongs,
	}
}

func (s *Session) currentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) currentClient() transport.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// isAuthenticated reports whether the session has a non-empty
// identity id, independent of the current transport state.
func (s *Session) isAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.ID != ""
}

// credentialsValid enforces the creds.me.id invariant: status=open
// may never coexist with an empty identity id.
func (s *Session) credentialsValid() bool {
	return s.isAuthenticated()
}

// sweepCaches purges expired entries from the messages, contacts, and
// groups caches, bounding their memory for the life of a session that
// never happens to Get a given key again.
func (s *Session) sweepCaches() {
	s.messages.Sweep()
	s.contacts.Sweep()
	s.groups.Sweep()
}
