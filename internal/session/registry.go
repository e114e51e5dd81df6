package session

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/whatsgate/gateway/internal/authstore"
	"github.com/whatsgate/gateway/internal/config"
	"github.com/whatsgate/gateway/internal/eventfilter"
	"github.com/whatsgate/gateway/internal/gatewayerr"
	"github.com/whatsgate/gateway/internal/transport"
	"github.com/whatsgate/gateway/internal/webhook"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateID enforces the session id constraint from the data model.
func ValidateID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return gatewayerr.Validation("invalid session id", nil).WithContext("id", id)
	}
	return nil
}

// ListItem is one row of Registry.List's output.
type ListItem struct {
	ID                string
	Status            Status
	IsAuthenticated   bool
	HasQR             bool
	CredentialsValid  bool
	ReconnectAttempts int
}

// ActualStatusView is the computed, consistency-checked status the
// public API surfaces instead of the raw internal Status value.
type ActualStatusView struct {
	ActualStatus     Status
	IsAuthenticated  bool
	CredentialsValid bool
	WSState          string
	BaileyStatus     string
}

// Registry owns every active Session and the shared services their
// supervisors depend on. It is the only thing outside a supervisor
// goroutine allowed to mutate the session map.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*supervisor

	factory transport.Factory
	store   authstore.Store
	webhook *webhook.Engine
	filter  *eventfilter.Filter

	cfg config.Config

	logger *slog.Logger
}

// NewRegistry constructs a Registry. cfg supplies the keep-alive,
// health-check, and reconnect policy tuning; webhook.Engine and
// eventfilter.Filter are shared, already-constructed services.
func NewRegistry(factory transport.Factory, store authstore.Store, engine *webhook.Engine, filter *eventfilter.Filter, cfg config.Config, logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*supervisor),
		factory:  factory,
		store:    store,
		webhook:  engine,
		filter:   filter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Ensure returns the existing session for id or creates and starts a
// new supervisor for it. Idempotent: calling it twice for the same id
// returns the same underlying session.
func (r *Registry) Ensure(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if sup, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return sup.session, nil
	}

	sess := newSession(id, time.Now())
	sup := newSupervisor(id, sess, r)
	r.sessions[id] = sup
	r.mu.Unlock()

	sup.start()
	return sess, nil
}

// Get returns the session for id, or ok=false if none is registered.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return sup.session, true
}

// List returns a summary row for every registered session.
func (r *Registry) List() []ListItem {
	r.mu.Lock()
	sups := make([]*supervisor, 0, len(r.sessions))
	for _, sup := range r.sessions {
		sups = append(sups, sup)
	}
	r.mu.Unlock()

	items := make([]ListItem, 0, len(sups))
	for _, sup := range sups {
		snap := sup.session.snapshot()
		items = append(items, ListItem{
			ID:                snap.ID,
			Status:            snap.Status,
			IsAuthenticated:   snap.Identity.ID != "",
			HasQR:             snap.LastQR != "",
			CredentialsValid:  snap.Identity.ID != "",
			ReconnectAttempts: snap.ReconnectAttempts,
		})
	}
	return items
}

// ActualStatus computes the consistency-checked view of a session.
func (r *Registry) ActualStatus(sess *Session) ActualStatusView {
	snap := sess.snapshot()
	client := sess.currentClient()

	wsState := "closed"
	if client != nil && client.IsConnected() {
		wsState = "open"
	}

	credentialsValid := snap.Identity.ID != ""

	actual := snap.Status
	if actual == StatusOpen && wsState != "open" {
		actual = StatusClose
	}
	if !credentialsValid {
		actual = StatusCloseInvalidCreds
	}

	return ActualStatusView{
		ActualStatus:     actual,
		IsAuthenticated:  credentialsValid,
		CredentialsValid: credentialsValid,
		WSState:          wsState,
		BaileyStatus:     string(snap.Status),
	}
}

// Restart tears down the session's current transport and reconnects
// it from scratch with the same persisted credentials.
func (r *Registry) Restart(ctx context.Context, id string) error {
	sup, ok := r.lookup(id)
	if !ok {
		return gatewayerr.SessionNotFound("session not found", nil).WithContext("id", id)
	}
	return sup.requestRestart(ctx)
}

// Logout deauthorizes the session, erases its persisted credentials,
// and removes it from the registry.
func (r *Registry) Logout(ctx context.Context, id string) error {
	sup, ok := r.lookup(id)
	if !ok {
		return gatewayerr.SessionNotFound("session not found", nil).WithContext("id", id)
	}
	if err := sup.requestLogout(ctx); err != nil {
		return err
	}
	if err := r.store.EraseSession(ctx, id); err != nil {
		r.logger.Warn("session: failed to erase persisted keys on logout", "id", id, "err", err)
	}
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return nil
}

func (r *Registry) lookup(id string) (*supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.sessions[id]
	return sup, ok
}

// Shutdown asks every active supervisor to stop its run loop without
// deauthorizing the session, so persisted credentials survive a
// process restart.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sups := make([]*supervisor, 0, len(r.sessions))
	for _, sup := range r.sessions {
		sups = append(sups, sup)
	}
	r.mu.Unlock()
	for _, sup := range sups {
		sup.stop()
	}
}

// remove drops id from the registry without erasing its persisted
// state, used when a supervisor terminates itself (e.g. LOGGED_OUT
// received from the transport without a local logout request).
func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}
