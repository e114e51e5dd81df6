package session

import (
	"context"
	"time"

	"github.com/whatsgate/gateway/internal/backoff"
	"github.com/whatsgate/gateway/internal/eventfilter"
	"github.com/whatsgate/gateway/internal/transport"
)

// reconnectPolicy implements the reconnect ladder's literal formula:
// 5000 * 1.5^(attempt-1), clipped to 60000ms, with no jitter so the
// scheduled-delay sequence is exactly reproducible.
var reconnectPolicy = backoff.BackoffPolicy{InitialMs: 5000, MaxMs: 60000, Factor: 1.5, Jitter: 0}

type cmdKind int

const (
	cmdRestart cmdKind = iota
	cmdLogout
)

type cmd struct {
	kind cmdKind
	done chan error
}

// connOutcome is what runConnected reports back to the supervisor's
// main loop once a connection attempt ends.
type connOutcome struct {
	terminal     bool
	loggedOut    bool
	reconnect    bool
	delay        time.Duration
	reason       string
	restartPause time.Duration
}

// supervisor drives one session's state machine in its own goroutine.
// It is the sole owner of the session's transport.Client for as long
// as that client is connected.
type supervisor struct {
	id      string
	session *Session
	reg     *Registry

	cmdCh      chan cmd
	stopCtx    context.Context
	cancelStop context.CancelFunc
}

func newSupervisor(id string, sess *Session, reg *Registry) *supervisor {
	stopCtx, cancel := context.WithCancel(context.Background())
	return &supervisor{
		id:         id,
		session:    sess,
		reg:        reg,
		cmdCh:      make(chan cmd),
		stopCtx:    stopCtx,
		cancelStop: cancel,
	}
}

func (sup *supervisor) start() {
	go sup.run()
}

// stop asks the supervisor's run loop to exit without logging the
// session out, used when the process itself is shutting down.
func (sup *supervisor) stop() {
	sup.cancelStop()
}

// run is the supervisor's top-level loop: connect, run until
// disconnected, decide whether and when to reconnect, repeat.
func (sup *supervisor) run() {
	ctx := context.Background()

	for {
		sup.session.mu.Lock()
		sup.session.status = StatusConnecting
		sup.session.mu.Unlock()

		client, err := sup.connect(ctx)
		if err != nil {
			sup.reg.logger.Warn("session: connect failed", "id", sup.id, "err", err)
			outcome := sup.nextReconnectOutcome()
			if outcome.terminal {
				sup.finalize(outcome)
				return
			}
			if !sup.waitOrStop(outcome.delay) {
				return
			}
			continue
		}

		outcome := sup.runConnected(ctx, client)
		if outcome.restartPause > 0 {
			if !sup.waitOrStop(outcome.restartPause) {
				return
			}
			continue
		}
		if outcome.terminal {
			sup.finalize(outcome)
			return
		}
		if outcome.reconnect {
			if !sup.waitOrStop(outcome.delay) {
				return
			}
			continue
		}
		return
	}
}

// waitOrStop pauses for d, or returns false early if the supervisor
// has been asked to stop. d<=0 is treated as "no pause" and only
// checked against the stop signal.
func (sup *supervisor) waitOrStop(d time.Duration) bool {
	if d <= 0 {
		return sup.stopCtx.Err() == nil
	}
	return backoff.SleepWithContext(sup.stopCtx, d) == nil
}

func (sup *supervisor) finalize(outcome connOutcome) {
	sup.session.mu.Lock()
	sup.session.status = StatusClose
	if outcome.loggedOut {
		sup.session.status = StatusClose
	}
	sup.session.disconnectReason = outcome.reason
	sup.session.mu.Unlock()
	sup.reg.remove(sup.id)
}

// connect loads persisted credential state, builds a fresh transport
// client from it, and connects.
func (sup *supervisor) connect(ctx context.Context) (transport.Client, error) {
	state, err := sup.reg.store.Load(ctx, sup.id)
	if err != nil {
		return nil, err
	}

	var opaque []byte
	if state.MeID() != "" {
		opaque = []byte(state.MeID())
	}

	client, err := sup.reg.factory.New(ctx, sup.id, opaque)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	sup.session.mu.Lock()
	sup.session.client = client
	sup.session.mu.Unlock()
	return client, nil
}

// runConnected owns client exclusively until the connection ends,
// serially processing the typed event mailbox plus the keep-alive and
// health-check timers, per the owner-plus-message-queue design.
func (sup *supervisor) runConnected(ctx context.Context, client transport.Client) connOutcome {
	var keepAliveTicker, healthTicker *time.Ticker

	sweepTicker := time.NewTicker(cacheSweepInterval)
	defer sweepTicker.Stop()

	for {
		var keepAliveC, healthC <-chan time.Time
		if sup.session.currentStatus() == StatusOpen {
			if keepAliveTicker == nil {
				keepAliveTicker = time.NewTicker(sup.reg.cfg.KeepAlive.PingInterval)
			}
			if healthTicker == nil {
				healthTicker = time.NewTicker(sup.reg.cfg.HealthCheck.Interval)
			}
			keepAliveC = keepAliveTicker.C
			healthC = healthTicker.C
		} else if keepAliveTicker != nil {
			keepAliveTicker.Stop()
			healthTicker.Stop()
			keepAliveTicker, healthTicker = nil, nil
		}

		select {
		case evt, ok := <-client.Events():
			if !ok {
				stopTickers(keepAliveTicker, healthTicker)
				return sup.outcomeForLostConnection()
			}
			if outcome, done := sup.handleEvent(ctx, client, evt); done {
				stopTickers(keepAliveTicker, healthTicker)
				return outcome
			}

		case <-keepAliveC:
			sup.doKeepAlive(ctx, client)

		case <-healthC:
			sup.doHealthCheck(ctx, client)

		case <-sweepTicker.C:
			sup.session.sweepCaches()

		case c := <-sup.cmdCh:
			stopTickers(keepAliveTicker, healthTicker)
			return sup.handleCmd(ctx, client, c)

		case <-sup.stopCtx.Done():
			client.Disconnect()
			stopTickers(keepAliveTicker, healthTicker)
			return connOutcome{terminal: true, reason: "shutdown"}
		}
	}
}

func stopTickers(t ...*time.Ticker) {
	for _, ticker := range t {
		if ticker != nil {
			ticker.Stop()
		}
	}
}

func (sup *supervisor) handleCmd(ctx context.Context, client transport.Client, c cmd) connOutcome {
	switch c.kind {
	case cmdLogout:
		_ = client.Logout(ctx)
		client.Disconnect()
		c.done <- nil
		return connOutcome{terminal: true, loggedOut: true, reason: "logout"}
	case cmdRestart:
		client.Disconnect()
		c.done <- nil
		return connOutcome{restartPause: 500 * time.Millisecond}
	default:
		c.done <- nil
		return connOutcome{terminal: true}
	}
}

// handleEvent processes one transport event, mutating session state
// and enqueueing webhooks as appropriate. done=true means the
// connection is ending and outcome is the caller's return value.
func (sup *supervisor) handleEvent(ctx context.Context, client transport.Client, evt transport.Event) (connOutcome, bool) {
	sup.session.mu.Lock()
	sup.session.lastActivity = time.Now()
	sup.session.mu.Unlock()

	switch evt.Kind {
	case transport.EventQR:
		sup.session.mu.Lock()
		sup.session.lastQR = evt.QR
		sup.session.qrGeneratedAt = time.Now()
		sup.session.mu.Unlock()
		sup.enqueue(ctx, "qr.updated", map[string]any{"qr": evt.QR, "expiresAt": sup.session.qrGeneratedAt.Add(60 * time.Second).UnixMilli()})
		return connOutcome{}, false

	case transport.EventOpen:
		identity := client.Identity()
		if identity.ID == "" {
			return connOutcome{}, false
		}
		if err := sup.reg.store.SaveCreds(ctx, sup.id, map[string]any{
			"me": map[string]any{"id": identity.ID, "pushName": identity.PushName, "platform": identity.Platform},
		}); err != nil {
			sup.reg.logger.Error("session: saveCreds before open failed", "id", sup.id, "err", err)
			return connOutcome{}, false
		}

		sup.session.mu.Lock()
		sup.session.identity = identity
		sup.session.lastQR = ""
		sup.session.status = StatusOpen
		sup.session.connectedAt = time.Now()
		sup.session.reconnectAttempts = 0
		sup.session.missedPongs = 0
		sup.session.lastPongReceivedAt = time.Now()
		sup.session.mu.Unlock()

		sup.enqueue(ctx, "session.connected", map[string]any{"id": sup.id})
		return connOutcome{}, false

	case transport.EventClose:
		return sup.handleClose(evt.Close), true

	case transport.EventPong:
		sup.session.mu.Lock()
		sup.session.lastPongReceivedAt = time.Now()
		sup.session.missedPongs = 0
		sup.session.mu.Unlock()
		return connOutcome{}, false

	case transport.EventMessagesUpsert:
		sup.handleMessagesUpsert(ctx, evt)
		return connOutcome{}, false

	default:
		sup.forwardGenericEvent(ctx, evt)
		return connOutcome{}, false
	}
}

func (sup *supervisor) handleClose(info *transport.CloseInfo) connOutcome {
	var reason string
	var code transport.DisconnectCode
	if info != nil {
		reason = info.Reason
		code = info.Code
	}

	sup.session.mu.Lock()
	if code == transport.DisconnectLoggedOut {
		sup.session.status = StatusClose
	} else {
		sup.session.status = StatusCloseConnectionLost
	}
	sup.session.mu.Unlock()

	sup.enqueue(context.Background(), "session.disconnected", map[string]any{
		"id":         sup.id,
		"isLoggedOut": code == transport.DisconnectLoggedOut,
		"reason":     reason,
	})

	if code == transport.DisconnectLoggedOut {
		return connOutcome{terminal: true, loggedOut: true, reason: "logged_out"}
	}

	outcome := sup.nextReconnectOutcome()
	outcome.reason = reason
	if code == transport.DisconnectRestartRequired {
		outcome.delay = 0
	}
	return outcome
}

// outcomeForLostConnection handles the transport's event channel
// closing without a formal close event, e.g. a dropped socket.
func (sup *supervisor) outcomeForLostConnection() connOutcome {
	sup.session.mu.Lock()
	sup.session.status = StatusCloseConnectionLost
	sup.session.mu.Unlock()

	outcome := sup.nextReconnectOutcome()
	outcome.reason = "connection_lost"
	return outcome
}

// nextReconnectOutcome increments reconnectAttempts and computes the
// next backoff delay, or declares the session terminally closed once
// MaxAttempts is exceeded.
func (sup *supervisor) nextReconnectOutcome() connOutcome {
	sup.session.mu.Lock()
	sup.session.reconnectAttempts++
	attempt := sup.session.reconnectAttempts
	sup.session.mu.Unlock()

	if !sup.reg.cfg.Reconnect.Auto || attempt > sup.reg.cfg.Reconnect.MaxAttempts {
		sup.reg.logger.Error("session: max reconnect attempts exceeded", "id", sup.id, "attempts", attempt)
		return connOutcome{terminal: true, reason: "max_reconnect_attempts"}
	}

	delay := backoff.ComputeBackoffWithRand(reconnectPolicy, attempt, 0)
	return connOutcome{reconnect: true, delay: delay}
}

func (sup *supervisor) doKeepAlive(ctx context.Context, client transport.Client) {
	if !client.IsConnected() {
		return
	}
	_ = client.Ping(ctx)

	sup.session.mu.Lock()
	elapsed := time.Since(sup.session.lastPongReceivedAt)
	pongTimeout := sup.reg.cfg.KeepAlive.PongTimeout
	maxMissed := sup.reg.cfg.KeepAlive.MaxMissedPongs
	if elapsed > pongTimeout {
		sup.session.missedPongs++
	}
	missed := sup.session.missedPongs
	sup.session.mu.Unlock()

	if missed >= maxMissed {
		sup.reg.logger.Warn("session: missed pong threshold reached, forcing close", "id", sup.id, "missed", missed)
		client.Disconnect()
	}
}

func (sup *supervisor) doHealthCheck(ctx context.Context, client transport.Client) {
	sup.session.mu.Lock()
	idle := time.Since(sup.session.lastActivity)
	maxIdle := sup.reg.cfg.HealthCheck.MaxIdleTime
	sup.session.mu.Unlock()

	if idle > maxIdle {
		if err := client.SendPresence(ctx); err != nil {
			sup.reg.logger.Warn("session: health check presence failed, forcing close", "id", sup.id, "err", err)
			client.Disconnect()
			return
		}
		sup.session.mu.Lock()
		sup.session.lastActivity = time.Now()
		sup.session.mu.Unlock()
	}

	if sup.session.currentStatus() == StatusOpen && !client.IsConnected() {
		sup.session.mu.Lock()
		sup.session.status = StatusClose
		sup.session.mu.Unlock()
	}
}

func (sup *supervisor) handleMessagesUpsert(ctx context.Context, evt transport.Event) {
	admitted := make([]transport.InboundMessage, 0, len(evt.Messages))
	for _, m := range evt.Messages {
		if !sup.reg.filter.ShouldSendMessage(eventfilter.Message{RemoteJID: m.RemoteJID}) {
			continue
		}
		sup.session.messages.Set(m.ID, m)
		if m.PushName != "" {
			sup.session.contacts.Set(m.RemoteJID, transport.Contact{JID: m.RemoteJID, PushName: m.PushName})
		}
		admitted = append(admitted, m)
	}
	if len(admitted) == 0 {
		return
	}
	sup.enqueue(ctx, "messages.upsert", admitted)
}

func (sup *supervisor) forwardGenericEvent(ctx context.Context, evt transport.Event) {
	sup.enqueue(ctx, string(evt.Kind), evt.Payload)
}

func (sup *supervisor) enqueue(ctx context.Context, event string, payload any) {
	if sup.reg.webhook == nil {
		return
	}
	if !sup.reg.filter.ShouldSendEvent(event) {
		return
	}
	if _, err := sup.reg.webhook.Enqueue(ctx, sup.id, event, payload); err != nil {
		sup.reg.logger.Warn("session: webhook enqueue failed", "id", sup.id, "event", event, "err", err)
	}
}

func (sup *supervisor) requestRestart(ctx context.Context) error {
	return sup.send(ctx, cmdRestart)
}

func (sup *supervisor) requestLogout(ctx context.Context) error {
	return sup.send(ctx, cmdLogout)
}

func (sup *supervisor) send(ctx context.Context, kind cmdKind) error {
	done := make(chan error, 1)
	select {
	case sup.cmdCh <- cmd{kind: kind, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return context.DeadlineExceeded
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
