// Package session owns the current guest session. It restores the session at
// startup, renews it before the access token expires, and falls back to a
// fresh anonymous session whenever renewal is impossible, so the application
// always holds some identity.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/steamrec/steamrec/sdk/go/auth"
	"github.com/steamrec/steamrec/sdk/go/telemetry"
	"github.com/steamrec/steamrec/sdk/go/tokenstore"
)

// DefaultRole is assigned when neither the server response nor the token
// claims carry a role.
const DefaultRole = "guest"

const defaultRenewTimeout = 30 * time.Second

// Authority issues sessions. *auth.Client implements it.
type Authority interface {
	PreAuthorize(ctx context.Context) (auth.TokenResponse, error)
	Refresh(ctx context.Context) (auth.TokenResponse, error)
}

// Config wires a Coordinator.
type Config struct {
	Store     *tokenstore.Store
	Authority Authority

	Logger    *slog.Logger
	Telemetry telemetry.Hooks

	// DefaultRole overrides DefaultRole.
	DefaultRole string
	// RenewTimeout bounds a single renewal (refresh plus fallback).
	RenewTimeout time.Duration
	// OnChange is called after every state change, outside the
	// coordinator's lock.
	OnChange func(Snapshot)
	// AfterFunc replaces time.AfterFunc for the proactive refresh timer.
	AfterFunc AfterFunc
}

// Coordinator holds the one current Session and the proactive refresh timer.
// It is safe for concurrent use.
type Coordinator struct {
	store        *tokenstore.Store
	authority    Authority
	emit         telemetry.Emitter
	defaultRole  string
	renewTimeout time.Duration
	onChange     func(Snapshot)
	afterFunc    AfterFunc

	initOnce sync.Once
	initErr  error

	// flight collapses timer-driven and request-driven renewals into one
	// network exchange.
	flight singleflight.Group

	mu      sync.Mutex
	state   State
	current *Session
	err     error
	timer   Timer
	// gen changes whenever the current session is replaced or cleared; work
	// that started under an older gen must not install its result.
	gen    uint64
	closed bool
}

// New validates cfg and returns an uninitialized Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: token store required")
	}
	if cfg.Authority == nil {
		return nil, errors.New("session: authority required")
	}
	role := cfg.DefaultRole
	if role == "" {
		role = DefaultRole
	}
	timeout := cfg.RenewTimeout
	if timeout <= 0 {
		timeout = defaultRenewTimeout
	}
	after := cfg.AfterFunc
	if after == nil {
		after = realAfterFunc
	}
	return &Coordinator{
		store:        cfg.Store,
		authority:    cfg.Authority,
		emit:         telemetry.Emitter{Logger: cfg.Logger, Hooks: cfg.Telemetry},
		defaultRole:  role,
		renewTimeout: timeout,
		onChange:     cfg.OnChange,
		afterFunc:    after,
	}, nil
}

// Initialize establishes the first session. It tries, in order, the persisted
// session, a cookie refresh and a new anonymous session. Only the first call
// does any work; later calls return its result.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.initOnce.Do(func() { c.initErr = c.initialize(ctx) })
	return c.initErr
}

func (c *Coordinator) initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateInitializing
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(ctx, snap)

	if sess, ok := c.restore(ctx); ok {
		if err := c.Login(ctx, *sess); err == nil {
			c.emit.Log(ctx, telemetry.LogLevelDebug, "session restored", map[string]any{"session_id": sess.SessionID})
			return nil
		}
	}
	_, err := c.Renew(ctx)
	return err
}

// restore rebuilds a session from the store when the stored token is well
// formed, not within the expiry buffer, and a session id can be derived.
func (c *Coordinator) restore(ctx context.Context) (*Session, bool) {
	token, ok := c.store.AccessToken(ctx)
	if !ok || !tokenstore.IsValidTokenFormat(token) {
		return nil, false
	}
	if c.store.IsTokenExpired(ctx) {
		return nil, false
	}
	claims, ok := tokenstore.DecodeToken(token)
	if !ok {
		return nil, false
	}

	now := c.store.Now()
	var lifetime time.Duration
	if exp, ok := c.store.ExpiresAt(ctx); ok {
		lifetime = exp.Sub(now)
	} else if claims.ExpiresAt != nil {
		lifetime = claims.ExpiresAt.Sub(now)
		if lifetime <= tokenstore.ExpiryBuffer {
			return nil, false
		}
	}

	storedID, _ := c.store.SessionID(ctx)
	sess, err := c.fromResponse(auth.TokenResponse{AccessToken: token}, &Session{SessionID: storedID})
	if err != nil {
		return nil, false
	}
	sess.AccessExpiresIn = lifetime
	return sess, true
}

// Login installs sess as the current session, persists it and reschedules
// the proactive refresh.
func (c *Coordinator) Login(ctx context.Context, sess Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	snap, status := c.installLocked(ctx, &sess)
	c.mu.Unlock()
	c.installed(ctx, snap, status)
	return nil
}

// Logout discards the current session and immediately installs a new
// anonymous one.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	c.current = nil
	c.state = StateUnauthenticated
	c.err = nil
	c.store.ClearTokens(ctx)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(ctx, snap)

	sess, err := c.anonymous(ctx)
	if err == nil {
		return c.Login(ctx, *sess)
	}
	err = fmt.Errorf("session: anonymous session after logout: %w", err)
	c.fail(ctx, gen, err)
	return err
}

// Refresh renews the session, falling back to a new anonymous session. It
// returns false only when both failed and the session has been cleared.
func (c *Coordinator) Refresh(ctx context.Context) bool {
	_, err := c.Renew(ctx)
	return err == nil
}

// Renew runs the refresh-or-fallback routine and returns the resulting access
// token. Concurrent callers share a single renewal. The renewal itself is not
// cancelled when ctx is; ctx only bounds how long this caller waits.
func (c *Coordinator) Renew(ctx context.Context) (string, error) {
	ch := c.flight.DoChan("renew", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.renewTimeout)
		defer cancel()
		return c.renew(rctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Retry is the recovery path offered to the UI after a failure. Before
// initialization it initializes; afterwards it renews.
func (c *Coordinator) Retry(ctx context.Context) error {
	if c.State() == StateUninitialized {
		return c.Initialize(ctx)
	}
	_, err := c.Renew(ctx)
	return err
}

func (c *Coordinator) renew(ctx context.Context) (string, error) {
	gen, prev, err := c.beginRenewal(ctx)
	if err != nil {
		return "", err
	}

	resp, refreshErr := c.authority.Refresh(ctx)
	if refreshErr == nil {
		sess, err := c.fromResponse(resp, prev)
		if err == nil {
			return c.adopt(ctx, gen, sess, "refreshed")
		}
		refreshErr = err
	}
	c.emit.Log(ctx, telemetry.LogLevelWarn, "session refresh failed, requesting anonymous session", map[string]any{
		"err": refreshErr.Error(),
	})

	sess, anonErr := c.anonymous(ctx)
	if anonErr == nil {
		return c.adopt(ctx, gen, sess, "anonymous")
	}

	err = fmt.Errorf("%w: refresh: %w; preAuthorize: %w", ErrRenewalExhausted, refreshErr, anonErr)
	c.fail(ctx, gen, err)
	c.emit.Metric(ctx, telemetry.MetricRenewal, 1, map[string]string{"outcome": "exhausted"})
	return "", err
}

func (c *Coordinator) beginRenewal(ctx context.Context) (uint64, *Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, ErrClosed
	}
	gen := c.gen
	prev := c.current.clone()
	var snap *Snapshot
	if c.state == StateAuthenticated {
		c.state = StateRefreshing
		s := c.snapshotLocked()
		snap = &s
	}
	c.mu.Unlock()
	if snap != nil {
		c.notify(ctx, *snap)
	}
	if prev == nil {
		storedID, _ := c.store.SessionID(ctx)
		prev = &Session{SessionID: storedID}
	}
	return gen, prev, nil
}

func (c *Coordinator) anonymous(ctx context.Context) (*Session, error) {
	resp, err := c.authority.PreAuthorize(ctx)
	if err != nil {
		return nil, err
	}
	return c.fromResponse(resp, nil)
}

// adopt installs sess unless the session changed since the renewal began, in
// which case the result is dropped in favour of whatever is current.
func (c *Coordinator) adopt(ctx context.Context, gen uint64, sess *Session, outcome string) (string, error) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		var token string
		if c.current != nil {
			token = c.current.AccessToken
		}
		closed := c.closed
		c.mu.Unlock()
		c.emit.Metric(ctx, telemetry.MetricRenewal, 1, map[string]string{"outcome": "superseded"})
		switch {
		case closed:
			return "", ErrClosed
		case token == "":
			return "", ErrSuperseded
		default:
			return token, nil
		}
	}
	snap, status := c.installLocked(ctx, sess)
	c.mu.Unlock()
	c.installed(ctx, snap, status)
	c.emit.Metric(ctx, telemetry.MetricRenewal, 1, map[string]string{"outcome": outcome})
	return sess.AccessToken, nil
}

// fail clears the session and records err, unless the session has moved on
// since gen.
func (c *Coordinator) fail(ctx context.Context, gen uint64, err error) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.gen++
	c.current = nil
	c.state = StateUnauthenticated
	c.err = err
	c.store.ClearTokens(ctx)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit.Log(ctx, telemetry.LogLevelError, "session cleared", map[string]any{"err": err.Error()})
	c.notify(ctx, snap)
}

// fromResponse builds a Session from an endpoint response. Missing fields are
// taken from the token claims, then from prev.
func (c *Coordinator) fromResponse(resp auth.TokenResponse, prev *Session) (*Session, error) {
	claims, _ := tokenstore.DecodeToken(resp.AccessToken)
	sess := &Session{
		AccessToken:     resp.AccessToken,
		AccessExpiresIn: resp.ExpiresIn(),
		SessionID:       resp.SessionID,
		Role:            resp.Role,
		SteamID:         resp.SteamID,
	}
	if claims != nil {
		sess.SessionID = firstNonEmpty(sess.SessionID, claims.SessionID())
		sess.Role = firstNonEmpty(sess.Role, claims.Role)
		if sess.SteamID == nil && claims.SteamID != nil {
			id := int64(*claims.SteamID)
			sess.SteamID = &id
		}
		if sess.AccessExpiresIn <= 0 && claims.ExpiresAt != nil {
			sess.AccessExpiresIn = claims.ExpiresAt.Sub(c.store.Now())
		}
	}
	if prev != nil {
		sess.SessionID = firstNonEmpty(sess.SessionID, prev.SessionID)
		sess.Role = firstNonEmpty(sess.Role, prev.Role)
		if sess.SteamID == nil && prev.SteamID != nil {
			id := *prev.SteamID
			sess.SteamID = &id
		}
	}
	sess.Role = firstNonEmpty(sess.Role, c.defaultRole)
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *Coordinator) installLocked(ctx context.Context, sess *Session) (Snapshot, tokenstore.PersistStatus) {
	c.stopTimerLocked()
	cp := sess.clone()
	if cp.AccessExpiresIn > 0 && cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = c.store.Now().Add(cp.AccessExpiresIn)
	}
	c.gen++
	c.current = cp
	c.state = StateAuthenticated
	c.err = nil
	status := c.store.SetTokens(ctx, cp.AccessToken, cp.SessionID, cp.AccessExpiresIn)
	if cp.AccessExpiresIn > 0 {
		gen := c.gen
		c.timer = c.afterFunc(RefreshDelay(cp.AccessExpiresIn), func() { c.onTimer(gen) })
	}
	return c.snapshotLocked(), status
}

func (c *Coordinator) installed(ctx context.Context, snap Snapshot, status tokenstore.PersistStatus) {
	if status != tokenstore.PersistOK {
		c.emit.Log(ctx, telemetry.LogLevelWarn, "session not persisted", map[string]any{"status": status.String()})
	}
	c.notify(ctx, snap)
}

func (c *Coordinator) onTimer(gen uint64) {
	c.mu.Lock()
	stale := c.closed || c.gen != gen
	c.mu.Unlock()
	if stale {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.renewTimeout)
	defer cancel()
	c.emit.Log(ctx, telemetry.LogLevelDebug, "proactive session refresh", nil)
	c.Refresh(ctx)
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Close stops the proactive refresh timer. Persisted state is kept so the
// next process can restore it. Further mutations return ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimerLocked()
	c.gen++
}

// Snapshot returns the current state, session and error.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session, or nil.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.clone()
}

// AccessToken returns the in-memory token, falling back to the store when no
// session is installed in this process.
func (c *Coordinator) AccessToken(ctx context.Context) (string, bool) {
	c.mu.Lock()
	var token string
	if c.current != nil {
		token = c.current.AccessToken
	}
	c.mu.Unlock()
	if token != "" {
		return token, true
	}
	return c.store.AccessToken(ctx)
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{State: c.state, Session: c.current.clone(), Err: c.err}
}

func (c *Coordinator) notify(ctx context.Context, snap Snapshot) {
	c.emit.Metric(ctx, telemetry.MetricStateTransition, 1, map[string]string{"state": snap.State.String()})
	c.emit.Log(ctx, telemetry.LogLevelDebug, "session state changed", map[string]any{"state": snap.State.String()})
	if c.onChange != nil {
		c.onChange(snap)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
