package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/steamrec/steamrec/sdk/go/auth"
	"github.com/steamrec/steamrec/sdk/go/tokenstore"
)

var tokenSeq atomic.Int64

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if claims == nil {
		claims = jwt.MapClaims{}
	}
	claims["jti"] = tokenSeq.Add(1)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

func (t *fakeTimer) Fire() {
	if t.stopped.Load() {
		return
	}
	t.f()
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) all() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]*fakeTimer(nil), ft.timers...)
}

func (ft *fakeTimers) last() *fakeTimer {
	all := ft.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

type fakeAuthority struct {
	refresh      func(ctx context.Context) (auth.TokenResponse, error)
	preAuthorize func(ctx context.Context) (auth.TokenResponse, error)

	refreshCalls atomic.Int32
	preAuthCalls atomic.Int32
}

var errUnauthorized = auth.Error{Status: 401, Body: "no refresh cookie"}

func (f *fakeAuthority) Refresh(ctx context.Context) (auth.TokenResponse, error) {
	f.refreshCalls.Add(1)
	if f.refresh == nil {
		return auth.TokenResponse{}, errUnauthorized
	}
	return f.refresh(ctx)
}

func (f *fakeAuthority) PreAuthorize(ctx context.Context) (auth.TokenResponse, error) {
	f.preAuthCalls.Add(1)
	if f.preAuthorize == nil {
		return auth.TokenResponse{}, errors.New("preAuthorize unavailable")
	}
	return f.preAuthorize(ctx)
}

// anonymousSessions returns a preAuthorize func that issues sessions
// anon-1, anon-2, ... with the given lifetime.
func anonymousSessions(t *testing.T, lifetime int64) func(context.Context) (auth.TokenResponse, error) {
	var n atomic.Int32
	return func(context.Context) (auth.TokenResponse, error) {
		id := "anon-" + string(rune('0'+n.Add(1)))
		return auth.TokenResponse{
			AccessToken:     mintToken(t, jwt.MapClaims{"sub": id, "role": "guest"}),
			AccessExpiresIn: lifetime,
			Role:            "guest",
			SessionID:       id,
		}, nil
	}
}

type harness struct {
	c       *Coordinator
	store   *tokenstore.Store
	backend *tokenstore.MemoryBackend
	auth    *fakeAuthority
	timers  *fakeTimers
	clock   *testClock

	mu      sync.Mutex
	changes []Snapshot
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: tokenstore.NewMemoryBackend(),
		auth:    &fakeAuthority{},
		timers:  &fakeTimers{},
		clock:   &testClock{now: time.UnixMilli(1_700_000_000_000)},
	}
	h.store = tokenstore.New(h.backend, tokenstore.WithClock(h.clock.Now))
	c, err := New(Config{
		Store:     h.store,
		Authority: h.auth,
		AfterFunc: h.timers.AfterFunc,
		OnChange: func(s Snapshot) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.changes = append(h.changes, s)
		},
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	h.c = c
	return h
}

func (h *harness) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]State, 0, len(h.changes))
	for _, s := range h.changes {
		out = append(out, s.State)
	}
	return out
}
