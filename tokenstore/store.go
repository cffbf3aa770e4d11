// Package tokenstore persists the current guest credential and inspects
// access token structure. It never talks to the network.
package tokenstore

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Persisted keys.
const (
	KeyAccessToken = "accessToken"
	KeySessionID   = "sessionId"
	KeyExpiresAt   = "expiresAt"
	// KeyCookies holds the serialized cookie jar that carries the refresh
	// credential.
	KeyCookies = "cookies"
)

// ExpiryBuffer is subtracted from the stored expiry before comparing
// against the current time.
const ExpiryBuffer = 5 * time.Second

var allKeys = []string{KeyAccessToken, KeySessionID, KeyExpiresAt, KeyCookies}

// PersistStatus reports whether a write reached the backend.
type PersistStatus int

const (
	// PersistOK means the backend accepted the write.
	PersistOK PersistStatus = iota
	// PersistDegraded means the write failed; the in-memory session is
	// still usable but will not survive a restart.
	PersistDegraded
)

func (s PersistStatus) String() string {
	if s == PersistOK {
		return "ok"
	}
	return "degraded"
}

// Store reads and writes credential material through a Backend. All reads are
// total: backend failures and missing values both report absence.
type Store struct {
	backend Backend
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for absorbed storage failures.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New returns a Store over backend. A nil backend falls back to memory.
func New(backend Backend, opts ...Option) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend: backend,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time { return s.now() }

// SetTokens overwrites the stored credential. When expiresIn is positive the
// absolute expiry now+expiresIn is stored as epoch milliseconds; otherwise any
// previous expiry is removed.
func (s *Store) SetTokens(ctx context.Context, accessToken, sessionID string, expiresIn time.Duration) PersistStatus {
	set := make(map[string]string, 3)
	var del []string
	put := func(key, value string) {
		if value == "" {
			del = append(del, key)
			return
		}
		set[key] = value
	}
	put(KeyAccessToken, accessToken)
	put(KeySessionID, sessionID)
	if expiresIn > 0 {
		set[KeyExpiresAt] = strconv.FormatInt(s.now().Add(expiresIn).UnixMilli(), 10)
	} else {
		del = append(del, KeyExpiresAt)
	}
	if err := s.backend.Update(ctx, set, del); err != nil {
		s.log.WarnContext(ctx, "token store write failed", "op", "set", "err", err)
		return PersistDegraded
	}
	return PersistOK
}

// SetCookies stores the encoded cookie jar. An empty value removes it.
func (s *Store) SetCookies(ctx context.Context, encoded string) PersistStatus {
	var err error
	if encoded == "" {
		err = s.backend.Update(ctx, nil, []string{KeyCookies})
	} else {
		err = s.backend.Update(ctx, map[string]string{KeyCookies: encoded}, nil)
	}
	if err != nil {
		s.log.WarnContext(ctx, "token store write failed", "op", "cookies", "err", err)
		return PersistDegraded
	}
	return PersistOK
}

// Cookies returns the encoded cookie jar.
func (s *Store) Cookies(ctx context.Context) (string, bool) {
	return s.get(ctx, KeyCookies)
}

// ClearTokens removes every persisted field, the cookie jar included.
func (s *Store) ClearTokens(ctx context.Context) PersistStatus {
	if err := s.backend.Update(ctx, nil, allKeys); err != nil {
		s.log.WarnContext(ctx, "token store write failed", "op", "clear", "err", err)
		return PersistDegraded
	}
	return PersistOK
}

// AccessToken returns the stored access token.
func (s *Store) AccessToken(ctx context.Context) (string, bool) {
	return s.get(ctx, KeyAccessToken)
}

// SessionID returns the stored session id.
func (s *Store) SessionID(ctx context.Context) (string, bool) {
	return s.get(ctx, KeySessionID)
}

// ExpiresAt returns the stored absolute expiry.
func (s *Store) ExpiresAt(ctx context.Context) (time.Time, bool) {
	raw, ok := s.get(ctx, KeyExpiresAt)
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// IsTokenExpired reports whether now is at or past the stored expiry minus
// ExpiryBuffer. Without a stored expiry it returns false and leaves the
// decision to the API's 401.
func (s *Store) IsTokenExpired(ctx context.Context) bool {
	exp, ok := s.ExpiresAt(ctx)
	if !ok {
		return false
	}
	return !s.now().Before(exp.Add(-ExpiryBuffer))
}

func (s *Store) get(ctx context.Context, key string) (string, bool) {
	v, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.log.WarnContext(ctx, "token store read failed", "key", key, "err", err)
		return "", false
	}
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
