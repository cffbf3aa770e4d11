package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/steamrec/steamrec/sdk/go/tokenstore"
)

var (
	// ErrRenewalExhausted is returned when both refresh and anonymous
	// session creation failed. The session has been cleared.
	ErrRenewalExhausted = errors.New("session: refresh and anonymous fallback both failed")
	// ErrInvalidSession rejects a session without a well-formed token or a
	// session id.
	ErrInvalidSession = errors.New("session: invalid session")
	// ErrClosed is returned by operations on a closed Coordinator.
	ErrClosed = errors.New("session: coordinator closed")
	// ErrSuperseded is returned when a renewal finished after the session
	// it was renewing had been logged out.
	ErrSuperseded = errors.New("session: renewal superseded by logout")
)

// Session is the authoritative credential record.
type Session struct {
	AccessToken string
	// AccessExpiresIn is the lifetime declared by the server when the token
	// was issued. Zero means unknown.
	AccessExpiresIn time.Duration
	Role            string
	SessionID       string
	// SteamID is set once the guest identity is linked to a Steam account.
	SteamID *int64
	// ExpiresAt is filled in by Login when AccessExpiresIn is positive.
	ExpiresAt time.Time
}

// Validate enforces the structural rules a session must meet before it is
// adopted.
func (s Session) Validate() error {
	if !tokenstore.IsValidTokenFormat(s.AccessToken) {
		return fmt.Errorf("%w: malformed access token", ErrInvalidSession)
	}
	if s.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidSession)
	}
	return nil
}

// Linked reports whether the session carries a Steam identity.
func (s Session) Linked() bool { return s.SteamID != nil }

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.SteamID != nil {
		id := *s.SteamID
		cp.SteamID = &id
	}
	return &cp
}

// State is the coordinator's lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateAuthenticated
	StateRefreshing
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent view of the coordinator for the UI layer.
type Snapshot struct {
	State   State
	Session *Session
	// Err is set after renewal exhaustion or a failed initialization.
	Err error
}

// Authenticated reports whether a usable session is installed.
func (s Snapshot) Authenticated() bool {
	return s.Session != nil && (s.State == StateAuthenticated || s.State == StateRefreshing)
}
