package session

import "time"

// earlyRefreshWindow is how long before expiry long-lived tokens are renewed.
const earlyRefreshWindow = 60 * time.Second

// RefreshDelay returns when, after login, a token with the given lifetime
// should be proactively renewed: max(80% of lifetime, lifetime-60s).
func RefreshDelay(lifetime time.Duration) time.Duration {
	if lifetime <= 0 {
		return 0
	}
	byRatio := lifetime * 4 / 5
	byWindow := lifetime - earlyRefreshWindow
	if byWindow > byRatio {
		return byWindow
	}
	return byRatio
}

// Timer is the subset of *time.Timer the coordinator needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. It matches time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
