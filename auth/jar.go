package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/steamrec/steamrec/sdk/go/tokenstore"
)

// Jar is an http.CookieJar that mirrors every cookie it accepts into a
// tokenstore.Store, so the refresh cookie survives a restart together with
// the access token.
type Jar struct {
	jar   *cookiejar.Jar
	store *tokenstore.Store
	now   func() time.Time

	mu    sync.Mutex
	saved map[string]savedCookie
}

type savedCookie struct {
	URL    string       `json:"url"`
	Cookie *http.Cookie `json:"cookie"`
}

// NewPersistentJar returns a jar seeded from the cookies held in store.
// Unreadable or expired entries are skipped.
func NewPersistentJar(ctx context.Context, store *tokenstore.Store) (*Jar, error) {
	if store == nil {
		return nil, fmt.Errorf("sdk/auth: cookie jar: token store required")
	}
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("sdk/auth: cookie jar: %w", err)
	}
	j := &Jar{jar: inner, store: store, now: time.Now, saved: make(map[string]savedCookie)}
	j.load(ctx)
	return j, nil
}

func (j *Jar) load(ctx context.Context) {
	raw, ok := j.store.Cookies(ctx)
	if !ok {
		return
	}
	var entries []savedCookie
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return
	}
	now := j.now()
	for _, e := range entries {
		if e.Cookie == nil || (!e.Cookie.Expires.IsZero() && !e.Cookie.Expires.After(now)) {
			continue
		}
		u, err := url.Parse(e.URL)
		if err != nil {
			continue
		}
		j.jar.SetCookies(u, []*http.Cookie{e.Cookie})
		j.saved[cookieKey(u, e.Cookie)] = e
	}
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.jar.SetCookies(u, cookies)

	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	origin := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}).String()
	for _, c := range cookies {
		key := cookieKey(u, c)
		cp := *c
		switch {
		case cp.MaxAge < 0:
			delete(j.saved, key)
			continue
		case cp.MaxAge > 0:
			cp.Expires = now.Add(time.Duration(cp.MaxAge) * time.Second)
			cp.MaxAge = 0
		}
		if !cp.Expires.IsZero() && !cp.Expires.After(now) {
			delete(j.saved, key)
			continue
		}
		cp.Raw = ""
		cp.RawExpires = ""
		j.saved[key] = savedCookie{URL: origin, Cookie: &cp}
	}
	j.persistLocked()
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

func (j *Jar) persistLocked() {
	if len(j.saved) == 0 {
		j.store.SetCookies(context.Background(), "")
		return
	}
	entries := make([]savedCookie, 0, len(j.saved))
	for _, e := range j.saved {
		entries = append(entries, e)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	j.store.SetCookies(context.Background(), string(data))
}

func cookieKey(u *url.URL, c *http.Cookie) string {
	domain := c.Domain
	if domain == "" {
		domain = u.Hostname()
	}
	return domain + "|" + c.Path + "|" + c.Name
}
