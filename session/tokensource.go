package session

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/steamrec/steamrec/sdk/go/tokenstore"
)

type tokenSource struct {
	ctx context.Context
	c   *Coordinator
}

// TokenSource adapts the coordinator to oauth2.TokenSource. Token returns the
// current access token while it is outside the expiry buffer and renews
// otherwise. ctx bounds renewals triggered through the source.
func (c *Coordinator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, c: c}
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	if sess := s.c.Session(); sess != nil && !s.expiring(sess) {
		return toOAuth2(sess), nil
	}
	if _, err := s.c.Renew(s.ctx); err != nil {
		return nil, err
	}
	sess := s.c.Session()
	if sess == nil {
		return nil, ErrSuperseded
	}
	return toOAuth2(sess), nil
}

func (s *tokenSource) expiring(sess *Session) bool {
	if sess.ExpiresAt.IsZero() {
		return false
	}
	return !s.c.store.Now().Before(sess.ExpiresAt.Add(-tokenstore.ExpiryBuffer))
}

func toOAuth2(sess *Session) *oauth2.Token {
	return &oauth2.Token{
		AccessToken: sess.AccessToken,
		TokenType:   "Bearer",
		Expiry:      sess.ExpiresAt,
	}
}
