package sdk

import (
	"context"
	"io"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/steamrec/steamrec/sdk/go/telemetry"
)

// TokenSource supplies the access token attached to outgoing requests.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, bool)
}

// Renewer obtains a new access token after the API rejected the current one.
// *session.Coordinator implements it.
type Renewer interface {
	Renew(ctx context.Context) (string, error)
}

// Authenticator is an http.RoundTripper that attaches the current bearer
// token and, when the API answers 401, renews the token once and replays the
// request once. Requests that hit 401 while a renewal is running wait for it
// instead of starting another one, and all of them observe its outcome.
type Authenticator struct {
	base    http.RoundTripper
	tokens  TokenSource
	renewer Renewer
	emit    telemetry.Emitter

	flight singleflight.Group
}

// NewAuthenticator wraps base. A nil base uses http.DefaultTransport.
func NewAuthenticator(base http.RoundTripper, tokens TokenSource, renewer Renewer, emit telemetry.Emitter) (*Authenticator, error) {
	if tokens == nil || renewer == nil {
		return nil, ConfigError{Reason: "authenticator requires a token source and a renewer"}
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &Authenticator{base: base, tokens: tokens, renewer: renewer, emit: emit}, nil
}

// RoundTrip implements http.RoundTripper.
func (a *Authenticator) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	out := req.Clone(ctx)
	if token, ok := a.tokens.AccessToken(ctx); ok {
		setBearer(out, token)
	}
	sent := bearerToken(out)

	resp, err := a.base.RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || IsRetried(ctx) {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		// The body was consumed and cannot be replayed: renew so the next
		// request carries a valid token, and hand this 401 back unchanged.
		if _, err := a.freshToken(ctx, sent); err != nil {
			a.emit.Log(ctx, telemetry.LogLevelWarn, "renewal after unreplayable 401 failed", map[string]any{"err": err.Error()})
		}
		return resp, nil
	}
	discard(resp)

	token, err := a.freshToken(ctx, sent)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(MarkRetried(ctx))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	setBearer(retry, token)
	a.emit.Metric(ctx, telemetry.MetricUnauthorizedRetry, 1, map[string]string{"path": req.URL.Path})
	return a.base.RoundTrip(retry)
}

// freshToken returns a token newer than sent. If another request already
// replaced it no renewal is needed. The comparison is repeated inside the
// flight so a renewal that settled just before this one joined is reused.
func (a *Authenticator) freshToken(ctx context.Context, sent string) (string, error) {
	if current, ok := a.replaced(ctx, sent); ok {
		return current, nil
	}
	ch := a.flight.DoChan("renew", func() (any, error) {
		if current, ok := a.replaced(ctx, sent); ok {
			return current, nil
		}
		a.emit.Log(ctx, telemetry.LogLevelInfo, "access token rejected, renewing", nil)
		token, err := a.renewer.Renew(context.WithoutCancel(ctx))
		if err != nil {
			return "", &RenewalError{Err: err}
		}
		return token, nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			a.emit.Metric(ctx, telemetry.MetricRenewalWaiter, 1, nil)
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *Authenticator) replaced(ctx context.Context, sent string) (string, bool) {
	current, ok := a.tokens.AccessToken(ctx)
	return current, ok && current != sent
}

func discard(resp *http.Response) {
	//nolint:errcheck // best-effort drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
