// Package sdk provides the SteamRec Go SDK: a guest session that renews
// itself and an API client that authenticates every call with it.
package sdk

import (
	"context"
	"net/http"
	"strings"

	"github.com/steamrec/steamrec/sdk/go/headers"
)

type retryKey struct{}

// MarkRetried returns a context under which a 401 is returned to the caller
// instead of triggering a token renewal.
func MarkRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retryKey{}, true)
}

// IsRetried reports whether ctx was marked by MarkRetried.
func IsRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retryKey{}).(bool)
	return v
}

func setBearer(req *http.Request, token string) {
	if token == "" {
		return
	}
	req.Header.Set(headers.Authorization, "Bearer "+token)
}

func bearerToken(req *http.Request) string {
	h := strings.TrimSpace(req.Header.Get(headers.Authorization))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
