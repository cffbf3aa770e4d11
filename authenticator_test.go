package sdk

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steamrec/steamrec/sdk/go/telemetry"
)

// fakeTokens is a TokenSource and Renewer backed by a single string.
type fakeTokens struct {
	mu    sync.Mutex
	token string
	// script, when set, supplies the token for successive reads.
	script []string

	reads   atomic.Int64
	renews  atomic.Int64
	renewFn func(ctx context.Context) (string, error)
}

func (f *fakeTokens) AccessToken(context.Context) (string, bool) {
	f.reads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) > 0 {
		f.token, f.script = f.script[0], f.script[1:]
	}
	return f.token, f.token != ""
}

func (f *fakeTokens) set(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeTokens) Renew(ctx context.Context) (string, error) {
	f.renews.Add(1)
	token, err := f.renewFn(ctx)
	if err == nil {
		f.set(token)
	}
	return token, err
}

// acceptOnly answers 401 unless the bearer token equals want.
func acceptOnly(want string, hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func newAuthenticatedClient(t *testing.T, srv *httptest.Server, tokens *fakeTokens, hooks telemetry.Hooks) *http.Client {
	t.Helper()
	a, err := NewAuthenticator(srv.Client().Transport, tokens, tokens, telemetry.Emitter{Hooks: hooks})
	require.NoError(t, err)
	return &http.Client{Transport: a}
}

// waitForReads blocks until every concurrent request has looked at the token
// a second time, which happens right before it asks for a renewal.
func waitForReads(tokens *fakeTokens, n int64) {
	deadline := time.Now().Add(2 * time.Second)
	for tokens.reads.Load() < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestAuthenticatorAttachesBearer(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(acceptOnly("tok-1", &hits))
	defer srv.Close()

	tokens := &fakeTokens{token: "tok-1", renewFn: func(context.Context) (string, error) {
		t.Error("unexpected renewal")
		return "", nil
	}}
	resp, err := newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{}).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), hits.Load())
}

func TestAuthenticatorSendsWithoutTokenWhenNoneStored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tokens := &fakeTokens{}
	resp, err := newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{}).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAuthenticatorConcurrentUnauthorizedShareOneRenewal(t *testing.T) {
	const k = 8
	var hits atomic.Int64
	srv := httptest.NewServer(acceptOnly("new", &hits))
	defer srv.Close()

	tokens := &fakeTokens{token: "old"}
	tokens.renewFn = func(context.Context) (string, error) {
		waitForReads(tokens, 2*k)
		return "new", nil
	}
	var waiters atomic.Int64
	client := newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{
		OnMetric: func(_ context.Context, m telemetry.Metric) {
			if m.Name == telemetry.MetricRenewalWaiter {
				waiters.Add(1)
			}
		},
	})

	var wg sync.WaitGroup
	statuses := make([]int, k)
	errs := make([]error, k)
	for i := range k {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(srv.URL)
			errs[i] = err
			if err == nil {
				statuses[i] = resp.StatusCode
				_ = resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), tokens.renews.Load())
	for i := range k {
		require.NoError(t, errs[i])
		assert.Equal(t, http.StatusOK, statuses[i])
	}
	assert.Equal(t, int64(2*k), hits.Load())
	assert.Positive(t, waiters.Load())
}

func TestAuthenticatorConcurrentUnauthorizedShareRenewalFailure(t *testing.T) {
	const k = 6
	var hits atomic.Int64
	srv := httptest.NewServer(acceptOnly("never", &hits))
	defer srv.Close()

	cause := errors.New("renewal exhausted")
	tokens := &fakeTokens{token: "old"}
	tokens.renewFn = func(context.Context) (string, error) {
		waitForReads(tokens, 2*k)
		return "", cause
	}
	client := newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{})

	var wg sync.WaitGroup
	errs := make([]error, k)
	for i := range k {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(srv.URL)
			if err == nil {
				_ = resp.Body.Close()
			}
			errs[i] = err
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), tokens.renews.Load())
	var first *RenewalError
	for i := range k {
		var re *RenewalError
		require.ErrorAs(t, errs[i], &re)
		assert.ErrorIs(t, errs[i], cause)
		if first == nil {
			first = re
		}
		assert.Same(t, first, re)
	}
	// No request was replayed.
	assert.Equal(t, int64(k), hits.Load())
}

func TestAuthenticatorRetriesOnlyOnce(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(acceptOnly("never", &hits))
	defer srv.Close()

	tokens := &fakeTokens{token: "old", renewFn: func(context.Context) (string, error) { return "new", nil }}
	var retries atomic.Int64
	client := newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{
		OnMetric: func(_ context.Context, m telemetry.Metric) {
			if m.Name == telemetry.MetricUnauthorizedRetry {
				retries.Add(1)
			}
		},
	})

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, int64(1), tokens.renews.Load())
	assert.Equal(t, int64(1), retries.Load())
}

func TestAuthenticatorSkipsRenewalForMarkedRequests(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(acceptOnly("never", &hits))
	defer srv.Close()

	tokens := &fakeTokens{token: "old", renewFn: func(context.Context) (string, error) { return "new", nil }}
	req, err := http.NewRequestWithContext(MarkRetried(context.Background()), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int64(0), tokens.renews.Load())
	assert.Equal(t, int64(1), hits.Load())
}

func TestAuthenticatorPassesThroughOtherStatuses(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusInternalServerError, http.StatusNotFound} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		tokens := &fakeTokens{token: "old", renewFn: func(context.Context) (string, error) { return "new", nil }}
		resp, err := newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{}).Get(srv.URL)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, status, resp.StatusCode)
		assert.Equal(t, int64(0), tokens.renews.Load())
		srv.Close()
	}
}

func TestAuthenticatorReplaysRequestBody(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "old", renewFn: func(context.Context) (string, error) { return "new", nil }}
	resp, err := newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{}).
		Post(srv.URL, "application/json", bytes.NewReader([]byte(`{"game":42}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{`{"game":42}`, `{"game":42}`}, bodies)
}

func TestAuthenticatorRenewsWhenBodyCannotBeReplayed(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(acceptOnly("new", &hits))
	defer srv.Close()

	tokens := &fakeTokens{token: "old", renewFn: func(context.Context) (string, error) { return "new", nil }}
	client := newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{})
	req, err := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(bytes.NewReader([]byte("x"))))
	require.NoError(t, err)
	require.Nil(t, req.GetBody)

	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, int64(1), tokens.renews.Load())

	// The session was renewed, so the caller's next attempt goes through.
	resp, err = client.Post(srv.URL, "text/plain", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), tokens.renews.Load())
}

func TestAuthenticatorUnreplayableBodyKeeps401WhenRenewalFails(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(acceptOnly("new", &hits))
	defer srv.Close()

	tokens := &fakeTokens{token: "old", renewFn: func(context.Context) (string, error) { return "", errors.New("down") }}
	req, err := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(bytes.NewReader([]byte("x"))))
	require.NoError(t, err)

	resp, err := newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int64(1), tokens.renews.Load())
}

func TestAuthenticatorRechecksTokenBeforeRenewing(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(acceptOnly("new", &hits))
	defer srv.Close()

	// Attach and the first comparison see "old"; by the time the renewal
	// would start, a previous renewal has installed "new".
	tokens := &fakeTokens{script: []string{"old", "old", "new"}, renewFn: func(context.Context) (string, error) {
		t.Error("renewal should reuse the token installed meanwhile")
		return "", nil
	}}
	resp, err := newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{}).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, int64(0), tokens.renews.Load())
}

func TestAuthenticatorUsesTokenReplacedMeanwhile(t *testing.T) {
	tokens := &fakeTokens{token: "old", renewFn: func(context.Context) (string, error) {
		t.Error("renewal should not run when the token was already replaced")
		return "", nil
	}}
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") == "Bearer old" {
			// Another caller renewed while this request was in flight.
			tokens.set("fresh")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{}).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), hits.Load())
}

func TestAuthenticatorWaiterHonorsOwnContext(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(acceptOnly("new", &hits))
	defer srv.Close()

	release := make(chan struct{})
	done := make(chan struct{})
	tokens := &fakeTokens{token: "old"}
	tokens.renewFn = func(ctx context.Context) (string, error) {
		defer close(done)
		<-release
		return "new", ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = newAuthenticatedClient(t, srv, tokens, telemetry.Hooks{}).Do(req)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared renewal outlives the abandoned waiter and still succeeds.
	close(release)
	<-done
	tok, _ := tokens.AccessToken(context.Background())
	assert.Equal(t, "new", tok)
}

func TestNewAuthenticatorRequiresCollaborators(t *testing.T) {
	_, err := NewAuthenticator(nil, nil, nil, telemetry.Emitter{})
	var cfgErr ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(req))
	setBearer(req, "abc")
	assert.Equal(t, "abc", bearerToken(req))
	req.Header.Set("Authorization", "bearer  xyz ")
	assert.Equal(t, "xyz", bearerToken(req))
	assert.False(t, IsRetried(req.Context()))
	assert.True(t, IsRetried(MarkRetried(req.Context())))
}
