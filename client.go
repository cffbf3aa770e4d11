package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/steamrec/steamrec/sdk/go/auth"
	"github.com/steamrec/steamrec/sdk/go/headers"
	"github.com/steamrec/steamrec/sdk/go/session"
	"github.com/steamrec/steamrec/sdk/go/telemetry"
	"github.com/steamrec/steamrec/sdk/go/tokenstore"
)

const defaultBaseURL = "https://api.steamrec.app/api"
const defaultUserAgent = "steamrec-sdk/0.3"
const defaultRequestTimeout = 30 * time.Second

// Config wires persistence, base URL, and telemetry for the API client.
type Config struct {
	BaseURL string
	// HTTPClient supplies the transport, timeout and cookie jar. When it has
	// no jar, one backed by Store is added so the refresh cookie accompanies
	// every call and survives restarts.
	HTTPClient *http.Client
	// Store persists the session between runs. Defaults to memory.
	Store *tokenstore.Store

	Logger    *slog.Logger
	Telemetry TelemetryHooks
	UserAgent string

	DefaultRole string
	// OnSessionChange is notified after every session state change.
	OnSessionChange func(session.Snapshot)
}

// Client issues authenticated calls to the SteamRec API on behalf of the
// current guest session.
type Client struct {
	baseURL    string
	httpClient *http.Client
	emit       telemetry.Emitter
	userAgent  string

	Auth          *auth.Client
	Session       *session.Coordinator
	Authenticator *Authenticator
}

// NewClient validates the configuration and returns a ready-to-use Client.
// Call Initialize before the first request.
func NewClient(cfg Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	normalized, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, ConfigError{Reason: err.Error()}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	store := cfg.Store
	if store == nil {
		store = tokenstore.New(tokenstore.NewMemoryBackend(), tokenstore.WithLogger(cfg.Logger))
	}
	base, err := withCookieJar(cfg.HTTPClient, store)
	if err != nil {
		return nil, err
	}
	emit := telemetry.Emitter{Logger: cfg.Logger, Hooks: cfg.Telemetry}

	authClient, err := auth.NewClient(auth.Config{BaseURL: normalized, HTTPClient: base, UserAgent: ua})
	if err != nil {
		return nil, ConfigError{Reason: err.Error()}
	}
	coordinator, err := session.New(session.Config{
		Store:       store,
		Authority:   authClient,
		Logger:      cfg.Logger,
		Telemetry:   cfg.Telemetry,
		DefaultRole: cfg.DefaultRole,
		OnChange:    cfg.OnSessionChange,
	})
	if err != nil {
		return nil, ConfigError{Reason: err.Error()}
	}
	authenticator, err := NewAuthenticator(base.Transport, coordinator, coordinator, emit)
	if err != nil {
		return nil, err
	}
	api := *base
	api.Transport = authenticator

	return &Client{
		baseURL:       normalized,
		httpClient:    &api,
		emit:          emit,
		userAgent:     ua,
		Auth:          authClient,
		Session:       coordinator,
		Authenticator: authenticator,
	}, nil
}

// withCookieJar copies c and, when it has no jar, gives it one persisted in
// store so the refresh cookie outlives the process.
func withCookieJar(c *http.Client, store *tokenstore.Store) (*http.Client, error) {
	cp := http.Client{Timeout: defaultRequestTimeout}
	if c != nil {
		cp = *c
	}
	if cp.Jar == nil {
		jar, err := auth.NewPersistentJar(context.Background(), store)
		if err != nil {
			return nil, ConfigError{Reason: err.Error()}
		}
		cp.Jar = jar
	}
	return &cp, nil
}

func normalizeBaseURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("sdk: base URL required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("sdk: invalid base URL: %w", err)
	}
	if u.Scheme == "" {
		return "", errors.New("sdk: base URL missing scheme (http/https)")
	}
	if u.Host == "" {
		return "", errors.New("sdk: base URL missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return strings.TrimSuffix(u.String(), "/"), nil
}

// Initialize restores or creates the guest session.
func (c *Client) Initialize(ctx context.Context) error {
	return c.Session.Initialize(ctx)
}

// Logout drops the current identity and switches to a new anonymous one.
func (c *Client) Logout(ctx context.Context) error {
	return c.Session.Logout(ctx)
}

// Close stops background session renewal.
func (c *Client) Close() {
	c.Session.Close()
}

// HTTPClient returns the authenticated client, for callers that build their
// own requests.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

func (c *Client) newJSONRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	headers.InjectTraceparent(ctx, req)
	return req, nil
}

func (c *Client) prepare(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if req.Header.Get(headers.RequestID) == "" {
		req.Header.Set(headers.RequestID, uuid.NewString())
	}
}

// Do sends req through the authenticator. Responses with status >= 400 are
// closed and returned as APIError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.prepare(req)
	ctx := req.Context()
	if c.emit.Hooks.OnHTTPRequest != nil {
		c.emit.Hooks.OnHTTPRequest(ctx, req)
	}
	c.emit.Log(ctx, telemetry.LogLevelDebug, "http_request", map[string]any{
		"method": req.Method,
		"url":    req.URL.String(),
	})
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.emit.Hooks.OnHTTPResponse != nil {
		c.emit.Hooks.OnHTTPResponse(ctx, req, resp, err, time.Since(start))
	}
	c.emit.Metric(ctx, telemetry.MetricHTTPLatency, time.Since(start).Seconds(), map[string]string{
		"path": req.URL.Path,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		//nolint:errcheck // best-effort cleanup on return
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// PostJSON issues a POST with payload encoded as JSON and decodes the
// response into out. out may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, payload, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	req, err := c.newJSONRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	//nolint:errcheck // best-effort cleanup on return
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) buildURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}
