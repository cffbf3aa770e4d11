// Package auth talks to the guest session endpoints of the SteamRec API.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/steamrec/steamrec/sdk/go/headers"
	"github.com/steamrec/steamrec/sdk/go/routes"
)

const defaultUserAgent = "SteamRecSDK/1"

// Config controls how the auth client talks to the API.
type Config struct {
	BaseURL string
	// HTTPClient must keep cookies between calls; when nil a client with a
	// public-suffix-aware cookie jar is created.
	HTTPClient *http.Client
	UserAgent  string
}

// Client issues preAuthorize and refresh requests.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// TokenResponse mirrors the body of both session endpoints. Refresh responses
// may only carry AccessToken and AccessExpiresIn.
type TokenResponse struct {
	AccessToken     string `json:"accessToken"`
	AccessExpiresIn int64  `json:"accessExpiresIn"`
	Role            string `json:"role,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	SteamID         *int64 `json:"steamId,omitempty"`
}

// ExpiresIn returns AccessExpiresIn as a duration.
func (t TokenResponse) ExpiresIn() time.Duration {
	return time.Duration(t.AccessExpiresIn) * time.Second
}

// Validate rejects responses that carry no usable token.
func (t TokenResponse) Validate() error {
	if strings.TrimSpace(t.AccessToken) == "" {
		return errors.New("sdk/auth: response missing accessToken")
	}
	if t.AccessExpiresIn < 0 {
		return errors.New("sdk/auth: negative accessExpiresIn")
	}
	return nil
}

// Error conveys HTTP failures from the API.
type Error struct {
	Status int
	Body   string
}

func (e Error) Error() string {
	return fmt.Sprintf("sdk/auth: http %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// IsUnauthorized reports whether err is an auth.Error with status 401.
func IsUnauthorized(err error) bool {
	var apiErr Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// NewClient constructs a Client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("sdk/auth: base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		var err error
		client, err = NewCookieClient(30 * time.Second)
		if err != nil {
			return nil, err
		}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		baseURL:    strings.TrimSuffix(base, "/"),
		httpClient: client,
		userAgent:  ua,
	}, nil
}

// NewCookieClient returns an http.Client whose jar replays the refresh cookie
// the API sets on preAuthorize.
func NewCookieClient(timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("sdk/auth: cookie jar: %w", err)
	}
	return &http.Client{Jar: jar, Timeout: timeout}, nil
}

// PreAuthorize creates a new anonymous session.
func (c *Client) PreAuthorize(ctx context.Context) (TokenResponse, error) {
	return c.post(ctx, routes.AuthPreAuthorize)
}

// Refresh exchanges the ambient refresh cookie for a new access token.
func (c *Client) Refresh(ctx context.Context) (TokenResponse, error) {
	return c.post(ctx, routes.AuthRefresh)
}

func (c *Client) post(ctx context.Context, path string) (TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, http.NoBody)
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(headers.RequestID, uuid.NewString())
	headers.InjectTraceparent(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sdk/auth: %s: %w", path, err)
	}
	//nolint:errcheck // best-effort cleanup on return
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenResponse{}, err
	}
	if resp.StatusCode >= 400 {
		return TokenResponse{}, Error{Status: resp.StatusCode, Body: string(body)}
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return TokenResponse{}, fmt.Errorf("sdk/auth: decode %s: %w", path, err)
	}
	if err := tokens.Validate(); err != nil {
		return TokenResponse{}, err
	}
	return tokens, nil
}
