// Package backend is a typed client for the blog backend's auth and profile
// endpoints. Every response is wrapped in a {code, status, data} envelope;
// failures are classified into the sentinel errors in errors.go so callers
// can decide between "session is dead" and "try again later".
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Paths of the auth endpoints, relative to the client base URL. The
// transport package exempts these from token attachment and 401 recovery.
const (
	PathLogin    = "/auth/login"
	PathRegister = "/auth/register"
	PathRefresh  = "/auth/refresh"
	PathLogout   = "/auth/logout"
	PathProfile  = "/profile"
)

// Client issues requests to the backend API.
type Client struct {
	base string
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. Use this to route calls
// through an authenticating transport or to tighten timeouts in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the backend rooted at base, which may point
// at the backend origin directly or at the forward gateway's /api prefix —
// the client cannot tell the difference and does not need to.
func NewClient(base string, opts ...Option) *Client {
	c := &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges email+password for a full auth payload.
func (c *Client) Login(ctx context.Context, creds Credentials) (*AuthPayload, error) {
	creds.Email = NormalizeEmail(creds.Email)
	var payload AuthPayload
	if err := c.doJSON(ctx, http.MethodPost, PathLogin, creds, "", &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Register creates an account. The backend auto-logs the new account in and
// returns the same payload shape as Login.
func (c *Client) Register(ctx context.Context, reg Registration) (*AuthPayload, error) {
	reg.Email = NormalizeEmail(reg.Email)
	reg.Username = NormalizeUsername(reg.Username)
	var payload AuthPayload
	if err := c.doJSON(ctx, http.MethodPost, PathRegister, reg, "", &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Refresh exchanges a refresh token for a new token pair. The old refresh
// token is invalid server-side once this succeeds.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var pair TokenPair
	if err := c.doJSON(ctx, http.MethodPost, PathRefresh, refreshRequest{RefreshToken: refreshToken}, "", &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

// Logout asks the backend to revoke the given refresh token.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.doJSON(ctx, http.MethodPost, PathLogout, logoutRequest{RefreshToken: refreshToken}, "", nil)
}

// Profile fetches the authenticated user's profile using accessToken.
func (c *Client) Profile(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodGet, PathProfile, nil, accessToken, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// doJSON issues a request, unwraps the response envelope and decodes its
// data into result. Non-2xx responses are classified; transport failures
// become ErrNetwork.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, accessToken string, result any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer resp.Body.Close()

	var env envelope
	if decErr := json.NewDecoder(resp.Body).Decode(&env); decErr != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return classify(resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		return fmt.Errorf("decoding response envelope: %w", decErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ed errorData
		msg := env.Status
		if json.Unmarshal(env.Data, &ed) == nil && ed.Message != "" {
			msg = ed.Message
		}
		return classify(resp.StatusCode, msg)
	}

	if result != nil {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}
