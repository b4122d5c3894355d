// Package transport attaches the session's bearer credential to outgoing API
// calls and implements the one-shot recovery protocol for expired access
// tokens: attach → send → on 401 refresh → retry exactly once.
package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/khalverson/inkwell/backend"
	"github.com/khalverson/inkwell/session"
)

// exemptPaths are the unauthenticated auth endpoints. They get no token
// attached and no 401 recovery — refreshing in response to a failed refresh
// call would recurse forever.
var exemptPaths = []string{
	backend.PathLogin,
	backend.PathRegister,
	backend.PathRefresh,
	backend.PathLogout,
}

// Transport is an http.RoundTripper that authenticates requests against a
// session.Manager. Wrap it into an http.Client and use that client for all
// API calls.
type Transport struct {
	base     http.RoundTripper
	sessions *session.Manager
	log      *slog.Logger
	prefix   string
}

var _ http.RoundTripper = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the underlying RoundTripper. Defaults to
// http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) { t.base = rt }
}

// WithLogger sets the structured logger. If not set, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// WithAPIPrefix sets the path prefix the backend API is mounted under, e.g.
// "/api" when calls go through the forward gateway. The exempt auth
// endpoints are matched at that prefix.
func WithAPIPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = strings.TrimSuffix(prefix, "/") }
}

// New creates a Transport bound to the given session manager.
func New(sessions *session.Manager, opts ...Option) *Transport {
	t := &Transport{base: http.DefaultTransport, sessions: sessions}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = slog.New(slog.DiscardHandler)
	}
	return t
}

// Client returns an http.Client using this transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper. The caller's request is never
// mutated; attempts are sent on clones.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.isExempt(req.URL.Path) {
		return t.base.RoundTrip(req)
	}

	// A token that is visibly expired will bounce off the backend anyway;
	// refresh up front and save the round trip. Failures here are not fatal —
	// the normal 401 path below still applies.
	if t.sessions.AccessTokenExpired() && t.sessions.HasRefreshToken() {
		if err := t.sessions.Refresh(req.Context()); err != nil {
			t.log.Debug("proactive refresh failed", "error", err)
		}
	}

	attempt := req.Clone(req.Context())
	t.attach(attempt)

	resp, err := t.base.RoundTrip(attempt)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// 401: with nothing to refresh, the session is simply dead. Clear it
	// and surface the original response.
	if !t.sessions.HasRefreshToken() {
		t.sessions.Invalidate()
		return resp, nil
	}

	if err := t.sessions.Refresh(req.Context()); err != nil {
		if errors.Is(err, backend.ErrAuthRejected) || errors.Is(err, session.ErrNoRefreshToken) {
			t.sessions.Invalidate()
		}
		resp.Body.Close()
		return nil, err
	}

	retry, ok := t.retryable(req)
	if !ok {
		// The body cannot be replayed; the refreshed token will serve the
		// caller's own retry.
		return resp, nil
	}
	resp.Body.Close()

	t.attach(retry)
	return t.base.RoundTrip(retry)
}

// attach sets the bearer header from the current session, if a token is held.
func (t *Transport) attach(req *http.Request) {
	if token, ok := t.sessions.AccessToken(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// retryable clones req with a rewound body. Requests with a consumed,
// non-replayable body report ok=false.
func (t *Transport) retryable(req *http.Request) (*http.Request, bool) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		t.log.Debug("rewinding request body failed", "error", err)
		return nil, false
	}
	retry.Body = body
	return retry, true
}

// isExempt matches the exact endpoint path under the configured prefix. A
// resource path that merely ends in an auth endpoint's name (such as
// /posts/auth/login) is not exempt.
func (t *Transport) isExempt(path string) bool {
	for _, p := range exemptPaths {
		if path == t.prefix+p {
			return true
		}
	}
	return false
}
