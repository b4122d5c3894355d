// Package session owns the client-side authentication lifecycle: the
// in-memory access token, the persisted refresh token, and the current-user
// snapshot. The Manager is the only component that mutates this state;
// everything else reads derived values (IsAuthenticated, CurrentUser, role
// predicates) or invokes the lifecycle operations.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/singleflight"

	"github.com/khalverson/inkwell/backend"
)

// Phase tracks startup restoration. It moves Unstarted → Initializing →
// Ready exactly once; logout does not revert it. Subsequent authentications
// go through Login, never Initialize.
type Phase int

const (
	PhaseUnstarted Phase = iota
	PhaseInitializing
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseUnstarted:
		return "unstarted"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Manager is the single source of truth for "is the user authenticated, as
// whom, with what credential".
type Manager struct {
	api    *backend.Client
	tokens TokenStore
	log    *slog.Logger

	// group coalesces concurrent Refresh (and Initialize) calls so at most
	// one backend refresh request is in flight at any instant. Late joiners
	// share the pending outcome; the in-flight handle is cleared when the
	// call settles, however it settles.
	group singleflight.Group

	mu     sync.Mutex
	access *memguard.Enclave
	user   *backend.User
	phase  Phase
	// gen is bumped on every commit or clear. Restoration and refresh
	// compare generations before applying their results, so a user actively
	// authenticating always wins over a stale in-flight exchange.
	gen uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. If not set, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager. tokens may be nil when no persistent
// storage is available (e.g. server-side rendering); Initialize then
// completes immediately and Login still works for the process lifetime.
func NewManager(api *backend.Client, tokens TokenStore, opts ...Option) *Manager {
	m := &Manager{api: api, tokens: tokens}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.New(slog.DiscardHandler)
	}
	return m
}

// Initialize restores the session from the persisted refresh token. It is
// idempotent and safe to call concurrently: only the first caller performs
// work, concurrent callers await the same outcome, and callers after the
// manager is ready return immediately. It never returns an error for a
// failed restoration — the session is cleared and the manager still lands
// on ready, so startup is never blocked by a dead token.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == PhaseReady {
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseInitializing
	startGen := m.gen
	m.mu.Unlock()

	_, _, _ = m.group.Do("initialize", func() (any, error) {
		defer m.setPhase(PhaseReady)
		m.initialize(ctx, startGen)
		return nil, nil
	})
	return nil
}

func (m *Manager) initialize(ctx context.Context, startGen uint64) {
	if m.CurrentPhase() == PhaseReady {
		// A caller that lost the race with a completed initialization can
		// land here after the flight group forgot the key. Nothing to do.
		return
	}
	if m.tokens == nil {
		return
	}
	token, ok, err := m.tokens.Load()
	if err != nil {
		m.log.Warn("reading persisted refresh token failed", "error", err)
		m.clearIf(startGen)
		return
	}
	if !ok || token == "" {
		return
	}

	if err := m.Refresh(ctx); err != nil {
		m.log.Info("session restoration failed, clearing session", "error", err)
		m.clearIf(startGen)
		return
	}

	access, _ := m.AccessToken()
	user, err := m.api.Profile(ctx, access)
	if err != nil {
		m.log.Warn("profile fetch after refresh failed, clearing session", "error", err)
		m.clearIf(startGen)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != startGen {
		// A login (or logout) committed while we were restoring; its state
		// supersedes ours.
		return
	}
	m.user = user
}

// Login authenticates with email+password. On success the access token,
// persisted refresh token and user snapshot are replaced together and the
// manager is marked ready. On failure prior state is left untouched.
func (m *Manager) Login(ctx context.Context, creds backend.Credentials) (*backend.User, error) {
	payload, err := m.api.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	m.commit(payload)
	return m.cloneUser(), nil
}

// Register creates an account. The backend auto-logs the account in, so the
// contract is identical to Login.
func (m *Manager) Register(ctx context.Context, reg backend.Registration) (*backend.User, error) {
	payload, err := m.api.Register(ctx, reg)
	if err != nil {
		return nil, err
	}
	m.commit(payload)
	return m.cloneUser(), nil
}

// Refresh exchanges the persisted refresh token for a new token pair. If a
// refresh is already in flight the caller shares its outcome instead of a
// second backend call being issued. On success both tokens are replaced —
// the backend rotates the refresh token on every use and the old one is
// already invalid server-side. On failure no session state is mutated; the
// caller decides whether the failure kind warrants a forced logout.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.group.Do("refresh", func() (any, error) {
		if m.tokens == nil {
			return nil, ErrNoRefreshToken
		}
		m.mu.Lock()
		startGen := m.gen
		m.mu.Unlock()

		token, ok, err := m.tokens.Load()
		if err != nil {
			return nil, err
		}
		if !ok || token == "" {
			return nil, ErrNoRefreshToken
		}

		pair, err := m.api.Refresh(ctx, token)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != startGen {
			// A login or logout settled while this exchange was in flight;
			// its credentials supersede the stale pair.
			return nil, nil
		}
		if err := m.tokens.Save(pair.RefreshToken); err != nil {
			// The backend already rotated; losing the new token means the
			// next restore fails and the session dies at reload. Keep the
			// in-memory session alive regardless.
			m.log.Error("persisting rotated refresh token failed", "error", err)
		}
		m.access = newEnclave(pair.AccessToken)
		return nil, nil
	})
	return err
}

// Logout notifies the backend (best effort) and unconditionally clears all
// local session state. The local session is gone when this returns, whether
// or not server-side revocation succeeded.
func (m *Manager) Logout(ctx context.Context) {
	if m.tokens != nil {
		if token, ok, err := m.tokens.Load(); err == nil && ok && token != "" {
			if err := m.api.Logout(ctx, token); err != nil {
				m.log.Warn("server-side token revocation failed", "error", err)
			}
		}
	}
	m.Invalidate()
}

// Invalidate clears all local session state without notifying the backend.
// The transport calls this when the backend has already rejected the
// session's credentials.
func (m *Manager) Invalidate() {
	m.clear()
}

// AccessToken returns the current access token, if any.
func (m *Manager) AccessToken() (string, bool) {
	m.mu.Lock()
	enclave := m.access
	m.mu.Unlock()
	if enclave == nil {
		return "", false
	}
	buf, err := enclave.Open()
	if err != nil {
		return "", false
	}
	defer buf.Destroy()
	return strings.Clone(buf.String()), true
}

// AccessTokenExpired reports whether the held access token is a JWT that has
// visibly expired. Holding no token reports false — absence is handled by
// IsAuthenticated, not here.
func (m *Manager) AccessTokenExpired() bool {
	token, ok := m.AccessToken()
	if !ok {
		return false
	}
	return tokenExpired(token, time.Now())
}

// IsAuthenticated reports whether an access token is held. Right after a
// refresh and before the profile fetch completes this can be true while
// CurrentUser still reports absent; callers must tolerate that window.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access != nil
}

// CurrentUser returns a copy of the last known profile snapshot.
func (m *Manager) CurrentUser() (backend.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return backend.User{}, false
	}
	return *m.user, true
}

// Role returns the current user's role, or the empty string when no profile
// is loaded.
func (m *Manager) Role() backend.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return ""
	}
	return m.user.Role
}

// IsAdmin reports whether the current user holds the admin or super_admin role.
func (m *Manager) IsAdmin() bool {
	role := m.Role()
	return role == backend.RoleAdmin || role == backend.RoleSuperAdmin
}

// IsSuperAdmin reports whether the current user holds the super_admin role.
func (m *Manager) IsSuperAdmin() bool {
	return m.Role() == backend.RoleSuperAdmin
}

// CurrentPhase returns the lifecycle phase.
func (m *Manager) CurrentPhase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// HasRefreshToken reports whether a refresh token is persisted. It reports
// false on storage errors as well; a token that cannot be read cannot be
// used either.
func (m *Manager) HasRefreshToken() bool {
	if m.tokens == nil {
		return false
	}
	token, ok, err := m.tokens.Load()
	return err == nil && ok && token != ""
}

// commit atomically installs a full auth payload: access token, persisted
// refresh token, user snapshot, phase ready. The store write happens under
// the same lock as the generation bump, so a stale refresh that lost the
// race can never slip its pair in between.
func (m *Manager) commit(payload *backend.AuthPayload) {
	user := payload.User
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens != nil {
		if err := m.tokens.Save(payload.RefreshToken); err != nil {
			m.log.Error("persisting refresh token failed", "error", err)
		}
	}
	m.access = newEnclave(payload.AccessToken)
	m.user = &user
	m.phase = PhaseReady
	m.gen++
}

// clear wipes access token, persisted refresh token, and user snapshot.
// The phase is not reverted: a ready manager stays ready.
func (m *Manager) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

// clearIf clears only when no commit or clear has happened since startGen
// was captured. Restoration failure paths use it so a dead persisted token
// never wipes a session the user established in the meantime.
func (m *Manager) clearIf(startGen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != startGen {
		return
	}
	m.clearLocked()
}

func (m *Manager) clearLocked() {
	if m.tokens != nil {
		if err := m.tokens.Clear(); err != nil {
			m.log.Error("clearing persisted refresh token failed", "error", err)
		}
	}
	m.access = nil
	m.user = nil
	m.gen++
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *Manager) cloneUser() *backend.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	user := *m.user
	return &user
}

// newEnclave seals token into a memguard enclave so the plaintext does not
// sit in ordinary heap memory between uses. NewEnclave wipes its input, so
// it gets its own copy.
func newEnclave(token string) *memguard.Enclave {
	return memguard.NewEnclave([]byte(token))
}
