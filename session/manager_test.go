package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khalverson/inkwell/backend"
)

// fakeBackend is an httptest-backed stand-in for the blog backend's auth
// endpoints. It tracks call counts and rotates the refresh token on every
// successful refresh, like the real backend does.
type fakeBackend struct {
	t *testing.T

	mu           sync.Mutex
	refreshCalls int
	profileCalls int
	logoutCalls  int
	valid        map[string]bool // refresh tokens the backend accepts
	rotation     int
	refreshDelay time.Duration
	failRefresh  int // status to return from /auth/refresh, 0 = succeed
	failLogout   int // status to return from /auth/logout, 0 = succeed
	user         backend.User

	srv *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		t:     t,
		valid: make(map[string]bool),
		user:  backend.User{ID: "u-1", Username: "ada", Email: "ada@example.com", Role: backend.RoleUser},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", fb.handleLogin)
	mux.HandleFunc("POST /auth/register", fb.handleRegister)
	mux.HandleFunc("POST /auth/refresh", fb.handleRefresh)
	mux.HandleFunc("POST /auth/logout", fb.handleLogout)
	mux.HandleFunc("GET /profile", fb.handleProfile)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) client() *backend.Client { return backend.NewClient(fb.srv.URL) }

// allow registers a refresh token the backend will accept.
func (fb *fakeBackend) allow(token string) {
	fb.mu.Lock()
	fb.valid[token] = true
	fb.mu.Unlock()
}

func (fb *fakeBackend) write(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code": status, "status": http.StatusText(status), "data": data,
	})
}

func (fb *fakeBackend) writeErr(w http.ResponseWriter, status int, msg string) {
	fb.write(w, status, map[string]string{"message": msg})
}

func (fb *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds backend.Credentials
	json.NewDecoder(r.Body).Decode(&creds)
	if creds.Password != "correct" {
		fb.writeErr(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	fb.mu.Lock()
	fb.valid["refresh-login"] = true
	user := fb.user
	fb.mu.Unlock()
	fb.write(w, http.StatusOK, backend.AuthPayload{
		User: user, AccessToken: "access-login", RefreshToken: "refresh-login",
		TokenType: "bearer", ExpiresIn: 900,
	})
}

func (fb *fakeBackend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg backend.Registration
	json.NewDecoder(r.Body).Decode(&reg)
	fb.mu.Lock()
	fb.valid["refresh-register"] = true
	user := fb.user
	user.Username = reg.Username
	fb.mu.Unlock()
	fb.write(w, http.StatusCreated, backend.AuthPayload{
		User: user, AccessToken: "access-register", RefreshToken: "refresh-register",
		TokenType: "bearer", ExpiresIn: 900,
	})
}

func (fb *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	fb.refreshCalls++
	delay := fb.refreshDelay
	fail := fb.failRefresh
	fb.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail != 0 {
		fb.writeErr(w, fail, "refresh rejected")
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if !fb.valid[req.RefreshToken] {
		fb.writeErr(w, http.StatusUnauthorized, "unknown refresh token")
		return
	}
	delete(fb.valid, req.RefreshToken)
	fb.rotation++
	rotated := fmt.Sprintf("refresh-r%d", fb.rotation)
	fb.valid[rotated] = true
	fb.write(w, http.StatusOK, backend.TokenPair{
		AccessToken:  fmt.Sprintf("access-r%d", fb.rotation),
		RefreshToken: rotated,
		TokenType:    "bearer", ExpiresIn: 900,
	})
}

func (fb *fakeBackend) handleLogout(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	fb.logoutCalls++
	fail := fb.failLogout
	fb.mu.Unlock()
	if fail != 0 {
		fb.writeErr(w, fail, "revocation failed")
		return
	}
	fb.write(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (fb *fakeBackend) handleProfile(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	fb.profileCalls++
	user := fb.user
	fb.mu.Unlock()
	if r.Header.Get("Authorization") == "" {
		fb.writeErr(w, http.StatusUnauthorized, "missing token")
		return
	}
	fb.write(w, http.StatusOK, user)
}

func (fb *fakeBackend) counts() (refresh, profile, logout int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.refreshCalls, fb.profileCalls, fb.logoutCalls
}

func TestInitializeNoPersistedToken(t *testing.T) {
	fb := newFakeBackend(t)
	m := NewManager(fb.client(), NewMemoryStore())

	require.NoError(t, m.Initialize(t.Context()))

	assert.Equal(t, PhaseReady, m.CurrentPhase())
	assert.False(t, m.IsAuthenticated())
	refresh, profile, _ := fb.counts()
	assert.Zero(t, refresh)
	assert.Zero(t, profile)
}

func TestInitializeRestoresSession(t *testing.T) {
	fb := newFakeBackend(t)
	fb.allow("refresh-persisted")
	store := NewMemoryStore()
	require.NoError(t, store.Save("refresh-persisted"))
	m := NewManager(fb.client(), store)

	require.NoError(t, m.Initialize(t.Context()))

	assert.Equal(t, PhaseReady, m.CurrentPhase())
	assert.True(t, m.IsAuthenticated())
	user, ok := m.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "ada", user.Username)

	refresh, profile, _ := fb.counts()
	assert.Equal(t, 1, refresh)
	assert.Equal(t, 1, profile)

	// The rotated token must have replaced the persisted one.
	token, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refresh-r1", token)
}

func TestInitializeExpiredTokenClearsSession(t *testing.T) {
	fb := newFakeBackend(t)
	fb.failRefresh = http.StatusUnauthorized
	store := NewMemoryStore()
	require.NoError(t, store.Save("refresh-expired"))
	m := NewManager(fb.client(), store)

	require.NoError(t, m.Initialize(t.Context()))

	assert.Equal(t, PhaseReady, m.CurrentPhase())
	assert.False(t, m.IsAuthenticated())
	_, ok := m.CurrentUser()
	assert.False(t, ok)
	_, stored, err := store.Load()
	require.NoError(t, err)
	assert.False(t, stored, "expired token must not remain persisted")
}

func TestInitializeConcurrent(t *testing.T) {
	fb := newFakeBackend(t)
	fb.allow("refresh-persisted")
	fb.refreshDelay = 50 * time.Millisecond
	store := NewMemoryStore()
	require.NoError(t, store.Save("refresh-persisted"))
	m := NewManager(fb.client(), store)

	var wg sync.WaitGroup
	for range 2 {
		wg.Go(func() {
			require.NoError(t, m.Initialize(t.Context()))
		})
	}
	wg.Wait()

	refresh, profile, _ := fb.counts()
	assert.Equal(t, 1, refresh, "concurrent initialize must refresh at most once")
	assert.Equal(t, 1, profile)

	// A third call after completion is a no-op.
	require.NoError(t, m.Initialize(t.Context()))
	refresh, profile, _ = fb.counts()
	assert.Equal(t, 1, refresh)
	assert.Equal(t, 1, profile)
}

func TestInitializeWithoutStorage(t *testing.T) {
	fb := newFakeBackend(t)
	m := NewManager(fb.client(), nil)

	require.NoError(t, m.Initialize(t.Context()))
	assert.Equal(t, PhaseReady, m.CurrentPhase())
	assert.False(t, m.IsAuthenticated())

	// Login still works for the process lifetime.
	_, err := m.Login(t.Context(), backend.Credentials{Email: "ada@example.com", Password: "correct"})
	require.NoError(t, err)
	assert.True(t, m.IsAuthenticated())
}

func TestLoginDuringInitializeWins(t *testing.T) {
	fb := newFakeBackend(t)
	fb.allow("refresh-persisted")
	fb.refreshDelay = 200 * time.Millisecond
	store := NewMemoryStore()
	require.NoError(t, store.Save("refresh-persisted"))
	m := NewManager(fb.client(), store)

	var wg sync.WaitGroup
	wg.Go(func() {
		require.NoError(t, m.Initialize(t.Context()))
	})

	// Log in while the restore's refresh exchange is still in flight. The
	// stale pair it eventually returns must be discarded, not installed.
	time.Sleep(50 * time.Millisecond)
	_, err := m.Login(t.Context(), backend.Credentials{Email: "ada@example.com", Password: "correct"})
	require.NoError(t, err)
	wg.Wait()

	token, ok := m.AccessToken()
	require.True(t, ok)
	assert.Equal(t, "access-login", token, "login's access token must survive the restore")
	stored, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refresh-login", stored, "login's refresh token must survive the restore")
	user, ok := m.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "ada", user.Username)
}

func TestInitializeFailureAfterLoginKeepsSession(t *testing.T) {
	fb := newFakeBackend(t)
	// The persisted token is dead: the backend will reject the restore.
	fb.refreshDelay = 200 * time.Millisecond
	store := NewMemoryStore()
	require.NoError(t, store.Save("refresh-stale"))
	m := NewManager(fb.client(), store)

	var wg sync.WaitGroup
	wg.Go(func() {
		require.NoError(t, m.Initialize(t.Context()))
	})

	time.Sleep(50 * time.Millisecond)
	_, err := m.Login(t.Context(), backend.Credentials{Email: "ada@example.com", Password: "correct"})
	require.NoError(t, err)
	wg.Wait()

	// The failed restore must not wipe the session the login established.
	assert.True(t, m.IsAuthenticated())
	token, _ := m.AccessToken()
	assert.Equal(t, "access-login", token)
	stored, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refresh-login", stored)
}

func TestRefreshSingleFlight(t *testing.T) {
	fb := newFakeBackend(t)
	fb.allow("refresh-persisted")
	fb.refreshDelay = 100 * time.Millisecond
	store := NewMemoryStore()
	require.NoError(t, store.Save("refresh-persisted"))
	m := NewManager(fb.client(), store)

	const n = 10
	errs := make([]error, n)
	var start, wg sync.WaitGroup
	start.Add(1)
	for i := range n {
		wg.Go(func() {
			start.Wait()
			errs[i] = m.Refresh(t.Context())
		})
	}
	start.Done()
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	refresh, _, _ := fb.counts()
	assert.Equal(t, 1, refresh, "N concurrent refreshes must issue one backend call")

	token, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refresh-r1", token)
}

func TestRefreshSequentialCallsAreSeparate(t *testing.T) {
	fb := newFakeBackend(t)
	fb.allow("refresh-persisted")
	store := NewMemoryStore()
	require.NoError(t, store.Save("refresh-persisted"))
	m := NewManager(fb.client(), store)

	require.NoError(t, m.Refresh(t.Context()))
	require.NoError(t, m.Refresh(t.Context()))

	refresh, _, _ := fb.counts()
	assert.Equal(t, 2, refresh)

	// Each call must have sent the previous rotation's token.
	token, _, _ := store.Load()
	assert.Equal(t, "refresh-r2", token)
}

func TestRefreshNoToken(t *testing.T) {
	fb := newFakeBackend(t)
	m := NewManager(fb.client(), NewMemoryStore())

	err := m.Refresh(t.Context())
	require.ErrorIs(t, err, ErrNoRefreshToken)
	refresh, _, _ := fb.counts()
	assert.Zero(t, refresh, "no backend call without a token")
}

func TestRefreshFailureLeavesStateUntouched(t *testing.T) {
	fb := newFakeBackend(t)
	store := NewMemoryStore()
	m := NewManager(fb.client(), store)
	_, err := m.Login(t.Context(), backend.Credentials{Email: "ada@example.com", Password: "correct"})
	require.NoError(t, err)

	fb.mu.Lock()
	fb.failRefresh = http.StatusUnauthorized
	fb.mu.Unlock()

	err = m.Refresh(t.Context())
	require.ErrorIs(t, err, backend.ErrAuthRejected)

	// The manager reports the failure kind but does not decide; state is intact.
	assert.True(t, m.IsAuthenticated())
	token, ok, _ := store.Load()
	require.True(t, ok)
	assert.Equal(t, "refresh-login", token)
}

func TestLoginSuccess(t *testing.T) {
	fb := newFakeBackend(t)
	store := NewMemoryStore()
	m := NewManager(fb.client(), store)

	user, err := m.Login(t.Context(), backend.Credentials{Email: "ada@example.com", Password: "correct"})
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "ada", user.Username)

	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, PhaseReady, m.CurrentPhase())
	token, ok := m.AccessToken()
	require.True(t, ok)
	assert.Equal(t, "access-login", token)
	stored, ok, _ := store.Load()
	require.True(t, ok)
	assert.Equal(t, "refresh-login", stored)
}

func TestLoginFailureLeavesStateUntouched(t *testing.T) {
	fb := newFakeBackend(t)
	store := NewMemoryStore()
	m := NewManager(fb.client(), store)
	_, err := m.Login(t.Context(), backend.Credentials{Email: "ada@example.com", Password: "correct"})
	require.NoError(t, err)

	_, err = m.Login(t.Context(), backend.Credentials{Email: "ada@example.com", Password: "wrong"})
	require.ErrorIs(t, err, backend.ErrAuthRejected)

	assert.True(t, m.IsAuthenticated())
	token, _ := m.AccessToken()
	assert.Equal(t, "access-login", token)
	user, ok := m.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "ada", user.Username)
	stored, ok, _ := store.Load()
	require.True(t, ok)
	assert.Equal(t, "refresh-login", stored)
}

func TestRegisterAutoLogin(t *testing.T) {
	fb := newFakeBackend(t)
	m := NewManager(fb.client(), NewMemoryStore())

	user, err := m.Register(t.Context(), backend.Registration{
		Username: "Grace", Email: "grace@example.com", Password: "pw", FullName: "Grace H",
	})
	require.NoError(t, err)
	assert.Equal(t, "grace", user.Username, "username normalized before submission")
	assert.True(t, m.IsAuthenticated())
}

func TestLogoutClearsState(t *testing.T) {
	fb := newFakeBackend(t)
	store := NewMemoryStore()
	m := NewManager(fb.client(), store)
	_, err := m.Login(t.Context(), backend.Credentials{Email: "ada@example.com", Password: "correct"})
	require.NoError(t, err)

	m.Logout(t.Context())

	assert.False(t, m.IsAuthenticated())
	_, ok := m.CurrentUser()
	assert.False(t, ok)
	_, stored, _ := store.Load()
	assert.False(t, stored)
	_, _, logout := fb.counts()
	assert.Equal(t, 1, logout)
	// Logout does not revert readiness.
	assert.Equal(t, PhaseReady, m.CurrentPhase())
}

func TestLogoutClearsStateWhenRevocationFails(t *testing.T) {
	fb := newFakeBackend(t)
	fb.failLogout = http.StatusInternalServerError
	store := NewMemoryStore()
	m := NewManager(fb.client(), store)
	_, err := m.Login(t.Context(), backend.Credentials{Email: "ada@example.com", Password: "correct"})
	require.NoError(t, err)

	m.Logout(t.Context())

	assert.False(t, m.IsAuthenticated())
	_, stored, _ := store.Load()
	assert.False(t, stored, "local state must clear even when revocation fails")
}

func TestLogoutWithoutTokenSkipsNetworkCall(t *testing.T) {
	fb := newFakeBackend(t)
	m := NewManager(fb.client(), NewMemoryStore())

	m.Logout(t.Context())

	_, _, logout := fb.counts()
	assert.Zero(t, logout)
}

func TestRolePredicates(t *testing.T) {
	fb := newFakeBackend(t)
	cases := []struct {
		role         backend.Role
		isAdmin      bool
		isSuperAdmin bool
	}{
		{backend.RoleUser, false, false},
		{backend.RoleAdmin, true, false},
		{backend.RoleSuperAdmin, true, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.role), func(t *testing.T) {
			fb.mu.Lock()
			fb.user.Role = tc.role
			fb.mu.Unlock()
			m := NewManager(fb.client(), NewMemoryStore())
			_, err := m.Login(t.Context(), backend.Credentials{Email: "ada@example.com", Password: "correct"})
			require.NoError(t, err)
			assert.Equal(t, tc.isAdmin, m.IsAdmin())
			assert.Equal(t, tc.isSuperAdmin, m.IsSuperAdmin())
		})
	}
}

func TestAuthenticatedWithoutProfileWindow(t *testing.T) {
	fb := newFakeBackend(t)
	fb.allow("refresh-persisted")
	store := NewMemoryStore()
	require.NoError(t, store.Save("refresh-persisted"))
	m := NewManager(fb.client(), store)

	// A bare refresh mints an access token but fetches no profile.
	require.NoError(t, m.Refresh(t.Context()))
	assert.True(t, m.IsAuthenticated())
	_, ok := m.CurrentUser()
	assert.False(t, ok, "user may be absent while authenticated")
}
