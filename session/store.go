package session

import "sync"

// TokenStore abstracts the session-scoped external store holding the refresh
// token, so it can live in-memory (default) or in persistent backing storage.
// Implementations return (token, ok, error): ok is false when no token is
// stored, which is not an error.
type TokenStore interface {
	// Load returns the persisted refresh token, if any.
	Load() (string, bool, error)
	// Save replaces the persisted refresh token.
	Save(token string) error
	// Clear removes the persisted refresh token. Clearing an empty store is
	// a no-op.
	Clear() error
}

// MemoryStore is a thread-safe in-memory TokenStore. The token is lost on
// process exit.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
	set   bool
}

var _ TokenStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.set, nil
}

func (s *MemoryStore) Save(token string) error {
	s.mu.Lock()
	s.token = token
	s.set = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.token = ""
	s.set = false
	s.mu.Unlock()
	return nil
}
