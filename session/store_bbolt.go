package session

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/khalverson/inkwell/internal/obfuscate"
)

const (
	tokenBucket = "session"
	tokenKey    = "refresh_token"

	// obfuscationKey is XORed with the refresh token before it is written.
	// The key ships with the client, so this only obscures casual inspection
	// of the stored file; server-side revocation is the security boundary.
	obfuscationKey = "inkwell.session.v1"
)

// BoltStore is a TokenStore backed by a BBolt database. The token survives
// process restarts; it is stored obfuscated, not encrypted.
type BoltStore struct {
	db *bbolt.DB
}

var _ TokenStore = (*BoltStore)(nil)

// NewBoltStore returns a TokenStore backed by the given BBolt database.
func NewBoltStore(db *bbolt.DB) *BoltStore {
	return &BoltStore{db: db}
}

// NewBoltStoreFromFile opens a BBolt database at the given path and returns
// a new BoltStore.
func NewBoltStoreFromFile(path string, options *bbolt.Options) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBoltStore(db), nil
}

// Close closes the underlying BBolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Load() (string, bool, error) {
	var token string
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tokenBucket))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(tokenKey))
		if data == nil {
			return nil
		}
		plain, err := obfuscate.Decode(string(data), obfuscationKey)
		if err != nil {
			return fmt.Errorf("stored token is corrupt: %w", err)
		}
		token = plain
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return token, found, nil
}

func (s *BoltStore) Save(token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(tokenBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(tokenKey), []byte(obfuscate.Encode(token, obfuscationKey)))
	})
}

func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tokenBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(tokenKey))
	})
}
