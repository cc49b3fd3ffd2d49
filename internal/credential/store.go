package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chinmina/chinmina-client/internal/securestore"
	"github.com/rs/zerolog/log"
)

// StorageKey is the secure storage record holding the serialized credential.
const StorageKey = "chinmina-client.credential"

// ExpiryKind selects which token ExpireForTesting corrupts.
type ExpiryKind int

const (
	AccessTokenExpiry ExpiryKind = iota
	RefreshTokenExpiry
)

func (k ExpiryKind) String() string {
	if k == RefreshTokenExpiry {
		return "refresh"
	}
	return "access"
}

// Store owns the current credential. The persisted record is deserialized on
// first use only; every mutation is written through to storage before the
// in-memory value changes, so a caller may assume durability on return.
type Store struct {
	mu      sync.Mutex
	storage securestore.Storage
	key     string
	loaded  bool
	current Credential
}

func NewStore(storage securestore.Storage) *Store {
	return &Store{
		storage: storage,
		key:     StorageKey,
	}
}

// Load returns the current credential and whether one is held. The first call
// reads from storage; a failed read is not remembered, so the next call tries
// again.
func (s *Store) Load(ctx context.Context) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return Credential{}, false, err
	}

	return s.current, !s.current.Empty(), nil
}

// Save replaces the credential.
func (s *Store) Save(ctx context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(ctx, c)
}

// Update atomically replaces the credential with the result of fn applied to
// the current value. This is the only supported read-modify-write path.
func (s *Store) Update(ctx context.Context, fn func(current Credential) Credential) (Credential, error) {
	updated, _, err := s.UpdateIf(ctx, func(Credential) bool { return true }, fn)
	return updated, err
}

// UpdateIf applies fn only while cond holds for the current credential.
// Otherwise nothing is written, and the current credential is returned with
// applied false.
func (s *Store) UpdateIf(ctx context.Context, cond func(current Credential) bool, fn func(current Credential) Credential) (updated Credential, applied bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return Credential{}, false, err
	}

	if !cond(s.current) {
		return s.current, false, nil
	}

	next := fn(s.current)
	if err := s.write(ctx, next); err != nil {
		return Credential{}, false, err
	}

	return next, true, nil
}

// Clear removes the credential from memory and storage.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("credential clear failed: %w", err)
	}

	s.current = Credential{}
	s.loaded = true

	return nil
}

// ExpireForTesting corrupts the stored tokens so that the server rejects them,
// simulating expiry for end-to-end testing. Access expiry corrupts the access
// token; refresh expiry removes the access token and corrupts the refresh
// token.
func (s *Store) ExpireForTesting(ctx context.Context, kind ExpiryKind) error {
	_, err := s.Update(ctx, func(c Credential) Credential {
		switch kind {
		case RefreshTokenExpiry:
			c.AccessToken = ""
			if c.RefreshToken != "" {
				c.RefreshToken = "x" + c.RefreshToken + "x"
			}
		default:
			if c.AccessToken != "" {
				c.AccessToken = "x" + c.AccessToken + "x"
			}
		}
		return c
	})
	if err != nil {
		return err
	}

	log.Info().Stringer("kind", kind).Msg("credential: token expired for testing")
	return nil
}

// ensureLoaded must be called with mu held.
func (s *Store) ensureLoaded(ctx context.Context) error {
	if s.loaded {
		return nil
	}

	data, found, err := s.storage.Read(ctx, s.key)
	if err != nil {
		return fmt.Errorf("credential load failed: %w", err)
	}

	var c Credential
	if found {
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("credential load failed: invalid record: %w", err)
		}
	}

	s.current = c
	s.loaded = true

	log.Debug().Bool("found", found).Msg("credential: loaded from storage")
	return nil
}

// write must be called with mu held.
func (s *Store) write(ctx context.Context, c Credential) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("credential save failed: %w", err)
	}

	if err := s.storage.Write(ctx, s.key, data); err != nil {
		return fmt.Errorf("credential save failed: %w", err)
	}

	s.current = c
	s.loaded = true

	return nil
}
