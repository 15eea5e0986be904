// Package tokenstore persists the device's access/refresh token pair.
//
// The pair lives under two durable keys and is sealed at rest. Readers never
// observe a half-written pair: Set and Clear hold the write lock across both keys.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/storage"
)

const (
	AccessTokenKey  = "auth.access_token"
	RefreshTokenKey = "auth.refresh_token"
)

var (
	// ErrCorrupt is returned when a stored value cannot be opened with the device key
	ErrCorrupt = errors.New("tokenstore: stored token is corrupt or sealed with another key")
	// ErrEmptyAccessToken is returned by Set for a pair without an access token
	ErrEmptyAccessToken = errors.New("tokenstore: access token is required")
)

// Store is the contract the request client and realtime channel depend on
type Store interface {
	Get(ctx context.Context) (model.TokenPair, bool, error)
	Set(ctx context.Context, pair model.TokenPair) error
	Clear(ctx context.Context) error
}

// KVStore implements Store on top of a storage.KV
type KVStore struct {
	kv     storage.KV
	sealer *sealer
	mu     sync.RWMutex
}

// New creates a token store sealing values with a key derived from deviceSecret
func New(kv storage.KV, deviceSecret string) (*KVStore, error) {
	s, err := newSealer(deviceSecret)
	if err != nil {
		return nil, err
	}
	return &KVStore{kv: kv, sealer: s}, nil
}

// Get returns the stored pair. A missing access token means no session (ok=false).
func (s *KVStore) Get(ctx context.Context) (model.TokenPair, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	access, err := s.read(ctx, AccessTokenKey)
	if errors.Is(err, storage.ErrNotFound) {
		return model.TokenPair{}, false, nil
	}
	if err != nil {
		return model.TokenPair{}, false, err
	}

	refresh, err := s.read(ctx, RefreshTokenKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return model.TokenPair{}, false, err
	}

	return model.TokenPair{AccessToken: access, RefreshToken: refresh}, true, nil
}

// Set replaces the pair. An empty refresh token keeps the one already stored,
// since refresh responses may omit it.
func (s *KVStore) Set(ctx context.Context, pair model.TokenPair) error {
	if pair.AccessToken == "" {
		return ErrEmptyAccessToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	values := make(map[string][]byte, 2)
	sealed, err := s.sealer.seal(AccessTokenKey, []byte(pair.AccessToken))
	if err != nil {
		return err
	}
	values[AccessTokenKey] = sealed

	if pair.RefreshToken != "" {
		sealed, err := s.sealer.seal(RefreshTokenKey, []byte(pair.RefreshToken))
		if err != nil {
			return err
		}
		values[RefreshTokenKey] = sealed
	}

	if err := s.kv.SetMany(ctx, values); err != nil {
		return fmt.Errorf("tokenstore: write pair: %w", err)
	}
	return nil
}

// Clear removes both tokens. It is local and unconditional; callers invoke it
// regardless of whether a remote logout succeeded.
func (s *KVStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(ctx, AccessTokenKey, RefreshTokenKey); err != nil {
		return fmt.Errorf("tokenstore: clear: %w", err)
	}
	return nil
}

func (s *KVStore) read(ctx context.Context, key string) (string, error) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", err
	}
	plain, err := s.sealer.open(key, raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// AccessExpiry reads the exp claim of a JWT access token without verifying it.
// The result is informational only (logging); the server remains the authority.
func AccessExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
