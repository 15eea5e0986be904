package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const refreshTokenBytes = 32

// RefreshToken is an opaque driver refresh credential. Only Hash is persisted.
type RefreshToken struct {
	Plain string
	Hash  string
}

// NewRefreshToken draws a random Base64URL token and hashes it
func NewRefreshToken() (RefreshToken, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}
	plain := base64.RawURLEncoding.EncodeToString(b)
	return RefreshToken{Plain: plain, Hash: HashRefreshToken(plain)}, nil
}

// HashRefreshToken is the lookup key of a presented token in the session store and cache
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
