package approval

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenStore holds issued approval tokens. Tokens are single-use:
// Consume atomically checks existence, expiry, and bind-hash equality,
// and deletes on success. Expired tokens are swept on every access.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]tokenRecord
	ttl    time.Duration
}

type tokenRecord struct {
	bindHash    string
	expiresAtMs int64
}

// NewTokenStore creates a token store. A non-positive ttl falls back
// to DefaultTokenTTL.
func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenStore{
		tokens: make(map[string]tokenRecord),
		ttl:    ttl,
	}
}

// Issue mints a fresh opaque token bound to bindHash.
func (s *TokenStore) Issue(bindHash string) (Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Token{}, fmt.Errorf("approval: generate token: %w", err)
	}
	value := hex.EncodeToString(raw)
	expiresAt := time.Now().Add(s.ttl).UnixMilli()

	s.mu.Lock()
	s.sweepLocked()
	s.tokens[value] = tokenRecord{bindHash: bindHash, expiresAtMs: expiresAt}
	s.mu.Unlock()

	return Token{Value: value, ExpiresAtMs: expiresAt}, nil
}

// Consume redeems a token for the given bind hash. It returns true
// exactly once per issued token, and only when the hash matches and
// the token has not expired. A hash mismatch leaves the token intact.
func (s *TokenStore) Consume(token, expectedBindHash string) bool {
	if token == "" || expectedBindHash == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	rec, ok := s.tokens[token]
	if !ok {
		return false
	}
	if rec.bindHash != expectedBindHash {
		return false
	}
	delete(s.tokens, token)
	return true
}

// Len reports the number of live tokens after a sweep.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.tokens)
}

func (s *TokenStore) sweepLocked() {
	now := time.Now().UnixMilli()
	for value, rec := range s.tokens {
		if rec.expiresAtMs <= now {
			delete(s.tokens, value)
		}
	}
}
