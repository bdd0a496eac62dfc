package admin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
)

// TokenPrefix starts every generated admin token.
const TokenPrefix = "pc-"

// Token is a bearer token accepted by the admin API.
type Token struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
	value  string
}

// TokenStore holds bearer tokens, typically loaded from the environment at
// startup.
type TokenStore struct {
	mu     sync.RWMutex
	tokens []*Token
}

// NewTokenStore creates an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Add registers value under name with scopes. Empty values are ignored and
// an empty scope list grants ScopeAdmin.
func (s *TokenStore) Add(name, value string, scopes ...string) {
	if value == "" {
		return
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeAdmin}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, &Token{Name: name, Scopes: scopes, value: value})
}

// Len returns the number of registered tokens.
func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// ValidateKey returns the token matching value.
func (s *TokenStore) ValidateKey(value string) (*Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(t.value), []byte(value)) == 1 {
			return t, true
		}
	}
	return nil, false
}

// GenerateToken returns a random token suitable for ADMIN_TOKEN.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(b), nil
}
