package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// TokenCost is the bcrypt cost used for console API tokens.
const TokenCost = 12

// maxVerifiedTokens bounds the verifier's memory of accepted tokens.
const maxVerifiedTokens = 64

var (
	randRead    = rand.Read
	compareHash = bcrypt.CompareHashAndPassword
)

// GenerateAPIToken returns a random 32-byte hex token.
func GenerateAPIToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := randRead(buf); err != nil {
		return "", fmt.Errorf("generate api token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken hashes token for storage in configuration.
func HashToken(token string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), TokenCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CheckToken compares a presented token with its stored hash.
func CheckToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	return compareHash([]byte(hash), []byte(token)) == nil
}

// TokenVerifier checks tokens against one stored bcrypt hash. A token that
// matched once is remembered by its SHA-256 digest, so only unknown tokens pay
// the bcrypt cost.
type TokenVerifier struct {
	hash string

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewTokenVerifier returns a verifier for hash.
func NewTokenVerifier(hash string) *TokenVerifier {
	return &TokenVerifier{hash: hash, verified: make(map[[sha256.Size]byte]struct{})}
}

// Check reports whether token matches the stored hash.
func (v *TokenVerifier) Check(token string) bool {
	if token == "" || v.hash == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))

	v.mu.RLock()
	_, ok := v.verified[digest]
	v.mu.RUnlock()
	if ok {
		return true
	}

	if !CheckToken(token, v.hash) {
		return false
	}
	v.mu.Lock()
	if len(v.verified) >= maxVerifiedTokens {
		clear(v.verified)
	}
	v.verified[digest] = struct{}{}
	v.mu.Unlock()
	return true
}
