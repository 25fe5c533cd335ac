package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// refreshTokenBytes is the entropy of an opaque refresh token (320 bits).
const refreshTokenBytes = 40

// GenerateRefreshToken returns a new opaque, unguessable refresh token (hex of 40 random bytes).
func GenerateRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// TokenFingerprint returns a short SHA-256 prefix of token for logs and events.
// Raw refresh tokens must never be logged.
func TokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:6])
}
