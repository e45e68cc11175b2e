// Package token generates and compares join-link access tokens.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Generate returns a URL-safe random token carrying n bytes of entropy
func Generate(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Equal compares two tokens in constant time
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Hash returns the hex BLAKE2b-256 digest of a token, for storing it outside the database
func Hash(t string) string {
	sum := blake2b.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a short, non-reversible identifier for logging a token
func Fingerprint(t string) string {
	sum := blake2b.Sum256([]byte(t))
	return hex.EncodeToString(sum[:8])
}
