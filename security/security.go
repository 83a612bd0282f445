// Package security holds the gateway's hash and crypto primitives: stable
// token hashing for proxy-token and upstream-key lookups, and bcrypt
// verification for user passwords.
package security

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// HashToken returns the stable SHA-256 hex digest used as the lookup key for
// proxy tokens and firewall-mode upstream keys. Equal raw tokens always
// produce equal hashes; the hash, not the raw token, is ever persisted.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(plaintext string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	return string(b), err
}

// VerifyPassword reports whether plaintext matches the stored bcrypt hash.
func VerifyPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
