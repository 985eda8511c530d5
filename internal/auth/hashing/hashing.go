// Package hashing implements one-way password hashing with per-password
// salts and constant-time verification.
package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltBytes  = 16
	iterations = 120_000
	keyBytes   = 32
)

// Hash derives a PBKDF2-SHA256 digest of plaintext under a fresh random
// salt. Both digest and salt are hex encoded for storage.
func Hash(plaintext string) (digest, salt string, err error) {
	raw := make([]byte, saltBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}

	key := pbkdf2.Key([]byte(plaintext), raw, iterations, keyBytes, sha256.New)
	return hex.EncodeToString(key), hex.EncodeToString(raw), nil
}

// Verify recomputes the digest of plaintext under the stored salt and
// compares in constant time. A malformed stored digest or salt yields false,
// indistinguishable from a wrong password.
func Verify(plaintext, digest, salt string) bool {
	rawSalt, err := hex.DecodeString(salt)
	if err != nil {
		return false
	}

	stored, err := hex.DecodeString(digest)
	if err != nil || len(stored) != keyBytes {
		return false
	}

	computed := pbkdf2.Key([]byte(plaintext), rawSalt, iterations, keyBytes, sha256.New)
	return subtle.ConstantTimeCompare(computed, stored) == 1
}

// BurnVerify performs a throwaway derivation so the unknown-username path
// costs the same as a wrong-password path.
func BurnVerify(plaintext string) {
	pbkdf2.Key([]byte(plaintext), make([]byte, saltBytes), iterations, keyBytes, sha256.New)
}
