package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// scryptN is the CPU/memory cost parameter for token hashing.
	scryptN = 32768

	// scryptR is the scrypt block size parameter.
	scryptR = 8

	// scryptP is the scrypt parallelism parameter.
	scryptP = 1

	// scryptSaltLen is the random salt length in bytes.
	scryptSaltLen = 16

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 64
)

// HashToken derives a salted scrypt hash of an opaque secret (refresh token,
// API key, client secret, magic-link token). The stored form is
//
//	base64url(salt) "$" base64url(hash)
//
// so each hash carries its own salt. Only the hash is ever persisted; the
// raw secret leaves the process exactly once, at creation time.
func HashToken(token string) (string, error) {
	salt := make([]byte, scryptSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generating token salt: %w", err)
	}

	hash, err := scrypt.Key([]byte(token), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("crypto: deriving token hash: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(salt) + "$" +
		base64.RawURLEncoding.EncodeToString(hash), nil
}

// VerifyToken checks a raw secret against a stored scrypt hash using a
// constant-time comparison. Returns false on any malformed stored value —
// a hash that cannot be parsed means verification must fail.
func VerifyToken(token, stored string) bool {
	saltPart, hashPart, ok := strings.Cut(stored, "$")
	if !ok {
		return false
	}

	salt, err := base64.RawURLEncoding.DecodeString(saltPart)
	if err != nil {
		return false
	}
	expected, err := base64.RawURLEncoding.DecodeString(hashPart)
	if err != nil {
		return false
	}

	actual, err := scrypt.Key([]byte(token), salt, scryptN, scryptR, scryptP, len(expected))
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// ConstantTimeEquals compares two strings in constant time. Used where raw
// secrets are compared directly rather than through a stored hash (PKCE
// challenges, magic-link lookups).
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
