package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// RandomToken returns a URL-safe base64-encoded random string of n bytes,
// without padding. Entropy floors used across the server:
//
//	session id            16 bytes
//	refresh / magic token 32 bytes
//	client secret         32 bytes
//	authorization code    32 bytes
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto: reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RandomHex returns a hex-encoded random string of n bytes. Used for
// client_id minting where a restricted alphabet is wanted.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto: reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
