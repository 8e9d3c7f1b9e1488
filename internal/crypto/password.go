// Package crypto implements the credential hashing primitives used across
// the server: Argon2id for passwords, salted scrypt for every other secret
// (refresh tokens, API keys, client secrets, magic-link tokens), and CSPRNG
// helpers for token and identifier material.
//
// Two hash families are kept deliberately distinct: passwords are slow-hashed
// once per login, while token hashes may be verified many times per second.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// argon2Memory is the memory cost in KiB for Argon2id (19 MiB).
	// Matches the OWASP first-recommended configuration (m=19456, t=2, p=1).
	argon2Memory = 19 * 1024

	// argon2Time is the number of iterations (time cost) for Argon2id.
	argon2Time = 2

	// argon2Threads is the parallelism factor for Argon2id.
	argon2Threads = 1

	// argon2KeyLen is the output hash length in bytes.
	argon2KeyLen = 32

	// argon2SaltLen is the random salt length in bytes.
	argon2SaltLen = 16
)

// HashPassword returns an Argon2id hash of the given plaintext password in
// PHC string format:
//
//	$argon2id$v=19$m=19456,t=2,p=1$<b64salt>$<b64hash>
//
// The encoded form carries its own parameters, so VerifyPassword can check
// hashes produced under older cost settings and NeedsRehash can detect them.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generating password salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argon2Memory, argon2Time, argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks a plaintext password against a stored Argon2id hash.
// The parameters are taken from the encoded hash, not from the current cost
// targets, so hashes created under older settings still verify.
//
// Returns false if the hash format is invalid rather than propagating an
// error, since an unparseable hash means authentication must fail.
func VerifyPassword(password, encoded string) bool {
	params, salt, hash, err := decodeArgon2(encoded)
	if err != nil {
		return false
	}

	actual := argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, uint32(len(hash)))

	return subtle.ConstantTimeCompare(actual, hash) == 1
}

// NeedsRehash reports whether the stored hash was produced with parameters
// weaker than the current targets. Callers upgrade the hash transparently on
// the next successful login.
func NeedsRehash(encoded string) bool {
	params, _, hash, err := decodeArgon2(encoded)
	if err != nil {
		return true
	}
	return params.memory < argon2Memory ||
		params.time < argon2Time ||
		params.threads != argon2Threads ||
		len(hash) < argon2KeyLen
}

// argon2Params holds the cost parameters parsed from an encoded hash.
type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
}

// decodeArgon2 parses a PHC-formatted Argon2id hash into its parameters,
// salt, and derived key.
func decodeArgon2(encoded string) (argon2Params, []byte, []byte, error) {
	var p argon2Params

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, fmt.Errorf("crypto: malformed argon2id hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, fmt.Errorf("crypto: parsing argon2id version: %w", err)
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("crypto: unsupported argon2id version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, nil, nil, fmt.Errorf("crypto: parsing argon2id parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("crypto: decoding argon2id salt: %w", err)
	}

	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("crypto: decoding argon2id hash: %w", err)
	}

	return p, salt, hash, nil
}
