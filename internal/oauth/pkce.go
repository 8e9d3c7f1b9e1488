package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE code challenge methods.
const (
	ChallengeMethodS256  = "S256"
	ChallengeMethodPlain = "plain"
)

// ValidChallengeMethod reports whether method names a supported PKCE
// transformation. An empty method on a request that carries a challenge
// defaults to plain per RFC 7636.
func ValidChallengeMethod(method string) bool {
	return method == ChallengeMethodS256 || method == ChallengeMethodPlain
}

// VerifyPKCE checks a code_verifier against the challenge recorded at
// authorization time. Comparison is constant-time for both methods.
func VerifyPKCE(verifier, challenge, method string) bool {
	if len(verifier) < 43 || len(verifier) > 128 {
		return false
	}

	switch method {
	case ChallengeMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
	case ChallengeMethodPlain, "":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}
