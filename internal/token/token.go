// Package token issues and verifies the RS256 JWTs minted by the server:
// access tokens, OIDC ID tokens, and OAuth refresh tokens. All tokens carry
// the signing key id in their header so resource servers can select the
// right JWK after a key rotation.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/koauth-io/koauth/internal/keys"
)

// Token type discriminators carried in the "type" claim. Verification
// requires an exact match so an access token can never pass as a refresh
// token or vice versa.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh_token"
)

// idTokenTTL is the fixed ID-token lifetime.
const idTokenTTL = time.Hour

var (
	// ErrInvalidToken is returned for tokens that fail signature, expiry,
	// issuer, or type checks.
	ErrInvalidToken = errors.New("token: invalid token")
)

// Config holds the issuer parameters.
type Config struct {
	// Issuer is the server's external base URL, used as the iss claim.
	Issuer string

	// Audience is the aud claim of access tokens. Defaults to the issuer.
	Audience []string

	// AccessTokenTTL bounds access and ID token lifetime. Defaults to 15m.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL bounds refresh token lifetime. Defaults to 30d.
	RefreshTokenTTL time.Duration
}

// AccessClaims are the claims of an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email    string `json:"email,omitempty"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Type     string `json:"type"`
}

// IDClaims are the claims of an OIDC ID token.
type IDClaims struct {
	jwt.RegisteredClaims
	Nonce         string `json:"nonce,omitempty"`
	AuthTime      int64  `json:"auth_time,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

// RefreshClaims are the claims of a refresh token. The jti equals the id of
// the database row recording the token, which is how a presented token is
// located before its hash is checked.
type RefreshClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Type     string `json:"type"`
}

// Service mints and verifies JWTs with the key manager's RSA pair.
type Service struct {
	cfg  Config
	keys *keys.Manager
}

// NewService creates a token service. Zero TTLs fall back to the defaults
// (15 minutes for access tokens, 30 days for refresh tokens).
func NewService(cfg Config, km *keys.Manager) *Service {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if len(cfg.Audience) == 0 {
		cfg.Audience = []string{cfg.Issuer}
	}
	return &Service{cfg: cfg, keys: km}
}

// AccessTokenTTL returns the configured access token lifetime.
func (s *Service) AccessTokenTTL() time.Duration { return s.cfg.AccessTokenTTL }

// RefreshTokenTTL returns the configured refresh token lifetime.
func (s *Service) RefreshTokenTTL() time.Duration { return s.cfg.RefreshTokenTTL }

// Issuer returns the configured issuer URL.
func (s *Service) Issuer() string { return s.cfg.Issuer }

// IssueAccessToken mints an access token for a user, optionally bound to an
// OAuth client and scope set.
func (s *Service) IssueAccessToken(userID uuid.UUID, email, clientID, scope string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings(s.cfg.Audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
		},
		Email:    email,
		Scope:    scope,
		ClientID: clientID,
		Type:     TypeAccess,
	}
	return s.sign(claims)
}

// IssueIDToken mints an OIDC ID token. The audience is the client that
// requested it; authTime is when the user's browser session was established.
func (s *Service) IssueIDToken(userID uuid.UUID, clientID, nonce, email string, emailVerified bool, authTime time.Time) (string, error) {
	now := time.Now()
	claims := IDClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(idTokenTTL)),
		},
		Nonce:         nonce,
		AuthTime:      authTime.Unix(),
		Email:         email,
		EmailVerified: emailVerified,
	}
	return s.sign(claims)
}

// IssueRefreshToken mints a refresh token whose jti is the given id. The
// caller persists a row under the same id, storing the hash of the returned
// string, before handing the token to the client.
func (s *Service) IssueRefreshToken(id, userID uuid.UUID, clientID, scope string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.RefreshTokenTTL)
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.String(),
			Issuer:    s.cfg.Issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ClientID: clientID,
		Scope:    scope,
		Type:     TypeRefresh,
	}
	signed, err := s.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken parses and validates an access token. Only RS256 is
// accepted; alg confusion (none, HS256) fails before the claims are read.
func (s *Service) VerifyAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.verify(raw, claims, jwt.WithAudience(s.cfg.Audience...)); err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess {
		return nil, fmt.Errorf("%w: wrong token type %q", ErrInvalidToken, claims.Type)
	}
	return claims, nil
}

// VerifyRefreshToken parses and validates a refresh token and returns its
// claims, including the jti used to locate the stored record.
func (s *Service) VerifyRefreshToken(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.verify(raw, claims); err != nil {
		return nil, err
	}
	if claims.Type != TypeRefresh {
		return nil, fmt.Errorf("%w: wrong token type %q", ErrInvalidToken, claims.Type)
	}
	return claims, nil
}

func (s *Service) sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.keys.KeyID()
	signed, err := tok.SignedString(s.keys.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

func (s *Service) verify(raw string, claims jwt.Claims, extra ...jwt.ParserOption) error {
	opts := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
	}, extra...)
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.keys.PublicKey(), nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return nil
}
