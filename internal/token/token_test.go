package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/koauth-io/koauth/internal/keys"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	km, err := keys.New(keys.Config{DataDir: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)

	return NewService(Config{
		Issuer:          "https://auth.example.com",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
	}, km)
}

func TestAccessToken_RoundTrip(t *testing.T) {
	svc := newTestService(t)
	userID := uuid.New()

	raw, err := svc.IssueAccessToken(userID, "alice@example.com", "client_abc", "openid profile")
	require.NoError(t, err)

	claims, err := svc.VerifyAccessToken(raw)
	require.NoError(t, err)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.Equal(t, "https://auth.example.com", claims.Issuer)
	assert.Equal(t, "client_abc", claims.ClientID)
	assert.Equal(t, "openid profile", claims.Scope)
	assert.Equal(t, TypeAccess, claims.Type)
}

func TestAccessToken_CarriesKeyID(t *testing.T) {
	svc := newTestService(t)

	raw, err := svc.IssueAccessToken(uuid.New(), "", "", "")
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, &AccessClaims{})
	require.NoError(t, err)
	assert.NotEmpty(t, parsed.Header["kid"])
	assert.Equal(t, "RS256", parsed.Header["alg"])
}

func TestRefreshToken_RoundTrip(t *testing.T) {
	svc := newTestService(t)
	userID := uuid.New()
	jti := uuid.New()

	raw, expiresAt, err := svc.IssueRefreshToken(jti, userID, "client_abc", "openid")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), expiresAt, time.Minute)

	claims, err := svc.VerifyRefreshToken(raw)
	require.NoError(t, err)
	assert.Equal(t, jti.String(), claims.ID)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.Equal(t, TypeRefresh, claims.Type)
}

func TestVerify_RejectsWrongType(t *testing.T) {
	svc := newTestService(t)

	access, err := svc.IssueAccessToken(uuid.New(), "", "", "")
	require.NoError(t, err)
	refresh, _, err := svc.IssueRefreshToken(uuid.New(), uuid.New(), "", "")
	require.NoError(t, err)

	// A refresh token must not pass as an access token, nor the reverse.
	_, err = svc.VerifyAccessToken(refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.VerifyRefreshToken(access)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsForeignSigner(t *testing.T) {
	issuing := newTestService(t)
	verifying := newTestService(t)

	raw, err := issuing.IssueAccessToken(uuid.New(), "", "", "")
	require.NoError(t, err)

	_, err = verifying.VerifyAccessToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsWrongAudience(t *testing.T) {
	km, err := keys.New(keys.Config{DataDir: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)

	issuing := NewService(Config{
		Issuer:   "https://auth.example.com",
		Audience: []string{"https://rs-one.example.com"},
	}, km)
	verifying := NewService(Config{
		Issuer:   "https://auth.example.com",
		Audience: []string{"https://rs-two.example.com"},
	}, km)

	raw, err := issuing.IssueAccessToken(uuid.New(), "", "", "")
	require.NoError(t, err)

	// Same key, same issuer: only the aud check can reject this.
	_, err = verifying.VerifyAccessToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuing.VerifyAccessToken(raw)
	require.NoError(t, err)
}

func TestVerify_RejectsUnsignedToken(t *testing.T) {
	svc := newTestService(t)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://auth.example.com",
			Subject:   uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Type: TypeAccess,
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.VerifyAccessToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	km, err := keys.New(keys.Config{DataDir: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	svc := NewService(Config{
		Issuer:         "https://auth.example.com",
		AccessTokenTTL: -time.Minute,
	}, km)
	// Negative TTL falls back to the default, so build the expired token by hand.
	expired := jwt.NewWithClaims(jwt.SigningMethodRS256, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://auth.example.com",
			Subject:   uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Type: TypeAccess,
	})
	expired.Header["kid"] = km.KeyID()
	raw, err := expired.SignedString(km.PrivateKey())
	require.NoError(t, err)

	_, err = svc.VerifyAccessToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIDToken_Claims(t *testing.T) {
	svc := newTestService(t)
	userID := uuid.New()
	authTime := time.Now().Add(-10 * time.Minute)

	raw, err := svc.IssueIDToken(userID, "client_abc", "nonce-xyz", "alice@example.com", true, authTime)
	require.NoError(t, err)

	claims := &IDClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return svc.keys.PublicKey(), nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)

	assert.Equal(t, userID.String(), claims.Subject)
	assert.Equal(t, jwt.ClaimStrings{"client_abc"}, claims.Audience)
	assert.Equal(t, "nonce-xyz", claims.Nonce)
	assert.Equal(t, authTime.Unix(), claims.AuthTime)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.True(t, claims.EmailVerified)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "15m", want: 15 * time.Minute},
		{in: "1h", want: time.Hour},
		{in: "30d", want: 30 * 24 * time.Hour},
		{in: "7d", want: 7 * 24 * time.Hour},
		{in: " 1h ", want: time.Hour},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "-3d", wantErr: true},
		{in: "1.5d", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}
