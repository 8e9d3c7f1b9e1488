package oauth

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	gormlogger "gorm.io/gorm/logger"

	"github.com/koauth-io/koauth/internal/crypto"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/store"
)

func newTestStores(t *testing.T) *store.Stores {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zaptest.NewLogger(t),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	return store.New(database)
}

func newRegistrationService(t *testing.T, requireHTTPS bool) (*RegistrationService, *store.Stores) {
	t.Helper()
	stores := newTestStores(t)
	return NewRegistrationService(stores.Clients, requireHTTPS, zaptest.NewLogger(t)), stores
}

func TestRegister_ConfidentialDefaults(t *testing.T) {
	svc, _ := newRegistrationService(t, true)

	reg, err := svc.Register(context.Background(), &RegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
		ClientName:   "Test App",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(reg.Client.ClientID, "client_"))
	assert.Len(t, strings.TrimPrefix(reg.Client.ClientID, "client_"), 16)

	// Secret returned once in clear, stored only hashed.
	assert.NotEmpty(t, reg.Secret)
	assert.NotEqual(t, reg.Secret, reg.Client.SecretHash)
	assert.True(t, crypto.VerifyToken(reg.Secret, reg.Client.SecretHash))

	assert.Equal(t, []string{"authorization_code", "refresh_token"}, reg.Client.GrantTypeList())
	assert.Equal(t, []string{"code"}, reg.Client.ResponseTypeList())
	assert.Equal(t, "client_secret_post", reg.Client.TokenEndpointAuthMethod)
	assert.Equal(t, "openid profile email", reg.Client.Scopes)
	assert.True(t, reg.Client.Active)
	assert.False(t, reg.Client.Trusted)
}

func TestRegister_PublicClientHasNoSecret(t *testing.T) {
	svc, _ := newRegistrationService(t, true)

	reg, err := svc.Register(context.Background(), &RegistrationRequest{
		RedirectURIs:            []string{"https://spa.example.com/cb"},
		ClientName:              "SPA",
		TokenEndpointAuthMethod: "none",
	})
	require.NoError(t, err)
	assert.Empty(t, reg.Secret)
	assert.Empty(t, reg.Client.SecretHash)
	assert.True(t, reg.Client.Public())
}

func TestRegister_RedirectURIValidation(t *testing.T) {
	svc, _ := newRegistrationService(t, true)
	ctx := context.Background()

	tests := []struct {
		name string
		uris []string
		code string
	}{
		{name: "none given", uris: nil, code: ErrCodeInvalidRedirectURI},
		{name: "relative", uris: []string{"/callback"}, code: ErrCodeInvalidRedirectURI},
		{name: "fragment", uris: []string{"https://app.example.com/cb#frag"}, code: ErrCodeInvalidRedirectURI},
		{name: "plain http", uris: []string{"http://app.example.com/cb"}, code: ErrCodeInvalidRedirectURI},
		{name: "custom scheme", uris: []string{"myapp://callback"}, code: ErrCodeInvalidRedirectURI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, &RegistrationRequest{RedirectURIs: tt.uris, ClientName: "x"})
			var oerr *Error
			require.ErrorAs(t, err, &oerr)
			assert.Equal(t, tt.code, oerr.Code)
		})
	}

	// Loopback http is always acceptable.
	_, err := svc.Register(ctx, &RegistrationRequest{
		RedirectURIs: []string{"http://localhost:3000/cb", "http://127.0.0.1:8080/cb"},
		ClientName:   "local dev",
	})
	require.NoError(t, err)
}

func TestRegister_HTTPAllowedInDevelopment(t *testing.T) {
	svc, _ := newRegistrationService(t, false)

	_, err := svc.Register(context.Background(), &RegistrationRequest{
		RedirectURIs: []string{"http://app.example.com/cb"},
		ClientName:   "dev app",
	})
	require.NoError(t, err)
}

func TestRegister_MetadataValidation(t *testing.T) {
	svc, _ := newRegistrationService(t, true)
	ctx := context.Background()

	tests := []struct {
		name string
		req  RegistrationRequest
	}{
		{name: "bad grant type", req: RegistrationRequest{GrantTypes: []string{"implicit"}}},
		{name: "bad response type", req: RegistrationRequest{ResponseTypes: []string{"token"}}},
		{name: "bad auth method", req: RegistrationRequest{TokenEndpointAuthMethod: "private_key_jwt"}},
		{name: "bad scope", req: RegistrationRequest{Scope: "openid superuser"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.RedirectURIs = []string{"https://app.example.com/cb"}
			tt.req.ClientName = "x"
			_, err := svc.Register(ctx, &tt.req)
			var oerr *Error
			require.ErrorAs(t, err, &oerr)
			assert.Equal(t, ErrCodeInvalidClientMetadata, oerr.Code)
		})
	}
}
