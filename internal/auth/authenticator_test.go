package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/keys"
	"github.com/koauth-io/koauth/internal/session"
	"github.com/koauth-io/koauth/internal/store"
	"github.com/koauth-io/koauth/internal/token"
)

type authFixture struct {
	authn    *Authenticator
	tokens   *token.Service
	apiKeys  *ApiKeyService
	sessions *session.Manager
	stores   *store.Stores
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	stores := newTestStores(t)
	logger := zaptest.NewLogger(t)

	km, err := keys.New(keys.Config{DataDir: t.TempDir()}, logger)
	require.NoError(t, err)
	tokens := token.NewService(token.Config{
		Issuer:         "https://auth.example.com",
		AccessTokenTTL: 15 * time.Minute,
	}, km)
	apiKeys := NewApiKeyService(stores.ApiKeys, logger)
	sessions := session.NewManager(stores.Sessions, 0, logger)

	return &authFixture{
		authn:    NewAuthenticator(tokens, apiKeys, sessions, stores.Users, logger),
		tokens:   tokens,
		apiKeys:  apiKeys,
		sessions: sessions,
		stores:   stores,
	}
}

func (f *authFixture) createUser(t *testing.T, email string) *db.User {
	t.Helper()
	user := &db.User{Email: email, PasswordHash: "x", EmailVerified: true}
	require.NoError(t, f.stores.Users.Create(context.Background(), user))
	return user
}

func TestAuthenticator_AccessToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "alice@example.com")

	raw, err := f.tokens.IssueAccessToken(user.ID, user.Email, "client_abc", "openid profile")
	require.NoError(t, err)

	p, err := f.authn.Authenticate(ctx, raw, "")
	require.NoError(t, err)
	assert.Equal(t, MethodAccessToken, p.Method)
	assert.Equal(t, user.ID, p.User.ID)
	assert.Equal(t, "client_abc", p.ClientID)
	assert.True(t, p.HasScope("profile"))
	assert.False(t, p.HasScope("admin"))
}

func TestAuthenticator_ApiKey(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "bob@example.com")

	_, plaintext, err := f.apiKeys.Create(ctx, user.ID, "ci", nil)
	require.NoError(t, err)

	p, err := f.authn.Authenticate(ctx, plaintext, "")
	require.NoError(t, err)
	assert.Equal(t, MethodApiKey, p.Method)
	assert.Equal(t, user.ID, p.User.ID)
	// First-party credentials pass every scope check.
	assert.True(t, p.HasScope("anything"))
}

func TestAuthenticator_SessionCookie(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "carol@example.com")

	sess, err := f.sessions.Create(ctx, user.ID, "", "")
	require.NoError(t, err)

	p, err := f.authn.Authenticate(ctx, "", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, MethodSession, p.Method)
	assert.Equal(t, sess.ID, p.SessionID)
}

func TestAuthenticator_BearerFailureDoesNotFallBackToSession(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "dave@example.com")

	sess, err := f.sessions.Create(ctx, user.ID, "", "")
	require.NoError(t, err)

	// A bad Authorization header is a hard failure even with a valid cookie.
	_, err = f.authn.Authenticate(ctx, "garbage-bearer-value", sess.ID)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticator_NoCredentials(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.authn.Authenticate(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticator_DeletedUserRejected(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "erin@example.com")

	raw, err := f.tokens.IssueAccessToken(user.ID, user.Email, "", "")
	require.NoError(t, err)

	require.NoError(t, f.stores.Users.Delete(ctx, user.ID))

	_, err = f.authn.Authenticate(ctx, raw, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
