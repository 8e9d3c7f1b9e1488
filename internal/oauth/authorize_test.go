package oauth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/store"
)

func newAuthorizeFixture(t *testing.T) (*AuthorizeService, *store.Stores) {
	t.Helper()
	stores := newTestStores(t)
	return NewAuthorizeService(stores.Clients, stores.Codes, zaptest.NewLogger(t)), stores
}

func seedClient(t *testing.T, stores *store.Stores, mutate func(*db.OAuthClient)) *db.OAuthClient {
	t.Helper()
	client := &db.OAuthClient{
		ClientID:                "client_0011223344556677",
		SecretHash:              "irrelevant-here",
		Name:                    "Seeded",
		RedirectURIs:            db.EncodeStringList([]string{"https://app.example.com/callback"}),
		GrantTypes:              db.EncodeStringList([]string{"authorization_code", "refresh_token"}),
		ResponseTypes:           db.EncodeStringList([]string{"code"}),
		Scopes:                  "openid profile email",
		TokenEndpointAuthMethod: "client_secret_post",
		Active:                  true,
	}
	if mutate != nil {
		mutate(client)
	}
	require.NoError(t, stores.Clients.Create(context.Background(), client))
	return client
}

func validParams(client *db.OAuthClient) AuthorizeParams {
	return AuthorizeParams{
		ClientID:            client.ClientID,
		RedirectURI:         "https://app.example.com/callback",
		ResponseType:        "code",
		Scope:               "openid profile",
		State:               "xyz-state",
		CodeChallenge:       "a-challenge-value",
		CodeChallengeMethod: ChallengeMethodS256,
	}
}

func TestAuthorize_Valid(t *testing.T) {
	svc, stores := newAuthorizeFixture(t)
	client := seedClient(t, stores, nil)

	req, err := svc.Validate(context.Background(), validParams(client))
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, req.Client.ClientID)
	assert.Equal(t, "openid profile", req.Scope)
	assert.Equal(t, "xyz-state", req.State)
}

func TestAuthorize_EmptyScopeDefaultsToRegistered(t *testing.T) {
	svc, stores := newAuthorizeFixture(t)
	client := seedClient(t, stores, nil)

	params := validParams(client)
	params.Scope = ""
	req, err := svc.Validate(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "openid profile email", req.Scope)
}

func TestAuthorize_FatalErrorsNeverRedirect(t *testing.T) {
	svc, stores := newAuthorizeFixture(t)
	client := seedClient(t, stores, nil)
	inactive := seedClient(t, stores, func(c *db.OAuthClient) {
		c.ClientID = "client_inactive0000000"
		c.Active = false
	})
	ctx := context.Background()

	tests := []struct {
		name   string
		params AuthorizeParams
		code   string
	}{
		{
			name:   "missing client_id",
			params: AuthorizeParams{RedirectURI: "https://app.example.com/callback"},
			code:   ErrCodeInvalidRequest,
		},
		{
			name: "unknown client",
			params: func() AuthorizeParams {
				p := validParams(client)
				p.ClientID = "client_ffffffffffffffff"
				return p
			}(),
			code: ErrCodeInvalidClient,
		},
		{
			name:   "inactive client",
			params: validParams(inactive),
			code:   ErrCodeInvalidClient,
		},
		{
			name: "unregistered redirect_uri",
			params: func() AuthorizeParams {
				p := validParams(client)
				p.RedirectURI = "https://evil.example.com/callback"
				return p
			}(),
			code: ErrCodeInvalidRequest,
		},
		{
			name: "redirect_uri differs by one byte",
			params: func() AuthorizeParams {
				p := validParams(client)
				p.RedirectURI = "https://app.example.com/callback/"
				return p
			}(),
			code: ErrCodeInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Validate(ctx, tt.params)
			// These failures must be plain errors, never redirectable.
			var redirect *RedirectError
			assert.False(t, errors.As(err, &redirect))
			var oerr *Error
			require.ErrorAs(t, err, &oerr)
			assert.Equal(t, tt.code, oerr.Code)
		})
	}
}

func TestAuthorize_RedirectableErrors(t *testing.T) {
	svc, stores := newAuthorizeFixture(t)
	client := seedClient(t, stores, nil)
	public := seedClient(t, stores, func(c *db.OAuthClient) {
		c.ClientID = "client_public00000000000"
		c.TokenEndpointAuthMethod = "none"
		c.SecretHash = ""
	})
	ctx := context.Background()

	tests := []struct {
		name   string
		params AuthorizeParams
		code   string
	}{
		{
			name: "unsupported response type",
			params: func() AuthorizeParams {
				p := validParams(client)
				p.ResponseType = "token"
				return p
			}(),
			code: ErrCodeUnsupportedResponseType,
		},
		{
			name: "scope outside registration",
			params: func() AuthorizeParams {
				p := validParams(client)
				p.Scope = "openid admin"
				return p
			}(),
			code: ErrCodeInvalidScope,
		},
		{
			name: "public client without PKCE",
			params: func() AuthorizeParams {
				p := validParams(public)
				p.CodeChallenge = ""
				p.CodeChallengeMethod = ""
				return p
			}(),
			code: ErrCodeInvalidRequest,
		},
		{
			name: "bad challenge method",
			params: func() AuthorizeParams {
				p := validParams(client)
				p.CodeChallengeMethod = "S512"
				return p
			}(),
			code: ErrCodeInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Validate(ctx, tt.params)
			var redirect *RedirectError
			require.ErrorAs(t, err, &redirect)
			assert.Equal(t, tt.code, redirect.Err.Code)
			assert.Equal(t, "https://app.example.com/callback", redirect.RedirectURI)
			assert.Equal(t, "xyz-state", redirect.State)
		})
	}
}

func TestRedirectError_BehavesAsError(t *testing.T) {
	var err error = &RedirectError{
		Err:         NewError(ErrCodeInvalidScope, "scope %q is not registered for this client", "admin"),
		RedirectURI: "https://app.example.com/callback",
		State:       "xyz-state",
	}

	assert.Contains(t, err.Error(), "invalid_scope")

	// The wrapped protocol error stays reachable through errors.As.
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ErrCodeInvalidScope, oerr.Code)
}

func TestAuthorize_IssueCode(t *testing.T) {
	svc, stores := newAuthorizeFixture(t)
	client := seedClient(t, stores, nil)
	ctx := context.Background()

	user := &db.User{Email: "alice@example.com", PasswordHash: "x"}
	require.NoError(t, stores.Users.Create(ctx, user))

	params := validParams(client)
	params.Nonce = "nonce-123"
	req, err := svc.Validate(ctx, params)
	require.NoError(t, err)

	code, err := svc.IssueCode(ctx, req, user.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, code)

	record, err := stores.Codes.Consume(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, record.ClientID)
	assert.Equal(t, user.ID, record.UserID)
	assert.Equal(t, "openid profile", record.Scopes)
	assert.Equal(t, "nonce-123", record.Nonce)
	assert.Equal(t, "a-challenge-value", record.CodeChallenge)
	assert.Equal(t, ChallengeMethodS256, record.CodeChallengeMethod)
}
