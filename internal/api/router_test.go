package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"
	gormlogger "gorm.io/gorm/logger"

	"github.com/koauth-io/koauth/internal/auth"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/keys"
	"github.com/koauth-io/koauth/internal/oauth"
	"github.com/koauth-io/koauth/internal/session"
	"github.com/koauth-io/koauth/internal/store"
	"github.com/koauth-io/koauth/internal/token"
)

const (
	testIssuer = "http://auth.test"
	testAppURL = "http://app.test"
)

type testServer struct {
	*httptest.Server
	stores *store.Stores
	tokens *token.Service
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	stores := store.New(database)

	km, err := keys.New(keys.Config{}, logger)
	require.NoError(t, err)
	tokens := token.NewService(token.Config{Issuer: testIssuer}, km)

	sessions := session.NewManager(stores.Sessions, 0, logger)
	authSvc := auth.NewService(stores.Users, stores.Sessions, logger)
	apiKeys := auth.NewApiKeyService(stores.ApiKeys, logger)
	magicLinks := auth.NewMagicLinkService(stores.MagicLinks, stores.Users, stores.Sessions, discardMailer{}, authSvc, testAppURL, testIssuer, logger)
	authn := auth.NewAuthenticator(tokens, apiKeys, sessions, stores.Users, logger)
	federated := auth.NewFederatedService(nil, stores.Users, logger)

	authorize := oauth.NewAuthorizeService(stores.Clients, stores.Codes, logger)
	grants := oauth.NewGrantService(stores.Clients, stores.Codes, stores.RefreshTokens, stores.Users, tokens, logger)
	registrar := oauth.NewRegistrationService(stores.Clients, false, logger)

	wellKnown, err := NewWellKnownHandler(testIssuer, km, logger)
	require.NoError(t, err)

	router := NewRouter(Handlers{
		Auth:      NewAuthHandler(authSvc, sessions, magicLinks, tokens, false, testAppURL, logger),
		Federated: NewFederatedHandler(federated, sessions, false, testAppURL, logger),
		ApiKeys:   NewApiKeyHandler(apiKeys, logger),
		OAuth:     NewOAuthHandler(authorize, grants, registrar, tokens, stores.Users, testAppURL, logger),
		WellKnown: wellKnown,
		Admin:     NewAdminHandler(stores.Clients, logger),
	}, RouterConfig{
		Authenticator: authn,
		Database:      database,
		Limiters:      NewLimiters(),
		Logger:        logger,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testServer{Server: srv, stores: stores, tokens: tokens, client: client}
}

type discardMailer struct{}

func (discardMailer) SendVerification(ctx context.Context, to, link string) error  { return nil }
func (discardMailer) SendPasswordReset(ctx context.Context, to, link string) error { return nil }

func (ts *testServer) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := ts.client.Post(ts.URL+path, "application/json", strings.NewReader(string(raw)))
	require.NoError(t, err)
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := ts.client.Get(ts.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (ts *testServer) signup(t *testing.T, email, password string) map[string]any {
	t.Helper()
	resp := ts.postJSON(t, "/api/auth/signup", map[string]string{
		"email": email, "password": password,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody(t, resp)
}

func TestSignupLoginRefreshLogout(t *testing.T) {
	ts := newTestServer(t)

	body := ts.signup(t, "alice@example.com", "correct horse battery")
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice@example.com", user["email"])
	assert.Equal(t, false, user["email_verified"])
	assert.NotEmpty(t, body["access_token"], "signup should mint an access token alongside the session")

	// The session cookie pair authenticates /api/me.
	resp := ts.get(t, "/api/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeBody(t, resp)
	assert.Equal(t, "alice@example.com", me["user"].(map[string]any)["email"])

	// Refresh rotates both cookies; the old session id stops working.
	oldCookies := ts.client.Jar.Cookies(mustParseURL(t, ts.URL))
	resp = ts.postJSON(t, "/api/auth/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	newCookies := ts.client.Jar.Cookies(mustParseURL(t, ts.URL))
	assert.NotEqual(t, cookieValue(oldCookies, SessionCookieName), cookieValue(newCookies, SessionCookieName))

	resp = ts.get(t, "/api/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.postJSON(t, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.get(t, "/api/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestTokenEndpointMintsJWTWithoutCookies(t *testing.T) {
	ts := newTestServer(t)
	ts.signup(t, "grace@example.com", "a perfectly fine one")

	bare := &http.Client{}
	raw, err := json.Marshal(map[string]string{
		"email": "grace@example.com", "password": "a perfectly fine one",
	})
	require.NoError(t, err)
	resp, err := bare.Post(ts.URL+"/api/auth/token", "application/json", strings.NewReader(string(raw)))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Cookies(), "the token endpoint must not open a session")
	body := decodeBody(t, resp)
	accessToken := body["access_token"].(string)
	require.NotEmpty(t, accessToken)

	// The minted token is a usable bearer credential.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err = bare.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeBody(t, resp)
	assert.Equal(t, "grace@example.com", me["user"].(map[string]any)["email"])
}

func TestLoginRejectsBadPassword(t *testing.T) {
	ts := newTestServer(t)
	ts.signup(t, "bob@example.com", "a perfectly fine one")

	resp := ts.postJSON(t, "/api/auth/login", map[string]string{
		"email": "bob@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["success"])
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func cookieValue(cookies []*http.Cookie, name string) string {
	for _, c := range cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// registerClient performs dynamic registration and returns client_id and
// client_secret.
func (ts *testServer) registerClient(t *testing.T, redirectURI string) (string, string) {
	t.Helper()
	resp := ts.postJSON(t, "/oauth/register", map[string]any{
		"client_name":   "Test App",
		"redirect_uris": []string{redirectURI},
		"grant_types":   []string{"authorization_code", "refresh_token"},
		"scope":         "openid email offline_access",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	require.NotEmpty(t, body["client_id"])
	require.NotEmpty(t, body["client_secret"])
	return body["client_id"].(string), body["client_secret"].(string)
}

func TestAuthorizationCodeFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.signup(t, "carol@example.com", "a perfectly fine one")

	const redirectURI = "http://localhost:9999/cb"
	clientID, clientSecret := ts.registerClient(t, redirectURI)

	verifier := oauth2.GenerateVerifier()
	authorizeQuery := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {"openid email"},
		"state":                 {"xyz"},
		"nonce":                 {"n-0S6_WzA2Mj"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}

	// Untrusted clients are sent to the consent page with the authorize
	// parameters carried over, not straight to a code.
	resp := ts.get(t, "/oauth/authorize?"+authorizeQuery.Encode())
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	consentURL := mustParseURL(t, resp.Header.Get("Location"))
	assert.Equal(t, "app.test", consentURL.Host)
	assert.Equal(t, "/consent", consentURL.Path)
	assert.Equal(t, clientID, consentURL.Query().Get("client_id"))
	assert.Equal(t, "xyz", consentURL.Query().Get("state"))
	assert.Equal(t, authorizeQuery.Get("code_challenge"), consentURL.Query().Get("code_challenge"))

	// Approve: the consent decision re-submits the parameters as a form.
	form := url.Values{}
	for k, v := range authorizeQuery {
		form.Set(k, v[0])
	}
	form.Set("approved", "true")
	resp, err := ts.client.PostForm(ts.URL+"/oauth/authorize", form)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location := mustParseURL(t, resp.Header.Get("Location"))
	assert.Equal(t, "xyz", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	// Exchange the code.
	tokenForm := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	resp, err = ts.client.PostForm(ts.URL+"/oauth/token", tokenForm)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decodeBody(t, resp)
	assert.Equal(t, "Bearer", tokens["token_type"])
	require.NotEmpty(t, tokens["access_token"])
	require.NotEmpty(t, tokens["refresh_token"])
	require.NotEmpty(t, tokens["id_token"], "openid scope must produce an ID token")

	// The access token works at userinfo with scope-filtered claims.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/oauth/userinfo", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokens["access_token"].(string))
	resp, err = ts.client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	userinfo := decodeBody(t, resp)
	assert.NotEmpty(t, userinfo["sub"])
	assert.Equal(t, "carol@example.com", userinfo["email"])

	// Refresh grant rotates the token; the old one is dead afterwards.
	refreshForm := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens["refresh_token"].(string)},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	resp, err = ts.client.PostForm(ts.URL+"/oauth/token", refreshForm)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decodeBody(t, resp)
	require.NotEmpty(t, rotated["refresh_token"])
	assert.NotEqual(t, tokens["refresh_token"], rotated["refresh_token"])

	resp, err = ts.client.PostForm(ts.URL+"/oauth/token", refreshForm)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	replay := decodeBody(t, resp)
	assert.Equal(t, "invalid_grant", replay["error"])
}

func TestAuthorizeRedirectsAnonymousToLogin(t *testing.T) {
	ts := newTestServer(t)
	clientID, _ := ts.registerClient(t, "http://localhost:9999/cb")

	q := url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {"http://localhost:9999/cb"},
		"response_type": {"code"},
	}
	resp := ts.get(t, "/oauth/authorize?"+q.Encode())
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location := mustParseURL(t, resp.Header.Get("Location"))
	assert.Equal(t, "app.test", location.Host)
	assert.Equal(t, "/login", location.Path)
	assert.Contains(t, location.Query().Get("redirect"), "/oauth/authorize")
}

func TestAuthorizeFatalErrorReturnsJSON(t *testing.T) {
	ts := newTestServer(t)
	ts.signup(t, "hank@example.com", "a perfectly fine one")

	// Unknown client: no redirect may happen.
	resp := ts.get(t, "/oauth/authorize?client_id=client_bogus&redirect_uri=http://evil.test/cb&response_type=code")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "invalid_client", body["error"])

	// A registered client with a redirect URI off by a trailing slash gets
	// the fixed description, still without a redirect.
	clientID, _ := ts.registerClient(t, "http://localhost:9999/cb")
	q := url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {"http://localhost:9999/cb/"},
		"response_type": {"code"},
	}
	resp = ts.get(t, "/oauth/authorize?"+q.Encode())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "invalid_request", body["error"])
	assert.Equal(t, "Invalid redirect_uri", body["error_description"])
}

func TestAuthorizeChecksPrincipalBeforeClient(t *testing.T) {
	ts := newTestServer(t)

	// Anonymous browsers go to login even when the client_id is bogus; the
	// endpoint must not leak client validity to unauthenticated callers.
	resp := ts.get(t, "/oauth/authorize?client_id=client_bogus&redirect_uri=http://evil.test/cb&response_type=code")
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location := mustParseURL(t, resp.Header.Get("Location"))
	assert.Equal(t, "/login", location.Path)
}

func TestUserinfoProfileScopeIncludesEmail(t *testing.T) {
	ts := newTestServer(t)
	body := ts.signup(t, "ivy@example.com", "a perfectly fine one")
	userID := body["user"].(map[string]any)["id"].(string)

	// profile alone, without the email scope, still surfaces the email claims.
	raw, err := ts.tokens.IssueAccessToken(uuid.MustParse(userID), "ivy@example.com", "client_x", "openid profile")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/oauth/userinfo", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+raw)
	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	userinfo := decodeBody(t, resp)
	assert.Equal(t, "ivy@example.com", userinfo["email"])
	assert.Equal(t, false, userinfo["email_verified"])
}

func TestValidationErrorCarriesCode(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/api/auth/reset-password/request", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	assert.NotEmpty(t, body["error"])
}

func TestTokenEndpointBasicAuthAndInvalidClient(t *testing.T) {
	ts := newTestServer(t)
	clientID, clientSecret := ts.registerClient(t, "http://localhost:9999/cb")

	// Wrong secret via basic auth gets 401 plus WWW-Authenticate.
	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"whatever"},
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, "not-the-secret")
	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	body := decodeBody(t, resp)
	assert.Equal(t, "invalid_client", body["error"])

	// Correct secret via basic auth authenticates (the bogus code then fails
	// as invalid_grant, which proves client auth passed).
	req, err = http.NewRequest(http.MethodPost, ts.URL+"/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, clientSecret)
	resp, err = ts.client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestDiscoveryDocuments(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/.well-known/openid-configuration")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	oidc := decodeBody(t, resp)
	assert.Equal(t, testIssuer, oidc["issuer"])
	assert.Equal(t, testIssuer+"/oauth/authorize", oidc["authorization_endpoint"])
	assert.Equal(t, testIssuer+"/oauth/token", oidc["token_endpoint"])
	assert.Equal(t, testIssuer+"/.well-known/jwks.json", oidc["jwks_uri"])
	assert.Contains(t, oidc["id_token_signing_alg_values_supported"], "RS256")

	resp = ts.get(t, "/.well-known/oauth-authorization-server")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	as := decodeBody(t, resp)
	assert.Equal(t, testIssuer, as["issuer"])
	assert.Contains(t, as["code_challenge_methods_supported"], "S256")

	resp = ts.get(t, "/.well-known/jwks.json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jwks := decodeBody(t, resp)
	keySet := jwks["keys"].([]any)
	require.Len(t, keySet, 1)
	key := keySet[0].(map[string]any)
	assert.Equal(t, "RSA", key["kty"])
	assert.Equal(t, "RS256", key["alg"])
	assert.NotEmpty(t, key["kid"])
	assert.NotEmpty(t, key["n"])
}

func TestApiKeyLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.signup(t, "dave@example.com", "a perfectly fine one")

	resp := ts.postJSON(t, "/api/me/api-keys", map[string]string{"name": "ci"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody(t, resp)
	key := created["api_key"].(map[string]any)
	plaintext := key["key"].(string)
	require.True(t, strings.HasPrefix(plaintext, "koa_"), "key %q should carry the koa_ prefix", plaintext)

	// The plaintext key authenticates as a bearer credential.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	bare := &http.Client{}
	resp, err = bare.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeBody(t, resp)
	assert.Equal(t, "dave@example.com", me["user"].(map[string]any)["email"])

	// A key cannot manage keys: the surface is session-only.
	listReq, err := http.NewRequest(http.MethodGet, ts.URL+"/api/me/api-keys", nil)
	require.NoError(t, err)
	listReq.Header.Set("Authorization", "Bearer "+plaintext)
	resp, err = bare.Do(listReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Listing never exposes the secret.
	resp = ts.get(t, "/api/me/api-keys")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeBody(t, resp)
	items := listed["keys"].([]any)
	require.Len(t, items, 1)
	_, hasKey := items[0].(map[string]any)["key"]
	assert.False(t, hasKey)

	// Delete, then the key stops working.
	delReq, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/me/api-keys/"+key["id"].(string), nil)
	require.NoError(t, err)
	resp, err = ts.client.Do(delReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = bare.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestAdminRequiresAdminRole(t *testing.T) {
	ts := newTestServer(t)
	ts.signup(t, "eve@example.com", "a perfectly fine one")

	resp := ts.get(t, "/api/admin/clients")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Promote and retry.
	user, err := ts.stores.Users.GetByEmail(context.Background(), "eve@example.com")
	require.NoError(t, err)
	user.IsAdmin = true
	require.NoError(t, ts.stores.Users.Update(context.Background(), user))

	ts.registerClient(t, "http://localhost:9999/cb")

	resp = ts.get(t, "/api/admin/clients")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["total"])
	clients := body["clients"].([]any)
	require.Len(t, clients, 1)
	_, hasSecret := clients[0].(map[string]any)["secret_hash"]
	assert.False(t, hasSecret)
}

func TestAdminClientUpdateAndTrustedSkipsConsent(t *testing.T) {
	ts := newTestServer(t)
	ts.signup(t, "frank@example.com", "a perfectly fine one")

	user, err := ts.stores.Users.GetByEmail(context.Background(), "frank@example.com")
	require.NoError(t, err)
	user.IsAdmin = true
	require.NoError(t, ts.stores.Users.Update(context.Background(), user))

	const redirectURI = "http://localhost:9999/cb"
	clientID, _ := ts.registerClient(t, redirectURI)

	// Mark the client trusted through the admin API.
	patch, err := json.Marshal(map[string]any{"trusted": true})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPatch, ts.URL+"/api/admin/clients/"+clientID, strings.NewReader(string(patch)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeBody(t, resp)
	assert.Equal(t, true, updated["client"].(map[string]any)["trusted"])

	// A trusted client goes straight to the code redirect, no consent step.
	verifier := oauth2.GenerateVerifier()
	q := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {"openid"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}
	resp = ts.get(t, "/oauth/authorize?"+q.Encode())
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location := mustParseURL(t, resp.Header.Get("Location"))
	assert.NotEmpty(t, location.Query().Get("code"))
}

func TestRateLimitResponseShape(t *testing.T) {
	ts := newTestServer(t)

	var resp *http.Response
	for i := 0; i < 6; i++ {
		resp = ts.postJSON(t, "/api/auth/login", map[string]string{
			"email":    fmt.Sprintf("nobody%d@example.com", i),
			"password": "irrelevant",
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			break
		}
		resp.Body.Close()
	}
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(http.StatusTooManyRequests), body["statusCode"])
	assert.Equal(t, "Too Many Requests", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}
