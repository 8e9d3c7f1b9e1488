package api

import (
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/oauth"
	"github.com/koauth-io/koauth/internal/store"
	"github.com/koauth-io/koauth/internal/token"
)

// OAuthHandler serves the protocol endpoints under /oauth.
type OAuthHandler struct {
	authorize *oauth.AuthorizeService
	grants    *oauth.GrantService
	registrar *oauth.RegistrationService
	tokens    *token.Service
	users     store.UserRepository
	appURL    string
	logger    *zap.Logger
}

// NewOAuthHandler creates the OAuth protocol handler. appURL is the
// first-party frontend the browser is sent to when it needs to log in.
func NewOAuthHandler(
	authorize *oauth.AuthorizeService,
	grants *oauth.GrantService,
	registrar *oauth.RegistrationService,
	tokens *token.Service,
	users store.UserRepository,
	appURL string,
	logger *zap.Logger,
) *OAuthHandler {
	return &OAuthHandler{
		authorize: authorize,
		grants:    grants,
		registrar: registrar,
		tokens:    tokens,
		users:     users,
		appURL:    appURL,
		logger:    logger.Named("oauth_handler"),
	}
}

func authorizeParams(q url.Values) oauth.AuthorizeParams {
	return oauth.AuthorizeParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
}

// Authorize handles GET /oauth/authorize. Unauthenticated browsers are sent
// to the login page with the full authorize URL as the post-login redirect,
// before any protocol parameter is looked at. Trusted first-party clients
// skip consent; everything else is sent to the consent page with the
// authorize parameters carried over, and the page posts the decision back.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	if principal == nil {
		target := h.appURL + "/login?redirect=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	req, err := h.authorize.Validate(r.Context(), authorizeParams(r.URL.Query()))
	if err != nil {
		h.authorizeError(w, r, err)
		return
	}

	if req.Client.Trusted {
		h.issueAndRedirect(w, r, req)
		return
	}

	http.Redirect(w, r, h.appURL+"/consent?"+r.URL.RawQuery, http.StatusFound)
}

// Approve handles POST /oauth/authorize: the consent decision. All protocol
// parameters are revalidated from the form; a consent page cannot be trusted
// to echo them back unmodified.
func (h *OAuthHandler) Approve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, http.StatusBadRequest, oauth.NewError(oauth.ErrCodeInvalidRequest, "malformed form body"))
		return
	}

	req, err := h.authorize.Validate(r.Context(), authorizeParams(r.PostForm))
	if err != nil {
		h.authorizeError(w, r, err)
		return
	}

	if r.PostForm.Get("approved") != "true" {
		h.redirectWithError(w, r, req.RedirectURI, req.State,
			oauth.NewError(oauth.ErrCodeAccessDenied, "the user denied the request"))
		return
	}

	h.issueAndRedirect(w, r, req)
}

func (h *OAuthHandler) issueAndRedirect(w http.ResponseWriter, r *http.Request, req *oauth.AuthorizeRequest) {
	principal := PrincipalFrom(r.Context())

	code, err := h.authorize.IssueCode(r.Context(), req, principal.User.ID)
	if err != nil {
		h.logger.Error("failed to issue authorization code", zap.Error(err))
		h.redirectWithError(w, r, req.RedirectURI, req.State,
			oauth.NewError(oauth.ErrCodeServerError, "could not issue authorization code"))
		return
	}

	target, _ := url.Parse(req.RedirectURI)
	q := target.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// authorizeError routes an authorize failure: redirectable errors go back to
// the client, fatal ones (unknown client, unregistered redirect URI) are
// rendered to the browser and never redirect.
func (h *OAuthHandler) authorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var redirect *oauth.RedirectError
	if errors.As(err, &redirect) {
		h.redirectWithError(w, r, redirect.RedirectURI, redirect.State, redirect.Err)
		return
	}
	var oauthErr *oauth.Error
	if errors.As(err, &oauthErr) {
		respondOAuthError(w, http.StatusBadRequest, oauthErr)
		return
	}
	h.logger.Error("authorize validation failed", zap.Error(err))
	respondOAuthError(w, http.StatusInternalServerError,
		oauth.NewError(oauth.ErrCodeServerError, "internal error"))
}

func (h *OAuthHandler) redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state string, oauthErr *oauth.Error) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		respondOAuthError(w, http.StatusBadRequest, oauthErr)
		return
	}
	q := target.Query()
	q.Set("error", oauthErr.Code)
	q.Set("error_description", oauthErr.Description)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// Token handles POST /oauth/token. Client credentials arrive either in the
// form body (client_secret_post) or via HTTP basic auth (client_secret_basic).
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, http.StatusBadRequest, oauth.NewError(oauth.ErrCodeInvalidRequest, "malformed form body"))
		return
	}

	req := &oauth.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 §2.3.1: basic auth credentials are form-urlencoded.
		if decoded, err := url.QueryUnescape(id); err == nil {
			id = decoded
		}
		if decoded, err := url.QueryUnescape(secret); err == nil {
			secret = decoded
		}
		req.ClientID = id
		req.ClientSecret = secret
	}

	resp, err := h.grants.Token(r.Context(), req)
	if err != nil {
		var oauthErr *oauth.Error
		if errors.As(err, &oauthErr) {
			status := http.StatusBadRequest
			if oauthErr.Code == oauth.ErrCodeInvalidClient {
				status = http.StatusUnauthorized
				w.Header().Set("WWW-Authenticate", `Basic realm="oauth", charset="UTF-8"`)
			}
			respondOAuthError(w, status, oauthErr)
			return
		}
		h.logger.Error("token request failed", zap.Error(err))
		respondOAuthError(w, http.StatusInternalServerError,
			oauth.NewError(oauth.ErrCodeServerError, "internal error"))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// Register handles POST /oauth/register (RFC 7591 dynamic registration).
func (h *OAuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req oauth.RegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondOAuthError(w, http.StatusBadRequest,
			oauth.NewError(oauth.ErrCodeInvalidClientMetadata, "malformed request body"))
		return
	}

	reg, err := h.registrar.Register(r.Context(), &req)
	if err != nil {
		var oauthErr *oauth.Error
		if errors.As(err, &oauthErr) {
			respondOAuthError(w, http.StatusBadRequest, oauthErr)
			return
		}
		h.logger.Error("client registration failed", zap.Error(err))
		respondOAuthError(w, http.StatusInternalServerError,
			oauth.NewError(oauth.ErrCodeServerError, "internal error"))
		return
	}

	writeJSON(w, http.StatusCreated, registrationJSON(reg))
}

func registrationJSON(reg *oauth.Registration) map[string]any {
	c := reg.Client
	body := map[string]any{
		"client_id":                  c.ClientID,
		"client_name":                c.Name,
		"redirect_uris":              c.RedirectURIList(),
		"grant_types":                c.GrantTypeList(),
		"response_types":             c.ResponseTypeList(),
		"scope":                      c.Scopes,
		"token_endpoint_auth_method": c.TokenEndpointAuthMethod,
		"client_id_issued_at":        c.CreatedAt.Unix(),
	}
	if reg.Secret != "" {
		body["client_secret"] = reg.Secret
		// Secrets do not expire; RFC 7591 uses 0 for that.
		body["client_secret_expires_at"] = 0
	}
	if c.LogoURI != "" {
		body["logo_uri"] = c.LogoURI
	}
	if c.ClientURI != "" {
		body["client_uri"] = c.ClientURI
	}
	return body
}

// Userinfo handles GET /oauth/userinfo. Only a bearer access token is
// accepted here; sessions and API keys are first-party credentials, not
// OAuth ones. Claims beyond sub require the matching scope.
func (h *OAuthHandler) Userinfo(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="oauth"`)
		respondOAuthError(w, http.StatusUnauthorized,
			oauth.NewError("invalid_token", "bearer access token required"))
		return
	}

	claims, err := h.tokens.VerifyAccessToken(raw)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="oauth", error="invalid_token"`)
		respondOAuthError(w, http.StatusUnauthorized,
			oauth.NewError("invalid_token", "access token is invalid or expired"))
		return
	}

	body := map[string]any{"sub": claims.Subject}
	scopes := strings.Fields(claims.Scope)
	if slices.Contains(scopes, "email") || slices.Contains(scopes, "profile") {
		var user *db.User
		if id, err := uuid.Parse(claims.Subject); err == nil {
			user, _ = h.users.GetByID(r.Context(), id)
		}
		if user != nil {
			body["email"] = user.Email
			body["email_verified"] = user.EmailVerified
		} else {
			body["email"] = claims.Email
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, body)
}
