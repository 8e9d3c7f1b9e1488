package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/auth"
	"github.com/koauth-io/koauth/internal/crypto"
	"github.com/koauth-io/koauth/internal/session"
)

const (
	stateCookieName = "oauth_state"
	nonceCookieName = "oauth_nonce"

	// upstreamTimeout bounds code exchange and profile calls to the IdP.
	upstreamTimeout = 5 * time.Second
)

// FederatedHandler serves GET /api/auth/{provider} and its callback.
type FederatedHandler struct {
	federated *auth.FederatedService
	sessions  *session.Manager
	cookies   cookieWriter
	appURL    string
	logger    *zap.Logger
}

// NewFederatedHandler creates the federated login handler. appURL is where
// the browser ends up after the flow, success or failure.
func NewFederatedHandler(
	federated *auth.FederatedService,
	sessions *session.Manager,
	secureCookies bool,
	appURL string,
	logger *zap.Logger,
) *FederatedHandler {
	return &FederatedHandler{
		federated: federated,
		sessions:  sessions,
		cookies:   cookieWriter{secure: secureCookies},
		appURL:    appURL,
		logger:    logger.Named("federated_handler"),
	}
}

// Start handles GET /api/auth/{provider}: it pins state and nonce in
// cookies and redirects to the upstream IdP.
func (h *FederatedHandler) Start(w http.ResponseWriter, r *http.Request) {
	provider, err := h.federated.Provider(chi.URLParam(r, "provider"))
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}

	state, err := crypto.RandomToken(16)
	if err != nil {
		h.logger.Error("failed to generate state", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	nonce, err := crypto.RandomToken(16)
	if err != nil {
		h.logger.Error("failed to generate nonce", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.cookies.setState(w, stateCookieName, state)
	h.cookies.setState(w, nonceCookieName, nonce)
	http.Redirect(w, r, provider.AuthCodeURL(state, nonce), http.StatusFound)
}

// Callback handles GET /api/auth/{provider}/callback. IdP failures send the
// browser back to the app with a short error code rather than surfacing
// upstream details.
func (h *FederatedHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, err := h.federated.Provider(chi.URLParam(r, "provider"))
	if err != nil {
		h.redirectError(w, r, "unknown_provider")
		return
	}

	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" ||
		!crypto.ConstantTimeEquals(stateCookie.Value, r.URL.Query().Get("state")) {
		h.redirectError(w, r, "state_mismatch")
		return
	}
	nonce := ""
	if c, err := r.Cookie(nonceCookieName); err == nil {
		nonce = c.Value
	}
	h.cookies.clearState(w, stateCookieName)
	h.cookies.clearState(w, nonceCookieName)

	if errCode := r.URL.Query().Get("error"); errCode != "" {
		h.redirectError(w, r, "provider_denied")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		h.redirectError(w, r, "missing_code")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), upstreamTimeout)
	defer cancel()

	identity, err := provider.Exchange(ctx, code, nonce)
	if err != nil {
		h.logger.Warn("federated exchange failed",
			zap.String("provider", provider.Name()), zap.Error(err))
		h.redirectError(w, r, "exchange_failed")
		return
	}

	user, err := h.federated.ResolveUser(r.Context(), identity)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			h.redirectError(w, r, "account_conflict")
			return
		}
		h.logger.Error("failed to resolve federated user", zap.Error(err))
		h.redirectError(w, r, "internal_error")
		return
	}

	sess, err := h.sessions.Create(r.Context(), user.ID, clientIP(r), r.UserAgent())
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		h.redirectError(w, r, "internal_error")
		return
	}

	h.cookies.setSession(w, sess.ID, sess.ExpiresAt)
	h.cookies.setRefresh(w, sess.RefreshToken, sess.ExpiresAt)
	http.Redirect(w, r, h.appURL+"/", http.StatusFound)
}

func (h *FederatedHandler) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, h.appURL+"/login?error="+url.QueryEscape(code), http.StatusFound)
}
