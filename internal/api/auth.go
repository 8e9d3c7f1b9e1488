package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/auth"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/session"
	"github.com/koauth-io/koauth/internal/token"
)

// AuthHandler serves the first-party authentication surface under /api/auth.
type AuthHandler struct {
	auth       *auth.Service
	sessions   *session.Manager
	magicLinks *auth.MagicLinkService
	tokens     *token.Service
	cookies    cookieWriter
	appURL     string
	logger     *zap.Logger
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(
	authSvc *auth.Service,
	sessions *session.Manager,
	magicLinks *auth.MagicLinkService,
	tokens *token.Service,
	secureCookies bool,
	appURL string,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		auth:       authSvc,
		sessions:   sessions,
		magicLinks: magicLinks,
		tokens:     tokens,
		cookies:    cookieWriter{secure: secureCookies},
		appURL:     appURL,
		logger:     logger.Named("auth_handler"),
	}
}

// userJSON is the public view of a user record.
func userJSON(user *db.User) envelope {
	return envelope{
		"id":             user.ID,
		"email":          user.Email,
		"email_verified": user.EmailVerified,
		"is_admin":       user.IsAdmin,
		"provider":       user.Provider,
		"created_at":     user.CreatedAt,
	}
}

// Signup handles POST /api/auth/signup.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.auth.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailTaken):
			respondError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("signup failed", zap.Error(err))
			respondError(w, http.StatusBadRequest, "invalid signup request")
		}
		return
	}

	// Verification email delivery is best effort; the account exists either way.
	if err := h.magicLinks.SendVerification(r.Context(), user.ID); err != nil {
		h.logger.Warn("failed to send verification email", zap.Error(err))
	}

	h.startSession(w, r, user, http.StatusCreated)
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.startSession(w, r, user, http.StatusOK)
}

// Token handles POST /api/auth/token: password for access token, no cookies.
// Non-browser clients (scripts, CLIs) use this instead of Login.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		h.logger.Error("token login failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	accessToken, err := h.tokens.IssueAccessToken(user.ID, user.Email, "", "")
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondSuccess(w, http.StatusOK, envelope{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int64(h.tokens.AccessTokenTTL().Seconds()),
		"user":         userJSON(user),
	})
}

// Logout handles POST /api/auth/logout. With {"everywhere": true} every
// session the user has is revoked, not just this one.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Everywhere bool `json:"everywhere"`
	}
	_ = decodeJSON(r, &req) // body is optional

	principal := PrincipalFrom(r.Context())
	ctx := r.Context()

	var err error
	if req.Everywhere {
		err = h.sessions.RevokeAll(ctx, principal.User.ID)
	} else if principal.SessionID != "" {
		err = h.sessions.Revoke(ctx, principal.SessionID)
	}
	if err != nil {
		h.logger.Error("logout failed", zap.Error(err))
	}

	h.cookies.clear(w)
	respondSuccess(w, http.StatusOK, nil)
}

// Refresh handles POST /api/auth/refresh: it rotates the session using the
// cookie pair and sets the replacements.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionCookie(r)
	refreshCookie, err := r.Cookie(RefreshCookieName)
	if sessionID == "" || err != nil {
		respondError(w, http.StatusUnauthorized, "missing session credentials")
		return
	}

	rotated, err := h.sessions.Refresh(r.Context(), sessionID, refreshCookie.Value)
	if err != nil {
		h.cookies.clear(w)
		if errors.Is(err, session.ErrInvalidSession) || errors.Is(err, session.ErrRefreshMismatch) {
			respondError(w, http.StatusUnauthorized, "session expired, log in again")
			return
		}
		h.logger.Error("session refresh failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.cookies.setSession(w, rotated.ID, rotated.ExpiresAt)
	h.cookies.setRefresh(w, rotated.RefreshToken, rotated.ExpiresAt)
	respondSuccess(w, http.StatusOK, envelope{"expires_at": rotated.ExpiresAt})
}

// Me handles GET /api/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	respondSuccess(w, http.StatusOK, envelope{"user": userJSON(principal.User)})
}

// ChangePassword handles POST /api/auth/password.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	principal := PrincipalFrom(r.Context())
	err := h.auth.ChangePassword(r.Context(), principal.User.ID, req.CurrentPassword, req.NewPassword, principal.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			respondError(w, http.StatusUnauthorized, "current password is incorrect")
		case errors.Is(err, auth.ErrWeakPassword):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrFederatedAccount):
			respondError(w, http.StatusBadRequest, "account uses federated login")
		default:
			h.logger.Error("password change failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	respondSuccess(w, http.StatusOK, nil)
}

// RequestVerification handles POST /api/auth/verify-email/request.
func (h *AuthHandler) RequestVerification(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	if err := h.magicLinks.SendVerification(r.Context(), principal.User.ID); err != nil {
		h.logger.Error("failed to send verification email", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondSuccess(w, http.StatusOK, nil)
}

// VerifyEmail handles GET /api/auth/verify-email/{token}: the link from the
// email lands here, so the outcome is a redirect to the UI, not JSON.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	if tok == "" {
		http.Redirect(w, r, h.appURL+"/verify-email?status=invalid", http.StatusFound)
		return
	}

	if _, err := h.magicLinks.ConsumeVerification(r.Context(), tok); err != nil {
		if !errors.Is(err, auth.ErrInvalidMagicLink) {
			h.logger.Error("email verification failed", zap.Error(err))
		}
		http.Redirect(w, r, h.appURL+"/verify-email?status=invalid", http.StatusFound)
		return
	}
	http.Redirect(w, r, h.appURL+"/verify-email?status=success", http.StatusFound)
}

// ForgotPassword handles POST /api/auth/reset-password/request. The response
// is 200 regardless of whether the address exists.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	if err := h.magicLinks.SendPasswordReset(r.Context(), req.Email); err != nil {
		// Logged but not surfaced: the response must not reveal anything.
		h.logger.Error("failed to send password reset", zap.Error(err))
	}
	respondSuccess(w, http.StatusOK, envelope{
		"message": "if the address is registered, a reset link has been sent",
	})
}

// ResetPassword handles POST /api/auth/reset-password/verify.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		respondError(w, http.StatusBadRequest, "token and password are required")
		return
	}

	_, err := h.magicLinks.ConsumeReset(r.Context(), req.Token, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidMagicLink):
			respondError(w, http.StatusBadRequest, "invalid or expired token")
		case errors.Is(err, auth.ErrWeakPassword):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("password reset failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	respondSuccess(w, http.StatusOK, nil)
}

// startSession establishes a browser session, writes the cookie pair, and
// returns the user plus a first-party access token.
func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, user *db.User, status int) {
	sess, err := h.sessions.Create(r.Context(), user.ID, clientIP(r), r.UserAgent())
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	accessToken, err := h.tokens.IssueAccessToken(user.ID, user.Email, "", "")
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.cookies.setSession(w, sess.ID, sess.ExpiresAt)
	h.cookies.setRefresh(w, sess.RefreshToken, sess.ExpiresAt)
	respondSuccess(w, status, envelope{
		"user":         userJSON(user),
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int64(h.tokens.AccessTokenTTL().Seconds()),
		"expires_at":   sess.ExpiresAt,
	})
}
