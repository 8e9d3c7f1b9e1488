// Package api wires the HTTP surface: first-party auth and key management
// under /api, the OAuth protocol endpoints under /oauth, and the discovery
// documents under /.well-known.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/koauth-io/koauth/internal/auth"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/ratelimit"
)

// Handlers collects the endpoint handlers the router mounts.
type Handlers struct {
	Auth      *AuthHandler
	Federated *FederatedHandler
	ApiKeys   *ApiKeyHandler
	OAuth     *OAuthHandler
	WellKnown *WellKnownHandler
	Admin     *AdminHandler
}

// Limiters holds the per-endpoint-class rate limiters. They are created in
// main so the scheduler can prune their idle buckets.
type Limiters struct {
	Auth      *ratelimit.Limiter
	MagicLink *ratelimit.Limiter
	Keys      *ratelimit.Limiter
	Default   *ratelimit.Limiter
}

// NewLimiters creates the limiter set with the standard shapes.
func NewLimiters() Limiters {
	return Limiters{
		Auth:      ratelimit.New(ratelimit.Auth),
		MagicLink: ratelimit.New(ratelimit.MagicLink),
		Keys:      ratelimit.New(ratelimit.ApiKeys),
		Default:   ratelimit.New(ratelimit.Default),
	}
}

// All returns the limiters as a slice for the scheduler.
func (l Limiters) All() []*ratelimit.Limiter {
	return []*ratelimit.Limiter{l.Auth, l.MagicLink, l.Keys, l.Default}
}

// RouterConfig carries the cross-cutting pieces the router needs beyond the
// handlers themselves.
type RouterConfig struct {
	Authenticator *auth.Authenticator
	Database      *gorm.DB
	Limiters      Limiters
	Logger        *zap.Logger

	// CORSOrigin, when set, is allowed to call the /api surface with
	// credentials.
	CORSOrigin string
}

// NewRouter assembles the chi mux.
func NewRouter(h Handlers, cfg RouterConfig) chi.Router {
	authn := newAuthMiddleware(cfg.Authenticator, cfg.Logger)

	limitAuth := rateLimit(cfg.Limiters.Auth)
	limitMagicLink := rateLimit(cfg.Limiters.MagicLink)
	limitKeys := rateLimit(cfg.Limiters.Keys)
	limitDefault := rateLimit(cfg.Limiters.Default)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(cfg.Logger))
	r.Use(metricsMiddleware)
	if cfg.CORSOrigin != "" {
		r.Use(corsMiddleware(cfg.CORSOrigin))
	}

	r.Get("/healthz", healthz(cfg.Database))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/.well-known", func(r chi.Router) {
		r.Use(wellKnownCORS)
		r.Get("/jwks.json", h.WellKnown.JWKS)
		r.Get("/openid-configuration", h.WellKnown.OpenIDConfiguration)
		r.Get("/oauth-authorization-server", h.WellKnown.AuthorizationServer)
		r.Get("/oauth-protected-resource", h.WellKnown.ProtectedResource)
	})

	r.Route("/oauth", func(r chi.Router) {
		r.With(authn.Optional, limitDefault).Get("/authorize", h.OAuth.Authorize)
		r.With(authn.Require, limitDefault).Post("/authorize", h.OAuth.Approve)
		r.With(limitDefault).Post("/token", h.OAuth.Token)
		r.With(limitDefault).Post("/register", h.OAuth.Register)
		r.With(limitDefault).Get("/userinfo", h.OAuth.Userinfo)
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(limitAuth).Post("/signup", h.Auth.Signup)
			r.With(limitAuth).Post("/login", h.Auth.Login)
			r.With(limitAuth).Post("/token", h.Auth.Token)
			r.With(limitAuth).Post("/refresh", h.Auth.Refresh)
			r.With(limitDefault).Get("/verify-email/{token}", h.Auth.VerifyEmail)
			r.With(limitMagicLink).Post("/reset-password/request", h.Auth.ForgotPassword)
			r.With(limitAuth).Post("/reset-password/verify", h.Auth.ResetPassword)

			r.Group(func(r chi.Router) {
				r.Use(authn.Require)
				r.With(limitDefault).Post("/logout", h.Auth.Logout)
				r.With(limitAuth).Post("/password", h.Auth.ChangePassword)
				r.With(limitMagicLink).Post("/verify-email/request", h.Auth.RequestVerification)
			})

			r.Route("/{provider:google|github}", func(r chi.Router) {
				r.With(limitAuth).Get("/", h.Federated.Start)
				r.With(limitAuth).Get("/callback", h.Federated.Callback)
			})
		})

		r.Route("/me", func(r chi.Router) {
			r.Use(authn.Require)
			r.With(limitDefault).Get("/", h.Auth.Me)

			// Key management is a session-only surface: an API key must not
			// be able to mint or revoke other API keys.
			r.Route("/api-keys", func(r chi.Router) {
				r.Use(sessionOnly, limitKeys)
				r.Get("/", h.ApiKeys.List)
				r.Post("/", h.ApiKeys.Create)
				r.Delete("/{id}", h.ApiKeys.Delete)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(authn.RequireAdmin, limitDefault)
			r.Route("/clients", func(r chi.Router) {
				r.Get("/", h.Admin.List)
				r.Route("/{clientID}", func(r chi.Router) {
					r.Get("/", h.Admin.Get)
					r.Patch("/", h.Admin.Update)
					r.Delete("/", h.Admin.Delete)
				})
			})
		})
	})

	return r
}

// healthz reports liveness plus a database round trip.
func healthz(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx, database); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// corsMiddleware allows the configured first-party origin to call the /api
// surface with credentials.
func corsMiddleware(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
