package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/auth"
	"github.com/koauth-io/koauth/internal/ratelimit"
)

type contextKey string

const principalKey contextKey = "principal"

// SessionCookieName is the browser session cookie.
const SessionCookieName = "session_id"

// RefreshCookieName is the session refresh token cookie, scoped to the
// /api/auth path so it only travels with the refresh and logout calls.
const RefreshCookieName = "refresh_token"

// PrincipalFrom returns the authenticated principal attached to the request
// context, or nil.
func PrincipalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

// requestLogger logs each request with zap after it completes.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	log := logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// bearerToken extracts the value of a Bearer Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func sessionCookie(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// authMiddleware resolves request credentials into a Principal.
type authMiddleware struct {
	authn  *auth.Authenticator
	logger *zap.Logger
}

func newAuthMiddleware(authn *auth.Authenticator, logger *zap.Logger) *authMiddleware {
	return &authMiddleware{authn: authn, logger: logger.Named("auth_middleware")}
}

// Require rejects requests without a valid credential.
func (m *authMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.authn.Authenticate(r.Context(), bearerToken(r), sessionCookie(r))
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				respondError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			m.logger.Error("authentication failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
	})
}

// Optional attaches a principal when a valid credential is present and
// passes the request through anonymously otherwise — except that a presented
// Authorization header that fails to verify is still a hard 401.
func (m *authMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := bearerToken(r)
		cookie := sessionCookie(r)
		if bearer == "" && cookie == "" {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := m.authn.Authenticate(r.Context(), bearer, cookie)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				if bearer != "" {
					respondError(w, http.StatusUnauthorized, "invalid credentials")
					return
				}
				// A stale cookie is not an error for an optional route.
				next.ServeHTTP(w, r)
				return
			}
			m.logger.Error("authentication failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
	})
}

// RequireAdmin rejects non-admin principals.
func (m *authMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return m.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := PrincipalFrom(r.Context())
		if principal == nil || !principal.User.IsAdmin {
			respondError(w, http.StatusForbidden, "admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// sessionOnly rejects principals that did not authenticate with a browser
// session. Runs after Require, so a principal is always present.
func sessionOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := PrincipalFrom(r.Context()); p == nil || p.Method != auth.MethodSession {
			respondError(w, http.StatusForbidden, "a browser session is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies a keyed limiter: authenticated requests are keyed by
// user id so a NAT full of users does not share one bucket, anonymous ones
// by client IP.
func rateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if p := PrincipalFrom(r.Context()); p != nil {
				key = "user:" + p.User.ID.String()
			}
			if !limiter.Allow(key) {
				respondRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the request's client address without the port. The
// middleware.RealIP handler has already folded X-Forwarded-For into
// RemoteAddr when the server sits behind a proxy.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 && !strings.HasSuffix(addr, "]") {
		host := addr[:i]
		if strings.Count(host, ":") == 0 || strings.HasPrefix(host, "[") {
			return strings.Trim(host, "[]")
		}
	}
	return addr
}

// wellKnownCORS serves the discovery surface to any origin with a one hour
// cache, as RFC 8414 expects.
func wellKnownCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
