package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/session"
	"github.com/koauth-io/koauth/internal/store"
	"github.com/koauth-io/koauth/internal/token"
)

// Credential methods recorded on a resolved Principal.
const (
	MethodAccessToken = "access_token"
	MethodApiKey      = "api_key"
	MethodSession     = "session"
)

// Principal is the result of authenticating a request: who the caller is and
// which credential proved it.
type Principal struct {
	User   *db.User
	Method string

	// SessionID is set when Method is MethodSession.
	SessionID string

	// Scope and ClientID are set when Method is MethodAccessToken and the
	// token was issued to an OAuth client.
	Scope    string
	ClientID string
}

// Authenticator resolves request credentials to a Principal. Resolution
// order: a Bearer value is tried as an access token, then as an API key, and
// failure of both is final — a request that presents an Authorization header
// never falls through to the session cookie.
type Authenticator struct {
	tokens   *token.Service
	apiKeys  *ApiKeyService
	sessions *session.Manager
	users    store.UserRepository
	logger   *zap.Logger
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(
	tokens *token.Service,
	apiKeys *ApiKeyService,
	sessions *session.Manager,
	users store.UserRepository,
	logger *zap.Logger,
) *Authenticator {
	return &Authenticator{
		tokens:   tokens,
		apiKeys:  apiKeys,
		sessions: sessions,
		users:    users,
		logger:   logger.Named("authenticator"),
	}
}

// Authenticate resolves the given credentials. bearer is the value of the
// Authorization header after the "Bearer " prefix (empty if absent);
// sessionID is the session cookie value (empty if absent).
func (a *Authenticator) Authenticate(ctx context.Context, bearer, sessionID string) (*Principal, error) {
	if bearer != "" {
		return a.authenticateBearer(ctx, bearer)
	}
	if sessionID != "" {
		return a.authenticateSession(ctx, sessionID)
	}
	return nil, ErrUnauthenticated
}

func (a *Authenticator) authenticateBearer(ctx context.Context, bearer string) (*Principal, error) {
	if claims, err := a.tokens.VerifyAccessToken(bearer); err == nil {
		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			return nil, ErrUnauthenticated
		}
		user, err := a.users.GetByID(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrUnauthenticated
			}
			return nil, err
		}
		return &Principal{
			User:     user,
			Method:   MethodAccessToken,
			Scope:    claims.Scope,
			ClientID: claims.ClientID,
		}, nil
	}

	// Not a JWT of ours; only strings in API-key form get a second chance.
	if strings.HasPrefix(bearer, apiKeyScheme+"_") {
		key, err := a.apiKeys.Verify(ctx, bearer)
		if err != nil {
			return nil, err
		}
		user, err := a.users.GetByID(ctx, key.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrUnauthenticated
			}
			return nil, err
		}
		return &Principal{User: user, Method: MethodApiKey}, nil
	}

	return nil, ErrUnauthenticated
}

func (a *Authenticator) authenticateSession(ctx context.Context, sessionID string) (*Principal, error) {
	record, err := a.sessions.Validate(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrInvalidSession) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}

	user, err := a.users.GetByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return &Principal{User: user, Method: MethodSession, SessionID: record.ID}, nil
}

// HasScope reports whether the principal's credential carries a scope.
// Session and API-key credentials are first-party and pass every check;
// access tokens must list the scope explicitly.
func (p *Principal) HasScope(scope string) bool {
	if p.Method != MethodAccessToken {
		return true
	}
	for _, s := range strings.Fields(p.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}
