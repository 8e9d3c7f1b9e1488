package oauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/crypto"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/store"
)

const (
	authCodeBytes = 32
	authCodeTTL   = 10 * time.Minute
)

// AuthorizeParams are the raw query parameters of an authorization request.
type AuthorizeParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeRequest is a fully validated authorization request, safe to act
// on: the client exists and is active, the redirect URI is registered, and
// the scope set is within the client's grant.
type AuthorizeRequest struct {
	Client              *db.OAuthClient
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// RedirectError is an authorization failure the user agent may be sent back
// to the client with, because the client identity and redirect URI were
// already verified when it occurred.
type RedirectError struct {
	Err         *Error
	RedirectURI string
	State       string
}

func (e *RedirectError) Error() string { return e.Err.Error() }

// Unwrap exposes the protocol error for errors.As.
func (e *RedirectError) Unwrap() error { return e.Err }

// AuthorizeService validates authorization requests and mints authorization
// codes. Failures before the redirect URI is verified are plain *Error
// values and must never cause a redirect; failures after are *RedirectError.
type AuthorizeService struct {
	clients store.ClientRepository
	codes   store.AuthorizationCodeRepository
	logger  *zap.Logger
}

// NewAuthorizeService creates the authorize service.
func NewAuthorizeService(clients store.ClientRepository, codes store.AuthorizationCodeRepository, logger *zap.Logger) *AuthorizeService {
	return &AuthorizeService{
		clients: clients,
		codes:   codes,
		logger:  logger.Named("authorize"),
	}
}

// Validate checks an authorization request in the order the protocol
// requires: client first, then redirect URI, and only then everything that
// is allowed to redirect back with an error code.
func (s *AuthorizeService) Validate(ctx context.Context, params AuthorizeParams) (*AuthorizeRequest, error) {
	if params.ClientID == "" {
		return nil, NewError(ErrCodeInvalidRequest, "client_id is required")
	}

	client, err := s.clients.GetByClientID(ctx, params.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewError(ErrCodeInvalidClient, "unknown client")
		}
		return nil, fmt.Errorf("oauth: look up client: %w", err)
	}
	if !client.Active {
		return nil, NewError(ErrCodeInvalidClient, "client is deactivated")
	}

	// Exact string match against the registered list. No normalization, no
	// prefix matching: a URI that differs by one byte was not registered.
	if params.RedirectURI == "" {
		return nil, NewError(ErrCodeInvalidRequest, "redirect_uri is required")
	}
	if !slices.Contains(client.RedirectURIList(), params.RedirectURI) {
		return nil, NewError(ErrCodeInvalidRequest, "Invalid redirect_uri")
	}

	// From here on the client is authenticated enough to receive errors at
	// its redirect URI.
	fail := func(code, format string, args ...any) error {
		return &RedirectError{
			Err:         NewError(code, format, args...),
			RedirectURI: params.RedirectURI,
			State:       params.State,
		}
	}

	if params.ResponseType != "code" {
		return nil, fail(ErrCodeUnsupportedResponseType, "only the code response type is supported")
	}
	if !slices.Contains(client.GrantTypeList(), "authorization_code") {
		return nil, fail(ErrCodeUnauthorizedClient, "client is not authorized for the authorization_code grant")
	}

	scope := strings.Join(strings.Fields(params.Scope), " ")
	if scope == "" {
		scope = client.Scopes
	}
	registered := strings.Fields(client.Scopes)
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(registered, sc) {
			return nil, fail(ErrCodeInvalidScope, "scope %q is not registered for this client", sc)
		}
	}

	challenge, method := params.CodeChallenge, params.CodeChallengeMethod
	if challenge == "" {
		if client.Public() {
			return nil, fail(ErrCodeInvalidRequest, "public clients must use PKCE")
		}
		if method != "" {
			return nil, fail(ErrCodeInvalidRequest, "code_challenge_method without code_challenge")
		}
	} else {
		if method == "" {
			method = ChallengeMethodPlain
		}
		if !ValidChallengeMethod(method) {
			return nil, fail(ErrCodeInvalidRequest, "unsupported code_challenge_method %q", method)
		}
	}

	return &AuthorizeRequest{
		Client:              client,
		RedirectURI:         params.RedirectURI,
		Scope:               scope,
		State:               params.State,
		Nonce:               params.Nonce,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	}, nil
}

// IssueCode mints a one-shot authorization code binding the validated
// request to the authenticated user.
func (s *AuthorizeService) IssueCode(ctx context.Context, req *AuthorizeRequest, userID uuid.UUID) (string, error) {
	code, err := crypto.RandomToken(authCodeBytes)
	if err != nil {
		return "", fmt.Errorf("oauth: generate authorization code: %w", err)
	}

	record := &db.AuthorizationCode{
		Code:                code,
		ClientID:            req.Client.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scope,
		Nonce:               req.Nonce,
		ExpiresAt:           time.Now().Add(authCodeTTL),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}
	if err := s.codes.Create(ctx, record); err != nil {
		return "", fmt.Errorf("oauth: store authorization code: %w", err)
	}

	s.logger.Debug("authorization code issued",
		zap.String("client_id", req.Client.ClientID),
		zap.String("user_id", userID.String()))
	return code, nil
}
