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
	"github.com/koauth-io/koauth/internal/token"
)

// TokenRequest carries the form parameters of a token endpoint call.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	ClientID     string
	ClientSecret string
}

// TokenResponse is the RFC 6749 token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// GrantService implements the token endpoint grants.
type GrantService struct {
	clients       store.ClientRepository
	codes         store.AuthorizationCodeRepository
	refreshTokens store.RefreshTokenRepository
	users         store.UserRepository
	tokens        *token.Service
	logger        *zap.Logger
}

// NewGrantService creates the grant service.
func NewGrantService(
	clients store.ClientRepository,
	codes store.AuthorizationCodeRepository,
	refreshTokens store.RefreshTokenRepository,
	users store.UserRepository,
	tokens *token.Service,
	logger *zap.Logger,
) *GrantService {
	return &GrantService{
		clients:       clients,
		codes:         codes,
		refreshTokens: refreshTokens,
		users:         users,
		tokens:        tokens,
		logger:        logger.Named("grants"),
	}
}

// Token dispatches a token endpoint request to the matching grant.
func (s *GrantService) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case "authorization_code":
		return s.exchangeCode(ctx, req)
	case "refresh_token":
		return s.refresh(ctx, req)
	case "":
		return nil, NewError(ErrCodeInvalidRequest, "grant_type is required")
	default:
		return nil, NewError(ErrCodeUnsupportedGrantType, "unsupported grant type %q", req.GrantType)
	}
}

// authenticateClient resolves and authenticates the requesting client.
// Confidential clients must present their secret, verified against the
// stored scrypt hash; public clients must not have one to present.
func (s *GrantService) authenticateClient(ctx context.Context, clientID, clientSecret string) (*db.OAuthClient, error) {
	if clientID == "" {
		return nil, NewError(ErrCodeInvalidClient, "client_id is required")
	}
	client, err := s.clients.GetByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewError(ErrCodeInvalidClient, "unknown client")
		}
		return nil, fmt.Errorf("oauth: look up client: %w", err)
	}
	if !client.Active {
		return nil, NewError(ErrCodeInvalidClient, "client is deactivated")
	}

	if client.Public() {
		return client, nil
	}
	if clientSecret == "" {
		return nil, NewError(ErrCodeInvalidClient, "client authentication required")
	}
	if !crypto.VerifyToken(clientSecret, client.SecretHash) {
		return nil, NewError(ErrCodeInvalidClient, "invalid client credentials")
	}
	return client, nil
}

func (s *GrantService) exchangeCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if req.Code == "" {
		return nil, NewError(ErrCodeInvalidRequest, "code is required")
	}

	record, err := s.codes.Consume(ctx, req.Code)
	if err != nil {
		if errors.Is(err, store.ErrCodeReplayed) {
			// The code was already redeemed: assume it leaked and revoke
			// everything the first redemption produced.
			s.logger.Warn("authorization code replay detected",
				zap.String("client_id", record.ClientID),
				zap.String("user_id", record.UserID.String()))
			if err := s.refreshTokens.RevokeByClientAndUser(ctx, record.ClientID, record.UserID); err != nil {
				s.logger.Error("failed to revoke tokens after code replay", zap.Error(err))
			}
			return nil, NewError(ErrCodeInvalidGrant, "authorization code already used")
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewError(ErrCodeInvalidGrant, "invalid or expired authorization code")
		}
		return nil, err
	}

	if record.ClientID != client.ClientID {
		return nil, NewError(ErrCodeInvalidGrant, "authorization code was issued to another client")
	}
	// Byte-exact comparison with the URI presented at authorization time.
	if req.RedirectURI != record.RedirectURI {
		return nil, NewError(ErrCodeInvalidGrant, "redirect_uri does not match the authorization request")
	}

	if record.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, NewError(ErrCodeInvalidGrant, "code_verifier is required")
		}
		if !VerifyPKCE(req.CodeVerifier, record.CodeChallenge, record.CodeChallengeMethod) {
			return nil, NewError(ErrCodeInvalidGrant, "code_verifier does not match the challenge")
		}
	} else if req.CodeVerifier != "" {
		return nil, NewError(ErrCodeInvalidGrant, "code_verifier provided but no challenge was recorded")
	}

	user, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewError(ErrCodeInvalidGrant, "user no longer exists")
		}
		return nil, err
	}

	// A fresh exchange starts a new refresh token family.
	return s.issue(ctx, client, user, record.Scopes, record.Nonce, record.CreatedAt, uuid.Nil)
}

func (s *GrantService) refresh(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, NewError(ErrCodeInvalidRequest, "refresh_token is required")
	}

	claims, err := s.tokens.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		return nil, NewError(ErrCodeInvalidGrant, "invalid refresh token")
	}
	jti, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, NewError(ErrCodeInvalidGrant, "invalid refresh token")
	}

	record, err := s.refreshTokens.ConsumeForRotation(ctx, jti)
	if err != nil {
		if errors.Is(err, store.ErrTokenReused) {
			s.logger.Warn("refresh token reuse detected, family revoked",
				zap.String("client_id", record.ClientID),
				zap.String("user_id", record.UserID.String()))
			return nil, NewError(ErrCodeInvalidGrant, "refresh token has been revoked")
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewError(ErrCodeInvalidGrant, "invalid or expired refresh token")
		}
		return nil, err
	}

	// The jti located the row; the hash binds it to this exact token string.
	if !crypto.VerifyToken(req.RefreshToken, record.TokenHash) {
		if err := s.refreshTokens.RevokeFamily(ctx, record.FamilyID); err != nil {
			s.logger.Error("failed to revoke family on hash mismatch", zap.Error(err))
		}
		return nil, NewError(ErrCodeInvalidGrant, "invalid refresh token")
	}
	if record.ClientID != client.ClientID {
		return nil, NewError(ErrCodeInvalidGrant, "refresh token was issued to another client")
	}

	// An explicit scope may only narrow the original grant.
	scope := record.Scopes
	if requested := strings.Join(strings.Fields(req.Scope), " "); requested != "" {
		granted := strings.Fields(record.Scopes)
		for _, sc := range strings.Fields(requested) {
			if !slices.Contains(granted, sc) {
				return nil, NewError(ErrCodeInvalidScope, "scope %q exceeds the original grant", sc)
			}
		}
		scope = requested
	}

	user, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewError(ErrCodeInvalidGrant, "user no longer exists")
		}
		return nil, err
	}

	return s.issue(ctx, client, user, scope, "", record.CreatedAt, record.FamilyID)
}

// issue mints the token response: access token, refresh token when the
// client holds the refresh_token grant, and an ID token when the scope
// includes openid. familyID uuid.Nil starts a new rotation family.
func (s *GrantService) issue(ctx context.Context, client *db.OAuthClient, user *db.User, scope, nonce string, authTime time.Time, familyID uuid.UUID) (*TokenResponse, error) {
	accessToken, err := s.tokens.IssueAccessToken(user.ID, user.Email, client.ClientID, scope)
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.tokens.AccessTokenTTL().Seconds()),
		Scope:       scope,
	}

	if slices.Contains(strings.Fields(scope), "openid") {
		idToken, err := s.tokens.IssueIDToken(user.ID, client.ClientID, nonce, user.Email, user.EmailVerified, authTime)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	if slices.Contains(client.GrantTypeList(), "refresh_token") {
		jti, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("oauth: generate jti: %w", err)
		}
		if familyID == uuid.Nil {
			familyID = jti
		}

		refreshToken, expiresAt, err := s.tokens.IssueRefreshToken(jti, user.ID, client.ClientID, scope)
		if err != nil {
			return nil, err
		}
		hash, err := crypto.HashToken(refreshToken)
		if err != nil {
			return nil, fmt.Errorf("oauth: hash refresh token: %w", err)
		}
		if err := s.refreshTokens.Create(ctx, &db.OAuthRefreshToken{
			ID:        jti,
			TokenHash: hash,
			ClientID:  client.ClientID,
			UserID:    user.ID,
			Scopes:    scope,
			ExpiresAt: expiresAt,
			FamilyID:  familyID,
			CreatedAt: time.Now(),
		}); err != nil {
			return nil, err
		}
		resp.RefreshToken = refreshToken
	}

	return resp, nil
}
