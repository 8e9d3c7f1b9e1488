package oauth

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/crypto"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/store"
)

const (
	clientIDPrefix     = "client_"
	clientIDBytes      = 8  // 16 hex chars
	clientSecretBytes  = 32 // base64url, ~43 chars
	defaultClientScope = "openid profile email"
)

// Supported protocol values for registered clients.
var (
	supportedGrantTypes    = []string{"authorization_code", "refresh_token"}
	supportedResponseTypes = []string{"code"}
	supportedAuthMethods   = []string{"client_secret_post", "client_secret_basic", "none"}
	supportedScopes        = []string{"openid", "profile", "email", "offline_access"}
)

// RegistrationRequest carries the RFC 7591 client metadata a registrant
// submits.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name"`
	ClientDescription       string   `json:"client_description,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
}

// Registration is the result of registering a client. Secret holds the
// plaintext client secret, present exactly once and empty for public clients.
type Registration struct {
	Client *db.OAuthClient
	Secret string
}

// RegistrationService implements RFC 7591 dynamic client registration.
type RegistrationService struct {
	clients store.ClientRepository

	// requireHTTPS rejects plain-http redirect URIs on hosts other than
	// localhost. Disabled in development.
	requireHTTPS bool

	logger *zap.Logger
}

// NewRegistrationService creates the registration service.
func NewRegistrationService(clients store.ClientRepository, requireHTTPS bool, logger *zap.Logger) *RegistrationService {
	return &RegistrationService{
		clients:      clients,
		requireHTTPS: requireHTTPS,
		logger:       logger.Named("registration"),
	}
}

// Register validates the submitted metadata, fills RFC 7591 defaults, and
// creates the client. Validation failures return *Error with
// invalid_redirect_uri or invalid_client_metadata codes.
func (s *RegistrationService) Register(ctx context.Context, req *RegistrationRequest) (*Registration, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		// Without refresh_token here the token endpoint would never rotate
		// refresh tokens for default-registered clients.
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_post"
	}
	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		scope = defaultClientScope
	}
	name := strings.TrimSpace(req.ClientName)
	if name == "" {
		name = "Unnamed client"
	}

	suffix, err := crypto.RandomHex(clientIDBytes)
	if err != nil {
		return nil, fmt.Errorf("oauth: generate client id: %w", err)
	}
	clientID := clientIDPrefix + suffix

	var secret, secretHash string
	if authMethod != "none" {
		secret, err = crypto.RandomToken(clientSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("oauth: generate client secret: %w", err)
		}
		secretHash, err = crypto.HashToken(secret)
		if err != nil {
			return nil, fmt.Errorf("oauth: hash client secret: %w", err)
		}
	}

	client := &db.OAuthClient{
		ClientID:                clientID,
		SecretHash:              secretHash,
		Name:                    name,
		Description:             strings.TrimSpace(req.ClientDescription),
		RedirectURIs:            db.EncodeStringList(req.RedirectURIs),
		GrantTypes:              db.EncodeStringList(grantTypes),
		ResponseTypes:           db.EncodeStringList(responseTypes),
		Scopes:                  scope,
		TokenEndpointAuthMethod: authMethod,
		Active:                  true,
		LogoURI:                 req.LogoURI,
		ClientURI:               req.ClientURI,
	}
	if err := s.clients.Create(ctx, client); err != nil {
		return nil, fmt.Errorf("oauth: register client: %w", err)
	}

	s.logger.Info("client registered",
		zap.String("client_id", clientID),
		zap.String("name", name),
		zap.Bool("public", authMethod == "none"))

	return &Registration{Client: client, Secret: secret}, nil
}

func (s *RegistrationService) validate(req *RegistrationRequest) error {
	if len(req.RedirectURIs) == 0 {
		return NewError(ErrCodeInvalidRedirectURI, "at least one redirect_uri is required")
	}
	for _, raw := range req.RedirectURIs {
		if err := s.validateRedirectURI(raw); err != nil {
			return err
		}
	}

	for _, gt := range req.GrantTypes {
		if !slices.Contains(supportedGrantTypes, gt) {
			return NewError(ErrCodeInvalidClientMetadata, "unsupported grant type %q", gt)
		}
	}
	for _, rt := range req.ResponseTypes {
		if !slices.Contains(supportedResponseTypes, rt) {
			return NewError(ErrCodeInvalidClientMetadata, "unsupported response type %q", rt)
		}
	}
	if m := req.TokenEndpointAuthMethod; m != "" && !slices.Contains(supportedAuthMethods, m) {
		return NewError(ErrCodeInvalidClientMetadata, "unsupported token endpoint auth method %q", m)
	}
	for _, sc := range strings.Fields(req.Scope) {
		if !slices.Contains(supportedScopes, sc) {
			return NewError(ErrCodeInvalidClientMetadata, "unsupported scope %q", sc)
		}
	}
	return nil
}

func (s *RegistrationService) validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return NewError(ErrCodeInvalidRedirectURI, "redirect_uri %q is not an absolute URL", raw)
	}
	if u.Fragment != "" {
		return NewError(ErrCodeInvalidRedirectURI, "redirect_uri %q must not contain a fragment", raw)
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if !s.requireHTTPS || isLoopback(u.Hostname()) {
			return nil
		}
		return NewError(ErrCodeInvalidRedirectURI, "redirect_uri %q must use https", raw)
	default:
		return NewError(ErrCodeInvalidRedirectURI, "redirect_uri %q has unsupported scheme %q", raw, u.Scheme)
	}
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
