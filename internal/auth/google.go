package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const googleIssuer = "https://accounts.google.com"

// GoogleProvider implements federated login against Google via standard
// OIDC: the user identity comes from a verified ID token, not a userinfo
// call.
type GoogleProvider struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewGoogleProvider discovers Google's OIDC configuration and builds the
// provider. redirectURL is this server's callback endpoint.
func NewGoogleProvider(ctx context.Context, clientID, clientSecret, redirectURL string) (*GoogleProvider, error) {
	provider, err := oidc.NewProvider(ctx, googleIssuer)
	if err != nil {
		return nil, fmt.Errorf("auth: discover google oidc: %w", err)
	}

	return &GoogleProvider{
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string { return "google" }

// AuthCodeURL builds the Google authorization URL for one login attempt.
func (p *GoogleProvider) AuthCodeURL(state, nonce string) string {
	return p.oauth.AuthCodeURL(state, oidc.Nonce(nonce))
}

// Exchange redeems the callback code, verifies the returned ID token, and
// extracts the user's identity from its claims.
func (p *GoogleProvider) Exchange(ctx context.Context, code, nonce string) (*Identity, error) {
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: google code exchange: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("auth: google response has no id_token")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("auth: verify google id_token: %w", err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, fmt.Errorf("auth: google id_token nonce mismatch")
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("auth: parse google claims: %w", err)
	}

	return &Identity{
		Provider:      p.Name(),
		AccountID:     idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, nil
}
