package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/crypto"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/store"
)

// Identity is what a federated provider asserts about the user after a
// successful upstream login.
type Identity struct {
	Provider      string
	AccountID     string
	Email         string
	EmailVerified bool
	Name          string
}

// Provider is an upstream identity provider the server can delegate login to.
type Provider interface {
	// Name returns the provider's registry key ("google", "github").
	Name() string

	// AuthCodeURL builds the upstream authorization URL for one login
	// attempt. state ties the callback to the initiating browser; nonce is
	// embedded in the upstream ID token where the protocol supports it.
	AuthCodeURL(state, nonce string) string

	// Exchange redeems the upstream callback code for the user's identity.
	Exchange(ctx context.Context, code, nonce string) (*Identity, error)
}

// ErrUnknownProvider is returned for provider names nothing is registered
// under, including providers disabled by configuration.
var ErrUnknownProvider = errors.New("auth: unknown provider")

// FederatedService maps upstream identities onto local accounts.
type FederatedService struct {
	providers map[string]Provider
	users     store.UserRepository
	logger    *zap.Logger
}

// NewFederatedService creates the federated login service with the given
// enabled providers.
func NewFederatedService(providers []Provider, users store.UserRepository, logger *zap.Logger) *FederatedService {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &FederatedService{
		providers: byName,
		users:     users,
		logger:    logger.Named("federated"),
	}
}

// Provider returns the registered provider for a name.
func (s *FederatedService) Provider(name string) (Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// ResolveUser finds or creates the local account for an upstream identity.
// Match order: the (provider, account id) pair first, then the email address
// — which links the federated identity to an existing password account — and
// finally a brand-new account. New and linked accounts get the provider's
// email-verified status; accounts created here receive an unguessable
// password hash so the password login path can never match them.
func (s *FederatedService) ResolveUser(ctx context.Context, id *Identity) (*db.User, error) {
	if id.AccountID == "" {
		return nil, fmt.Errorf("auth: provider %s returned no account id", id.Provider)
	}
	email := NormalizeEmail(id.Email)
	if email == "" {
		return nil, fmt.Errorf("auth: provider %s returned no email", id.Provider)
	}

	user, err := s.users.GetByProviderAccount(ctx, id.Provider, id.AccountID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	user, err = s.users.GetByEmail(ctx, email)
	if err == nil {
		// Existing account with the same address: link the identity.
		user.Provider = id.Provider
		user.ProviderAccountID = id.AccountID
		if id.EmailVerified {
			user.EmailVerified = true
		}
		if err := s.users.Update(ctx, user); err != nil {
			return nil, err
		}
		s.logger.Info("federated identity linked",
			zap.String("provider", id.Provider),
			zap.String("user_id", user.ID.String()))
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	placeholder, err := crypto.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("auth: generate placeholder password: %w", err)
	}
	hash, err := crypto.HashPassword(placeholder)
	if err != nil {
		return nil, fmt.Errorf("auth: hash placeholder password: %w", err)
	}

	user = &db.User{
		Email:             email,
		PasswordHash:      hash,
		EmailVerified:     id.EmailVerified,
		Provider:          id.Provider,
		ProviderAccountID: id.AccountID,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Concurrent first login with the same identity; reload.
			return s.users.GetByProviderAccount(ctx, id.Provider, id.AccountID)
		}
		return nil, err
	}

	s.logger.Info("federated account created",
		zap.String("provider", id.Provider),
		zap.String("user_id", user.ID.String()))
	return user, nil
}
