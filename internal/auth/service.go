// Package auth implements the identity side of the server: password signup
// and login, the credential resolution used by the HTTP middleware, personal
// API keys, magic-link email tokens, and federated login against Google and
// GitHub.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/crypto"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/store"
)

const minPasswordLength = 8

// Service implements password-based account management.
type Service struct {
	users    store.UserRepository
	sessions store.SessionRepository
	logger   *zap.Logger
}

// NewService creates the identity service.
func NewService(users store.UserRepository, sessions store.SessionRepository, logger *zap.Logger) *Service {
	return &Service{
		users:    users,
		sessions: sessions,
		logger:   logger.Named("auth"),
	}
}

// NormalizeEmail lowercases and trims an email address. Every lookup and
// every stored value goes through this, so "Alice@Example.COM" and
// "alice@example.com" are the same account.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Signup registers a new password account. The email is stored normalized
// and starts unverified.
func (s *Service) Signup(ctx context.Context, email, password string) (*db.User, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("auth: invalid email address")
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user := &db.User{
		Email:        email,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID.String()))
	return user, nil
}

// Login verifies an email/password pair. Unknown email and wrong password
// return the same error, and a dummy verification runs on unknown email so
// the two cases take comparable time.
func (s *Service) Login(ctx context.Context, email, password string) (*db.User, error) {
	email = NormalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			crypto.VerifyPassword(password, dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !crypto.VerifyPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	if crypto.NeedsRehash(user.PasswordHash) {
		if rehashed, err := crypto.HashPassword(password); err == nil {
			user.PasswordHash = rehashed
			if err := s.users.Update(ctx, user); err != nil {
				s.logger.Warn("failed to persist rehashed password", zap.Error(err))
			}
		}
	}

	return user, nil
}

// ChangePassword sets a new password after verifying the current one, then
// revokes every session except the caller's own.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next, keepSessionID string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	if user.Provider != "" {
		return ErrFederatedAccount
	}
	if !crypto.VerifyPassword(current, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if len(next) < minPasswordLength {
		return ErrWeakPassword
	}

	hash, err := crypto.HashPassword(next)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	user.PasswordHash = hash
	if err := s.users.Update(ctx, user); err != nil {
		return err
	}

	// Other devices must log in again with the new password.
	if err := s.revokeOtherSessions(ctx, userID, keepSessionID); err != nil {
		s.logger.Warn("failed to revoke sessions after password change", zap.Error(err))
	}
	return nil
}

// SetPassword replaces a user's password without checking the old one. Used
// by the password-reset flow after the reset token is verified; the caller
// is responsible for revoking sessions.
func (s *Service) SetPassword(ctx context.Context, userID uuid.UUID, password string) error {
	if len(password) < minPasswordLength {
		return ErrWeakPassword
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	user.PasswordHash = hash
	return s.users.Update(ctx, user)
}

// GetUser fetches a user by id.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*db.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (s *Service) revokeOtherSessions(ctx context.Context, userID uuid.UUID, keepSessionID string) error {
	if keepSessionID == "" {
		return s.sessions.DeleteByUser(ctx, userID)
	}
	keep, err := s.sessions.GetByID(ctx, keepSessionID)
	if err != nil {
		return s.sessions.DeleteByUser(ctx, userID)
	}
	if err := s.sessions.DeleteByUser(ctx, userID); err != nil {
		return err
	}
	return s.sessions.Create(ctx, keep)
}

// dummyHash is a valid Argon2id hash of an unguessable value, verified
// against on unknown-email logins so they cost the same as real ones.
var dummyHash = func() string {
	h, err := crypto.HashPassword(uuid.NewString())
	if err != nil {
		panic(fmt.Sprintf("auth: init dummy hash: %v", err))
	}
	return h
}()
