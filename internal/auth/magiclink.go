package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/crypto"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/mailer"
	"github.com/koauth-io/koauth/internal/store"
)

const (
	magicLinkTokenBytes = 32

	verificationTTL = 24 * time.Hour
	resetTTL        = time.Hour
)

// MagicLinkService issues and consumes single-use email tokens for address
// verification and password reset. Tokens are stored only as scrypt hashes,
// so consumption scans the outstanding tokens of the right type and verifies
// the presented value against each hash.
type MagicLinkService struct {
	links    store.MagicLinkRepository
	users    store.UserRepository
	sessions store.SessionRepository
	mail     mailer.Mailer
	auth     *Service
	appURL   string
	apiURL   string
	logger   *zap.Logger
}

// NewMagicLinkService creates the magic-link service. appURL is the external
// base URL of the frontend, apiURL the external base URL of this server;
// reset links land on a frontend page while verification links hit the server
// directly.
func NewMagicLinkService(
	links store.MagicLinkRepository,
	users store.UserRepository,
	sessions store.SessionRepository,
	mail mailer.Mailer,
	authSvc *Service,
	appURL string,
	apiURL string,
	logger *zap.Logger,
) *MagicLinkService {
	return &MagicLinkService{
		links:    links,
		users:    users,
		sessions: sessions,
		mail:     mail,
		auth:     authSvc,
		appURL:   appURL,
		apiURL:   apiURL,
		logger:   logger.Named("magiclink"),
	}
}

// SendVerification issues a fresh verification token for a user and emails
// the link. Any previous verification tokens are superseded.
func (s *MagicLinkService) SendVerification(ctx context.Context, userID uuid.UUID) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	if user.EmailVerified {
		return nil
	}

	token, err := s.issue(ctx, user, db.MagicLinkEmailVerification, verificationTTL)
	if err != nil {
		return err
	}
	link := fmt.Sprintf("%s/api/auth/verify-email/%s", s.apiURL, url.PathEscape(token))
	return s.mail.SendVerification(ctx, user.Email, link)
}

// SendPasswordReset issues a reset token for the account behind an email
// address and emails the link. Unknown addresses are silently accepted so the
// endpoint cannot be used to probe for accounts; federated accounts have no
// password to reset and are likewise silently skipped.
func (s *MagicLinkService) SendPasswordReset(ctx context.Context, email string) error {
	user, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if user.Provider != "" {
		return nil
	}

	token, err := s.issue(ctx, user, db.MagicLinkPasswordReset, resetTTL)
	if err != nil {
		return err
	}
	link := fmt.Sprintf("%s/reset-password?token=%s", s.appURL, url.QueryEscape(token))
	return s.mail.SendPasswordReset(ctx, user.Email, link)
}

// ConsumeVerification redeems a verification token and marks the user's
// email verified.
func (s *MagicLinkService) ConsumeVerification(ctx context.Context, token string) (*db.User, error) {
	record, err := s.consume(ctx, token, db.MagicLinkEmailVerification)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		return nil, fmt.Errorf("auth: load user for verification: %w", err)
	}
	if !user.EmailVerified {
		user.EmailVerified = true
		if err := s.users.Update(ctx, user); err != nil {
			return nil, err
		}
	}

	s.logger.Info("email verified", zap.String("user_id", user.ID.String()))
	return user, nil
}

// ConsumeReset redeems a reset token, sets the new password, and revokes
// every session the user had.
func (s *MagicLinkService) ConsumeReset(ctx context.Context, token, newPassword string) (*db.User, error) {
	record, err := s.consume(ctx, token, db.MagicLinkPasswordReset)
	if err != nil {
		return nil, err
	}

	if err := s.auth.SetPassword(ctx, record.UserID, newPassword); err != nil {
		return nil, err
	}
	if err := s.sessions.DeleteByUser(ctx, record.UserID); err != nil {
		s.logger.Error("failed to revoke sessions after password reset", zap.Error(err))
	}

	user, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		return nil, fmt.Errorf("auth: load user after reset: %w", err)
	}

	s.logger.Info("password reset completed", zap.String("user_id", user.ID.String()))
	return user, nil
}

func (s *MagicLinkService) issue(ctx context.Context, user *db.User, tokenType string, ttl time.Duration) (string, error) {
	if err := s.links.InvalidateForUser(ctx, user.ID, tokenType); err != nil {
		return "", err
	}

	token, err := crypto.RandomToken(magicLinkTokenBytes)
	if err != nil {
		return "", fmt.Errorf("auth: generate magic-link token: %w", err)
	}
	hash, err := crypto.HashToken(token)
	if err != nil {
		return "", fmt.Errorf("auth: hash magic-link token: %w", err)
	}

	if err := s.links.Create(ctx, &db.MagicLinkToken{
		UserID:    user.ID,
		TokenHash: hash,
		Type:      tokenType,
		ExpiresAt: time.Now().Add(ttl),
	}); err != nil {
		return "", err
	}
	return token, nil
}

// consume finds the stored token matching the presented value and marks it
// used. Every candidate hash is checked even after a match is found, so the
// scan takes the same time whether or not the token is valid.
func (s *MagicLinkService) consume(ctx context.Context, token, tokenType string) (*db.MagicLinkToken, error) {
	candidates, err := s.links.ListUnusedByType(ctx, tokenType)
	if err != nil {
		return nil, err
	}

	var matched *db.MagicLinkToken
	for i := range candidates {
		if crypto.VerifyToken(token, candidates[i].TokenHash) && matched == nil {
			matched = &candidates[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidMagicLink
	}

	if err := s.links.MarkUsed(ctx, matched.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost a race with a concurrent consumption.
			return nil, ErrInvalidMagicLink
		}
		return nil, err
	}
	return matched, nil
}
