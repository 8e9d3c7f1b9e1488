// Package session manages browser login sessions. A session is an opaque
// random id stored in a cookie plus a rotating refresh token; only the scrypt
// hash of the refresh token is persisted, so a database leak exposes neither
// credential in usable form.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/crypto"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/store"
)

const (
	sessionIDBytes    = 16
	refreshTokenBytes = 32

	// DefaultTTL is the sliding session lifetime.
	DefaultTTL = 7 * 24 * time.Hour
)

var (
	// ErrInvalidSession is returned when a session id is unknown or expired.
	ErrInvalidSession = errors.New("session: invalid session")

	// ErrRefreshMismatch is returned when a refresh token does not match the
	// session's stored hash. All of the user's sessions are destroyed before
	// this error is returned, since a mismatch on a valid session id means
	// either the cookie or the token was stolen.
	ErrRefreshMismatch = errors.New("session: refresh token mismatch")
)

// Session is a live browser session together with the plaintext refresh
// token, which exists only in memory at creation and rotation time.
type Session struct {
	ID           string
	UserID       uuid.UUID
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Manager creates, validates, rotates, and revokes sessions.
type Manager struct {
	sessions store.SessionRepository
	ttl      time.Duration
	logger   *zap.Logger
}

// NewManager creates a session manager. A zero ttl falls back to DefaultTTL.
func NewManager(sessions store.SessionRepository, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		sessions: sessions,
		ttl:      ttl,
		logger:   logger.Named("session"),
	}
}

// TTL returns the configured session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create establishes a new session for a user. ClientIP and userAgent are
// recorded for audit display only and never used for authorization.
func (m *Manager) Create(ctx context.Context, userID uuid.UUID, clientIP, userAgent string) (*Session, error) {
	id, err := crypto.RandomToken(sessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("session: generate id: %w", err)
	}
	refresh, err := crypto.RandomToken(refreshTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("session: generate refresh token: %w", err)
	}
	hash, err := crypto.HashToken(refresh)
	if err != nil {
		return nil, fmt.Errorf("session: hash refresh token: %w", err)
	}

	now := time.Now()
	record := &db.Session{
		ID:               id,
		UserID:           userID,
		RefreshTokenHash: hash,
		ExpiresAt:        now.Add(m.ttl),
		ClientIP:         clientIP,
		UserAgent:        userAgent,
		CreatedAt:        now,
	}
	if err := m.sessions.Create(ctx, record); err != nil {
		return nil, err
	}

	m.logger.Debug("session created", zap.String("user_id", userID.String()))

	return &Session{
		ID:           id,
		UserID:       userID,
		RefreshToken: refresh,
		ExpiresAt:    record.ExpiresAt,
		CreatedAt:    now,
	}, nil
}

// Validate resolves a session id to its record. Expired sessions are deleted
// on sight and reported as invalid.
func (m *Manager) Validate(ctx context.Context, id string) (*db.Session, error) {
	record, err := m.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, err
	}

	if time.Now().After(record.ExpiresAt) {
		if err := m.sessions.Delete(ctx, id); err != nil {
			m.logger.Warn("failed to delete expired session", zap.Error(err))
		}
		return nil, ErrInvalidSession
	}

	return record, nil
}

// Refresh rotates a session: the presented refresh token is verified against
// the stored hash, the old session row is replaced by a new one with a fresh
// id, refresh token, and sliding expiry. A token that does not match the hash
// of a live session is treated as evidence of theft and every session the
// user has is destroyed.
func (m *Manager) Refresh(ctx context.Context, id, refreshToken string) (*Session, error) {
	record, err := m.Validate(ctx, id)
	if err != nil {
		return nil, err
	}

	if !crypto.VerifyToken(refreshToken, record.RefreshTokenHash) {
		m.logger.Warn("session refresh token mismatch, revoking all user sessions",
			zap.String("user_id", record.UserID.String()))
		if err := m.sessions.DeleteByUser(ctx, record.UserID); err != nil {
			m.logger.Error("failed to revoke user sessions", zap.Error(err))
		}
		return nil, ErrRefreshMismatch
	}

	if err := m.sessions.Delete(ctx, id); err != nil {
		return nil, err
	}
	return m.Create(ctx, record.UserID, record.ClientIP, record.UserAgent)
}

// Revoke destroys a single session. Unknown ids are a no-op.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	return m.sessions.Delete(ctx, id)
}

// RevokeAll destroys every session a user has. Used on password reset and
// "log out everywhere".
func (m *Manager) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	return m.sessions.DeleteByUser(ctx, userID)
}
