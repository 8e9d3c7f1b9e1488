package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/koauth-io/koauth/internal/db"
)

// gormSessionRepository is the GORM implementation of SessionRepository.
type gormSessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository returns a SessionRepository backed by the provided *gorm.DB.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: db}
}

// Create inserts a new session record.
func (r *gormSessionRepository) Create(ctx context.Context, session *db.Session) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

// GetByID retrieves a session by its opaque id. Returns ErrNotFound if no
// record exists. Expiry is checked by the session manager, not here.
func (r *gormSessionRepository) GetByID(ctx context.Context, id string) (*db.Session, error) {
	var session db.Session
	err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get by id: %w", err)
	}
	return &session, nil
}

// Delete removes a session by id. A missing session is a no-op — the desired
// state (session gone) is already met.
func (r *gormSessionRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&db.Session{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return nil
}

// DeleteByUser removes every session belonging to a user. Used on logout
// everywhere, password reset, and refresh-token reuse detection.
func (r *gormSessionRepository) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.Session{}, "user_id = ?", userID).Error; err != nil {
		return fmt.Errorf("sessions: delete by user: %w", err)
	}
	return nil
}

// DeleteExpired permanently removes all expired sessions.
// Called periodically by the janitor.
func (r *gormSessionRepository) DeleteExpired(ctx context.Context) error {
	if err := r.db.WithContext(ctx).
		Where("expires_at < CURRENT_TIMESTAMP").
		Delete(&db.Session{}).Error; err != nil {
		return fmt.Errorf("sessions: delete expired: %w", err)
	}
	return nil
}
