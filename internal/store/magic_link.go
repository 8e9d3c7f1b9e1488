package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/koauth-io/koauth/internal/db"
)

// gormMagicLinkRepository is the GORM implementation of MagicLinkRepository.
type gormMagicLinkRepository struct {
	db *gorm.DB
}

// NewMagicLinkRepository returns a MagicLinkRepository backed by the provided *gorm.DB.
func NewMagicLinkRepository(db *gorm.DB) MagicLinkRepository {
	return &gormMagicLinkRepository{db: db}
}

// Create inserts a new magic-link token record.
func (r *gormMagicLinkRepository) Create(ctx context.Context, token *db.MagicLinkToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("magic links: create: %w", err)
	}
	return nil
}

// ListUnusedByType returns the unused, non-expired tokens of one type. Tokens
// are stored hashed, so the presented value cannot be looked up directly; the
// caller iterates and verifies against each stored hash.
func (r *gormMagicLinkRepository) ListUnusedByType(ctx context.Context, tokenType string) ([]db.MagicLinkToken, error) {
	var tokens []db.MagicLinkToken
	if err := r.db.WithContext(ctx).
		Where("type = ? AND used = ? AND expires_at > ?", tokenType, false, time.Now()).
		Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("magic links: list unused: %w", err)
	}
	return tokens, nil
}

// MarkUsed marks a token consumed. The conditional update makes consumption
// single-use even under concurrent verification attempts.
func (r *gormMagicLinkRepository) MarkUsed(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&db.MagicLinkToken{}).
		Where("id = ? AND used = ?", id, false).
		Update("used", true)
	if result.Error != nil {
		return fmt.Errorf("magic links: mark used: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InvalidateForUser marks all of a user's outstanding tokens of one type as
// used, so that issuing a new token supersedes previous ones.
func (r *gormMagicLinkRepository) InvalidateForUser(ctx context.Context, userID uuid.UUID, tokenType string) error {
	if err := r.db.WithContext(ctx).Model(&db.MagicLinkToken{}).
		Where("user_id = ? AND type = ? AND used = ?", userID, tokenType, false).
		Update("used", true).Error; err != nil {
		return fmt.Errorf("magic links: invalidate for user: %w", err)
	}
	return nil
}

// DeleteExpired permanently removes expired magic-link tokens.
// Called periodically by the janitor.
func (r *gormMagicLinkRepository) DeleteExpired(ctx context.Context) error {
	if err := r.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&db.MagicLinkToken{}).Error; err != nil {
		return fmt.Errorf("magic links: delete expired: %w", err)
	}
	return nil
}
