package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/koauth-io/koauth/internal/db"
)

// gormRefreshTokenRepository is the GORM implementation of
// RefreshTokenRepository.
type gormRefreshTokenRepository struct {
	db *gorm.DB
}

// NewRefreshTokenRepository returns a RefreshTokenRepository backed by the
// provided *gorm.DB.
func NewRefreshTokenRepository(db *gorm.DB) RefreshTokenRepository {
	return &gormRefreshTokenRepository{db: db}
}

// Create inserts a new refresh token record.
func (r *gormRefreshTokenRepository) Create(ctx context.Context, token *db.OAuthRefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("refresh tokens: create: %w", err)
	}
	return nil
}

// GetByID retrieves a refresh token by its id (the JWT's jti claim).
func (r *gormRefreshTokenRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.OAuthRefreshToken, error) {
	var token db.OAuthRefreshToken
	err := r.db.WithContext(ctx).First(&token, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("refresh tokens: get by id: %w", err)
	}
	return &token, nil
}

// ConsumeForRotation atomically revokes the token identified by id so the
// caller can mint its successor. The revoke is a conditional UPDATE: only one
// rotation of a given token can ever succeed. If the token was already
// revoked, its presentation is reuse — the entire family is revoked in the
// same transaction and ErrTokenReused is returned with the record so the
// caller knows which user to alert.
func (r *gormRefreshTokenRepository) ConsumeForRotation(ctx context.Context, id uuid.UUID) (*db.OAuthRefreshToken, error) {
	var record db.OAuthRefreshToken

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&db.OAuthRefreshToken{}).
			Where("id = ? AND revoked = ? AND expires_at > ?", id, false, time.Now()).
			Update("revoked", true)
		if result.Error != nil {
			return fmt.Errorf("refresh tokens: consume: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			err := tx.First(&record, "id = ? AND revoked = ?", id, true).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return fmt.Errorf("refresh tokens: consume lookup: %w", err)
			}
			// Revoked token presented again: burn the whole family.
			if err := tx.Model(&db.OAuthRefreshToken{}).
				Where("family_id = ?", record.FamilyID).
				Update("revoked", true).Error; err != nil {
				return fmt.Errorf("refresh tokens: revoke family on reuse: %w", err)
			}
			return ErrTokenReused
		}

		if err := tx.First(&record, "id = ?", id).Error; err != nil {
			return fmt.Errorf("refresh tokens: consume reload: %w", err)
		}
		return nil
	})

	if errors.Is(err, ErrTokenReused) {
		return &record, ErrTokenReused
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// RevokeFamily revokes every token descending from one original grant.
func (r *gormRefreshTokenRepository) RevokeFamily(ctx context.Context, familyID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Model(&db.OAuthRefreshToken{}).
		Where("family_id = ?", familyID).
		Update("revoked", true).Error; err != nil {
		return fmt.Errorf("refresh tokens: revoke family: %w", err)
	}
	return nil
}

// RevokeByClientAndUser revokes every refresh token a client holds for one
// user. Used when an authorization-code replay is detected.
func (r *gormRefreshTokenRepository) RevokeByClientAndUser(ctx context.Context, clientID string, userID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Model(&db.OAuthRefreshToken{}).
		Where("client_id = ? AND user_id = ?", clientID, userID).
		Update("revoked", true).Error; err != nil {
		return fmt.Errorf("refresh tokens: revoke by client and user: %w", err)
	}
	return nil
}

// DeleteExpired permanently removes expired refresh tokens.
// Called periodically by the janitor.
func (r *gormRefreshTokenRepository) DeleteExpired(ctx context.Context) error {
	if err := r.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&db.OAuthRefreshToken{}).Error; err != nil {
		return fmt.Errorf("refresh tokens: delete expired: %w", err)
	}
	return nil
}
