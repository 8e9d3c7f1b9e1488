package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/koauth-io/koauth/internal/db"
)

// gormAuthorizationCodeRepository is the GORM implementation of
// AuthorizationCodeRepository.
type gormAuthorizationCodeRepository struct {
	db *gorm.DB
}

// NewAuthorizationCodeRepository returns an AuthorizationCodeRepository backed
// by the provided *gorm.DB.
func NewAuthorizationCodeRepository(db *gorm.DB) AuthorizationCodeRepository {
	return &gormAuthorizationCodeRepository{db: db}
}

// Create inserts a new authorization code record.
func (r *gormAuthorizationCodeRepository) Create(ctx context.Context, code *db.AuthorizationCode) error {
	if err := r.db.WithContext(ctx).Create(code).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("codes: create: %w", err)
	}
	return nil
}

// Consume atomically claims an authorization code. The claim is a single
// conditional UPDATE, so exactly one caller can win even under concurrent
// exchange attempts. A code that lost the race (or was consumed earlier)
// comes back with ErrCodeReplayed and its record so the caller can revoke
// whatever the first exchange issued.
func (r *gormAuthorizationCodeRepository) Consume(ctx context.Context, code string) (*db.AuthorizationCode, error) {
	var record db.AuthorizationCode

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&db.AuthorizationCode{}).
			Where("code = ? AND used = ? AND expires_at > ?", code, false, time.Now()).
			Update("used", true)
		if result.Error != nil {
			return fmt.Errorf("codes: consume: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			// Distinguish a replayed code from one that is unknown or expired.
			err := tx.First(&record, "code = ? AND used = ?", code, true).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return fmt.Errorf("codes: consume lookup: %w", err)
			}
			return ErrCodeReplayed
		}

		if err := tx.First(&record, "code = ?", code).Error; err != nil {
			return fmt.Errorf("codes: consume reload: %w", err)
		}
		return nil
	})

	if errors.Is(err, ErrCodeReplayed) {
		return &record, ErrCodeReplayed
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// DeleteExpired permanently removes expired and used authorization codes.
// Called periodically by the janitor.
func (r *gormAuthorizationCodeRepository) DeleteExpired(ctx context.Context) error {
	if err := r.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&db.AuthorizationCode{}).Error; err != nil {
		return fmt.Errorf("codes: delete expired: %w", err)
	}
	return nil
}
