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

// gormApiKeyRepository is the GORM implementation of ApiKeyRepository.
type gormApiKeyRepository struct {
	db *gorm.DB
}

// NewApiKeyRepository returns an ApiKeyRepository backed by the provided *gorm.DB.
func NewApiKeyRepository(db *gorm.DB) ApiKeyRepository {
	return &gormApiKeyRepository{db: db}
}

// Create inserts a new API key. Duplicate name for the same user, or a
// prefix collision, returns ErrConflict.
func (r *gormApiKeyRepository) Create(ctx context.Context, key *db.UserApiKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("api keys: create: %w", err)
	}
	return nil
}

// GetByPrefix retrieves an API key by its public prefix, the lookup key
// embedded in the presented credential.
func (r *gormApiKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*db.UserApiKey, error) {
	var key db.UserApiKey
	err := r.db.WithContext(ctx).First(&key, "prefix = ?", prefix).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api keys: get by prefix: %w", err)
	}
	return &key, nil
}

// GetByIDForUser retrieves an API key scoped to its owner, so one user
// cannot address another user's key.
func (r *gormApiKeyRepository) GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*db.UserApiKey, error) {
	var key db.UserApiKey
	err := r.db.WithContext(ctx).First(&key, "id = ? AND user_id = ?", id, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api keys: get by id for user: %w", err)
	}
	return &key, nil
}

// ListByUser returns all API keys owned by a user, newest first.
func (r *gormApiKeyRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.UserApiKey, error) {
	var keys []db.UserApiKey
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("api keys: list by user: %w", err)
	}
	return keys, nil
}

// CountByUser returns the number of API keys a user owns.
func (r *gormApiKeyRepository) CountByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&db.UserApiKey{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("api keys: count by user: %w", err)
	}
	return count, nil
}

// Delete removes an API key by id.
func (r *gormApiKeyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.UserApiKey{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("api keys: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed records the time of a successful authentication with the key.
// Best-effort bookkeeping: failures surface as errors but callers may log and
// continue.
func (r *gormApiKeyRepository) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	if err := r.db.WithContext(ctx).Model(&db.UserApiKey{}).
		Where("id = ?", id).
		Update("last_used_at", &now).Error; err != nil {
		return fmt.Errorf("api keys: touch last used: %w", err)
	}
	return nil
}
