package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/koauth-io/koauth/internal/db"
)

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided *gorm.DB.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

// Create inserts a new user record. Duplicate email or federated identity
// pair returns ErrConflict.
func (r *gormUserRepository) Create(ctx context.Context, user *db.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

// GetByID retrieves a user by its UUID. Returns ErrNotFound if no record exists.
func (r *gormUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

// GetByEmail retrieves a user by case-folded email address.
func (r *gormUserRepository) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by email: %w", err)
	}
	return &user, nil
}

// GetByProviderAccount retrieves a user by federated provider and provider
// account id.
func (r *gormUserRepository) GetByProviderAccount(ctx context.Context, provider, accountID string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).
		First(&user, "provider = ? AND provider_account_id = ?", provider, accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by provider account: %w", err)
	}
	return &user, nil
}

// Update persists changes to an existing user record.
func (r *gormUserRepository) Update(ctx context.Context, user *db.User) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a user and cascades to their sessions, API keys, and
// magic-link tokens in one transaction.
func (r *gormUserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&db.Session{}, "user_id = ?", id).Error; err != nil {
			return fmt.Errorf("users: delete sessions: %w", err)
		}
		if err := tx.Delete(&db.UserApiKey{}, "user_id = ?", id).Error; err != nil {
			return fmt.Errorf("users: delete api keys: %w", err)
		}
		if err := tx.Delete(&db.MagicLinkToken{}, "user_id = ?", id).Error; err != nil {
			return fmt.Errorf("users: delete magic-link tokens: %w", err)
		}

		result := tx.Delete(&db.User{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("users: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// List returns a paginated list of users and the total count.
func (r *gormUserRepository) List(ctx context.Context, opts ListOptions) ([]db.User, int64, error) {
	var users []db.User
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.User{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list: %w", err)
	}

	return users, total, nil
}
