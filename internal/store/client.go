package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/koauth-io/koauth/internal/db"
)

// gormClientRepository is the GORM implementation of ClientRepository.
type gormClientRepository struct {
	db *gorm.DB
}

// NewClientRepository returns a ClientRepository backed by the provided *gorm.DB.
func NewClientRepository(db *gorm.DB) ClientRepository {
	return &gormClientRepository{db: db}
}

// Create inserts a new OAuth client. Duplicate client_id returns ErrConflict.
func (r *gormClientRepository) Create(ctx context.Context, client *db.OAuthClient) error {
	if err := r.db.WithContext(ctx).Create(client).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("clients: create: %w", err)
	}
	return nil
}

// GetByClientID retrieves a client by its public client_id.
func (r *gormClientRepository) GetByClientID(ctx context.Context, clientID string) (*db.OAuthClient, error) {
	var client db.OAuthClient
	err := r.db.WithContext(ctx).First(&client, "client_id = ?", clientID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("clients: get by client_id: %w", err)
	}
	return &client, nil
}

// Update persists changes to an existing client record.
func (r *gormClientRepository) Update(ctx context.Context, client *db.OAuthClient) error {
	result := r.db.WithContext(ctx).Save(client)
	if result.Error != nil {
		return fmt.Errorf("clients: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a client and cascades to its authorization codes and
// refresh tokens in one transaction.
func (r *gormClientRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var client db.OAuthClient
		if err := tx.First(&client, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("clients: load for delete: %w", err)
		}

		if err := tx.Delete(&db.AuthorizationCode{}, "client_id = ?", client.ClientID).Error; err != nil {
			return fmt.Errorf("clients: delete authorization codes: %w", err)
		}
		if err := tx.Delete(&db.OAuthRefreshToken{}, "client_id = ?", client.ClientID).Error; err != nil {
			return fmt.Errorf("clients: delete refresh tokens: %w", err)
		}
		if err := tx.Delete(&db.OAuthClient{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("clients: delete: %w", err)
		}
		return nil
	})
}

// List returns a paginated list of clients and the total count.
func (r *gormClientRepository) List(ctx context.Context, opts ListOptions) ([]db.OAuthClient, int64, error) {
	var clients []db.OAuthClient
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.OAuthClient{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("clients: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&clients).Error; err != nil {
		return nil, 0, fmt.Errorf("clients: list: %w", err)
	}

	return clients, total, nil
}
