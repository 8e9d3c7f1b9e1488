package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/crypto"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/store"
)

const (
	// apiKeyScheme is the fixed leading segment of every API key.
	apiKeyScheme = "koa"

	apiKeyPrefixBytes = 3  // 6 hex chars
	apiKeySecretBytes = 32 // base64url, ~43 chars

	// maxKeysPerUser caps how many keys one user may hold at once.
	maxKeysPerUser = 10
)

// ApiKeyService manages personal API keys. The visible form of a key is
// "koa_<prefix>_<secret>": the prefix is a public lookup handle, the secret
// is stored only as a scrypt hash.
type ApiKeyService struct {
	keys   store.ApiKeyRepository
	logger *zap.Logger
}

// NewApiKeyService creates the API key service.
func NewApiKeyService(keys store.ApiKeyRepository, logger *zap.Logger) *ApiKeyService {
	return &ApiKeyService{keys: keys, logger: logger.Named("apikey")}
}

// Create mints a new API key for a user. The plaintext key is returned
// exactly once; afterwards only the prefix is recoverable.
func (s *ApiKeyService) Create(ctx context.Context, userID uuid.UUID, name string, expiresAt *time.Time) (*db.UserApiKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("auth: api key name is required")
	}
	if expiresAt != nil && expiresAt.Before(time.Now()) {
		return nil, "", fmt.Errorf("auth: api key expiry is in the past")
	}

	count, err := s.keys.CountByUser(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if count >= maxKeysPerUser {
		return nil, "", ErrKeyLimitReached
	}

	prefix, err := crypto.RandomHex(apiKeyPrefixBytes)
	if err != nil {
		return nil, "", fmt.Errorf("auth: generate key prefix: %w", err)
	}
	secret, err := crypto.RandomToken(apiKeySecretBytes)
	if err != nil {
		return nil, "", fmt.Errorf("auth: generate key secret: %w", err)
	}
	hash, err := crypto.HashToken(secret)
	if err != nil {
		return nil, "", fmt.Errorf("auth: hash key secret: %w", err)
	}

	record := &db.UserApiKey{
		UserID:    userID,
		Name:      name,
		Prefix:    prefix,
		KeyHash:   hash,
		ExpiresAt: expiresAt,
	}
	if err := s.keys.Create(ctx, record); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, "", ErrKeyNameTaken
		}
		return nil, "", err
	}

	s.logger.Info("api key created",
		zap.String("user_id", userID.String()),
		zap.String("prefix", prefix))

	plaintext := fmt.Sprintf("%s_%s_%s", apiKeyScheme, prefix, secret)
	return record, plaintext, nil
}

// Verify resolves a presented API key to its record. Malformed keys, unknown
// prefixes, expired keys, and hash mismatches all return ErrUnauthenticated.
func (s *ApiKeyService) Verify(ctx context.Context, presented string) (*db.UserApiKey, error) {
	parts := strings.SplitN(presented, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyScheme || parts[1] == "" || parts[2] == "" {
		return nil, ErrUnauthenticated
	}
	prefix, secret := parts[1], parts[2]

	key, err := s.keys.GetByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}

	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrUnauthenticated
	}
	if !crypto.VerifyToken(secret, key.KeyHash) {
		return nil, ErrUnauthenticated
	}

	if err := s.keys.TouchLastUsed(ctx, key.ID); err != nil {
		s.logger.Warn("failed to record api key use", zap.Error(err))
	}
	return key, nil
}

// List returns a user's keys, newest first. KeyHash is never exposed by the
// API layer; only prefix and metadata leave the server.
func (s *ApiKeyService) List(ctx context.Context, userID uuid.UUID) ([]db.UserApiKey, error) {
	return s.keys.ListByUser(ctx, userID)
}

// Delete removes a key, scoped to its owner so one user cannot delete
// another user's key by id.
func (s *ApiKeyService) Delete(ctx context.Context, userID, keyID uuid.UUID) error {
	key, err := s.keys.GetByIDForUser(ctx, keyID, userID)
	if err != nil {
		return err
	}
	return s.keys.Delete(ctx, key.ID)
}
