// Package store defines the persistence interfaces for the authorization
// server and their GORM implementations. Uniqueness guarantees (email,
// client_id, code, API-key prefix) and the single-success semantics of
// authorization-code consumption and refresh-token rotation are enforced
// here, not by callers.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/koauth-io/koauth/internal/db"
)

// Sentinel errors returned by repositories. Callers use errors.Is.
var (
	// ErrNotFound is returned when no record matches the given identifier.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an insert violates a uniqueness
	// constraint (duplicate email, client_id, API-key name or prefix).
	ErrConflict = errors.New("store: conflict")

	// ErrCodeReplayed is returned by Consume when an authorization code is
	// presented a second time. The already-used record is returned alongside
	// so the caller can revoke the tokens issued under the first exchange.
	ErrCodeReplayed = errors.New("store: authorization code replayed")

	// ErrTokenReused is returned by ConsumeForRotation when a refresh token
	// that was already rotated out is presented again. The token's entire
	// family is revoked in the same transaction that detects the reuse.
	ErrTokenReused = errors.New("store: refresh token reused")
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// UserRepository persists users, the aggregate root for sessions, API keys,
// and magic-link tokens.
type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	GetByProviderAccount(ctx context.Context, provider, accountID string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error

	// Delete removes the user and cascades to their sessions, API keys, and
	// magic-link tokens in one transaction.
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// SessionRepository persists browser sessions keyed by their opaque id.
type SessionRepository interface {
	Create(ctx context.Context, session *db.Session) error
	GetByID(ctx context.Context, id string) (*db.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// ClientRepository persists OAuth clients, the aggregate root for
// authorization codes and refresh tokens.
type ClientRepository interface {
	Create(ctx context.Context, client *db.OAuthClient) error
	GetByClientID(ctx context.Context, clientID string) (*db.OAuthClient, error)
	Update(ctx context.Context, client *db.OAuthClient) error

	// Delete removes the client and cascades to its authorization codes and
	// refresh tokens in one transaction.
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, opts ListOptions) ([]db.OAuthClient, int64, error)
}

// AuthorizationCodeRepository persists one-shot authorization codes.
type AuthorizationCodeRepository interface {
	Create(ctx context.Context, code *db.AuthorizationCode) error

	// Consume atomically claims an authorization code: the record is
	// returned only if it exists, has not expired, and was not used before,
	// and it is marked used in the same transaction. Under concurrency
	// exactly one caller succeeds. A code that exists but was already used
	// returns the record with ErrCodeReplayed; everything else that fails
	// the claim returns ErrNotFound.
	Consume(ctx context.Context, code string) (*db.AuthorizationCode, error)

	DeleteExpired(ctx context.Context) error
}

// RefreshTokenRepository persists OAuth refresh tokens keyed by jti.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.OAuthRefreshToken) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.OAuthRefreshToken, error)

	// ConsumeForRotation atomically revokes the token identified by id and
	// returns its record, so the caller can mint the successor. Presenting a
	// token that is already revoked is reuse: the whole family is revoked in
	// the same transaction and ErrTokenReused is returned. Expired or
	// missing tokens return ErrNotFound.
	ConsumeForRotation(ctx context.Context, id uuid.UUID) (*db.OAuthRefreshToken, error)

	RevokeFamily(ctx context.Context, familyID uuid.UUID) error

	// RevokeByClientAndUser revokes every refresh token a client holds for
	// one user. Used when an authorization-code replay is detected.
	RevokeByClientAndUser(ctx context.Context, clientID string, userID uuid.UUID) error

	DeleteExpired(ctx context.Context) error
}

// ApiKeyRepository persists personal API keys.
type ApiKeyRepository interface {
	Create(ctx context.Context, key *db.UserApiKey) error
	GetByPrefix(ctx context.Context, prefix string) (*db.UserApiKey, error)
	GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*db.UserApiKey, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.UserApiKey, error)
	CountByUser(ctx context.Context, userID uuid.UUID) (int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
}

// MagicLinkRepository persists single-use email tokens.
type MagicLinkRepository interface {
	Create(ctx context.Context, token *db.MagicLinkToken) error

	// ListUnusedByType returns the unused, non-expired tokens of one type.
	// The caller verifies the presented value against each stored hash.
	ListUnusedByType(ctx context.Context, tokenType string) ([]db.MagicLinkToken, error)

	MarkUsed(ctx context.Context, id uuid.UUID) error
	InvalidateForUser(ctx context.Context, userID uuid.UUID, tokenType string) error
	DeleteExpired(ctx context.Context) error
}

// isUniqueViolation reports whether err is a uniqueness-constraint failure.
// GORM's error translation covers Postgres; the string checks catch the
// SQLite driver's untranslated form.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
