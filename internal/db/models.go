package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all UUID-keyed models. It must
// stay exported: GORM ignores unexported embedded structs, which would strip
// the id and timestamps out of every generated statement.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// User is the aggregate root for sessions, API keys, and magic-link tokens.
// Email is stored case-folded and unique. PasswordHash is always present —
// accounts created through federated login get a random opaque hash so the
// password path can never succeed for them.
type User struct {
	Base
	Email         string `gorm:"uniqueIndex;not null"`
	PasswordHash  string `gorm:"not null"`
	EmailVerified bool   `gorm:"not null;default:false"`
	IsAdmin       bool   `gorm:"not null;default:false"`

	// Provider and ProviderAccountID identify a linked federated identity
	// ("google" or "github" plus the provider's stable account id). The pair
	// is unique when present; both are empty for password-only accounts.
	Provider          string `gorm:"not null;default:''"`
	ProviderAccountID string `gorm:"not null;default:''"`
}

// Session is a browser login backed by an opaque id (cookie value) and a
// hashed refresh token. The id is the primary key — it is itself the
// high-entropy secret, so no surrogate UUID is needed. A session owns
// exactly one refresh token at any instant; rotation replaces the whole row.
type Session struct {
	ID               string    `gorm:"primaryKey"`
	UserID           uuid.UUID `gorm:"type:text;not null;index"`
	RefreshTokenHash string    `gorm:"not null"`
	ExpiresAt        time.Time `gorm:"not null;index"`
	ClientIP         string    `gorm:"not null;default:''"`
	UserAgent        string    `gorm:"not null;default:''"`
	CreatedAt        time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// OAuth clients and their artifacts
// -----------------------------------------------------------------------------

// OAuthClient is a registered OAuth 2.1 client and the aggregate root for
// authorization codes and refresh tokens. Only the scrypt hash of the client
// secret is stored; the plaintext is returned once at registration.
// RedirectURIs, GrantTypes, and ResponseTypes are JSON-encoded string arrays;
// Scopes is the space-separated form used on the wire.
type OAuthClient struct {
	Base
	ClientID                string `gorm:"uniqueIndex;not null"`
	SecretHash              string `gorm:"not null;default:''"`
	Name                    string `gorm:"not null"`
	Description             string `gorm:"not null;default:''"`
	RedirectURIs            string `gorm:"type:text;not null"`
	GrantTypes              string `gorm:"type:text;not null"`
	ResponseTypes           string `gorm:"type:text;not null"`
	Scopes                  string `gorm:"not null"`
	TokenEndpointAuthMethod string `gorm:"not null;default:'client_secret_post'"`
	Trusted                 bool   `gorm:"not null;default:false"`
	Active                  bool   `gorm:"not null;default:true"`
	LogoURI                 string `gorm:"not null;default:''"`
	ClientURI               string `gorm:"not null;default:''"`
}

// TableName pins the table; GORM's naming strategy would split the OAuth
// prefix into "o_auth_clients".
func (OAuthClient) TableName() string { return "oauth_clients" }

// RedirectURIList decodes the JSON-encoded redirect URI array.
func (c *OAuthClient) RedirectURIList() []string {
	return decodeStringList(c.RedirectURIs)
}

// GrantTypeList decodes the JSON-encoded grant type array.
func (c *OAuthClient) GrantTypeList() []string {
	return decodeStringList(c.GrantTypes)
}

// ResponseTypeList decodes the JSON-encoded response type array.
func (c *OAuthClient) ResponseTypeList() []string {
	return decodeStringList(c.ResponseTypes)
}

// Public reports whether the client authenticates without a secret.
func (c *OAuthClient) Public() bool {
	return c.TokenEndpointAuthMethod == "none"
}

func decodeStringList(encoded string) []string {
	var list []string
	if err := json.Unmarshal([]byte(encoded), &list); err != nil {
		return nil
	}
	return list
}

// EncodeStringList is the inverse of the list accessors above, used when
// building client records.
func EncodeStringList(list []string) string {
	if list == nil {
		list = []string{}
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

// AuthorizationCode is a one-shot credential minted by the authorize
// endpoint and redeemed at the token endpoint. Used stays true forever after
// the first exchange attempt; a second attempt is a replay signal.
// RedirectURI is stored exactly as presented for the byte-exact bound check.
type AuthorizationCode struct {
	Base
	Code                string    `gorm:"uniqueIndex;not null"`
	ClientID            string    `gorm:"not null;index"`
	UserID              uuid.UUID `gorm:"type:text;not null"`
	RedirectURI         string    `gorm:"not null"`
	Scopes              string    `gorm:"not null"`
	Nonce               string    `gorm:"not null;default:''"`
	ExpiresAt           time.Time `gorm:"not null;index"`
	CodeChallenge       string    `gorm:"not null;default:''"`
	CodeChallengeMethod string    `gorm:"not null;default:''"`
	Used                bool      `gorm:"not null;default:false"`
}

// OAuthRefreshToken records a refresh token issued by the token endpoint.
// The row id equals the token's jti claim, which is how presented tokens are
// located; TokenHash binds the row to the exact token string. FamilyID links
// every token descended from one authorization-code exchange, so detecting
// reuse of a rotated-out token can revoke the entire lineage.
type OAuthRefreshToken struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	TokenHash string    `gorm:"not null"`
	ClientID  string    `gorm:"not null;index"`
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	Scopes    string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	Revoked   bool      `gorm:"not null;default:false"`
	FamilyID  uuid.UUID `gorm:"type:text;not null;index"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName pins the table; GORM's naming strategy would split the OAuth
// prefix into "o_auth_refresh_tokens".
func (OAuthRefreshToken) TableName() string { return "oauth_refresh_tokens" }

// -----------------------------------------------------------------------------
// API keys & magic links
// -----------------------------------------------------------------------------

// UserApiKey is a long-lived programmatic credential. The visible form is
// "koa_<prefix>_<secret>"; the prefix is stored in clear for lookup and is
// globally unique, the secret only as a scrypt hash. Name is unique per user.
type UserApiKey struct {
	Base
	UserID     uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_api_key_user_name"`
	Name       string    `gorm:"not null;uniqueIndex:idx_api_key_user_name"`
	Prefix     string    `gorm:"uniqueIndex;not null"`
	KeyHash    string    `gorm:"not null"`
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
}

// MagicLinkToken is a single-use, type-scoped, expiring token delivered by
// email. Consumption iterates the unused tokens of one type and verifies the
// presented value against each hash, so no plaintext lookup key is stored.
type MagicLinkToken struct {
	Base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null"`
	Type      string    `gorm:"not null;index"`
	ExpiresAt time.Time `gorm:"not null;index"`
	Used      bool      `gorm:"not null;default:false"`
}

// Magic-link token types.
const (
	MagicLinkEmailVerification = "email_verification"
	MagicLinkPasswordReset     = "password_reset"
)
