package store

import "gorm.io/gorm"

// Stores bundles every repository over one shared *gorm.DB connection.
type Stores struct {
	Users         UserRepository
	Sessions      SessionRepository
	Clients       ClientRepository
	Codes         AuthorizationCodeRepository
	RefreshTokens RefreshTokenRepository
	ApiKeys       ApiKeyRepository
	MagicLinks    MagicLinkRepository
}

// New creates all repositories backed by the given database connection.
func New(database *gorm.DB) *Stores {
	return &Stores{
		Users:         NewUserRepository(database),
		Sessions:      NewSessionRepository(database),
		Clients:       NewClientRepository(database),
		Codes:         NewAuthorizationCodeRepository(database),
		RefreshTokens: NewRefreshTokenRepository(database),
		ApiKeys:       NewApiKeyRepository(database),
		MagicLinks:    NewMagicLinkRepository(database),
	}
}
