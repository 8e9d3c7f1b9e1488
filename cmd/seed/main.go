// Package main implements a one-shot seed command that creates an admin user
// and, optionally, a trusted first-party OAuth client directly in the koauth
// database.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --email admin@example.com \
//	  --password secret \
//	  --client-name "Dashboard" \
//	  --redirect-uri https://app.example.com/callback
//
// Environment variables:
//
//	DATABASE_URL     SQLite file path or Postgres DSN (default: ./koauth.db)
//	DATABASE_DRIVER  sqlite or postgres (default: sqlite)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/koauth-io/koauth/internal/crypto"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/oauth"
	"github.com/koauth-io/koauth/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	email := flag.String("email", "", "Admin email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	clientName := flag.String("client-name", "", "Name of a trusted first-party client to create (optional)")
	redirectURI := flag.String("redirect-uri", "", "Redirect URI for the trusted client")
	flag.Parse()

	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	if *clientName != "" && *redirectURI == "" {
		return fmt.Errorf("--redirect-uri is required with --client-name")
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   envOrDefault("DATABASE_DRIVER", "sqlite"),
		DSN:      envOrDefault("DATABASE_URL", "./koauth.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	stores := store.New(database)
	ctx := context.Background()

	hashed, err := crypto.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := &db.User{
		Email:         *email,
		PasswordHash:  hashed,
		EmailVerified: true,
		IsAdmin:       true,
	}
	if err := stores.Users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("a user with email %q already exists", *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("✓ Admin user created\n")
	fmt.Printf("  ID:    %s\n", user.ID)
	fmt.Printf("  Email: %s\n", user.Email)

	if *clientName == "" {
		return nil
	}

	registrar := oauth.NewRegistrationService(stores.Clients, false, logger)
	reg, err := registrar.Register(ctx, &oauth.RegistrationRequest{
		ClientName:   *clientName,
		RedirectURIs: []string{*redirectURI},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scope:        "openid profile email offline_access",
	})
	if err != nil {
		return fmt.Errorf("register client: %w", err)
	}

	// First-party clients skip the consent screen.
	reg.Client.Trusted = true
	if err := stores.Clients.Update(ctx, reg.Client); err != nil {
		return fmt.Errorf("mark client trusted: %w", err)
	}

	fmt.Printf("✓ Trusted client created\n")
	fmt.Printf("  Client ID:     %s\n", reg.Client.ClientID)
	fmt.Printf("  Client secret: %s (store it now, it is not shown again)\n", reg.Secret)
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
