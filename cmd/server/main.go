package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/api"
	"github.com/koauth-io/koauth/internal/auth"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/keys"
	"github.com/koauth-io/koauth/internal/mailer"
	"github.com/koauth-io/koauth/internal/oauth"
	"github.com/koauth-io/koauth/internal/scheduler"
	"github.com/koauth-io/koauth/internal/session"
	"github.com/koauth-io/koauth/internal/store"
	"github.com/koauth-io/koauth/internal/token"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	host     string
	port     string
	logLevel string
	env      string

	dbDriver string
	dbDSN    string
	dataDir  string

	issuer   string
	appURL   string
	audience string

	jwtPrivateKey     string
	jwtPublicKey      string
	jwtPrivateKeyFile string
	jwtPublicKeyFile  string
	accessTokenTTL    string
	refreshTokenTTL   string

	googleClientID     string
	googleClientSecret string
	googleRedirectURI  string
	githubClientID     string
	githubClientSecret string
	githubRedirectURI  string

	emailFrom    string
	resendAPIKey string
	smtpHost     string
	smtpPort     string
	smtpUsername string
	smtpPassword string

	corsOrigin string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "koauth",
		Short: "koauth — self-hosted OAuth 2.1 / OIDC authorization server",
		Long: `koauth is a self-hosted authorization server: OAuth 2.1 authorization
code flow with PKCE and refresh rotation, OpenID Connect discovery and
ID tokens, dynamic client registration, browser sessions with federated
Google/GitHub login, and personal API keys.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.host, "host", envOrDefault("HOST", "0.0.0.0"), "Listen host")
	f.StringVar(&cfg.port, "port", envOrDefault("PORT", "8080"), "Listen port")
	f.StringVar(&cfg.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	f.StringVar(&cfg.env, "env", envOrDefault("NODE_ENV", "development"), "Environment (development, production, test)")

	f.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("DATABASE_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	f.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("DATABASE_URL", "./koauth.db"), "Database DSN or file path for SQLite")
	f.StringVar(&cfg.dataDir, "data-dir", envOrDefault("DATA_DIR", "./data"), "Directory for generated RSA keys")

	f.StringVar(&cfg.issuer, "issuer", envOrDefault("JWT_ISSUER", "http://localhost:8080"), "External base URL, used as the JWT issuer")
	f.StringVar(&cfg.appURL, "app-url", envOrDefault("APP_URL", ""), "First-party frontend base URL (defaults to the issuer)")
	f.StringVar(&cfg.audience, "jwt-audience", envOrDefault("JWT_AUDIENCE", ""), "Comma-separated access token audiences (defaults to the issuer)")

	f.StringVar(&cfg.jwtPrivateKey, "jwt-private-key", envOrDefault("JWT_PRIVATE_KEY", ""), "PEM RSA private key for JWT signing (optionally base64-wrapped)")
	f.StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("JWT_PUBLIC_KEY", ""), "PEM RSA public key for JWT verification")
	f.StringVar(&cfg.jwtPrivateKeyFile, "jwt-private-key-file", envOrDefault("JWT_PRIVATE_KEY_FILE", ""), "Path to the PEM RSA private key")
	f.StringVar(&cfg.jwtPublicKeyFile, "jwt-public-key-file", envOrDefault("JWT_PUBLIC_KEY_FILE", ""), "Path to the PEM RSA public key")
	f.StringVar(&cfg.accessTokenTTL, "access-token-ttl", envOrDefault("JWT_EXPIRES_IN", "15m"), "Access token lifetime (supports a d suffix)")
	f.StringVar(&cfg.refreshTokenTTL, "refresh-token-ttl", envOrDefault("REFRESH_TOKEN_EXPIRES_IN", "30d"), "Refresh token lifetime (supports a d suffix)")

	f.StringVar(&cfg.googleClientID, "google-client-id", envOrDefault("GOOGLE_CLIENT_ID", ""), "Google OAuth client id")
	f.StringVar(&cfg.googleClientSecret, "google-client-secret", envOrDefault("GOOGLE_CLIENT_SECRET", ""), "Google OAuth client secret")
	f.StringVar(&cfg.googleRedirectURI, "google-redirect-uri", envOrDefault("GOOGLE_REDIRECT_URI", ""), "Google OAuth callback URL")
	f.StringVar(&cfg.githubClientID, "github-client-id", envOrDefault("GITHUB_CLIENT_ID", ""), "GitHub OAuth client id")
	f.StringVar(&cfg.githubClientSecret, "github-client-secret", envOrDefault("GITHUB_CLIENT_SECRET", ""), "GitHub OAuth client secret")
	f.StringVar(&cfg.githubRedirectURI, "github-redirect-uri", envOrDefault("GITHUB_REDIRECT_URI", ""), "GitHub OAuth callback URL")

	f.StringVar(&cfg.emailFrom, "email-from", envOrDefault("EMAIL_FROM", ""), "From address for outgoing email")
	f.StringVar(&cfg.resendAPIKey, "resend-api-key", envOrDefault("RESEND_API_KEY", ""), "Resend API key (preferred email sender)")
	f.StringVar(&cfg.smtpHost, "smtp-host", envOrDefault("SMTP_HOST", ""), "SMTP relay host")
	f.StringVar(&cfg.smtpPort, "smtp-port", envOrDefault("SMTP_PORT", "587"), "SMTP relay port")
	f.StringVar(&cfg.smtpUsername, "smtp-username", envOrDefault("SMTP_USERNAME", ""), "SMTP username")
	f.StringVar(&cfg.smtpPassword, "smtp-password", envOrDefault("SMTP_PASSWORD", ""), "SMTP password")

	f.StringVar(&cfg.corsOrigin, "cors-origin", envOrDefault("CORS_ORIGIN", ""), "Origin allowed to call the API with credentials")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("koauth %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	production := cfg.env == "production"
	issuer := strings.TrimRight(cfg.issuer, "/")
	appURL := strings.TrimRight(cfg.appURL, "/")
	if appURL == "" {
		appURL = issuer
	}

	logger.Info("starting koauth",
		zap.String("version", version),
		zap.String("addr", cfg.host+":"+cfg.port),
		zap.String("issuer", issuer),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("env", cfg.env),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	stores := store.New(database)

	km, err := keys.New(keys.Config{
		PrivateKeyPEM:  cfg.jwtPrivateKey,
		PublicKeyPEM:   cfg.jwtPublicKey,
		PrivateKeyPath: cfg.jwtPrivateKeyFile,
		PublicKeyPath:  cfg.jwtPublicKeyFile,
		DataDir:        cfg.dataDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	accessTTL, err := token.ParseDuration(cfg.accessTokenTTL)
	if err != nil {
		return fmt.Errorf("invalid access token TTL %q: %w", cfg.accessTokenTTL, err)
	}
	refreshTTL, err := token.ParseDuration(cfg.refreshTokenTTL)
	if err != nil {
		return fmt.Errorf("invalid refresh token TTL %q: %w", cfg.refreshTokenTTL, err)
	}
	var audience []string
	for _, a := range strings.Split(cfg.audience, ",") {
		if a = strings.TrimSpace(a); a != "" {
			audience = append(audience, a)
		}
	}
	tokens := token.NewService(token.Config{
		Issuer:          issuer,
		Audience:        audience,
		AccessTokenTTL:  accessTTL,
		RefreshTokenTTL: refreshTTL,
	}, km)

	sessions := session.NewManager(stores.Sessions, 0, logger)
	authSvc := auth.NewService(stores.Users, stores.Sessions, logger)
	apiKeys := auth.NewApiKeyService(stores.ApiKeys, logger)
	mail := buildMailer(cfg, logger)
	magicLinks := auth.NewMagicLinkService(stores.MagicLinks, stores.Users, stores.Sessions, mail, authSvc, appURL, issuer, logger)
	authn := auth.NewAuthenticator(tokens, apiKeys, sessions, stores.Users, logger)

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}
	federated := auth.NewFederatedService(providers, stores.Users, logger)

	authorize := oauth.NewAuthorizeService(stores.Clients, stores.Codes, logger)
	grants := oauth.NewGrantService(stores.Clients, stores.Codes, stores.RefreshTokens, stores.Users, tokens, logger)
	registrar := oauth.NewRegistrationService(stores.Clients, production, logger)

	wellKnown, err := api.NewWellKnownHandler(issuer, km, logger)
	if err != nil {
		return fmt.Errorf("failed to build discovery documents: %w", err)
	}

	limiters := api.NewLimiters()
	router := api.NewRouter(api.Handlers{
		Auth:      api.NewAuthHandler(authSvc, sessions, magicLinks, tokens, production, appURL, logger),
		Federated: api.NewFederatedHandler(federated, sessions, production, appURL, logger),
		ApiKeys:   api.NewApiKeyHandler(apiKeys, logger),
		OAuth:     api.NewOAuthHandler(authorize, grants, registrar, tokens, stores.Users, appURL, logger),
		WellKnown: wellKnown,
		Admin:     api.NewAdminHandler(stores.Clients, logger),
	}, api.RouterConfig{
		Authenticator: authn,
		Database:      database,
		Limiters:      limiters,
		Logger:        logger,
		CORSOrigin:    cfg.corsOrigin,
	})

	sched, err := scheduler.New(stores, limiters.All(), 0, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.host + ":" + cfg.port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("http server listening", zap.String("addr", server.Addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down koauth")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	if err := sched.Shutdown(); err != nil {
		logger.Error("scheduler shutdown failed", zap.Error(err))
	}
	return nil
}

// buildProviders wires each federated provider whose credentials are
// configured. A server with none configured simply has no federated login.
func buildProviders(ctx context.Context, cfg *config) ([]auth.Provider, error) {
	var providers []auth.Provider
	if cfg.googleClientID != "" && cfg.googleClientSecret != "" {
		google, err := auth.NewGoogleProvider(ctx, cfg.googleClientID, cfg.googleClientSecret, cfg.googleRedirectURI)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize google provider: %w", err)
		}
		providers = append(providers, google)
	}
	if cfg.githubClientID != "" && cfg.githubClientSecret != "" {
		providers = append(providers, auth.NewGitHubProvider(cfg.githubClientID, cfg.githubClientSecret, cfg.githubRedirectURI))
	}
	return providers, nil
}

// buildMailer selects the email sender: Resend when an API key is set, SMTP
// when a host is set, otherwise a logger that prints the links.
func buildMailer(cfg *config, logger *zap.Logger) mailer.Mailer {
	switch {
	case cfg.resendAPIKey != "":
		return mailer.NewResendMailer(cfg.resendAPIKey, cfg.emailFrom, logger)
	case cfg.smtpHost != "":
		port, err := strconv.Atoi(cfg.smtpPort)
		if err != nil {
			port = 587
		}
		return mailer.NewSMTPMailer(mailer.SMTPConfig{
			Host:     cfg.smtpHost,
			Port:     port,
			Username: cfg.smtpUsername,
			Password: cfg.smtpPassword,
			From:     cfg.emailFrom,
		}, logger)
	default:
		return mailer.NewNoopMailer(logger)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
