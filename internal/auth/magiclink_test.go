package auth

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/store"
)

// captureMailer records the links it is asked to deliver.
type captureMailer struct {
	verificationLinks []string
	resetLinks        []string
	recipients        []string
}

func (m *captureMailer) SendVerification(_ context.Context, to, link string) error {
	m.recipients = append(m.recipients, to)
	m.verificationLinks = append(m.verificationLinks, link)
	return nil
}

func (m *captureMailer) SendPasswordReset(_ context.Context, to, link string) error {
	m.recipients = append(m.recipients, to)
	m.resetLinks = append(m.resetLinks, link)
	return nil
}

func newTestMagicLinkService(t *testing.T) (*MagicLinkService, *Service, *store.Stores, *captureMailer) {
	t.Helper()
	stores := newTestStores(t)
	mail := &captureMailer{}
	authSvc := NewService(stores.Users, stores.Sessions, zaptest.NewLogger(t))
	svc := NewMagicLinkService(
		stores.MagicLinks, stores.Users, stores.Sessions,
		mail, authSvc, "https://app.example.com", "https://auth.example.com", zaptest.NewLogger(t))
	return svc, authSvc, stores, mail
}

// tokenFromLink extracts the token from a delivered link: reset links carry it
// as a query parameter, verification links as the final path segment.
func tokenFromLink(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	if token := u.Query().Get("token"); token != "" {
		return token
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	token, err := url.PathUnescape(segments[len(segments)-1])
	require.NoError(t, err)
	require.NotEmpty(t, token)
	return token
}

func TestMagicLink_VerificationFlow(t *testing.T) {
	svc, authSvc, _, mail := newTestMagicLinkService(t)
	ctx := context.Background()

	user, err := authSvc.Signup(ctx, "alice@example.com", "some-password")
	require.NoError(t, err)
	require.False(t, user.EmailVerified)

	require.NoError(t, svc.SendVerification(ctx, user.ID))
	require.Len(t, mail.verificationLinks, 1)
	assert.True(t, strings.HasPrefix(mail.verificationLinks[0], "https://auth.example.com/api/auth/verify-email/"))

	token := tokenFromLink(t, mail.verificationLinks[0])
	verified, err := svc.ConsumeVerification(ctx, token)
	require.NoError(t, err)
	assert.True(t, verified.EmailVerified)

	// Single use.
	_, err = svc.ConsumeVerification(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidMagicLink)
}

func TestMagicLink_ReissueSupersedesPrevious(t *testing.T) {
	svc, authSvc, _, mail := newTestMagicLinkService(t)
	ctx := context.Background()

	user, err := authSvc.Signup(ctx, "bob@example.com", "some-password")
	require.NoError(t, err)

	require.NoError(t, svc.SendVerification(ctx, user.ID))
	require.NoError(t, svc.SendVerification(ctx, user.ID))
	require.Len(t, mail.verificationLinks, 2)

	// Only the newest token works.
	first := tokenFromLink(t, mail.verificationLinks[0])
	_, err = svc.ConsumeVerification(ctx, first)
	assert.ErrorIs(t, err, ErrInvalidMagicLink)

	second := tokenFromLink(t, mail.verificationLinks[1])
	_, err = svc.ConsumeVerification(ctx, second)
	require.NoError(t, err)
}

func TestMagicLink_ResetFlow(t *testing.T) {
	svc, authSvc, stores, mail := newTestMagicLinkService(t)
	ctx := context.Background()

	user, err := authSvc.Signup(ctx, "carol@example.com", "old-password")
	require.NoError(t, err)

	require.NoError(t, stores.Sessions.Create(ctx, &db.Session{
		ID: "live-session", UserID: user.ID, RefreshTokenHash: "h",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, svc.SendPasswordReset(ctx, "Carol@Example.com"))
	require.Len(t, mail.resetLinks, 1)

	token := tokenFromLink(t, mail.resetLinks[0])
	_, err = svc.ConsumeReset(ctx, token, "brand-new-password")
	require.NoError(t, err)

	// Old password dead, new one works.
	_, err = authSvc.Login(ctx, "carol@example.com", "old-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = authSvc.Login(ctx, "carol@example.com", "brand-new-password")
	require.NoError(t, err)

	// Every session was revoked.
	_, err = stores.Sessions.GetByID(ctx, "live-session")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The token is burned.
	_, err = svc.ConsumeReset(ctx, token, "yet-another-password")
	assert.ErrorIs(t, err, ErrInvalidMagicLink)
}

func TestMagicLink_ResetUnknownEmailSilent(t *testing.T) {
	svc, _, _, mail := newTestMagicLinkService(t)

	// No error and no email for addresses we do not know.
	require.NoError(t, svc.SendPasswordReset(context.Background(), "stranger@example.com"))
	assert.Empty(t, mail.resetLinks)
}

func TestMagicLink_ResetFederatedAccountSilent(t *testing.T) {
	svc, _, stores, mail := newTestMagicLinkService(t)
	ctx := context.Background()

	require.NoError(t, stores.Users.Create(ctx, &db.User{
		Email: "fed@example.com", PasswordHash: "x",
		Provider: "github", ProviderAccountID: "42",
	}))

	require.NoError(t, svc.SendPasswordReset(ctx, "fed@example.com"))
	assert.Empty(t, mail.resetLinks)
}

func TestMagicLink_GarbageTokenRejected(t *testing.T) {
	svc, _, _, _ := newTestMagicLinkService(t)

	_, err := svc.ConsumeVerification(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrInvalidMagicLink)
}
