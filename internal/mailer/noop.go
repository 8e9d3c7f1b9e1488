package mailer

import (
	"context"

	"go.uber.org/zap"
)

// NoopMailer logs the links it would have sent. Used when no email transport
// is configured, which keeps the flows exercisable in development.
type NoopMailer struct {
	logger *zap.Logger
}

// NewNoopMailer creates a mailer that only logs.
func NewNoopMailer(logger *zap.Logger) *NoopMailer {
	return &NoopMailer{logger: logger.Named("mailer")}
}

// SendVerification logs the verification link instead of sending it.
func (m *NoopMailer) SendVerification(_ context.Context, to, link string) error {
	m.logger.Info("email delivery disabled, verification link not sent",
		zap.String("to", to), zap.String("link", link))
	return nil
}

// SendPasswordReset logs the reset link instead of sending it.
func (m *NoopMailer) SendPasswordReset(_ context.Context, to, link string) error {
	m.logger.Info("email delivery disabled, password reset link not sent",
		zap.String("to", to), zap.String("link", link))
	return nil
}
