package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// SMTPConfig holds the settings for the SMTP transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends emails through a plain SMTP relay with optional
// AUTH PLAIN credentials.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

// NewSMTPMailer creates an SMTP-backed mailer.
func NewSMTPMailer(cfg SMTPConfig, logger *zap.Logger) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, logger: logger.Named("mailer")}
}

// SendVerification emails an address-confirmation link.
func (m *SMTPMailer) SendVerification(_ context.Context, to, link string) error {
	subject := "Verify your email address"
	body := fmt.Sprintf(
		"Confirm your email address by opening this link:\r\n\r\n%s\r\n\r\nThe link expires in 24 hours. If you did not create an account, ignore this email.\r\n",
		link)
	return m.send(to, subject, body)
}

// SendPasswordReset emails a password-reset link.
func (m *SMTPMailer) SendPasswordReset(_ context.Context, to, link string) error {
	subject := "Reset your password"
	body := fmt.Sprintf(
		"Reset your password by opening this link:\r\n\r\n%s\r\n\r\nThe link expires in 1 hour. If you did not request a reset, ignore this email.\r\n",
		link)
	return m.send(to, subject, body)
}

func (m *SMTPMailer) send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	var a smtp.Auth
	if m.cfg.Username != "" {
		a = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if err := smtp.SendMail(addr, a, m.cfg.From, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("mailer: smtp send: %w", err)
	}
	m.logger.Debug("email sent", zap.String("subject", subject))
	return nil
}
