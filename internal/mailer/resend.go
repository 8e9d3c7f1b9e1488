package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const resendEndpoint = "https://api.resend.com/emails"

// ResendMailer sends emails through the Resend HTTP API.
type ResendMailer struct {
	apiKey string
	from   string
	client *http.Client
	logger *zap.Logger
}

// NewResendMailer creates a Resend-backed mailer.
func NewResendMailer(apiKey, from string, logger *zap.Logger) *ResendMailer {
	return &ResendMailer{
		apiKey: apiKey,
		from:   from,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("mailer"),
	}
}

// SendVerification emails an address-confirmation link.
func (m *ResendMailer) SendVerification(ctx context.Context, to, link string) error {
	body := fmt.Sprintf(
		"Confirm your email address by opening this link:\n\n%s\n\nThe link expires in 24 hours. If you did not create an account, ignore this email.\n",
		link)
	return m.send(ctx, to, "Verify your email address", body)
}

// SendPasswordReset emails a password-reset link.
func (m *ResendMailer) SendPasswordReset(ctx context.Context, to, link string) error {
	body := fmt.Sprintf(
		"Reset your password by opening this link:\n\n%s\n\nThe link expires in 1 hour. If you did not request a reset, ignore this email.\n",
		link)
	return m.send(ctx, to, "Reset your password", body)
}

func (m *ResendMailer) send(ctx context.Context, to, subject, text string) error {
	payload, err := json.Marshal(map[string]any{
		"from":    m.from,
		"to":      []string{to},
		"subject": subject,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("mailer: marshal resend payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resendEndpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mailer: build resend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mailer: resend request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mailer: resend returned %d: %s", resp.StatusCode, detail)
	}

	m.logger.Debug("email sent", zap.String("subject", subject))
	return nil
}
