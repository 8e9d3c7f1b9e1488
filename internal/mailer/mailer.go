// Package mailer delivers the transactional emails the server sends:
// address-verification links and password-reset links. Two real transports
// are provided (SMTP and the Resend HTTP API) plus a no-op sender for
// deployments without email, which logs the links instead.
package mailer

import "context"

// Mailer sends account emails. Implementations receive the full clickable
// link; they never see the raw token separately.
type Mailer interface {
	// SendVerification emails an address-confirmation link.
	SendVerification(ctx context.Context, to, link string) error

	// SendPasswordReset emails a password-reset link.
	SendPasswordReset(ctx context.Context, to, link string) error
}
