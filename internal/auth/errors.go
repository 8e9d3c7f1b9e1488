package auth

import "errors"

// Sentinel errors returned by the auth services. Handlers map these onto
// HTTP status codes; the messages are safe to show to clients.
var (
	// ErrInvalidCredentials covers both unknown email and wrong password so
	// the login endpoint cannot be used to enumerate accounts.
	ErrInvalidCredentials = errors.New("auth: invalid email or password")

	// ErrEmailTaken is returned on signup when the email is already registered.
	ErrEmailTaken = errors.New("auth: email already registered")

	// ErrEmailNotVerified is returned when an operation requires a verified
	// email address.
	ErrEmailNotVerified = errors.New("auth: email not verified")

	// ErrUserNotFound is returned when a user referenced by id does not exist.
	ErrUserNotFound = errors.New("auth: user not found")

	// ErrUnauthenticated is returned when no valid credential accompanies a
	// request.
	ErrUnauthenticated = errors.New("auth: unauthenticated")

	// ErrForbidden is returned when the authenticated principal lacks the
	// required privilege.
	ErrForbidden = errors.New("auth: forbidden")

	// ErrFederatedAccount is returned when a password operation is attempted
	// on an account that signs in through an external provider.
	ErrFederatedAccount = errors.New("auth: account uses federated login")

	// ErrKeyLimitReached is returned when a user tries to create more API
	// keys than the per-user limit allows.
	ErrKeyLimitReached = errors.New("auth: api key limit reached")

	// ErrKeyNameTaken is returned when a user already has an API key with the
	// requested name.
	ErrKeyNameTaken = errors.New("auth: api key name already in use")

	// ErrInvalidMagicLink is returned for magic-link tokens that are unknown,
	// expired, or already used.
	ErrInvalidMagicLink = errors.New("auth: invalid or expired token")

	// ErrWeakPassword is returned when a password fails the length policy.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
)
