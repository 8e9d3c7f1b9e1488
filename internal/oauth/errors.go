// Package oauth implements the OAuth 2.1 / OIDC protocol engine: dynamic
// client registration, the authorization endpoint state machine, the token
// endpoint grants with PKCE and refresh rotation, and the discovery
// documents. HTTP handlers in internal/api translate between the wire and
// this package.
package oauth

import "fmt"

// RFC 6749 / RFC 7591 error codes.
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeServerError             = "server_error"
	ErrCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrCodeInvalidClientMetadata   = "invalid_client_metadata"
)

// Error is a protocol-level error with an RFC error code. The code and
// description are what the client sees, either as JSON from the token
// endpoint or as redirect query parameters from the authorization endpoint.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds a protocol error.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}
