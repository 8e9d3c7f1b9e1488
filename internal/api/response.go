package api

import (
	"encoding/json"
	"net/http"

	"github.com/koauth-io/koauth/internal/oauth"
)

// envelope is the response body shape of the /api surface: a success flag
// plus endpoint-specific fields.
type envelope map[string]any

// respondSuccess writes an /api envelope with success=true and the given
// extra fields.
func respondSuccess(w http.ResponseWriter, status int, fields envelope) {
	body := envelope{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// respondError writes an /api envelope with success=false and a
// client-safe message. 400s carry the VALIDATION_ERROR code so clients can
// tell rejected input from other failures without parsing the message.
func respondError(w http.ResponseWriter, status int, message string) {
	body := envelope{
		"success": false,
		"error":   message,
	}
	if status == http.StatusBadRequest {
		body["code"] = "VALIDATION_ERROR"
	}
	writeJSON(w, status, body)
}

// respondRateLimited writes the fixed 429 body.
func respondRateLimited(w http.ResponseWriter) {
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"statusCode": http.StatusTooManyRequests,
		"error":      "Too Many Requests",
		"message":    "rate limit exceeded, retry later",
	})
}

// respondOAuthError writes an RFC 6749 error body for the /oauth surface.
func respondOAuthError(w http.ResponseWriter, status int, oerr *oauth.Error) {
	writeJSON(w, status, map[string]string{
		"error":             oerr.Code,
		"error_description": oerr.Description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding a map of strings and marshalable values cannot fail; a broken
	// connection surfaces on the conn, not here.
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a request body into dst, capped at 1 MiB.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(dst)
}
