package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/auth"
	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/store"
)

// ApiKeyHandler serves the personal API key surface under /api/me/api-keys.
type ApiKeyHandler struct {
	keys   *auth.ApiKeyService
	logger *zap.Logger
}

// NewApiKeyHandler creates the API key handler.
func NewApiKeyHandler(keys *auth.ApiKeyService, logger *zap.Logger) *ApiKeyHandler {
	return &ApiKeyHandler{keys: keys, logger: logger.Named("apikey_handler")}
}

// apiKeyJSON is the public view of a key record. The hash never leaves the
// server; the prefix is enough to recognize a key in a list.
func apiKeyJSON(key *db.UserApiKey) envelope {
	return envelope{
		"id":           key.ID,
		"name":         key.Name,
		"prefix":       key.Prefix,
		"created_at":   key.CreatedAt,
		"expires_at":   key.ExpiresAt,
		"last_used_at": key.LastUsedAt,
	}
}

// List handles GET /api/me/api-keys.
func (h *ApiKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())

	keys, err := h.keys.List(r.Context(), principal.User.ID)
	if err != nil {
		h.logger.Error("failed to list api keys", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]envelope, 0, len(keys))
	for i := range keys {
		items = append(items, apiKeyJSON(&keys[i]))
	}
	respondSuccess(w, http.StatusOK, envelope{"keys": items})
}

// Create handles POST /api/me/api-keys. The plaintext key appears in this response
// and nowhere else, ever.
func (h *ApiKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string     `json:"name"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	principal := PrincipalFrom(r.Context())
	record, plaintext, err := h.keys.Create(r.Context(), principal.User.ID, req.Name, req.ExpiresAt)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrKeyLimitReached):
			respondError(w, http.StatusConflict, "api key limit reached")
		case errors.Is(err, auth.ErrKeyNameTaken):
			respondError(w, http.StatusConflict, "an api key with that name already exists")
		default:
			respondError(w, http.StatusBadRequest, "invalid api key request")
		}
		return
	}

	body := apiKeyJSON(record)
	body["key"] = plaintext
	respondSuccess(w, http.StatusCreated, envelope{"api_key": body})
}

// Delete handles DELETE /api/me/api-keys/{id}.
func (h *ApiKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	principal := PrincipalFrom(r.Context())
	if err := h.keys.Delete(r.Context(), principal.User.ID, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "api key not found")
			return
		}
		h.logger.Error("failed to delete api key", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondSuccess(w, http.StatusOK, nil)
}
