package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/db"
	"github.com/koauth-io/koauth/internal/store"
)

const (
	adminDefaultPageSize = 50
	adminMaxPageSize     = 200
)

// AdminHandler serves the client administration surface under
// /api/admin/clients. Every route requires an admin principal.
type AdminHandler struct {
	clients store.ClientRepository
	logger  *zap.Logger
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(clients store.ClientRepository, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{clients: clients, logger: logger.Named("admin_handler")}
}

// clientJSON is the admin view of a client. The secret hash stays out.
func clientJSON(c *db.OAuthClient) envelope {
	return envelope{
		"id":                         c.ID,
		"client_id":                  c.ClientID,
		"name":                       c.Name,
		"description":                c.Description,
		"redirect_uris":              c.RedirectURIList(),
		"grant_types":                c.GrantTypeList(),
		"response_types":             c.ResponseTypeList(),
		"scope":                      c.Scopes,
		"token_endpoint_auth_method": c.TokenEndpointAuthMethod,
		"trusted":                    c.Trusted,
		"active":                     c.Active,
		"logo_uri":                   c.LogoURI,
		"client_uri":                 c.ClientURI,
		"created_at":                 c.CreatedAt,
		"updated_at":                 c.UpdatedAt,
	}
}

// List handles GET /api/admin/clients with limit/offset paging.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{Limit: adminDefaultPageSize}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		opts.Limit = min(v, adminMaxPageSize)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		opts.Offset = v
	}

	clients, total, err := h.clients.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list clients", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]envelope, 0, len(clients))
	for i := range clients {
		items = append(items, clientJSON(&clients[i]))
	}
	respondSuccess(w, http.StatusOK, envelope{
		"clients": items,
		"total":   total,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

// Get handles GET /api/admin/clients/{clientID}.
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	client, ok := h.lookup(w, r)
	if !ok {
		return
	}
	respondSuccess(w, http.StatusOK, envelope{"client": clientJSON(client)})
}

// Update handles PATCH /api/admin/clients/{clientID}. Only the
// administrative fields can change; protocol metadata is fixed at
// registration.
func (h *AdminHandler) Update(w http.ResponseWriter, r *http.Request) {
	client, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Trusted     *bool   `json:"trusted"`
		Active      *bool   `json:"active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			respondError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		client.Name = *req.Name
	}
	if req.Description != nil {
		client.Description = *req.Description
	}
	if req.Trusted != nil {
		client.Trusted = *req.Trusted
	}
	if req.Active != nil {
		client.Active = *req.Active
	}

	if err := h.clients.Update(r.Context(), client); err != nil {
		h.logger.Error("failed to update client", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondSuccess(w, http.StatusOK, envelope{"client": clientJSON(client)})
}

// Delete handles DELETE /api/admin/clients/{clientID}. Outstanding codes
// and refresh tokens for the client go with it.
func (h *AdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	client, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if err := h.clients.Delete(r.Context(), client.ID); err != nil {
		h.logger.Error("failed to delete client", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondSuccess(w, http.StatusOK, nil)
}

func (h *AdminHandler) lookup(w http.ResponseWriter, r *http.Request) (*db.OAuthClient, bool) {
	client, err := h.clients.GetByClientID(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "client not found")
			return nil, false
		}
		h.logger.Error("failed to load client", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return client, true
}
