package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/keys"
	"github.com/koauth-io/koauth/internal/oauth"
)

// WellKnownHandler serves the discovery surface: JWKS and the three
// metadata documents. Everything it serves is derived from the issuer and
// the active signing key, so the documents are built once at startup.
type WellKnownHandler struct {
	jwks       map[string]any
	asMetadata oauth.AuthorizationServerMetadata
	oidcConfig oauth.OpenIDConfiguration
	prMetadata oauth.ProtectedResourceMetadata
	logger     *zap.Logger
}

// NewWellKnownHandler builds the discovery documents for an issuer.
func NewWellKnownHandler(issuer string, keyManager *keys.Manager, logger *zap.Logger) (*WellKnownHandler, error) {
	jwk, err := keyManager.PublicJWK()
	if err != nil {
		return nil, err
	}
	return &WellKnownHandler{
		jwks:       map[string]any{"keys": []keys.JWK{jwk}},
		asMetadata: oauth.NewAuthorizationServerMetadata(issuer),
		oidcConfig: oauth.NewOpenIDConfiguration(issuer),
		prMetadata: oauth.NewProtectedResourceMetadata(issuer),
		logger:     logger.Named("wellknown"),
	}, nil
}

// JWKS handles GET /.well-known/jwks.json.
func (h *WellKnownHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jwks)
}

// AuthorizationServer handles GET /.well-known/oauth-authorization-server.
func (h *WellKnownHandler) AuthorizationServer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.asMetadata)
}

// OpenIDConfiguration handles GET /.well-known/openid-configuration.
func (h *WellKnownHandler) OpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.oidcConfig)
}

// ProtectedResource handles GET /.well-known/oauth-protected-resource.
func (h *WellKnownHandler) ProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.prMetadata)
}
