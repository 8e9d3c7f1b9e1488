package oauth

// Discovery document builders. All endpoints are derived from the issuer,
// which is the server's external base URL without a trailing slash.

// AuthorizationServerMetadata is the RFC 8414 document served at
// /.well-known/oauth-authorization-server.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
}

// OpenIDConfiguration is the OIDC discovery document served at
// /.well-known/openid-configuration. It extends the RFC 8414 shape with the
// OIDC-specific fields.
type OpenIDConfiguration struct {
	AuthorizationServerMetadata
	SubjectTypesSupported []string `json:"subject_types_supported"`
	ClaimsSupported       []string `json:"claims_supported"`
}

// ProtectedResourceMetadata is the RFC 9728 document served at
// /.well-known/oauth-protected-resource.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	JWKSURI                string   `json:"jwks_uri"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported"`
}

// NewAuthorizationServerMetadata builds the RFC 8414 document for an issuer.
func NewAuthorizationServerMetadata(issuer string) AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		RegistrationEndpoint:              issuer + "/oauth/register",
		UserinfoEndpoint:                  issuer + "/oauth/userinfo",
		JWKSURI:                           issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:            supportedResponseTypes,
		GrantTypesSupported:               supportedGrantTypes,
		CodeChallengeMethodsSupported:     []string{ChallengeMethodS256, ChallengeMethodPlain},
		TokenEndpointAuthMethodsSupported: supportedAuthMethods,
		ScopesSupported:                   supportedScopes,
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
	}
}

// NewOpenIDConfiguration builds the OIDC discovery document for an issuer.
func NewOpenIDConfiguration(issuer string) OpenIDConfiguration {
	return OpenIDConfiguration{
		AuthorizationServerMetadata: NewAuthorizationServerMetadata(issuer),
		SubjectTypesSupported:       []string{"public"},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat",
			"email", "email_verified", "auth_time", "nonce",
		},
	}
}

// NewProtectedResourceMetadata builds the RFC 9728 document for an issuer.
func NewProtectedResourceMetadata(issuer string) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               issuer,
		AuthorizationServers:   []string{issuer},
		JWKSURI:                issuer + "/.well-known/jwks.json",
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        supportedScopes,
	}
}
