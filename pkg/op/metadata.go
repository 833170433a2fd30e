package op

import (
	"fmt"

	"github.com/authlab/oidp/pkg/jose"
)

// ProviderMetadata is the discovery document served under
// /.well-known/openid-configuration.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JwksURI               string `json:"jwks_uri"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`

	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported []string `json:"response_types_supported"`
	ResponseModesSupported []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported    []string `json:"grant_types_supported,omitempty"`
	SubjectTypesSupported  []string `json:"subject_types_supported"`

	IDTokenSigningAlgValuesSupported     []string `json:"id_token_signing_alg_values_supported"`
	IDTokenEncryptionAlgValuesSupported  []string `json:"id_token_encryption_alg_values_supported,omitempty"`
	IDTokenEncryptionEncValuesSupported  []string `json:"id_token_encryption_enc_values_supported,omitempty"`
	UserinfoSigningAlgValuesSupported    []string `json:"userinfo_signing_alg_values_supported,omitempty"`
	UserinfoEncryptionAlgValuesSupported []string `json:"userinfo_encryption_alg_values_supported,omitempty"`
	UserinfoEncryptionEncValuesSupported []string `json:"userinfo_encryption_enc_values_supported,omitempty"`

	RequestObjectSigningAlgValuesSupported    []string `json:"request_object_signing_alg_values_supported,omitempty"`
	RequestObjectEncryptionAlgValuesSupported []string `json:"request_object_encryption_alg_values_supported,omitempty"`
	RequestObjectEncryptionEncValuesSupported []string `json:"request_object_encryption_enc_values_supported,omitempty"`

	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`

	RequestParameterSupported    bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported bool     `json:"request_uri_parameter_supported"`
	ClaimsParameterSupported     bool     `json:"claims_parameter_supported"`
	PromptValuesSupported        []string `json:"prompt_values_supported,omitempty"`
}

// NewProviderMetadata fills the discovery document from the issuer and the
// algorithm registries, so the advertised surface cannot drift from the
// implemented one.
func NewProviderMetadata(issuer string) *ProviderMetadata {
	return &ProviderMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: fmt.Sprint(issuer, "/auth"),
		TokenEndpoint:         fmt.Sprint(issuer, "/token"),
		UserinfoEndpoint:      fmt.Sprint(issuer, "/userinfo"),
		JwksURI:               fmt.Sprint(issuer, "/jwks"),
		RegistrationEndpoint:  fmt.Sprint(issuer, "/register"),

		ScopesSupported:        []string{"openid", "profile", "email", "address", "phone"},
		ResponseTypesSupported: []string{"code", "token", "id_token", "code id_token", "code token", "id_token token", "code id_token token"},
		ResponseModesSupported: []string{"query", "fragment"},
		GrantTypesSupported:    []string{"authorization_code", "implicit"},
		SubjectTypesSupported:  []string{"public"},

		IDTokenSigningAlgValuesSupported:     jose.SignatureAlgorithms(),
		IDTokenEncryptionAlgValuesSupported:  jose.KeyAlgorithms(),
		IDTokenEncryptionEncValuesSupported:  jose.ContentAlgorithms(),
		UserinfoSigningAlgValuesSupported:    jose.SignatureAlgorithms(),
		UserinfoEncryptionAlgValuesSupported: jose.KeyAlgorithms(),
		UserinfoEncryptionEncValuesSupported: jose.ContentAlgorithms(),

		RequestObjectSigningAlgValuesSupported:    jose.SignatureAlgorithms(),
		RequestObjectEncryptionAlgValuesSupported: jose.KeyAlgorithms(),
		RequestObjectEncryptionEncValuesSupported: jose.ContentAlgorithms(),

		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"plain", "S256"},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "acr",
			"name", "family_name", "given_name", "preferred_username",
			"email", "email_verified", "address", "phone_number", "phone_number_verified",
		},

		RequestParameterSupported:    true,
		RequestURIParameterSupported: false,
		ClaimsParameterSupported:     true,
		PromptValuesSupported:        []string{"none", "login", "consent"},
	}
}
