package op

import (
	"fmt"
	"net/url"
)

// OAuth2/OIDC error codes used by the provider.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorAccessDenied            = "access_denied"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorInvalidScope            = "invalid_scope"
	ErrorServerError             = "server_error"
	ErrorLoginRequired           = "login_required"
	ErrorConsentRequired         = "consent_required"
	ErrorInvalidRequestObject    = "invalid_request_object"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorRequestURINotSupported  = "request_uri_not_supported"
	ErrorInvalidRequestURI       = "invalid_request_uri"
	ErrorInvalidToken            = "invalid_token"
)

// Error is a protocol error. Before a redirect URI is established it is
// delivered as a direct HTTP response with HttpStatus; afterwards it is
// carried in the redirect's query or fragment parameters, RedirectURI and
// State set.
type Error struct {
	HttpStatus  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`

	RedirectURI string `json:"-"`
	State       string `json:"-"`
	Fragment    bool   `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Redirectable reports whether the error can be delivered via redirect.
func (e *Error) Redirectable() bool {
	return e.RedirectURI != ""
}

// RedirectURL renders the error as redirect parameters with the original
// state echoed unchanged. Fragment delivery follows the response mode of
// the request that failed.
func (e *Error) RedirectURL() string {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	separator := "?"
	if e.Fragment {
		separator = "#"
	}
	return e.RedirectURI + separator + params.Encode()
}
