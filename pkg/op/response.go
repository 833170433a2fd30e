package op

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strconv"

	"github.com/authlab/oidp/pkg/jose"
)

// AuthorizationResponse is the assembled front-channel result. Fields are
// populated according to the granted response types; State always echoes
// the request's state unchanged.
type AuthorizationResponse struct {
	Code        string
	AccessToken string
	TokenType   string
	ExpiresIn   int
	Scope       string
	IDToken     string
	State       string
	Fragment    bool
}

func (r *AuthorizationResponse) params() url.Values {
	params := url.Values{}
	if r.Code != "" {
		params.Set("code", r.Code)
	}
	if r.AccessToken != "" {
		params.Set("access_token", r.AccessToken)
		params.Set("token_type", r.TokenType)
		params.Set("expires_in", strconv.Itoa(r.ExpiresIn))
		params.Set("scope", r.Scope)
	}
	if r.IDToken != "" {
		params.Set("id_token", r.IDToken)
	}
	if r.State != "" {
		params.Set("state", r.State)
	}
	return params
}

// RedirectURL renders the response onto the redirect URI, in the query or
// the fragment according to the response mode.
func (r *AuthorizationResponse) RedirectURL(redirectURI string) string {
	separator := "?"
	if r.Fragment {
		separator = "#"
	}
	return redirectURI + separator + r.params().Encode()
}

// TokenHash computes the at_hash/c_hash value: the left half of the token's
// ASCII bytes hashed with the ID Token signature algorithm's hash,
// base64url encoded without padding. For "none" there is no hash to derive
// the length from and SHA-256 is used.
func TokenHash(token string, alg jose.SignatureAlgorithm) string {
	hash := alg.Hash
	if !hash.Available() || alg.Family == jose.FamilyNone {
		hash = 0
	}
	if hash == 0 {
		sum := sha256.Sum256([]byte(token))
		return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
	}
	digest := hash.New()
	digest.Write([]byte(token))
	sum := digest.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
