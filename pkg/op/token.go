package op

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

type TokenRequest struct {
	GrantType    string `form:"grant_type"`
	Code         string `form:"code"`
	RedirectURI  string `form:"redirect_uri"`
	ClientID     string `form:"client_id"`
	ClientSecret string `form:"client_secret"`
	CodeVerifier string `form:"code_verifier"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
	IDToken     string `json:"id_token,omitempty"`
}

// Exchange redeems an authorization code for tokens. Codes are single use;
// a second redemption fails at the nonce service before any session state
// is touched.
func (a *Authorizer) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, *Error) {
	if req.GrantType != "authorization_code" {
		return nil, &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorUnsupportedGrantType,
			Description: "only the authorization_code grant is supported",
		}
	}

	client, err := a.clients.GetClient(req.ClientID)
	if err != nil {
		return nil, &Error{HttpStatus: http.StatusUnauthorized, Code: ErrorInvalidClient, Description: "unknown client"}
	}
	if oerr := authenticateClient(client, req.ClientSecret); oerr != nil {
		return nil, oerr
	}

	if req.Code == "" {
		return nil, &Error{HttpStatus: http.StatusBadRequest, Code: ErrorInvalidGrant, Description: "code is required"}
	}
	if err := a.codes.Redeem(req.Code); err != nil {
		return nil, &Error{HttpStatus: http.StatusBadRequest, Code: ErrorInvalidGrant, Description: "invalid or already redeemed code"}
	}
	session, err := a.sessions.GetSessionByCode(req.Code)
	if err != nil {
		return nil, &Error{HttpStatus: http.StatusBadRequest, Code: ErrorInvalidGrant, Description: "invalid code"}
	}
	if session.ClientID != client.ClientID {
		return nil, &Error{HttpStatus: http.StatusBadRequest, Code: ErrorInvalidGrant, Description: "code was not issued to this client"}
	}
	if req.RedirectURI != session.RedirectURI {
		return nil, &Error{HttpStatus: http.StatusBadRequest, Code: ErrorInvalidGrant, Description: "redirect_uri does not match the authorization request"}
	}
	if oerr := verifyCodeVerifier(session, req.CodeVerifier); oerr != nil {
		return nil, oerr
	}

	session.Code = ""
	if err := a.sessions.SaveSession(session); err != nil {
		return nil, &Error{HttpStatus: http.StatusInternalServerError, Code: ErrorServerError, Description: "saving session"}
	}

	accessToken, err := a.issueAccessToken(session)
	if err != nil {
		return nil, &Error{HttpStatus: http.StatusInternalServerError, Code: ErrorServerError, Description: "issuing access token"}
	}
	response := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(a.accessTokenTTL.Seconds()),
		Scope:       strings.Join(session.GrantedScopes, " "),
	}

	if contains(session.GrantedScopes, "openid") {
		idToken, err := a.mintIDToken(client, session, "", accessToken)
		if err != nil {
			return nil, &Error{HttpStatus: http.StatusInternalServerError, Code: ErrorServerError, Description: "minting id token"}
		}
		response.IDToken = idToken
	}
	return response, nil
}

func authenticateClient(client *Client, secret string) *Error {
	invalid := &Error{HttpStatus: http.StatusUnauthorized, Code: ErrorInvalidClient, Description: "client authentication failed"}
	switch {
	case client.ClientSecretHash != "":
		ok, err := VerifySecretHash(secret, client.ClientSecretHash)
		if err != nil || !ok {
			return invalid
		}
	case client.ClientSecret != "":
		if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(secret)) != 1 {
			return invalid
		}
	}
	// a client without a secret is public
	return nil
}

func verifyCodeVerifier(session *Session, verifier string) *Error {
	if session.CodeChallenge == "" {
		return nil
	}
	invalid := &Error{HttpStatus: http.StatusBadRequest, Code: ErrorInvalidGrant, Description: "code verifier check failed"}
	if verifier == "" {
		return invalid
	}
	switch session.CodeChallengeMethod {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != session.CodeChallenge {
			return invalid
		}
	default: // plain
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(session.CodeChallenge)) != 1 {
			return invalid
		}
	}
	return nil
}
