package op

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/authlab/oidp/pkg/claims"
	"github.com/authlab/oidp/pkg/jose"
)

// UserInfo resolves a bearer access token to the claims response. The body
// is plain JSON unless the client registered a signed or encrypted
// userinfo response, in which case it is a JWT.
func (a *Authorizer) UserInfo(ctx context.Context, rawToken string) ([]byte, string, *Error) {
	unauthorized := &Error{HttpStatus: http.StatusUnauthorized, Code: ErrorInvalidToken, Description: "invalid access token"}

	publicKeys, err := jwk.PublicSetOf(a.keys)
	if err != nil {
		return nil, "", &Error{HttpStatus: http.StatusInternalServerError, Code: ErrorServerError, Description: "loading verification keys"}
	}
	parsed, err := jwt.Parse([]byte(rawToken),
		jwt.WithKeySet(publicKeys, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithIssuer(a.issuer),
		jwt.WithValidate(true))
	if err != nil {
		return nil, "", unauthorized
	}

	sid, ok := parsed.Get("sid")
	if !ok {
		return nil, "", unauthorized
	}
	sessionID, ok := sid.(string)
	if !ok {
		return nil, "", unauthorized
	}
	session, err := a.sessions.GetSession(sessionID)
	if err != nil {
		return nil, "", unauthorized
	}
	client, err := a.clients.GetClient(session.ClientID)
	if err != nil {
		return nil, "", &Error{HttpStatus: http.StatusInternalServerError, Code: ErrorServerError, Description: "resolving client"}
	}

	released, err := a.source.Claims(session.Subject, session.GrantedScopes, session.Claims.UserinfoClaimNames())
	if err != nil {
		return nil, "", &Error{HttpStatus: http.StatusInternalServerError, Code: ErrorServerError, Description: "releasing claims"}
	}

	if client.UserinfoSignedResponseAlg == "" && client.UserinfoEncryptedResponseAlg == "" {
		body, err := json.Marshal(released)
		if err != nil {
			return nil, "", &Error{HttpStatus: http.StatusInternalServerError, Code: ErrorServerError, Description: "encoding claims"}
		}
		return body, "application/json", nil
	}

	body, oerr := a.shapeUserinfoResponse(ctx, client, released)
	if oerr != nil {
		return nil, "", oerr
	}
	return body, "application/jwt", nil
}

func (a *Authorizer) shapeUserinfoResponse(ctx context.Context, client *Client, released *claims.Set) ([]byte, *Error) {
	serverError := func(description string) *Error {
		return &Error{HttpStatus: http.StatusInternalServerError, Code: ErrorServerError, Description: description}
	}

	var payload string
	contentType := ""
	if client.UserinfoSignedResponseAlg != "" {
		alg, err := jose.SignatureAlgorithmByName(client.UserinfoSignedResponseAlg)
		if err != nil {
			return nil, serverError(err.Error())
		}
		key, err := a.responseSigningKey(client, alg)
		if err != nil {
			return nil, serverError(err.Error())
		}
		// a signed response additionally names its issuer and audience
		signed, err := jose.NewBuilder().
			Claims(released).
			Claim("iss", a.issuer).
			Claim("aud", client.ClientID).
			SignCompact(key, alg, a.policy)
		if err != nil {
			return nil, serverError(err.Error())
		}
		payload = signed
		contentType = "JWT"
	} else {
		encoded, err := json.Marshal(released)
		if err != nil {
			return nil, serverError(err.Error())
		}
		payload = string(encoded)
	}

	if client.UserinfoEncryptedResponseAlg == "" {
		return []byte(payload), nil
	}
	encrypted, err := a.encryptForClient(ctx, client, []byte(payload),
		client.UserinfoEncryptedResponseAlg, client.UserinfoEncryptedResponseEnc, contentType)
	if err != nil {
		return nil, serverError(err.Error())
	}
	return []byte(encrypted), nil
}
