package op

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/segmentio/ksuid"

	"github.com/authlab/oidp/pkg/jose"
)

// issueAccessToken mints the bearer token for the userinfo endpoint. The
// sid claim ties it back to the session so the userinfo response can honor
// the granted scopes and the requested claims.
func (a *Authorizer) issueAccessToken(session *Session) (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(a.issuer).
		Subject(session.Subject).
		Audience([]string{session.ClientID}).
		IssuedAt(now).
		Expiration(now.Add(a.accessTokenTTL)).
		JwtID(ksuid.New().String()).
		Claim("client_id", session.ClientID).
		Claim("scope", strings.Join(session.GrantedScopes, " ")).
		Claim("sid", session.ID).
		Build()
	if err != nil {
		return "", fmt.Errorf("building access token: %w", err)
	}

	es256, err := jose.SignatureAlgorithmByName("ES256")
	if err != nil {
		return "", err
	}
	key, err := jose.SigningKeyFor(a.keys, es256)
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256, key))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return string(signed), nil
}

// mintIDToken produces the ID Token for a granted authorization, signed
// with the client's registered algorithm and, when registered, nested in a
// JWE. at_hash and c_hash are included exactly when the response carries
// the token they bind.
func (a *Authorizer) mintIDToken(client *Client, session *Session, code, accessToken string) (string, error) {
	algName := client.IDTokenSignedResponseAlg
	if algName == "" {
		algName = "RS256"
	}
	alg, err := jose.SignatureAlgorithmByName(algName)
	if err != nil {
		return "", err
	}

	now := time.Now()
	builder := jose.NewBuilder().
		Claim("iss", a.issuer).
		Claim("sub", session.Subject).
		Claim("aud", session.ClientID).
		Claim("exp", now.Add(a.idTokenTTL).Unix()).
		Claim("iat", now.Unix())
	if !session.AuthenticatedAt.IsZero() {
		builder.Claim("auth_time", session.AuthenticatedAt.Unix())
	}
	if session.Nonce != "" {
		builder.Claim("nonce", session.Nonce)
	}
	if len(session.ACRValues) > 0 {
		builder.Claim("acr", session.ACRValues[0])
	}
	if accessToken != "" {
		builder.Claim("at_hash", TokenHash(accessToken, alg))
	}
	if code != "" {
		builder.Claim("c_hash", TokenHash(code, alg))
	}

	if session.Claims != nil {
		names := session.Claims.IDTokenClaimNames()
		if len(names) > 0 {
			released, err := a.source.Claims(session.Subject, nil, names)
			if err != nil {
				return "", fmt.Errorf("releasing id token claims: %w", err)
			}
			for _, name := range names {
				if name == "sub" {
					continue
				}
				if value, ok := released.Get(name); ok {
					builder.Claim(name, value)
				}
			}
		}
	}

	key, err := a.responseSigningKey(client, alg)
	if err != nil {
		return "", err
	}
	signed, err := builder.SignCompact(key, alg, a.policy)
	if err != nil {
		return "", err
	}

	if client.IDTokenEncryptedResponseAlg == "" {
		return signed, nil
	}
	return a.encryptForClient(context.Background(), client, []byte(signed),
		client.IDTokenEncryptedResponseAlg, client.IDTokenEncryptedResponseEnc, "JWT")
}

func (a *Authorizer) responseSigningKey(client *Client, alg jose.SignatureAlgorithm) (any, error) {
	switch alg.Family {
	case jose.FamilyNone:
		return nil, nil
	case jose.FamilyHMAC:
		if client.ClientSecret == "" {
			return nil, fmt.Errorf("client has no secret for %s", alg.Name)
		}
		return client.SigningSecret(), nil
	default:
		return jose.SigningKeyFor(a.keys, alg)
	}
}

// encryptForClient wraps payload in a JWE for the client: symmetric key
// wrap uses a key derived from the client secret, the RSA algorithms use a
// key from the client's registered jwks or jwks_uri.
func (a *Authorizer) encryptForClient(ctx context.Context, client *Client, payload []byte, keyAlgName, encName, contentType string) (string, error) {
	keyAlg, err := jose.KeyAlgorithmByName(keyAlgName)
	if err != nil {
		return "", err
	}
	if encName == "" {
		encName = "A128CBC-HS256"
	}
	enc, err := jose.ContentAlgorithmByName(encName)
	if err != nil {
		return "", err
	}

	recipient, err := a.clientEncryptionKey(ctx, client, keyAlg)
	if err != nil {
		return "", err
	}
	header := map[string]any{}
	if contentType != "" {
		header["cty"] = contentType
	}
	return jose.Encrypt(payload, recipient, keyAlg, enc, header)
}

func (a *Authorizer) clientEncryptionKey(ctx context.Context, client *Client, keyAlg jose.KeyAlgorithm) (any, error) {
	if keyAlg.Family == jose.KeyWrapAES {
		if client.ClientSecret == "" {
			return nil, fmt.Errorf("client has no secret for %s", keyAlg.Name)
		}
		return client.WrappingKey(keyAlg.KeyBits), nil
	}

	set, err := client.KeySet()
	if err != nil {
		return nil, err
	}
	if set == nil && client.JwksURI != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		set, err = jwk.Fetch(fetchCtx, client.JwksURI)
		if err != nil {
			return nil, fmt.Errorf("fetching client jwks: %w", err)
		}
	}
	if set == nil {
		return nil, fmt.Errorf("client has no keys registered for %s", keyAlg.Name)
	}

	for i := 0; i < set.Len(); i++ {
		key, _ := set.Key(i)
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		switch raw.(type) {
		case *rsa.PublicKey, *rsa.PrivateKey:
			return key, nil
		}
	}
	return nil, fmt.Errorf("client jwks contains no RSA key for %s", keyAlg.Name)
}
