package op

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/authlab/oidp/pkg/claims"
	"github.com/authlab/oidp/pkg/jose"
)

// RequestObjectFetcher retrieves the token bytes a request_uri points at.
// Fetch policy, such as allowed hosts or TLS requirements, lives in the
// implementation; the authorizer only consumes the bytes.
type RequestObjectFetcher interface {
	FetchRequestObject(ctx context.Context, uri string) ([]byte, error)
}

// HTTPRequestObjectFetcher retrieves request objects over HTTP with a
// bounded timeout and response size. The zero value is usable.
type HTTPRequestObjectFetcher struct {
	Client  *http.Client
	Timeout time.Duration
	MaxSize int64
}

func (f *HTTPRequestObjectFetcher) FetchRequestObject(ctx context.Context, uri string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := f.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxSize := f.MaxSize
	if maxSize == 0 {
		maxSize = 64 * 1024
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching request object: status %d", response.StatusCode)
	}
	return io.ReadAll(io.LimitReader(response.Body, maxSize))
}

// RequestObjectProcessor validates the `request` parameter: a JWT signed
// by the client, optionally encrypted to the provider. The key direction
// is the inverse of token issuance, so verification keys come from the
// client's registration and decryption keys from the provider's keystore
// or the client secret.
type RequestObjectProcessor struct {
	keys   jwk.Set
	policy jose.Policy

	lock    sync.Mutex
	remotes map[string]*jose.RemoteKeySet
}

func NewRequestObjectProcessor(keys jwk.Set, policy jose.Policy) *RequestObjectProcessor {
	return &RequestObjectProcessor{
		keys:    keys,
		policy:  policy,
		remotes: make(map[string]*jose.RemoteKeySet),
	}
}

func requestObjectError(description string) *Error {
	return &Error{
		HttpStatus:  http.StatusBadRequest,
		Code:        ErrorInvalidRequestObject,
		Description: description,
	}
}

// Process unwraps and verifies the request object carried by req and
// returns the request that results from merging the object's members into
// the query parameters. Query-string values keep precedence for transport
// parameters; client_id and response_type must not disagree between the
// two at all, and the claims member is merged with the object winning.
func (p *RequestObjectProcessor) Process(ctx context.Context, client *Client, req *AuthorizationRequest) (*AuthorizationRequest, *Error) {
	token, err := jose.Parse(req.Request)
	if err != nil {
		return nil, requestObjectError(fmt.Sprintf("malformed request object: %s", err))
	}

	if token.Kind == jose.KindJWE {
		token, err = p.decrypt(token, client)
		if err != nil {
			return nil, requestObjectError(fmt.Sprintf("decrypting request object: %s", err))
		}
	}

	alg, err := jose.SignatureAlgorithmByName(token.Algorithm())
	if err != nil {
		return nil, requestObjectError(fmt.Sprintf("request object algorithm: %s", err))
	}
	if client.RequestObjectSigningAlg != "" && client.RequestObjectSigningAlg != alg.Name {
		return nil, requestObjectError(fmt.Sprintf(
			"request object is signed with %s, client registered %s", alg.Name, client.RequestObjectSigningAlg))
	}

	key, oerr := p.verificationKey(ctx, client, token.KeyID(), alg)
	if oerr != nil {
		return nil, oerr
	}
	ok, err := jose.Verify(token.SigningInput, token.Signature, key, alg, p.policy)
	if err != nil {
		return nil, requestObjectError(fmt.Sprintf("verifying request object: %s", err))
	}
	if !ok {
		return nil, requestObjectError("request object signature verification failed")
	}

	set, err := token.Claims()
	if err != nil {
		return nil, requestObjectError(fmt.Sprintf("decoding request object payload: %s", err))
	}

	// the object must speak for the requesting client, whatever else it says
	if claimed := set.String("client_id"); claimed != "" && claimed != client.ClientID {
		return nil, requestObjectError(fmt.Sprintf(
			"request object client_id '%s' does not match the requesting client", claimed))
	}
	if iss := set.String("iss"); iss != "" && iss != client.ClientID {
		return nil, requestObjectError(fmt.Sprintf(
			"request object issuer '%s' does not match the requesting client", iss))
	}
	if objRT := set.String("response_type"); objRT != "" && len(req.ResponseTypes) > 0 {
		if strings.Join(splitSpaceList(objRT), " ") != strings.Join(req.ResponseTypes, " ") {
			return nil, requestObjectError("response_type differs between query and request object")
		}
	}

	return mergeRequestObject(req, set)
}

func (p *RequestObjectProcessor) decrypt(token *jose.Token, client *Client) (*jose.Token, error) {
	keyAlg, err := jose.KeyAlgorithmByName(token.Algorithm())
	if err != nil {
		return nil, err
	}
	if client.RequestObjectEncryptionAlg != "" && client.RequestObjectEncryptionAlg != keyAlg.Name {
		return nil, fmt.Errorf("encrypted with %s, client registered %s",
			keyAlg.Name, client.RequestObjectEncryptionAlg)
	}
	if enc := client.RequestObjectEncryptionEnc; enc != "" && enc != token.ContentEncryption() {
		return nil, fmt.Errorf("content encryption %s, client registered %s",
			token.ContentEncryption(), enc)
	}

	var key any
	if keyAlg.Family == jose.KeyWrapAES {
		if client.ClientSecret == "" && client.ClientSecretHash != "" {
			return nil, fmt.Errorf("client secret not available for %s", keyAlg.Name)
		}
		key = client.WrappingKey(keyAlg.KeyBits)
	} else {
		key, err = jose.DecryptionKeyFor(p.keys, keyAlg)
		if err != nil {
			return nil, err
		}
	}

	plain, err := jose.Decrypt(token, key)
	if err != nil {
		return nil, err
	}
	inner, err := jose.Parse(string(plain))
	if err != nil {
		return nil, fmt.Errorf("decrypted payload is not a JWS: %w", err)
	}
	if inner.Kind != jose.KindJWS {
		return nil, fmt.Errorf("decrypted payload is not a JWS")
	}
	return inner, nil
}

func (p *RequestObjectProcessor) verificationKey(ctx context.Context, client *Client, kid string, alg jose.SignatureAlgorithm) (any, *Error) {
	switch alg.Family {
	case jose.FamilyNone:
		return nil, nil
	case jose.FamilyHMAC:
		if client.ClientSecret == "" {
			return nil, requestObjectError(fmt.Sprintf("client has no secret for %s", alg.Name))
		}
		return client.SigningSecret(), nil
	}

	if set, err := client.KeySet(); err != nil {
		return nil, requestObjectError(fmt.Sprintf("client jwks: %s", err))
	} else if set != nil {
		key, err := jose.NewKeySetResolver(set).ResolveKey(ctx, kid)
		if err != nil {
			return nil, requestObjectError(fmt.Sprintf("resolving client key: %s", err))
		}
		return key, nil
	}

	if client.JwksURI == "" {
		return nil, requestObjectError(fmt.Sprintf("client has no keys registered for %s", alg.Name))
	}
	key, err := p.remoteKeySet(client.JwksURI).ResolveKey(ctx, kid)
	if err != nil {
		return nil, requestObjectError(fmt.Sprintf("resolving client key from jwks_uri: %s", err))
	}
	return key, nil
}

func (p *RequestObjectProcessor) remoteKeySet(uri string) *jose.RemoteKeySet {
	p.lock.Lock()
	defer p.lock.Unlock()
	remote, ok := p.remotes[uri]
	if !ok {
		remote = jose.NewRemoteKeySet(uri)
		p.remotes[uri] = remote
	}
	return remote
}

// jwtReservedClaims never map to authorization parameters.
var jwtReservedClaims = []string{"iss", "aud", "exp", "iat", "nbf", "jti", "request", "request_uri", "claims", "client_id"}

func mergeRequestObject(req *AuthorizationRequest, set *claims.Set) (*AuthorizationRequest, *Error) {
	merged := url.Values{}
	for name, values := range req.Raw {
		merged[name] = values
	}
	merged.Del("request")
	merged.Del("request_uri")

	// the object only supplies transport parameters the query left unset
	for _, name := range set.Names() {
		if contains(jwtReservedClaims, name) || merged.Get(name) != "" {
			continue
		}
		value, _ := set.Get(name)
		str, err := parameterString(value)
		if err != nil {
			return nil, requestObjectError(fmt.Sprintf("request object member %q: %s", name, err))
		}
		merged.Set(name, str)
	}

	result, perr := ParseAuthorizationRequest(merged)
	if perr != nil {
		return nil, requestObjectError(perr.Description)
	}

	if value, ok := set.Get("claims"); ok {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, requestObjectError(fmt.Sprintf("request object claims member: %s", err))
		}
		objClaims, err := claims.ParseRequest(encoded)
		if err != nil {
			return nil, requestObjectError(fmt.Sprintf("request object claims member: %s", err))
		}
		if result.Claims == nil {
			result.Claims = objClaims
		} else {
			result.Claims.Merge(objClaims)
		}
	}
	return result, nil
}

func parameterString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return fmt.Sprintf("%t", v), nil
	default:
		return "", fmt.Errorf("unsupported parameter type %T", value)
	}
}
