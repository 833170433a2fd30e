package op

import (
	"context"
	"fmt"
	"testing"

	"github.com/authlab/oidp/pkg/jose"
)

func buildRequestObject(t *testing.T, secret []byte, algName string, members [][2]any) string {
	t.Helper()
	alg, err := jose.SignatureAlgorithmByName(algName)
	if err != nil {
		t.Fatalf("alg: %s", err)
	}
	builder := jose.NewBuilder()
	for _, member := range members {
		builder.Claim(member[0].(string), member[1])
	}
	signed, err := builder.SignCompact(secret, alg, jose.Policy{AllowNone: true})
	if err != nil {
		t.Fatalf("signing request object: %s", err)
	}
	return signed
}

func TestQueryParametersWinOverRequestObject(t *testing.T) {
	a := newTestAuthorizer(t)
	client, _ := a.Clients().GetClient("web")

	object := buildRequestObject(t, client.SigningSecret(), "HS256", [][2]any{
		{"client_id", "web"},
		{"response_type", "code"},
		{"scope", "openid email"},
		{"state", "object-state"},
		{"nonce", "object-nonce"},
		{"claims", map[string]any{
			"id_token": map[string]any{"member_of": nil},
		}},
	})

	params := authParams(map[string]string{
		"scope":   "openid profile",
		"state":   "query-state",
		"request": object,
	})
	authz, oerr := a.HandleAuthorizationRequest(context.Background(), params, nil)
	if oerr != nil {
		t.Fatalf("authorization request failed: %s", oerr)
	}

	req := authz.Request
	if len(req.Scopes) != 2 || req.Scopes[0] != "openid" || req.Scopes[1] != "profile" {
		t.Fatalf("query scope must keep precedence: %v", req.Scopes)
	}
	if req.State != "query-state" {
		t.Fatalf("query-string state lost: got %q", req.State)
	}
	if req.Nonce != "object-nonce" {
		t.Fatalf("object must fill parameters the query left unset: %q", req.Nonce)
	}
	names := req.Claims.IDTokenClaimNames()
	if len(names) != 1 || names[0] != "member_of" {
		t.Fatalf("object claims not merged: %v", names)
	}
	if req.Request != "" {
		t.Fatal("request parameter must be consumed by processing")
	}
}

func TestRequestObjectClientIDMismatch(t *testing.T) {
	a := newTestAuthorizer(t)
	client, _ := a.Clients().GetClient("web")

	object := buildRequestObject(t, client.SigningSecret(), "HS256", [][2]any{
		{"client_id", "thirdparty"},
		{"response_type", "code"},
	})

	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"request": object}), nil)
	if oerr == nil || oerr.Code != ErrorInvalidRequestObject {
		t.Fatalf("expected invalid_request_object, got %v", oerr)
	}
	if !oerr.Redirectable() {
		t.Fatal("request object errors redirect once the redirect URI is established")
	}
}

func TestRequestObjectResponseTypeMismatch(t *testing.T) {
	a := newTestAuthorizer(t)
	client, _ := a.Clients().GetClient("web")

	object := buildRequestObject(t, client.SigningSecret(), "HS256", [][2]any{
		{"client_id", "web"},
		{"response_type", "id_token"},
	})

	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"request": object}), nil)
	if oerr == nil || oerr.Code != ErrorInvalidRequestObject {
		t.Fatalf("expected invalid_request_object, got %v", oerr)
	}
}

func TestRequestObjectBadSignature(t *testing.T) {
	a := newTestAuthorizer(t)

	object := buildRequestObject(t, []byte("not-the-client-secret"), "HS256", [][2]any{
		{"client_id", "web"},
	})

	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"request": object}), nil)
	if oerr == nil || oerr.Code != ErrorInvalidRequestObject {
		t.Fatalf("expected invalid_request_object, got %v", oerr)
	}
}

func TestRequestObjectAlgorithmPinned(t *testing.T) {
	a := newTestAuthorizer(t)
	client, _ := a.Clients().GetClient("web")
	client.RequestObjectSigningAlg = "HS512"
	defer func() { client.RequestObjectSigningAlg = "" }()

	object := buildRequestObject(t, client.SigningSecret(), "HS256", [][2]any{
		{"client_id", "web"},
	})

	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"request": object}), nil)
	if oerr == nil || oerr.Code != ErrorInvalidRequestObject {
		t.Fatalf("expected invalid_request_object for wrong alg, got %v", oerr)
	}
}

func TestRequestObjectUnsignedRejectedByDefault(t *testing.T) {
	a := newTestAuthorizer(t)
	client, _ := a.Clients().GetClient("web")

	object := buildRequestObject(t, client.SigningSecret(), "none", [][2]any{
		{"client_id", "web"},
	})

	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"request": object}), nil)
	if oerr == nil || oerr.Code != ErrorInvalidRequestObject {
		t.Fatalf("expected invalid_request_object for alg none, got %v", oerr)
	}
}

func TestRequestObjectEncrypted(t *testing.T) {
	a := newTestAuthorizer(t)
	client, _ := a.Clients().GetClient("web")

	signed := buildRequestObject(t, client.SigningSecret(), "HS256", [][2]any{
		{"client_id", "web"},
		{"scope", "openid email"},
	})

	keyAlg, _ := jose.KeyAlgorithmByName("A128KW")
	enc, _ := jose.ContentAlgorithmByName("A128CBC-HS256")
	encrypted, err := jose.Encrypt([]byte(signed), client.WrappingKey(128), keyAlg, enc,
		map[string]any{"cty": "JWT"})
	if err != nil {
		t.Fatalf("encrypting request object: %s", err)
	}

	authz, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"scope": "", "request": encrypted}), nil)
	if oerr != nil {
		t.Fatalf("authorization request failed: %s", oerr)
	}
	if len(authz.Request.Scopes) != 2 || authz.Request.Scopes[1] != "email" {
		t.Fatalf("encrypted object parameters lost: %v", authz.Request.Scopes)
	}
}

// staticRequestObjectFetcher serves request objects from a fixed map.
type staticRequestObjectFetcher struct {
	objects map[string]string
}

func (f *staticRequestObjectFetcher) FetchRequestObject(_ context.Context, uri string) ([]byte, error) {
	object, ok := f.objects[uri]
	if !ok {
		return nil, fmt.Errorf("no request object at %s", uri)
	}
	return []byte(object), nil
}

func TestRequestURIFetchedAndProcessed(t *testing.T) {
	client := testClients()[0]
	object := buildRequestObject(t, client.SigningSecret(), "HS256", [][2]any{
		{"client_id", "web"},
		{"nonce", "uri-nonce"},
	})
	fetcher := &staticRequestObjectFetcher{objects: map[string]string{
		"https://client.example/request.jwt": object,
	}}
	a := newTestAuthorizer(t, WithRequestObjectFetcher(fetcher))

	authz, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"request_uri": "https://client.example/request.jwt"}), nil)
	if oerr != nil {
		t.Fatalf("authorization request failed: %s", oerr)
	}
	if authz.Request.Nonce != "uri-nonce" {
		t.Fatalf("fetched object parameters lost: %q", authz.Request.Nonce)
	}
	if authz.Request.RequestURI != "" || authz.Request.Request != "" {
		t.Fatal("request_uri must be consumed by processing")
	}
}

func TestRequestURIFetchFailure(t *testing.T) {
	a := newTestAuthorizer(t, WithRequestObjectFetcher(&staticRequestObjectFetcher{}))
	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"request_uri": "https://client.example/gone.jwt"}), nil)
	if oerr == nil || oerr.Code != ErrorInvalidRequestURI {
		t.Fatalf("expected invalid_request_uri, got %v", oerr)
	}
}

func TestRequestURIWithoutFetcher(t *testing.T) {
	a := newTestAuthorizer(t)
	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"request_uri": "https://client.example/request.jwt"}), nil)
	if oerr == nil || oerr.Code != ErrorRequestURINotSupported {
		t.Fatalf("expected request_uri_not_supported, got %v", oerr)
	}
}

func TestRequestAndRequestURIMutuallyExclusive(t *testing.T) {
	a := newTestAuthorizer(t)
	_, oerr := a.HandleAuthorizationRequest(context.Background(), authParams(map[string]string{
		"request":     "opaque",
		"request_uri": "https://client.example/request.jwt",
	}), nil)
	if oerr == nil || oerr.Code != ErrorInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", oerr)
	}
}
