package op

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/authlab/oidp/pkg/claims"
	"github.com/authlab/oidp/pkg/jose"
	"github.com/authlab/oidp/pkg/nonce"
)

const testIssuer = "https://op.example"

func testClients() []*Client {
	return []*Client{
		{
			ClientID:      "web",
			ClientSecret:  "web-secret-with-enough-entropy",
			ClientName:    "Web Client",
			RedirectURIs:  []string{"https://client.example/cb"},
			ResponseTypes: []string{"code", "token", "id_token"},
			Trusted:       true,
		},
		{
			ClientID:      "thirdparty",
			ClientSecret:  "thirdparty-secret",
			RedirectURIs:  []string{"https://third.example/cb"},
			ResponseTypes: []string{"code"},
		},
	}
}

func testUsers() []*User {
	return []*User{
		{
			Subject:  "alice-subject",
			Username: "alice",
			Password: "correct horse",
			Claims: map[string]any{
				"name":      "Alice Example",
				"email":     "alice@example.com",
				"member_of": []string{"admins", "users", "auditors"},
			},
		},
	}
}

func newTestAuthorizer(t *testing.T, opts ...AuthorizerOption) *Authorizer {
	t.Helper()
	keys, err := jose.GenerateKeySet()
	if err != nil {
		t.Fatalf("generating keys: %s", err)
	}
	codes, err := nonce.NewService()
	if err != nil {
		t.Fatalf("creating code service: %s", err)
	}
	clients := NewMemoryClientsRegistry(&StaticClientsRegistry{Clients: testClients()})
	source := &StaticClaimsSource{Users: testUsers()}
	return NewAuthorizer(testIssuer, clients, NewMemorySessionStore(), source, keys, codes, opts...)
}

func authParams(overrides map[string]string) url.Values {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", "web")
	params.Set("redirect_uri", "https://client.example/cb")
	params.Set("scope", "openid profile email")
	params.Set("state", "state-123")
	for k, v := range overrides {
		if v == "" {
			params.Del(k)
		} else {
			params.Set(k, v)
		}
	}
	return params
}

// runToResponse drives a request through authentication (and consent when
// asked for) to the assembled response.
func runToResponse(t *testing.T, a *Authorizer, params url.Values) *Authorization {
	t.Helper()
	authz, oerr := a.HandleAuthorizationRequest(context.Background(), params, nil)
	if oerr != nil {
		t.Fatalf("authorization request failed: %s", oerr)
	}
	if authz.State == StateAwaitingAuthentication {
		authz, oerr = a.Authenticate(authz.ID, "alice", "correct horse")
		if oerr != nil {
			t.Fatalf("authentication failed: %s", oerr)
		}
	}
	if authz.State == StateAwaitingConsent {
		authz, oerr = a.Grant(authz.ID, nil)
		if oerr != nil {
			t.Fatalf("consent failed: %s", oerr)
		}
	}
	if authz.State != StateResponseAssembled {
		t.Fatalf("expected assembled response, got state %s", authz.State)
	}
	return authz
}

// verifyIDToken checks the signature against the issuer keys (or the
// client secret for the HMAC family) and returns the claim set.
func verifyIDToken(t *testing.T, a *Authorizer, client *Client, raw string) *claims.Set {
	t.Helper()
	token, err := jose.Parse(raw)
	if err != nil {
		t.Fatalf("parsing id token: %s", err)
	}
	alg, err := jose.SignatureAlgorithmByName(token.Algorithm())
	if err != nil {
		t.Fatalf("id token alg: %s", err)
	}

	var ok bool
	if alg.Family == jose.FamilyHMAC {
		ok, err = jose.Verify(token.SigningInput, token.Signature, client.SigningSecret(), alg, jose.Policy{})
	} else {
		ok, err = jose.VerifyWithKeySet(token.SigningInput, token.Signature, token.KeyID(), a.Keys(), alg, jose.Policy{})
	}
	if err != nil {
		t.Fatalf("verifying id token: %s", err)
	}
	if !ok {
		t.Fatal("id token signature did not verify")
	}

	set, err := token.Claims()
	if err != nil {
		t.Fatalf("id token claims: %s", err)
	}
	return set
}

func TestAuthorizationCodeFlow(t *testing.T) {
	a := newTestAuthorizer(t)

	authz := runToResponse(t, a, authParams(nil))
	response := authz.Response
	if response.Code == "" {
		t.Fatal("expected an authorization code")
	}
	if response.State != "state-123" {
		t.Fatalf("state not echoed: %q", response.State)
	}
	if response.Fragment {
		t.Fatal("code flow must use the query component")
	}
	redirect := response.RedirectURL("https://client.example/cb")
	if !strings.Contains(redirect, "?code=") && !strings.Contains(redirect, "&code=") {
		t.Fatalf("code missing from redirect: %s", redirect)
	}

	tokens, oerr := a.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         response.Code,
		RedirectURI:  "https://client.example/cb",
		ClientID:     "web",
		ClientSecret: "web-secret-with-enough-entropy",
	})
	if oerr != nil {
		t.Fatalf("exchange failed: %s", oerr)
	}
	if tokens.AccessToken == "" || tokens.IDToken == "" {
		t.Fatal("expected access token and id token")
	}
	if tokens.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", tokens.TokenType)
	}

	client, _ := a.Clients().GetClient("web")
	set := verifyIDToken(t, a, client, tokens.IDToken)
	if set.String("iss") != testIssuer || set.String("sub") != "alice-subject" || set.String("aud") != "web" {
		t.Fatalf("unexpected id token claims: iss=%q sub=%q aud=%q",
			set.String("iss"), set.String("sub"), set.String("aud"))
	}

	alg, _ := jose.SignatureAlgorithmByName("RS256")
	if set.String("at_hash") != TokenHash(tokens.AccessToken, alg) {
		t.Fatal("at_hash does not bind the access token")
	}
	if set.Has("c_hash") {
		t.Fatal("c_hash must not appear after the code is redeemed")
	}
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	a := newTestAuthorizer(t)
	authz := runToResponse(t, a, authParams(nil))

	request := &TokenRequest{
		GrantType:    "authorization_code",
		Code:         authz.Response.Code,
		RedirectURI:  "https://client.example/cb",
		ClientID:     "web",
		ClientSecret: "web-secret-with-enough-entropy",
	}
	if _, oerr := a.Exchange(context.Background(), request); oerr != nil {
		t.Fatalf("first exchange failed: %s", oerr)
	}
	_, oerr := a.Exchange(context.Background(), request)
	if oerr == nil || oerr.Code != ErrorInvalidGrant {
		t.Fatalf("expected invalid_grant on replay, got %v", oerr)
	}
}

func TestUnknownClientIsNotRedirected(t *testing.T) {
	a := newTestAuthorizer(t)
	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"client_id": "ghost"}), nil)
	if oerr == nil {
		t.Fatal("expected an error")
	}
	if oerr.HttpStatus != http.StatusUnauthorized || oerr.Code != ErrorUnauthorizedClient {
		t.Fatalf("expected 401 unauthorized_client, got %d %s", oerr.HttpStatus, oerr.Code)
	}
	if oerr.Redirectable() {
		t.Fatal("unknown client errors must never redirect")
	}
}

func TestUnregisteredRedirectURIIsNotRedirected(t *testing.T) {
	a := newTestAuthorizer(t)
	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"redirect_uri": "https://evil.example/cb"}), nil)
	if oerr == nil || oerr.Redirectable() {
		t.Fatalf("expected a direct error, got %v", oerr)
	}
	if oerr.Code != ErrorInvalidRequest {
		t.Fatalf("expected invalid_request, got %s", oerr.Code)
	}
}

func TestScopeWithoutOpenid(t *testing.T) {
	a := newTestAuthorizer(t)
	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"scope": "profile email"}), nil)
	if oerr == nil || oerr.Code != ErrorInvalidScope {
		t.Fatalf("expected invalid_scope, got %v", oerr)
	}
	if !oerr.Redirectable() || oerr.State != "state-123" {
		t.Fatalf("scope errors must redirect with state, got %+v", oerr)
	}
}

func TestPromptNoneWithoutSession(t *testing.T) {
	a := newTestAuthorizer(t)
	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"prompt": "none"}), nil)
	if oerr == nil || oerr.Code != ErrorLoginRequired {
		t.Fatalf("expected login_required, got %v", oerr)
	}
	if !oerr.Redirectable() {
		t.Fatal("login_required must be delivered by redirect")
	}
}

// recordingSessionStore counts writes so a test can assert nothing was
// persisted.
type recordingSessionStore struct {
	SessionStore
	saved int
}

func (s *recordingSessionStore) SaveSession(session *Session) error {
	s.saved++
	return s.SessionStore.SaveSession(session)
}

func TestPromptNoneFailureLeavesNoSession(t *testing.T) {
	keys, err := jose.GenerateKeySet()
	if err != nil {
		t.Fatalf("generating keys: %s", err)
	}
	codes, err := nonce.NewService()
	if err != nil {
		t.Fatalf("creating code service: %s", err)
	}
	store := &recordingSessionStore{SessionStore: NewMemorySessionStore()}
	clients := NewMemoryClientsRegistry(&StaticClientsRegistry{Clients: testClients()})
	a := NewAuthorizer(testIssuer, clients, store, &StaticClaimsSource{Users: testUsers()}, keys, codes)

	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"prompt": "none"}), nil)
	if oerr == nil || oerr.Code != ErrorLoginRequired {
		t.Fatalf("expected login_required, got %v", oerr)
	}
	if store.saved != 0 {
		t.Fatalf("failed request must not persist a session, got %d writes", store.saved)
	}
}

func TestPromptNoneIsExclusive(t *testing.T) {
	a := newTestAuthorizer(t)
	for _, prompt := range []string{"none login", "none consent", "login none"} {
		_, oerr := a.HandleAuthorizationRequest(context.Background(),
			authParams(map[string]string{"prompt": prompt}), nil)
		if oerr == nil || oerr.Code != ErrorInvalidRequest {
			t.Fatalf("prompt=%q: expected invalid_request, got %v", prompt, oerr)
		}
	}
}

func TestPromptNoneWithAuthenticatedSession(t *testing.T) {
	a := newTestAuthorizer(t)

	// establish an authenticated session first
	first := runToResponse(t, a, authParams(nil))

	authz, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"prompt": "none"}), first.Session)
	if oerr != nil {
		t.Fatalf("prompt=none with session failed: %s", oerr)
	}
	if authz.State != StateResponseAssembled {
		t.Fatalf("expected silent completion, got state %s", authz.State)
	}
	if authz.Session.Subject != "alice-subject" {
		t.Fatalf("subject not resumed: %q", authz.Session.Subject)
	}
}

func TestImplicitFlowRequiresNonce(t *testing.T) {
	a := newTestAuthorizer(t)
	_, oerr := a.HandleAuthorizationRequest(context.Background(),
		authParams(map[string]string{"response_type": "id_token token"}), nil)
	if oerr == nil || oerr.Code != ErrorInvalidRequest {
		t.Fatalf("expected invalid_request for missing nonce, got %v", oerr)
	}
}

func TestImplicitFlowFragmentResponse(t *testing.T) {
	a := newTestAuthorizer(t)
	authz := runToResponse(t, a, authParams(map[string]string{
		"response_type": "id_token token",
		"nonce":         "n-0S6_WzA2Mj",
	}))
	response := authz.Response

	if !response.Fragment {
		t.Fatal("token-bearing responses must use the fragment")
	}
	if response.Code != "" {
		t.Fatal("no code was requested")
	}
	if response.AccessToken == "" || response.IDToken == "" {
		t.Fatal("expected access token and id token in the fragment")
	}
	if !strings.Contains(response.RedirectURL("https://client.example/cb"), "#") {
		t.Fatal("redirect must carry the response in the fragment")
	}

	client, _ := a.Clients().GetClient("web")
	set := verifyIDToken(t, a, client, response.IDToken)
	if set.String("nonce") != "n-0S6_WzA2Mj" {
		t.Fatalf("nonce not echoed in id token: %q", set.String("nonce"))
	}
	alg, _ := jose.SignatureAlgorithmByName("RS256")
	if set.String("at_hash") != TokenHash(response.AccessToken, alg) {
		t.Fatal("at_hash does not bind the access token")
	}
	if set.Has("c_hash") {
		t.Fatal("c_hash without a code")
	}
}

func TestHybridFlowCodeHash(t *testing.T) {
	a := newTestAuthorizer(t)
	authz := runToResponse(t, a, authParams(map[string]string{
		"response_type": "code id_token",
		"nonce":         "hybrid-nonce",
	}))
	response := authz.Response

	client, _ := a.Clients().GetClient("web")
	set := verifyIDToken(t, a, client, response.IDToken)
	alg, _ := jose.SignatureAlgorithmByName("RS256")
	if set.String("c_hash") != TokenHash(response.Code, alg) {
		t.Fatal("c_hash does not bind the code")
	}
	if set.Has("at_hash") {
		t.Fatal("at_hash without an access token")
	}
}

func TestConsentRequiredForUntrustedClient(t *testing.T) {
	a := newTestAuthorizer(t)
	params := authParams(map[string]string{
		"client_id":    "thirdparty",
		"redirect_uri": "https://third.example/cb",
		"scope":        "openid email",
	})

	authz, oerr := a.HandleAuthorizationRequest(context.Background(), params, nil)
	if oerr != nil {
		t.Fatalf("authorization request failed: %s", oerr)
	}
	authz, oerr = a.Authenticate(authz.ID, "alice", "correct horse")
	if oerr != nil {
		t.Fatalf("authentication failed: %s", oerr)
	}
	if authz.State != StateAwaitingConsent {
		t.Fatalf("expected consent gate, got state %s", authz.State)
	}

	authz, oerr = a.Grant(authz.ID, []string{"openid", "email"})
	if oerr != nil {
		t.Fatalf("consent failed: %s", oerr)
	}
	if authz.State != StateResponseAssembled {
		t.Fatalf("expected assembled response, got %s", authz.State)
	}
}

func TestDenyDeliversAccessDenied(t *testing.T) {
	a := newTestAuthorizer(t)
	params := authParams(map[string]string{
		"client_id":    "thirdparty",
		"redirect_uri": "https://third.example/cb",
		"scope":        "openid",
	})

	authz, oerr := a.HandleAuthorizationRequest(context.Background(), params, nil)
	if oerr != nil {
		t.Fatalf("authorization request failed: %s", oerr)
	}
	authz, oerr = a.Authenticate(authz.ID, "alice", "correct horse")
	if oerr != nil {
		t.Fatalf("authentication failed: %s", oerr)
	}

	denyErr := a.Deny(authz.ID)
	if denyErr == nil || denyErr.Code != ErrorAccessDenied {
		t.Fatalf("expected access_denied, got %v", denyErr)
	}
	if !denyErr.Redirectable() || denyErr.State != "state-123" {
		t.Fatalf("denial must redirect with state: %+v", denyErr)
	}
	if !strings.Contains(denyErr.RedirectURL(), "error=access_denied") {
		t.Fatalf("unexpected redirect: %s", denyErr.RedirectURL())
	}
}

func TestWrongCredentialsKeepAuthorizationPending(t *testing.T) {
	a := newTestAuthorizer(t)
	authz, oerr := a.HandleAuthorizationRequest(context.Background(), authParams(nil), nil)
	if oerr != nil {
		t.Fatalf("authorization request failed: %s", oerr)
	}

	if _, oerr := a.Authenticate(authz.ID, "alice", "wrong"); oerr == nil {
		t.Fatal("expected authentication failure")
	}
	pending, err := a.Pending(authz.ID)
	if err != nil {
		t.Fatalf("authorization dropped after failed login: %s", err)
	}
	if pending.State != StateAwaitingAuthentication {
		t.Fatalf("unexpected state %s", pending.State)
	}

	if _, oerr := a.Authenticate(authz.ID, "alice", "correct horse"); oerr != nil {
		t.Fatalf("retry failed: %s", oerr)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	a := newTestAuthorizer(t)
	authz, oerr := a.HandleAuthorizationRequest(context.Background(), authParams(nil), nil)
	if oerr != nil {
		t.Fatalf("authorization request failed: %s", oerr)
	}
	if authz.State != StateAwaitingAuthentication {
		t.Fatalf("unexpected state %s", authz.State)
	}

	// consent before authentication is not a legal edge
	if _, oerr := a.Grant(authz.ID, nil); oerr == nil {
		t.Fatal("expected grant before authentication to fail")
	}
}

func TestPKCERoundTrip(t *testing.T) {
	a := newTestAuthorizer(t)
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	authz := runToResponse(t, a, authParams(map[string]string{
		"code_challenge":        challenge,
		"code_challenge_method": "S256",
	}))

	request := &TokenRequest{
		GrantType:    "authorization_code",
		Code:         authz.Response.Code,
		RedirectURI:  "https://client.example/cb",
		ClientID:     "web",
		ClientSecret: "web-secret-with-enough-entropy",
	}
	if _, oerr := a.Exchange(context.Background(), request); oerr == nil || oerr.Code != ErrorInvalidGrant {
		t.Fatalf("expected invalid_grant without verifier, got %v", oerr)
	}

	// the code is burned; run the flow again with the verifier supplied
	authz = runToResponse(t, a, authParams(map[string]string{
		"code_challenge":        challenge,
		"code_challenge_method": "S256",
	}))
	request.Code = authz.Response.Code
	request.CodeVerifier = verifier
	if _, oerr := a.Exchange(context.Background(), request); oerr != nil {
		t.Fatalf("exchange with verifier failed: %s", oerr)
	}
}

func TestIDTokenHMACSigning(t *testing.T) {
	a := newTestAuthorizer(t)
	client, _ := a.Clients().GetClient("web")
	client.IDTokenSignedResponseAlg = "HS256"
	defer func() { client.IDTokenSignedResponseAlg = "" }()

	authz := runToResponse(t, a, authParams(map[string]string{
		"response_type": "id_token",
		"nonce":         "hmac-nonce",
	}))
	set := verifyIDToken(t, a, client, authz.Response.IDToken)
	if set.String("sub") != "alice-subject" {
		t.Fatalf("unexpected sub: %q", set.String("sub"))
	}
}

func TestIDTokenNestedEncryption(t *testing.T) {
	a := newTestAuthorizer(t)
	client, _ := a.Clients().GetClient("web")
	client.IDTokenSignedResponseAlg = "ES256"
	client.IDTokenEncryptedResponseAlg = "A128KW"
	client.IDTokenEncryptedResponseEnc = "A128CBC-HS256"
	defer func() {
		client.IDTokenSignedResponseAlg = ""
		client.IDTokenEncryptedResponseAlg = ""
		client.IDTokenEncryptedResponseEnc = ""
	}()

	authz := runToResponse(t, a, authParams(map[string]string{
		"response_type": "id_token",
		"nonce":         "jwe-nonce",
	}))

	outer, err := jose.Parse(authz.Response.IDToken)
	if err != nil {
		t.Fatalf("parsing outer token: %s", err)
	}
	if outer.Kind != jose.KindJWE || outer.ContentType() != "JWT" {
		t.Fatalf("expected nested JWE, got kind=%v cty=%q", outer.Kind, outer.ContentType())
	}

	inner, err := jose.Decrypt(outer, client.WrappingKey(128))
	if err != nil {
		t.Fatalf("decrypting id token: %s", err)
	}
	set := verifyIDToken(t, a, client, string(inner))
	if set.String("nonce") != "jwe-nonce" {
		t.Fatalf("nonce lost through encryption: %q", set.String("nonce"))
	}
}

func TestRequestedClaimsInIDToken(t *testing.T) {
	a := newTestAuthorizer(t)
	authz := runToResponse(t, a, authParams(map[string]string{
		"response_type": "id_token",
		"nonce":         "claims-nonce",
		"scope":         "openid",
		"claims":        `{"id_token":{"member_of":null,"email":{"essential":true}}}`,
	}))

	client, _ := a.Clients().GetClient("web")
	set := verifyIDToken(t, a, client, authz.Response.IDToken)
	memberOf := set.StringList("member_of")
	if len(memberOf) != 3 || memberOf[0] != "admins" || memberOf[2] != "auditors" {
		t.Fatalf("multivalued claim mangled: %v", memberOf)
	}
	if set.String("email") != "alice@example.com" {
		t.Fatalf("essential claim missing: %q", set.String("email"))
	}
}
