package op

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/segmentio/ksuid"

	"github.com/authlab/oidp/pkg/claims"
	"github.com/authlab/oidp/pkg/jose"
	"github.com/authlab/oidp/pkg/nonce"
)

// AuthorizationRequest is the decoded authorization endpoint input, after
// query parsing but before validation. Raw keeps the original parameters
// so a request object can be merged over them.
type AuthorizationRequest struct {
	ResponseTypes       []string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	Nonce               string
	ResponseMode        string
	Prompts             []string
	ACRValues           []string
	UILocales           []string
	MaxAge              string
	LoginHint           string
	Claims              *claims.Request
	Request             string
	RequestURI          string
	CodeChallenge       string
	CodeChallengeMethod string

	Raw url.Values
}

// ParseAuthorizationRequest decodes the request parameters. A malformed
// claims parameter is the only parse-level failure; everything else is a
// validation concern.
func ParseAuthorizationRequest(params url.Values) (*AuthorizationRequest, *Error) {
	req := &AuthorizationRequest{
		ResponseTypes:       splitSpaceList(params.Get("response_type")),
		ClientID:            params.Get("client_id"),
		RedirectURI:         params.Get("redirect_uri"),
		Scopes:              splitSpaceList(params.Get("scope")),
		State:               params.Get("state"),
		Nonce:               params.Get("nonce"),
		ResponseMode:        params.Get("response_mode"),
		Prompts:             splitSpaceList(params.Get("prompt")),
		ACRValues:           splitSpaceList(params.Get("acr_values")),
		UILocales:           splitSpaceList(params.Get("ui_locales")),
		MaxAge:              params.Get("max_age"),
		LoginHint:           params.Get("login_hint"),
		Request:             params.Get("request"),
		RequestURI:          params.Get("request_uri"),
		CodeChallenge:       params.Get("code_challenge"),
		CodeChallengeMethod: params.Get("code_challenge_method"),
		Raw:                 params,
	}

	if raw := params.Get("claims"); raw != "" {
		parsed, err := claims.ParseRequest([]byte(raw))
		if err != nil {
			return nil, &Error{
				HttpStatus:  http.StatusBadRequest,
				Code:        ErrorInvalidRequest,
				Description: fmt.Sprintf("malformed claims parameter: %s", err),
			}
		}
		req.Claims = parsed
	}
	return req, nil
}

func splitSpaceList(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Fields(value)
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// UseFragment reports whether the response types require fragment
// delivery: anything that puts a token in the front channel does.
func UseFragment(responseTypes []string) bool {
	return contains(responseTypes, "token") || contains(responseTypes, "id_token")
}

type AuthzState string

const (
	StateReceived               AuthzState = "received"
	StateRequestValidated       AuthzState = "request_validated"
	StateAwaitingAuthentication AuthzState = "awaiting_authentication"
	StateAwaitingConsent        AuthzState = "awaiting_consent"
	StateGranted                AuthzState = "granted"
	StateDenied                 AuthzState = "denied"
	StateResponseAssembled      AuthzState = "response_assembled"
	StateError                  AuthzState = "error"
)

// transitions lists the legal forward edges; StateError is reachable from
// every state and is handled separately.
var transitions = map[AuthzState][]AuthzState{
	StateReceived:               {StateRequestValidated},
	StateRequestValidated:       {StateAwaitingAuthentication, StateAwaitingConsent, StateGranted, StateDenied},
	StateAwaitingAuthentication: {StateAwaitingConsent, StateGranted, StateDenied},
	StateAwaitingConsent:        {StateGranted, StateDenied},
	StateGranted:                {StateResponseAssembled},
}

// Authorization is one pass through the authorization endpoint state
// machine. Terminal states are StateResponseAssembled, StateDenied (with
// Err set) and StateError.
type Authorization struct {
	ID       string
	State    AuthzState
	Request  *AuthorizationRequest
	Client   *Client
	Session  *Session
	Response *AuthorizationResponse
	Err      *Error
}

func (z *Authorization) advance(to AuthzState) *Error {
	for _, allowed := range transitions[z.State] {
		if allowed == to {
			z.State = to
			return nil
		}
	}
	return &Error{
		HttpStatus:  http.StatusInternalServerError,
		Code:        ErrorServerError,
		Description: fmt.Sprintf("illegal transition %s -> %s", z.State, to),
	}
}

// Authorizer drives authorization transactions: request validation, the
// authentication and consent gates, and response assembly. It is the
// transport-independent core behind the HTTP endpoints.
type Authorizer struct {
	issuer   string
	clients  ClientsRegistry
	sessions SessionStore
	source   ClaimsSource
	keys     jwk.Set
	policy   jose.Policy
	requests *RequestObjectProcessor
	fetcher  RequestObjectFetcher
	codes    nonce.Service

	accessTokenTTL time.Duration
	idTokenTTL     time.Duration

	pending map[string]*Authorization
	lock    sync.Mutex
	// per-authorization serialization, so concurrent decision posts for
	// the same transaction cannot interleave transitions
	authzLocks sync.Map
}

type AuthorizerOption func(*Authorizer)

func WithTokenTTLs(accessToken, idToken time.Duration) AuthorizerOption {
	return func(a *Authorizer) {
		a.accessTokenTTL = accessToken
		a.idTokenTTL = idToken
	}
}

func WithPolicy(policy jose.Policy) AuthorizerOption {
	return func(a *Authorizer) {
		a.policy = policy
	}
}

// WithRequestObjectFetcher enables request_uri resolution. Without a
// fetcher the parameter is rejected with request_uri_not_supported.
func WithRequestObjectFetcher(fetcher RequestObjectFetcher) AuthorizerOption {
	return func(a *Authorizer) {
		a.fetcher = fetcher
	}
}

func NewAuthorizer(issuer string, clients ClientsRegistry, sessions SessionStore,
	source ClaimsSource, keys jwk.Set, codes nonce.Service, opts ...AuthorizerOption,
) *Authorizer {
	a := &Authorizer{
		issuer:         issuer,
		clients:        clients,
		sessions:       sessions,
		source:         source,
		keys:           keys,
		codes:          codes,
		accessTokenTTL: 5 * time.Minute,
		idTokenTTL:     time.Hour,
		pending:        make(map[string]*Authorization),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.requests = NewRequestObjectProcessor(keys, a.policy)
	return a
}

// Issuer returns the issuer identifier tokens are minted under.
func (a *Authorizer) Issuer() string {
	return a.issuer
}

// Keys returns the provider's private key set.
func (a *Authorizer) Keys() jwk.Set {
	return a.keys
}

// Clients returns the client registry.
func (a *Authorizer) Clients() ClientsRegistry {
	return a.clients
}

// SupportsRequestURI reports whether a request object fetcher is
// configured.
func (a *Authorizer) SupportsRequestURI() bool {
	return a.fetcher != nil
}

func (a *Authorizer) lockAuthz(id string) func() {
	value, _ := a.authzLocks.LoadOrStore(id, &sync.Mutex{})
	mutex := value.(*sync.Mutex)
	mutex.Lock()
	return mutex.Unlock
}

func (a *Authorizer) storePending(authz *Authorization) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.pending[authz.ID] = authz
}

// Pending returns an authorization that is waiting for an authentication
// or consent decision.
func (a *Authorizer) Pending(id string) (*Authorization, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	authz, ok := a.pending[id]
	if !ok {
		return nil, fmt.Errorf("no pending authorization '%s'", id)
	}
	return authz, nil
}

func (a *Authorizer) removePending(id string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	delete(a.pending, id)
	a.authzLocks.Delete(id)
}

func (a *Authorizer) fail(authz *Authorization, e *Error) *Error {
	authz.State = StateError
	authz.Err = e
	a.removePending(authz.ID)
	return e
}

// redirectError attaches delivery details so the error travels back to the
// client instead of dying at the endpoint.
func redirectError(req *AuthorizationRequest, httpStatus int, code, description string) *Error {
	return &Error{
		HttpStatus:  httpStatus,
		Code:        code,
		Description: description,
		RedirectURI: req.RedirectURI,
		State:       req.State,
		Fragment:    UseFragment(req.ResponseTypes) || req.ResponseMode == "fragment",
	}
}

var knownResponseTypes = []string{"code", "token", "id_token"}
var knownPrompts = []string{"none", "login", "consent", "select_account"}

// HandleAuthorizationRequest validates a request and advances it as far as
// the existing browser session allows. Until the client is identified and
// its redirect URI established, errors are direct HTTP responses; from
// then on they are delivered by redirect.
func (a *Authorizer) HandleAuthorizationRequest(ctx context.Context, params url.Values, existing *Session) (*Authorization, *Error) {
	authz := &Authorization{ID: ksuid.New().String(), State: StateReceived}

	req, perr := ParseAuthorizationRequest(params)
	if perr != nil {
		return nil, a.fail(authz, perr)
	}
	authz.Request = req

	if req.ClientID == "" {
		return nil, a.fail(authz, &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorInvalidRequest,
			Description: "client_id is required",
		})
	}
	client, err := a.clients.GetClient(req.ClientID)
	if err != nil {
		return nil, a.fail(authz, &Error{
			HttpStatus:  http.StatusUnauthorized,
			Code:        ErrorUnauthorizedClient,
			Description: fmt.Sprintf("unknown client '%s'", req.ClientID),
		})
	}
	authz.Client = client

	if perr = resolveRedirectURI(client, req); perr != nil {
		return nil, a.fail(authz, perr)
	}

	// redirect URI established, errors are redirectable from here on

	if req.RequestURI != "" {
		if req.Request != "" {
			return nil, a.fail(authz, redirectError(req, http.StatusBadRequest,
				ErrorInvalidRequest, "request and request_uri are mutually exclusive"))
		}
		if a.fetcher == nil {
			return nil, a.fail(authz, redirectError(req, http.StatusBadRequest,
				ErrorRequestURINotSupported, "request_uri is not supported"))
		}
		raw, err := a.fetcher.FetchRequestObject(ctx, req.RequestURI)
		if err != nil {
			return nil, a.fail(authz, redirectError(req, http.StatusBadRequest,
				ErrorInvalidRequestURI, fmt.Sprintf("fetching request object: %s", err)))
		}
		req.Request = string(raw)
		req.RequestURI = ""
	}
	if req.Request != "" {
		merged, oerr := a.requests.Process(ctx, client, req)
		if oerr != nil {
			oerr.RedirectURI = req.RedirectURI
			oerr.State = req.State
			oerr.Fragment = UseFragment(req.ResponseTypes) || req.ResponseMode == "fragment"
			return nil, a.fail(authz, oerr)
		}
		req = merged
		authz.Request = req
		// the object may carry its own redirect_uri
		if perr = resolveRedirectURI(client, req); perr != nil {
			return nil, a.fail(authz, perr)
		}
	}

	if perr = validateRequest(client, req); perr != nil {
		return nil, a.fail(authz, perr)
	}

	session := &Session{
		ID:                  authz.ID,
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		ResponseTypes:       req.ResponseTypes,
		Scopes:              req.Scopes,
		State:               req.State,
		Nonce:               req.Nonce,
		ACRValues:           req.ACRValues,
		Claims:              req.Claims,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           time.Now(),
	}
	if existing.Authenticated() && !contains(req.Prompts, "login") {
		session.Subject = existing.Subject
		session.AuthenticatedAt = existing.AuthenticatedAt
	}
	// the session is persisted once a gate passes (Authenticate or grant),
	// so a request that dies at prompt=none leaves nothing behind
	authz.Session = session
	if e := authz.advance(StateRequestValidated); e != nil {
		return nil, a.fail(authz, e)
	}
	slog.Info("authorization request validated",
		"authorization", authz.ID, "clientID", client.ClientID, "responseTypes", req.ResponseTypes)

	if !session.Authenticated() {
		if contains(req.Prompts, "none") {
			return nil, a.fail(authz, redirectError(req, http.StatusBadRequest,
				ErrorLoginRequired, "no authenticated session and prompt=none"))
		}
		if e := authz.advance(StateAwaitingAuthentication); e != nil {
			return nil, a.fail(authz, e)
		}
		a.storePending(authz)
		return authz, nil
	}
	return a.afterAuthentication(authz)
}

func resolveRedirectURI(client *Client, req *AuthorizationRequest) *Error {
	if req.RedirectURI == "" {
		// an omitted redirect_uri is acceptable only when registration
		// leaves no ambiguity
		if client.Trusted && len(client.RedirectURIs) == 1 {
			req.RedirectURI = client.RedirectURIs[0]
			return nil
		}
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorInvalidRequest,
			Description: "redirect_uri is required",
		}
	}
	if !client.AllowedRedirectURI(req.RedirectURI) {
		// never redirect to an unregistered URI
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorInvalidRequest,
			Description: fmt.Sprintf("redirect_uri '%s' is not registered", req.RedirectURI),
		}
	}
	return nil
}

func validateRequest(client *Client, req *AuthorizationRequest) *Error {
	if len(req.ResponseTypes) == 0 {
		return redirectError(req, http.StatusBadRequest, ErrorInvalidRequest, "response_type is required")
	}
	for _, rt := range req.ResponseTypes {
		if !contains(knownResponseTypes, rt) {
			return redirectError(req, http.StatusBadRequest, ErrorUnsupportedResponseType,
				fmt.Sprintf("response type '%s' is not supported", rt))
		}
		if !client.AllowedResponseType(rt) {
			return redirectError(req, http.StatusBadRequest, ErrorUnsupportedResponseType,
				fmt.Sprintf("response type '%s' is not registered for the client", rt))
		}
	}

	switch req.ResponseMode {
	case "", "query", "fragment":
	default:
		return redirectError(req, http.StatusBadRequest, ErrorInvalidRequest,
			fmt.Sprintf("response mode '%s' is not supported", req.ResponseMode))
	}
	if req.ResponseMode == "query" && UseFragment(req.ResponseTypes) {
		return redirectError(req, http.StatusBadRequest, ErrorInvalidRequest,
			"query response mode must not be used with token-bearing response types")
	}

	if !contains(req.Scopes, "openid") {
		return redirectError(req, http.StatusBadRequest, ErrorInvalidScope, "scope must include openid")
	}
	for _, scope := range req.Scopes {
		if !client.AllowedScope(scope) {
			return redirectError(req, http.StatusBadRequest, ErrorInvalidScope,
				fmt.Sprintf("scope '%s' is not registered for the client", scope))
		}
	}

	if contains(req.ResponseTypes, "id_token") && req.Nonce == "" {
		return redirectError(req, http.StatusBadRequest, ErrorInvalidRequest,
			"nonce is required when an ID Token is returned from the authorization endpoint")
	}

	for _, prompt := range req.Prompts {
		if !contains(knownPrompts, prompt) {
			return redirectError(req, http.StatusBadRequest, ErrorInvalidRequest,
				fmt.Sprintf("prompt '%s' is not supported", prompt))
		}
	}
	if contains(req.Prompts, "none") && len(req.Prompts) > 1 {
		return redirectError(req, http.StatusBadRequest, ErrorInvalidRequest,
			"prompt none must not be combined with other prompt values")
	}

	if req.CodeChallenge == "" && req.CodeChallengeMethod != "" {
		return redirectError(req, http.StatusBadRequest, ErrorInvalidRequest,
			"code_challenge_method without code_challenge")
	}
	if req.CodeChallenge != "" {
		switch req.CodeChallengeMethod {
		case "":
			req.CodeChallengeMethod = "plain"
		case "plain", "S256":
		default:
			return redirectError(req, http.StatusBadRequest, ErrorInvalidRequest,
				fmt.Sprintf("code_challenge_method '%s' is not supported", req.CodeChallengeMethod))
		}
	}
	return nil
}

func (a *Authorizer) afterAuthentication(authz *Authorization) (*Authorization, *Error) {
	req := authz.Request
	needConsent := contains(req.Prompts, "consent") || !authz.Client.Trusted
	if needConsent {
		if contains(req.Prompts, "none") {
			return nil, a.fail(authz, redirectError(req, http.StatusBadRequest,
				ErrorConsentRequired, "consent is required and prompt=none"))
		}
		if e := authz.advance(StateAwaitingConsent); e != nil {
			return nil, a.fail(authz, e)
		}
		a.storePending(authz)
		return authz, nil
	}
	return a.grant(authz, req.Scopes)
}

// Authenticate binds the resource owner identified by the credentials to a
// pending authorization and advances it past the authentication gate.
func (a *Authorizer) Authenticate(authzID, username, password string) (*Authorization, *Error) {
	unlock := a.lockAuthz(authzID)
	defer unlock()

	authz, err := a.Pending(authzID)
	if err != nil {
		return nil, &Error{HttpStatus: http.StatusBadRequest, Code: ErrorInvalidRequest, Description: err.Error()}
	}
	if authz.State != StateAwaitingAuthentication {
		return nil, &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorInvalidRequest,
			Description: fmt.Sprintf("authorization '%s' is not awaiting authentication", authzID),
		}
	}

	subject, err := a.source.Authenticate(username, password)
	if err != nil {
		// stays in StateAwaitingAuthentication, the user may retry
		return nil, &Error{HttpStatus: http.StatusUnauthorized, Code: ErrorAccessDenied, Description: "authentication failed"}
	}

	authz.Session.Subject = subject
	authz.Session.AuthenticatedAt = time.Now()
	if err := a.sessions.SaveSession(authz.Session); err != nil {
		return nil, a.fail(authz, redirectError(authz.Request, http.StatusInternalServerError,
			ErrorServerError, "saving session"))
	}
	slog.Info("resource owner authenticated", "authorization", authz.ID, "subject", subject)
	return a.afterAuthentication(authz)
}

// Grant records consent for the given scopes and assembles the response.
func (a *Authorizer) Grant(authzID string, scopes []string) (*Authorization, *Error) {
	unlock := a.lockAuthz(authzID)
	defer unlock()

	authz, err := a.Pending(authzID)
	if err != nil {
		return nil, &Error{HttpStatus: http.StatusBadRequest, Code: ErrorInvalidRequest, Description: err.Error()}
	}
	if authz.State != StateAwaitingConsent {
		return nil, &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorInvalidRequest,
			Description: fmt.Sprintf("authorization '%s' is not awaiting consent", authzID),
		}
	}
	if len(scopes) == 0 {
		scopes = authz.Request.Scopes
	}
	return a.grant(authz, scopes)
}

// Deny terminates a pending authorization with access_denied.
func (a *Authorizer) Deny(authzID string) *Error {
	unlock := a.lockAuthz(authzID)
	defer unlock()

	authz, err := a.Pending(authzID)
	if err != nil {
		return &Error{HttpStatus: http.StatusBadRequest, Code: ErrorInvalidRequest, Description: err.Error()}
	}
	if e := authz.advance(StateDenied); e != nil {
		return a.fail(authz, e)
	}
	a.removePending(authz.ID)
	authz.Err = redirectError(authz.Request, http.StatusForbidden, ErrorAccessDenied, "the resource owner denied the request")
	slog.Info("authorization denied", "authorization", authz.ID, "clientID", authz.Client.ClientID)
	return authz.Err
}

func (a *Authorizer) grant(authz *Authorization, scopes []string) (*Authorization, *Error) {
	granted := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if contains(authz.Request.Scopes, scope) {
			granted = append(granted, scope)
		}
	}
	if !contains(granted, "openid") {
		return nil, a.fail(authz, redirectError(authz.Request, http.StatusBadRequest,
			ErrorInvalidScope, "the openid scope cannot be withheld"))
	}
	authz.Session.GrantedScopes = granted
	authz.Session.ConsentedAt = time.Now()
	if err := a.sessions.SaveSession(authz.Session); err != nil {
		return nil, a.fail(authz, redirectError(authz.Request, http.StatusInternalServerError,
			ErrorServerError, "saving session"))
	}
	if e := authz.advance(StateGranted); e != nil {
		return nil, a.fail(authz, e)
	}
	return a.assembleResponse(authz)
}

// assembleResponse mints the artifacts the response types call for, in the
// order code, access token, ID Token, so the token hashes bind over values
// that already exist.
func (a *Authorizer) assembleResponse(authz *Authorization) (*Authorization, *Error) {
	req := authz.Request
	session := authz.Session
	response := &AuthorizationResponse{
		State:    req.State,
		Fragment: UseFragment(req.ResponseTypes) || req.ResponseMode == "fragment",
	}

	if contains(req.ResponseTypes, "code") {
		code, err := a.codes.Get()
		if err != nil {
			return nil, a.fail(authz, redirectError(req, http.StatusInternalServerError,
				ErrorServerError, "issuing authorization code"))
		}
		session.Code = code
		if err := a.sessions.SaveSession(session); err != nil {
			return nil, a.fail(authz, redirectError(req, http.StatusInternalServerError,
				ErrorServerError, "saving session"))
		}
		response.Code = code
	}

	if contains(req.ResponseTypes, "token") {
		accessToken, err := a.issueAccessToken(session)
		if err != nil {
			slog.Error("issuing access token", "error", err)
			return nil, a.fail(authz, redirectError(req, http.StatusInternalServerError,
				ErrorServerError, "issuing access token"))
		}
		response.AccessToken = accessToken
		response.TokenType = "Bearer"
		response.ExpiresIn = int(a.accessTokenTTL.Seconds())
		response.Scope = strings.Join(session.GrantedScopes, " ")
	}

	if contains(req.ResponseTypes, "id_token") {
		idToken, err := a.mintIDToken(authz.Client, session, response.Code, response.AccessToken)
		if err != nil {
			slog.Error("minting id token", "error", err)
			return nil, a.fail(authz, redirectError(req, http.StatusInternalServerError,
				ErrorServerError, "minting id token"))
		}
		response.IDToken = idToken
	}

	authz.Response = response
	if e := authz.advance(StateResponseAssembled); e != nil {
		return nil, a.fail(authz, e)
	}
	a.removePending(authz.ID)
	slog.Info("authorization response assembled",
		"authorization", authz.ID, "clientID", authz.Client.ClientID, "responseTypes", req.ResponseTypes)
	return authz, nil
}
