package op

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/segmentio/ksuid"
)

// Client is the registered metadata of a relying party. The algorithm
// preference fields name the JOSE algorithms the client registered for
// request objects, ID Tokens and UserInfo responses; an empty signing
// algorithm means the default (RS256 for ID Tokens, plain JSON for
// UserInfo).
type Client struct {
	ClientID         string   `yaml:"client_id" json:"client_id"`
	ClientSecret     string   `yaml:"client_secret" json:"client_secret,omitempty"`
	ClientSecretHash string   `yaml:"client_secret_hash" json:"-"`
	ClientName       string   `yaml:"client_name" json:"client_name,omitempty"`
	RedirectURIs     []string `yaml:"redirect_uris" json:"redirect_uris" validate:"required,min=1"`
	ResponseTypes    []string `yaml:"response_types" json:"response_types,omitempty"`
	GrantTypes       []string `yaml:"grant_types" json:"grant_types,omitempty"`
	Scopes           []string `yaml:"scopes" json:"scope,omitempty"`
	Trusted          bool     `yaml:"trusted" json:"-"`

	JwksURI string          `yaml:"jwks_uri" json:"jwks_uri,omitempty"`
	JwksRaw json.RawMessage `yaml:"jwks" json:"jwks,omitempty"`

	RequestObjectSigningAlg    string `yaml:"request_object_signing_alg" json:"request_object_signing_alg,omitempty"`
	RequestObjectEncryptionAlg string `yaml:"request_object_encryption_alg" json:"request_object_encryption_alg,omitempty"`
	RequestObjectEncryptionEnc string `yaml:"request_object_encryption_enc" json:"request_object_encryption_enc,omitempty"`

	IDTokenSignedResponseAlg    string `yaml:"id_token_signed_response_alg" json:"id_token_signed_response_alg,omitempty"`
	IDTokenEncryptedResponseAlg string `yaml:"id_token_encrypted_response_alg" json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptedResponseEnc string `yaml:"id_token_encrypted_response_enc" json:"id_token_encrypted_response_enc,omitempty"`

	UserinfoSignedResponseAlg    string `yaml:"userinfo_signed_response_alg" json:"userinfo_signed_response_alg,omitempty"`
	UserinfoEncryptedResponseAlg string `yaml:"userinfo_encrypted_response_alg" json:"userinfo_encrypted_response_alg,omitempty"`
	UserinfoEncryptedResponseEnc string `yaml:"userinfo_encrypted_response_enc" json:"userinfo_encrypted_response_enc,omitempty"`
}

func (c *Client) AllowedRedirectURI(redirectURI string) bool {
	for _, uri := range c.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func (c *Client) AllowedScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (c *Client) AllowedResponseType(responseType string) bool {
	if len(c.ResponseTypes) == 0 {
		return responseType == "code"
	}
	for _, rt := range c.ResponseTypes {
		if rt == responseType {
			return true
		}
	}
	return false
}

// SigningSecret is the key for the HMAC family: the UTF-8 bytes of the
// client secret.
func (c *Client) SigningSecret() []byte {
	return []byte(c.ClientSecret)
}

// WrappingKey derives a key-encryption key of the given bit size from the
// client secret for the symmetric key wrap algorithms.
func (c *Client) WrappingKey(bits int) []byte {
	sum := sha256.Sum256([]byte(c.ClientSecret))
	return sum[:bits/8]
}

// KeySet returns the client's published keys, inline jwks only. A client
// with a jwks_uri is resolved through a RemoteKeySet by the caller.
func (c *Client) KeySet() (jwk.Set, error) {
	if len(c.JwksRaw) == 0 {
		return nil, nil
	}
	set, err := jwk.Parse(c.JwksRaw)
	if err != nil {
		return nil, fmt.Errorf("parsing client jwks: %w", err)
	}
	return set, nil
}

// ClientsRegistry looks registered clients up by client_id.
type ClientsRegistry interface {
	GetClient(clientID string) (*Client, error)
}

// ClientRegistrar accepts dynamic registrations.
type ClientRegistrar interface {
	RegisterClient(client *Client) error
}

// StaticClientsRegistry serves a fixed client list from configuration.
type StaticClientsRegistry struct {
	Clients []*Client `yaml:"clients" validate:"required,dive,required"`
}

func (r *StaticClientsRegistry) GetClient(clientID string) (*Client, error) {
	for _, client := range r.Clients {
		if client.ClientID == clientID {
			return client, nil
		}
	}
	return nil, fmt.Errorf("client not found: '%s'", clientID)
}

// MemoryClientsRegistry layers dynamic registrations over an optional
// static registry.
type MemoryClientsRegistry struct {
	static  ClientsRegistry
	lock    sync.RWMutex
	clients map[string]*Client
}

func NewMemoryClientsRegistry(static ClientsRegistry) *MemoryClientsRegistry {
	return &MemoryClientsRegistry{
		static:  static,
		clients: make(map[string]*Client),
	}
}

func (r *MemoryClientsRegistry) GetClient(clientID string) (*Client, error) {
	r.lock.RLock()
	client, ok := r.clients[clientID]
	r.lock.RUnlock()
	if ok {
		return client, nil
	}
	if r.static != nil {
		return r.static.GetClient(clientID)
	}
	return nil, fmt.Errorf("client not found: '%s'", clientID)
}

// RegisterClient assigns client_id and, for clients without one, a fresh
// secret, and stores the registration.
func (r *MemoryClientsRegistry) RegisterClient(client *Client) error {
	if len(client.RedirectURIs) == 0 {
		return fmt.Errorf("at least one redirect_uri is required")
	}
	if client.ClientID == "" {
		client.ClientID = ksuid.New().String()
	}
	if client.ClientSecret == "" {
		client.ClientSecret = ksuid.New().String() + ksuid.New().String()
	}
	hash, err := HashSecret(client.ClientSecret)
	if err != nil {
		return fmt.Errorf("hashing client secret: %w", err)
	}
	client.ClientSecretHash = hash

	r.lock.Lock()
	defer r.lock.Unlock()
	r.clients[client.ClientID] = client
	return nil
}
