package jose

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// KeyResolver resolves a kid to a verification or decryption key. It is an
// explicit dependency of the callers; the engine itself never fetches keys
// as a side effect of a crypto operation.
type KeyResolver interface {
	ResolveKey(ctx context.Context, kid string) (jwk.Key, error)
}

// KeySetResolver resolves keys against a fixed, local JWK set.
type KeySetResolver struct {
	set jwk.Set
}

func NewKeySetResolver(set jwk.Set) *KeySetResolver {
	return &KeySetResolver{set: set}
}

func (r *KeySetResolver) ResolveKey(_ context.Context, kid string) (jwk.Key, error) {
	return lookupKey(r.set, kid)
}

// RemoteKeySet resolves keys against a JWK set published at a URI. The set
// is cached; a kid missing from the cached copy triggers one refresh before
// ErrKeyNotFound is surfaced, and concurrent refreshes of the same URI are
// collapsed into a single fetch.
type RemoteKeySet struct {
	uri     string
	client  *http.Client
	timeout time.Duration
	cache   *gocache.Cache
	group   singleflight.Group
}

type RemoteKeySetOption func(*RemoteKeySet)

func WithHTTPClient(client *http.Client) RemoteKeySetOption {
	return func(r *RemoteKeySet) {
		r.client = client
	}
}

func WithFetchTimeout(timeout time.Duration) RemoteKeySetOption {
	return func(r *RemoteKeySet) {
		r.timeout = timeout
	}
}

func WithCacheTTL(ttl time.Duration) RemoteKeySetOption {
	return func(r *RemoteKeySet) {
		r.cache = gocache.New(ttl, 2*ttl)
	}
}

func NewRemoteKeySet(uri string, opts ...RemoteKeySetOption) *RemoteKeySet {
	r := &RemoteKeySet{
		uri:     uri,
		client:  http.DefaultClient,
		timeout: 10 * time.Second,
		cache:   gocache.New(5*time.Minute, 10*time.Minute),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RemoteKeySet) ResolveKey(ctx context.Context, kid string) (jwk.Key, error) {
	set, err := r.keySet(ctx, false)
	if err != nil {
		return nil, err
	}
	key, err := lookupKey(set, kid)
	if err == nil {
		return key, nil
	}

	// refresh once on miss: the remote set may have rotated
	set, err = r.keySet(ctx, true)
	if err != nil {
		return nil, err
	}
	return lookupKey(set, kid)
}

func (r *RemoteKeySet) keySet(ctx context.Context, refresh bool) (jwk.Set, error) {
	if !refresh {
		if cached, ok := r.cache.Get(r.uri); ok {
			return cached.(jwk.Set), nil
		}
	}

	fetched, err, _ := r.group.Do(r.uri, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		set, err := jwk.Fetch(fetchCtx, r.uri, jwk.WithHTTPClient(r.client))
		if err != nil {
			return nil, err
		}
		r.cache.Set(r.uri, set, gocache.DefaultExpiration)
		return set, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %v", ErrKeyNotFound, r.uri, err)
	}
	return fetched.(jwk.Set), nil
}

// GenerateKeySet creates a fresh private key set covering every asymmetric
// signature family: one RSA-2048 key and one ECDSA key per supported curve.
// Each key carries its thumbprint as kid.
func GenerateKeySet() (jwk.Set, error) {
	set := jwk.NewSet()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	if err := addGeneratedKey(set, rsaKey); err != nil {
		return nil, err
	}

	for _, curve := range []elliptic.Curve{elliptic.P256(), elliptic.P384(), elliptic.P521()} {
		ecKey, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating %s key: %w", curve.Params().Name, err)
		}
		if err := addGeneratedKey(set, ecKey); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func addGeneratedKey(set jwk.Set, raw any) error {
	key, err := jwk.FromRaw(raw)
	if err != nil {
		return fmt.Errorf("creating jwk: %w", err)
	}
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return fmt.Errorf("computing thumbprint: %w", err)
	}
	key.Set(jwk.KeyIDKey, base64.RawURLEncoding.EncodeToString(thumbprint))
	key.Set(jwk.KeyUsageKey, "sig")
	return set.AddKey(key)
}

// SigningKeyFor picks a private key from the set that can produce
// signatures under alg. HMAC and "none" need no keystore entry and yield
// an error here.
func SigningKeyFor(set jwk.Set, alg SignatureAlgorithm) (jwk.Key, error) {
	if set == nil {
		return nil, fmt.Errorf("%w: empty keystore", ErrKeyNotFound)
	}
	for i := 0; i < set.Len(); i++ {
		key, _ := set.Key(i)
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		switch k := raw.(type) {
		case *rsa.PrivateKey:
			if alg.Family == FamilyRSAPKCS1 || alg.Family == FamilyRSAPSS {
				return key, nil
			}
		case *ecdsa.PrivateKey:
			if alg.Family == FamilyECDSA && k.Curve == alg.Curve {
				return key, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no signing key for %s", ErrKeyNotFound, alg.Name)
}

// DecryptionKeyFor picks a private RSA key from the set for the RSA key
// management algorithms.
func DecryptionKeyFor(set jwk.Set, keyAlg KeyAlgorithm) (jwk.Key, error) {
	if set == nil {
		return nil, fmt.Errorf("%w: empty keystore", ErrKeyNotFound)
	}
	if keyAlg.Family != KeyEncryptRSA15 && keyAlg.Family != KeyEncryptRSAOAEP {
		return nil, fmt.Errorf("%w: %s is not keystore-backed", ErrKeyNotFound, keyAlg.Name)
	}
	for i := 0; i < set.Len(); i++ {
		key, _ := set.Key(i)
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		if _, ok := raw.(*rsa.PrivateKey); ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: no RSA decryption key", ErrKeyNotFound)
}
