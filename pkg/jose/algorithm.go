// Package jose implements the JOSE token engine of the provider: compact
// JWS/JWE parsing and building, signing and verification across the HMAC,
// RSA-PKCS1, RSA-PSS and ECDSA families, and JWE encryption with RSA and
// AES key management. Key material is represented as jwx jwk types; the
// primitives themselves are implemented on the standard crypto packages
// because the required algorithm surface (policy-gated "none", the legacy
// CBC+HMAC composite names) is not expressible through jwx.
package jose

import (
	"crypto"
	"crypto/elliptic"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"sort"
)

type SignatureFamily string

const (
	FamilyHMAC     SignatureFamily = "HMAC"
	FamilyRSAPKCS1 SignatureFamily = "RSA-PKCS1"
	FamilyRSAPSS   SignatureFamily = "RSA-PSS"
	FamilyECDSA    SignatureFamily = "ECDSA"
	FamilyNone     SignatureFamily = "none"
)

// SignatureAlgorithm describes a JWS algorithm as data. Curve is set for
// ECDSA only.
type SignatureAlgorithm struct {
	Name   string
	Family SignatureFamily
	Hash   crypto.Hash
	Curve  elliptic.Curve
}

const AlgorithmNone = "none"

var signatureAlgorithms = map[string]SignatureAlgorithm{
	"HS256": {Name: "HS256", Family: FamilyHMAC, Hash: crypto.SHA256},
	"HS384": {Name: "HS384", Family: FamilyHMAC, Hash: crypto.SHA384},
	"HS512": {Name: "HS512", Family: FamilyHMAC, Hash: crypto.SHA512},
	"RS256": {Name: "RS256", Family: FamilyRSAPKCS1, Hash: crypto.SHA256},
	"RS384": {Name: "RS384", Family: FamilyRSAPKCS1, Hash: crypto.SHA384},
	"RS512": {Name: "RS512", Family: FamilyRSAPKCS1, Hash: crypto.SHA512},
	"PS256": {Name: "PS256", Family: FamilyRSAPSS, Hash: crypto.SHA256},
	"PS384": {Name: "PS384", Family: FamilyRSAPSS, Hash: crypto.SHA384},
	"PS512": {Name: "PS512", Family: FamilyRSAPSS, Hash: crypto.SHA512},
	"ES256": {Name: "ES256", Family: FamilyECDSA, Hash: crypto.SHA256, Curve: elliptic.P256()},
	"ES384": {Name: "ES384", Family: FamilyECDSA, Hash: crypto.SHA384, Curve: elliptic.P384()},
	"ES512": {Name: "ES512", Family: FamilyECDSA, Hash: crypto.SHA512, Curve: elliptic.P521()},
	"none":  {Name: "none", Family: FamilyNone},
}

// SignatureAlgorithmByName resolves a JWS alg identifier to its descriptor.
func SignatureAlgorithmByName(name string) (SignatureAlgorithm, error) {
	alg, ok := signatureAlgorithms[name]
	if !ok {
		return SignatureAlgorithm{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return alg, nil
}

// SignatureAlgorithms returns the identifiers of all supported JWS
// algorithms, "none" included.
func SignatureAlgorithms() []string {
	names := make([]string, 0, len(signatureAlgorithms))
	for name := range signatureAlgorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type KeyFamily string

const (
	KeyEncryptRSA15   KeyFamily = "RSA1_5"
	KeyEncryptRSAOAEP KeyFamily = "RSA-OAEP"
	KeyWrapAES        KeyFamily = "AES-KW"
)

// KeyAlgorithm describes a JWE key management algorithm. KeyBits is the
// size of the key-encryption key for the AES key wrap family.
type KeyAlgorithm struct {
	Name    string
	Family  KeyFamily
	KeyBits int
}

var keyAlgorithms = map[string]KeyAlgorithm{
	"RSA1_5":   {Name: "RSA1_5", Family: KeyEncryptRSA15},
	"RSA-OAEP": {Name: "RSA-OAEP", Family: KeyEncryptRSAOAEP},
	"A128KW":   {Name: "A128KW", Family: KeyWrapAES, KeyBits: 128},
	"A192KW":   {Name: "A192KW", Family: KeyWrapAES, KeyBits: 192},
	"A256KW":   {Name: "A256KW", Family: KeyWrapAES, KeyBits: 256},
}

// KeyAlgorithms returns the identifiers of all supported JWE key
// management algorithms.
func KeyAlgorithms() []string {
	names := make([]string, 0, len(keyAlgorithms))
	for name := range keyAlgorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func KeyAlgorithmByName(name string) (KeyAlgorithm, error) {
	alg, ok := keyAlgorithms[name]
	if !ok {
		return KeyAlgorithm{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return alg, nil
}

type ContentFamily string

const (
	ContentAESGCM     ContentFamily = "AES-GCM"
	ContentAESCBCHMAC ContentFamily = "AES-CBC-HMAC"
)

// ContentAlgorithm describes a JWE content encryption algorithm. KeyBits is
// the full CEK size; for the CBC-HMAC composites that is the concatenation
// of the MAC and encryption halves. LegacyKeyOrder marks the pre-RFC "+"
// composite names, which split the CEK with the encryption half first.
type ContentAlgorithm struct {
	Name           string
	Family         ContentFamily
	KeyBits        int
	Hash           crypto.Hash
	LegacyKeyOrder bool
}

var contentAlgorithms = map[string]ContentAlgorithm{
	"A128GCM":       {Name: "A128GCM", Family: ContentAESGCM, KeyBits: 128},
	"A192GCM":       {Name: "A192GCM", Family: ContentAESGCM, KeyBits: 192},
	"A256GCM":       {Name: "A256GCM", Family: ContentAESGCM, KeyBits: 256},
	"A128CBC-HS256": {Name: "A128CBC-HS256", Family: ContentAESCBCHMAC, KeyBits: 256, Hash: crypto.SHA256},
	"A192CBC-HS384": {Name: "A192CBC-HS384", Family: ContentAESCBCHMAC, KeyBits: 384, Hash: crypto.SHA384},
	"A256CBC-HS512": {Name: "A256CBC-HS512", Family: ContentAESCBCHMAC, KeyBits: 512, Hash: crypto.SHA512},
	"A128CBC+HS256": {Name: "A128CBC+HS256", Family: ContentAESCBCHMAC, KeyBits: 256, Hash: crypto.SHA256, LegacyKeyOrder: true},
	"A256CBC+HS512": {Name: "A256CBC+HS512", Family: ContentAESCBCHMAC, KeyBits: 512, Hash: crypto.SHA512, LegacyKeyOrder: true},
}

// ContentAlgorithms returns the identifiers of all supported JWE content
// encryption algorithms, the legacy composite names included.
func ContentAlgorithms() []string {
	names := make([]string, 0, len(contentAlgorithms))
	for name := range contentAlgorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ContentAlgorithmByName(name string) (ContentAlgorithm, error) {
	alg, ok := contentAlgorithms[name]
	if !ok {
		return ContentAlgorithm{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return alg, nil
}

// Policy controls which otherwise supported algorithms a signer or verifier
// will actually accept. The zero value is the safe default: "none" is
// rejected. The flag travels with the caller, never through a global, so
// concurrent requests with different policies cannot interfere.
type Policy struct {
	AllowNone bool
}
