package jose

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/authlab/oidp/pkg/claims"
)

type Kind int

const (
	KindJWS Kind = iota + 1
	KindJWE
)

// Token is a parsed compact JWS or JWE. Parsing performs no cryptographic
// validation; header and payload are readable before (and independent of)
// signature verification or decryption.
type Token struct {
	Raw    string
	Kind   Kind
	Header map[string]any

	// JWS
	SigningInput []byte
	Payload      []byte
	Signature    []byte

	// JWE
	EncryptedKey []byte
	IV           []byte
	Ciphertext   []byte
	Tag          []byte
}

// Parse splits a compact serialized token into its segments and checks the
// structural invariants: the segment count must match what the header
// declares (three for a JWS, five for a JWE), and a JWS with alg "none"
// must carry an empty signature segment. Violations are parse errors, not
// verification failures.
func Parse(raw string) (*Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	parts := strings.Split(raw, ".")

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: decoding header: %v", ErrInvalidToken, err)
	}
	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling header: %v", ErrInvalidToken, err)
	}

	token := &Token{Raw: raw, Header: header}

	_, encrypted := header["enc"]
	if encrypted {
		if len(parts) != 5 {
			return nil, fmt.Errorf("%w: JWE must have 5 segments, got %d", ErrInvalidToken, len(parts))
		}
		token.Kind = KindJWE
		segments := []*[]byte{&token.EncryptedKey, &token.IV, &token.Ciphertext, &token.Tag}
		for i, dst := range segments {
			if *dst, err = base64.RawURLEncoding.DecodeString(parts[i+1]); err != nil {
				return nil, fmt.Errorf("%w: decoding segment %d: %v", ErrInvalidToken, i+1, err)
			}
		}
		return token, nil
	}

	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: JWS must have 3 segments, got %d", ErrInvalidToken, len(parts))
	}
	token.Kind = KindJWS
	token.SigningInput = []byte(parts[0] + "." + parts[1])
	if token.Payload, err = base64.RawURLEncoding.DecodeString(parts[1]); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %v", ErrInvalidToken, err)
	}
	if token.Signature, err = base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return nil, fmt.Errorf("%w: decoding signature: %v", ErrInvalidToken, err)
	}
	if token.Algorithm() == AlgorithmNone && len(token.Signature) != 0 {
		return nil, fmt.Errorf("%w: alg none with non-empty signature", ErrInvalidToken)
	}
	return token, nil
}

func (t *Token) headerString(name string) string {
	if v, ok := t.Header[name].(string); ok {
		return v
	}
	return ""
}

// Algorithm returns the alg header value.
func (t *Token) Algorithm() string {
	return t.headerString("alg")
}

// ContentEncryption returns the enc header value of a JWE.
func (t *Token) ContentEncryption() string {
	return t.headerString("enc")
}

// KeyID returns the kid header value.
func (t *Token) KeyID() string {
	return t.headerString("kid")
}

// ContentType returns the cty header value ("JWT" marks a nested token).
func (t *Token) ContentType() string {
	return t.headerString("cty")
}

// Claims decodes the JWS payload as an ordered claim set. It does not
// validate the signature; parse and verify are separate operations.
func (t *Token) Claims() (*claims.Set, error) {
	if t.Kind != KindJWS {
		return nil, fmt.Errorf("%w: claims of an encrypted token are not accessible before decryption", ErrInvalidToken)
	}
	set, err := claims.ParseSet(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return set, nil
}

// Builder assembles a signed or encrypted compact token. Claims keep their
// insertion order in the payload.
type Builder struct {
	header map[string]any
	claims *claims.Set
}

func NewBuilder() *Builder {
	return &Builder{
		header: make(map[string]any),
		claims: claims.NewSet(),
	}
}

func (b *Builder) Header(name string, value any) *Builder {
	b.header[name] = value
	return b
}

func (b *Builder) Claim(name string, value any) *Builder {
	b.claims.Set(name, value)
	return b
}

// Claims merges a whole claim set into the payload.
func (b *Builder) Claims(set *claims.Set) *Builder {
	b.claims.Merge(set)
	return b
}

func (b *Builder) payloadJSON() ([]byte, error) {
	return json.Marshal(b.claims)
}

// SignCompact produces the three-segment compact JWS. With alg "none" the
// signature segment is empty, which requires a policy that allows it.
func (b *Builder) SignCompact(key any, alg SignatureAlgorithm, policy Policy) (string, error) {
	header := make(map[string]any, len(b.header)+2)
	for k, v := range b.header {
		header[k] = v
	}
	header["alg"] = alg.Name
	if _, ok := header["typ"]; !ok {
		header["typ"] = "JWT"
	}
	if _, ok := header["kid"]; !ok {
		if kid := keyID(key); kid != "" {
			header["kid"] = kid
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshaling header: %w", err)
	}
	payloadJSON, err := b.payloadJSON()
	if err != nil {
		return "", fmt.Errorf("marshaling claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)

	signature, err := Sign([]byte(signingInput), key, alg, policy)
	if err != nil {
		return "", err
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// EncryptCompact produces the five-segment compact JWE with the claims as
// plaintext.
func (b *Builder) EncryptCompact(recipient any, keyAlg KeyAlgorithm, enc ContentAlgorithm) (string, error) {
	payloadJSON, err := b.payloadJSON()
	if err != nil {
		return "", fmt.Errorf("marshaling claims: %w", err)
	}
	return Encrypt(payloadJSON, recipient, keyAlg, enc, b.header)
}
