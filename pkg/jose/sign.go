package jose

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Sign computes the raw signature over signingInput. For the HMAC family
// key is a shared secret; for RSA and ECDSA it is a private key, either raw
// or as a jwk.Key. RSA-PSS and ECDSA signatures are randomized, so two
// signatures over the same input will differ.
func Sign(signingInput []byte, key any, alg SignatureAlgorithm, policy Policy) ([]byte, error) {
	switch alg.Family {
	case FamilyNone:
		if !policy.AllowNone {
			return nil, fmt.Errorf("%w: alg none is not allowed by policy", ErrUnsupportedAlgorithm)
		}
		return []byte{}, nil

	case FamilyHMAC:
		secret, err := secretOf(key)
		if err != nil {
			return nil, err
		}
		mac := hmac.New(alg.Hash.New, secret)
		mac.Write(signingInput)
		return mac.Sum(nil), nil

	case FamilyRSAPKCS1, FamilyRSAPSS:
		privateKey, err := rsaPrivateKeyOf(key)
		if err != nil {
			return nil, err
		}
		digest := digestOf(alg, signingInput)
		if alg.Family == FamilyRSAPKCS1 {
			return rsa.SignPKCS1v15(rand.Reader, privateKey, alg.Hash, digest)
		}
		return rsa.SignPSS(rand.Reader, privateKey, alg.Hash, digest, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
		})

	case FamilyECDSA:
		privateKey, err := ecdsaPrivateKeyOf(key)
		if err != nil {
			return nil, err
		}
		if privateKey.Curve != alg.Curve {
			return nil, fmt.Errorf("key curve %s does not match %s", privateKey.Curve.Params().Name, alg.Name)
		}
		digest := digestOf(alg, signingInput)
		r, s, err := ecdsa.Sign(rand.Reader, privateKey, digest)
		if err != nil {
			return nil, fmt.Errorf("signing: %w", err)
		}
		keyBytes := curveByteSize(alg)
		signature := append(padBytes(r.Bytes(), keyBytes), padBytes(s.Bytes(), keyBytes)...)
		return signature, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg.Name)
}

// Verify checks signature over signingInput. A mismatched signature yields
// (false, nil); an error is returned only for malformed input, unusable key
// material or a policy violation. HMAC comparison is constant time.
func Verify(signingInput, signature []byte, key any, alg SignatureAlgorithm, policy Policy) (bool, error) {
	switch alg.Family {
	case FamilyNone:
		if !policy.AllowNone {
			return false, fmt.Errorf("%w: alg none is not allowed by policy", ErrUnsupportedAlgorithm)
		}
		return len(signature) == 0, nil

	case FamilyHMAC:
		expected, err := Sign(signingInput, key, alg, policy)
		if err != nil {
			return false, err
		}
		return hmac.Equal(expected, signature), nil

	case FamilyRSAPKCS1, FamilyRSAPSS:
		publicKey, err := rsaPublicKeyOf(key)
		if err != nil {
			return false, err
		}
		digest := digestOf(alg, signingInput)
		if alg.Family == FamilyRSAPKCS1 {
			return rsa.VerifyPKCS1v15(publicKey, alg.Hash, digest, signature) == nil, nil
		}
		err = rsa.VerifyPSS(publicKey, alg.Hash, digest, signature, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthAuto,
		})
		return err == nil, nil

	case FamilyECDSA:
		publicKey, err := ecdsaPublicKeyOf(key)
		if err != nil {
			return false, err
		}
		keyBytes := curveByteSize(alg)
		if len(signature) != 2*keyBytes {
			return false, nil
		}
		r := new(big.Int).SetBytes(signature[:keyBytes])
		s := new(big.Int).SetBytes(signature[keyBytes:])
		digest := digestOf(alg, signingInput)
		return ecdsa.Verify(publicKey, digest, r, s), nil
	}

	return false, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg.Name)
}

// VerifyWithKeySet resolves kid against a JWK set and verifies with the
// resolved key. A kid absent from the set is ErrKeyNotFound, which is
// distinct from a failed signature check. An empty kid is accepted when
// the set holds exactly one key.
func VerifyWithKeySet(signingInput, signature []byte, kid string, set jwk.Set, alg SignatureAlgorithm, policy Policy) (bool, error) {
	if alg.Family == FamilyNone {
		return Verify(signingInput, signature, nil, alg, policy)
	}
	key, err := lookupKey(set, kid)
	if err != nil {
		return false, err
	}
	return Verify(signingInput, signature, key, alg, policy)
}

func lookupKey(set jwk.Set, kid string) (jwk.Key, error) {
	if set == nil {
		return nil, fmt.Errorf("%w: no key set supplied", ErrKeyNotFound)
	}
	if kid == "" {
		if set.Len() == 1 {
			key, _ := set.Key(0)
			return key, nil
		}
		return nil, fmt.Errorf("%w: no kid and %d candidate keys", ErrKeyNotFound, set.Len())
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return key, nil
}

func digestOf(alg SignatureAlgorithm, data []byte) []byte {
	h := alg.Hash.New()
	h.Write(data)
	return h.Sum(nil)
}

func curveByteSize(alg SignatureAlgorithm) int {
	return (alg.Curve.Params().BitSize + 7) / 8
}

func padBytes(input []byte, length int) []byte {
	padded := make([]byte, length)
	copy(padded[length-len(input):], input)
	return padded
}

// rawOf unwraps jwk.Key values into their raw crypto representation and
// passes anything else through.
func rawOf(key any) (any, error) {
	if jwkKey, ok := key.(jwk.Key); ok {
		var raw any
		if err := jwkKey.Raw(&raw); err != nil {
			return nil, fmt.Errorf("unusable key material: %w", err)
		}
		return raw, nil
	}
	return key, nil
}

func keyID(key any) string {
	if jwkKey, ok := key.(jwk.Key); ok {
		return jwkKey.KeyID()
	}
	return ""
}

func secretOf(key any) ([]byte, error) {
	raw, err := rawOf(key)
	if err != nil {
		return nil, err
	}
	switch k := raw.(type) {
	case []byte:
		return k, nil
	case string:
		return []byte(k), nil
	}
	return nil, fmt.Errorf("shared secret required, got %T", raw)
}

func rsaPrivateKeyOf(key any) (*rsa.PrivateKey, error) {
	raw, err := rawOf(key)
	if err != nil {
		return nil, err
	}
	if k, ok := raw.(*rsa.PrivateKey); ok {
		return k, nil
	}
	return nil, fmt.Errorf("RSA private key required, got %T", raw)
}

func rsaPublicKeyOf(key any) (*rsa.PublicKey, error) {
	raw, err := rawOf(key)
	if err != nil {
		return nil, err
	}
	switch k := raw.(type) {
	case *rsa.PublicKey:
		return k, nil
	case *rsa.PrivateKey:
		return &k.PublicKey, nil
	}
	return nil, fmt.Errorf("RSA public key required, got %T", raw)
}

func ecdsaPrivateKeyOf(key any) (*ecdsa.PrivateKey, error) {
	raw, err := rawOf(key)
	if err != nil {
		return nil, err
	}
	if k, ok := raw.(*ecdsa.PrivateKey); ok {
		return k, nil
	}
	return nil, fmt.Errorf("ECDSA private key required, got %T", raw)
}

func ecdsaPublicKeyOf(key any) (*ecdsa.PublicKey, error) {
	raw, err := rawOf(key)
	if err != nil {
		return nil, err
	}
	switch k := raw.(type) {
	case *ecdsa.PublicKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return &k.PublicKey, nil
	}
	return nil, fmt.Errorf("ECDSA public key required, got %T", raw)
}
