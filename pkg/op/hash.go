package op

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	secretSaltLength = 16
	secretIterations = 100000
	secretKeyLength  = 32
)

// HashSecret returns the PBKDF2 hash of a client secret as salt.key, both
// base64url encoded.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, secretSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	derivedKey := pbkdf2.Key([]byte(secret), salt, secretIterations, secretKeyLength, sha256.New)
	return base64.RawURLEncoding.EncodeToString(salt) + "." +
		base64.RawURLEncoding.EncodeToString(derivedKey), nil
}

// VerifySecretHash checks a client secret against its stored hash.
func VerifySecretHash(secret, hash string) (bool, error) {
	parts := strings.Split(hash, ".")
	if len(parts) != 2 {
		return false, fmt.Errorf("invalid hash format")
	}

	salt, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false, err
	}

	derivedKey := pbkdf2.Key([]byte(secret), salt, secretIterations, secretKeyLength, sha256.New)
	return base64.RawURLEncoding.EncodeToString(derivedKey) == parts[1], nil
}
