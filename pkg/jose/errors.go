package jose

import "errors"

var (
	// ErrUnsupportedAlgorithm is returned for unknown algorithm identifiers
	// and for algorithms that are disabled by the active Policy.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrKeyNotFound is returned when a kid cannot be resolved against the
	// supplied key material. It is distinct from a failed signature check.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidSignature is returned by operations that require a verified
	// token and got one whose signature does not check out.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrDecryptionFailed covers key unwrap failures, authentication tag
	// mismatches and malformed ciphertext alike. The cause is deliberately
	// not exposed.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidToken is returned when a compact token does not match the
	// structure its header declares.
	ErrInvalidToken = errors.New("invalid token")
)
