package jose

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Encrypt produces a compact JWE: a fresh content-encryption key is wrapped
// for the recipient with keyAlg and the payload is encrypted under enc.
// For the AES key wrap family the recipient is a shared secret of exactly
// the algorithm's key size. Extra protected header members may be passed in
// header; alg and enc are set by the engine.
func Encrypt(payload []byte, recipient any, keyAlg KeyAlgorithm, enc ContentAlgorithm, header map[string]any) (string, error) {
	cek := make([]byte, enc.KeyBits/8)
	if _, err := io.ReadFull(rand.Reader, cek); err != nil {
		return "", fmt.Errorf("generating content encryption key: %w", err)
	}

	encryptedKey, err := wrapKey(cek, recipient, keyAlg)
	if err != nil {
		return "", err
	}

	protected := make(map[string]any, len(header)+2)
	for k, v := range header {
		protected[k] = v
	}
	protected["alg"] = keyAlg.Name
	protected["enc"] = enc.Name
	if _, ok := protected["kid"]; !ok {
		if kid := keyID(recipient); kid != "" {
			protected["kid"] = kid
		}
	}

	headerJSON, err := json.Marshal(protected)
	if err != nil {
		return "", fmt.Errorf("marshaling header: %w", err)
	}
	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)
	aad := []byte(headerB64)

	iv, ciphertext, tag, err := encryptContent(enc, cek, payload, aad)
	if err != nil {
		return "", err
	}

	compact := headerB64 +
		"." + base64.RawURLEncoding.EncodeToString(encryptedKey) +
		"." + base64.RawURLEncoding.EncodeToString(iv) +
		"." + base64.RawURLEncoding.EncodeToString(ciphertext) +
		"." + base64.RawURLEncoding.EncodeToString(tag)
	return compact, nil
}

// Decrypt is the inverse of Encrypt. Any failure of the key unwrap, the
// authentication tag check or the padding surfaces as the single
// ErrDecryptionFailed, so a caller cannot be used as an oracle for which
// step failed.
func Decrypt(token *Token, key any) ([]byte, error) {
	if token.Kind != KindJWE {
		return nil, fmt.Errorf("%w: not an encrypted token", ErrInvalidToken)
	}
	keyAlg, err := KeyAlgorithmByName(token.Algorithm())
	if err != nil {
		return nil, err
	}
	enc, err := ContentAlgorithmByName(token.ContentEncryption())
	if err != nil {
		return nil, err
	}

	cek, ok := unwrapKey(token.EncryptedKey, key, keyAlg, enc.KeyBits/8)

	// carry on with a bogus CEK on unwrap failure so that RSA1_5 padding
	// errors and tag mismatches are indistinguishable to the caller
	if !ok {
		cek = make([]byte, enc.KeyBits/8)
		io.ReadFull(rand.Reader, cek)
	}

	headerB64 := token.Raw[:indexOfDot(token.Raw)]
	plaintext, err := decryptContent(enc, cek, token.IV, token.Ciphertext, token.Tag, []byte(headerB64))
	if err != nil || !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// DecryptCompact parses and decrypts in one step.
func DecryptCompact(raw string, key any) ([]byte, error) {
	token, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Decrypt(token, key)
}

func indexOfDot(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return i
		}
	}
	return len(s)
}

func wrapKey(cek []byte, recipient any, keyAlg KeyAlgorithm) ([]byte, error) {
	switch keyAlg.Family {
	case KeyEncryptRSA15:
		publicKey, err := rsaPublicKeyOf(recipient)
		if err != nil {
			return nil, err
		}
		return rsa.EncryptPKCS1v15(rand.Reader, publicKey, cek)

	case KeyEncryptRSAOAEP:
		publicKey, err := rsaPublicKeyOf(recipient)
		if err != nil {
			return nil, err
		}
		return rsa.EncryptOAEP(sha1.New(), rand.Reader, publicKey, cek, nil)

	case KeyWrapAES:
		kek, err := secretOf(recipient)
		if err != nil {
			return nil, err
		}
		if len(kek) != keyAlg.KeyBits/8 {
			return nil, fmt.Errorf("%s requires a %d-byte key, got %d", keyAlg.Name, keyAlg.KeyBits/8, len(kek))
		}
		return aesKeyWrap(kek, cek)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, keyAlg.Name)
}

func unwrapKey(encryptedKey []byte, key any, keyAlg KeyAlgorithm, cekSize int) ([]byte, bool) {
	switch keyAlg.Family {
	case KeyEncryptRSA15:
		privateKey, err := rsaPrivateKeyOf(key)
		if err != nil {
			return nil, false
		}
		// constant-time session key decryption: cek keeps its random
		// value when the padding check fails
		cek := make([]byte, cekSize)
		if _, err := io.ReadFull(rand.Reader, cek); err != nil {
			return nil, false
		}
		if err := rsa.DecryptPKCS1v15SessionKey(rand.Reader, privateKey, encryptedKey, cek); err != nil {
			return nil, false
		}
		return cek, true

	case KeyEncryptRSAOAEP:
		privateKey, err := rsaPrivateKeyOf(key)
		if err != nil {
			return nil, false
		}
		cek, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, privateKey, encryptedKey, nil)
		if err != nil || len(cek) != cekSize {
			return nil, false
		}
		return cek, true

	case KeyWrapAES:
		kek, err := secretOf(key)
		if err != nil || len(kek) != keyAlg.KeyBits/8 {
			return nil, false
		}
		cek, err := aesKeyUnwrap(kek, encryptedKey)
		if err != nil || len(cek) != cekSize {
			return nil, false
		}
		return cek, true
	}
	return nil, false
}

func encryptContent(enc ContentAlgorithm, cek, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	switch enc.Family {
	case ContentAESGCM:
		return encryptAESGCM(cek, plaintext, aad)
	case ContentAESCBCHMAC:
		return encryptAESCBCHMAC(enc, cek, plaintext, aad)
	}
	return nil, nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, enc.Name)
}

func decryptContent(enc ContentAlgorithm, cek, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	switch enc.Family {
	case ContentAESGCM:
		return decryptAESGCM(cek, iv, ciphertext, tag, aad)
	case ContentAESCBCHMAC:
		return decryptAESCBCHMAC(enc, cek, iv, ciphertext, tag, aad)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, enc.Name)
}

func encryptAESGCM(key, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, err
	}
	sealed := aesGCM.Seal(nil, iv, plaintext, aad)
	tag = sealed[len(sealed)-aesGCM.Overhead():]
	ciphertext = sealed[:len(sealed)-aesGCM.Overhead()]
	return iv, ciphertext, tag, nil
}

func decryptAESGCM(key, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != aesGCM.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	sealed := append(append([]byte(nil), ciphertext...), tag...)
	plaintext, err := aesGCM.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// cbcKeys splits a composite CEK into its MAC and encryption halves. The
// registered names follow RFC 7518 (MAC half first); the legacy "+" names
// follow the earlier JWE draft, which put the encryption half first.
func cbcKeys(enc ContentAlgorithm, cek []byte) (macKey, encKey []byte) {
	half := len(cek) / 2
	if enc.LegacyKeyOrder {
		return cek[half:], cek[:half]
	}
	return cek[:half], cek[half:]
}

func encryptAESCBCHMAC(enc ContentAlgorithm, cek, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	macKey, encKey := cbcKeys(enc, cek)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	tag = cbcTag(enc, macKey, aad, iv, ciphertext)
	return iv, ciphertext, tag, nil
}

func decryptAESCBCHMAC(enc ContentAlgorithm, cek, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	macKey, encKey := cbcKeys(enc, cek)

	expected := cbcTag(enc, macKey, aad, iv, ciphertext)
	if subtle.ConstantTimeCompare(expected, tag) != 1 {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(iv) != aes.BlockSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptionFailed
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// cbcTag computes the truncated HMAC over AAD || IV || C || AL, AL being
// the AAD bit length as a 64-bit big-endian integer.
func cbcTag(enc ContentAlgorithm, macKey, aad, iv, ciphertext []byte) []byte {
	al := make([]byte, 8)
	binary.BigEndian.PutUint64(al, uint64(len(aad))*8)

	mac := hmac.New(enc.Hash.New, macKey)
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(al)
	full := mac.Sum(nil)
	return full[:len(full)/2]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}

var keyWrapIV = []byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// aesKeyWrap implements the RFC 3394 key wrap; neither the standard
// library nor x/crypto ships one.
func aesKeyWrap(kek, cek []byte) ([]byte, error) {
	if len(cek)%8 != 0 || len(cek) < 16 {
		return nil, fmt.Errorf("key wrap input must be a multiple of 8 bytes")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(cek) / 8
	r := make([][]byte, n)
	for i := range r {
		r[i] = append([]byte(nil), cek[i*8:(i+1)*8]...)
	}
	a := append([]byte(nil), keyWrapIV...)

	buf := make([]byte, 16)
	for j := 0; j < 6; j++ {
		for i := 0; i < n; i++ {
			copy(buf[:8], a)
			copy(buf[8:], r[i])
			block.Encrypt(buf, buf)
			t := uint64(n*j + i + 1)
			copy(a, buf[:8])
			for k := 0; k < 8; k++ {
				a[7-k] ^= byte(t >> (8 * k))
			}
			copy(r[i], buf[8:])
		}
	}

	out := make([]byte, 0, 8+len(cek))
	out = append(out, a...)
	for i := 0; i < n; i++ {
		out = append(out, r[i]...)
	}
	return out, nil
}

func aesKeyUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, fmt.Errorf("invalid wrapped key length")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(wrapped)/8 - 1
	a := append([]byte(nil), wrapped[:8]...)
	r := make([][]byte, n)
	for i := range r {
		r[i] = append([]byte(nil), wrapped[(i+1)*8:(i+2)*8]...)
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n - 1; i >= 0; i-- {
			t := uint64(n*j + i + 1)
			copy(buf[:8], a)
			for k := 0; k < 8; k++ {
				buf[7-k] ^= byte(t >> (8 * k))
			}
			copy(buf[8:], r[i])
			block.Decrypt(buf, buf)
			copy(a, buf[:8])
			copy(r[i], buf[8:])
		}
	}

	if subtle.ConstantTimeCompare(a, keyWrapIV) != 1 {
		return nil, fmt.Errorf("integrity check failed")
	}
	cek := make([]byte, 0, n*8)
	for i := 0; i < n; i++ {
		cek = append(cek, r[i]...)
	}
	return cek, nil
}
