package jose

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func encryptionKeyForTest(t *testing.T, keyAlg KeyAlgorithm) any {
	t.Helper()
	if keyAlg.Family == KeyWrapAES {
		kek := make([]byte, keyAlg.KeyBits/8)
		if _, err := rand.Read(kek); err != nil {
			t.Fatalf("generating kek: %s", err)
		}
		return kek
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %s", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	payload := []byte(`{"sub":"alice","member_of":["a","b","c"]}`)

	for _, keyAlgName := range KeyAlgorithms() {
		keyAlg, _ := KeyAlgorithmByName(keyAlgName)
		key := encryptionKeyForTest(t, keyAlg)

		for _, encName := range ContentAlgorithms() {
			enc, _ := ContentAlgorithmByName(encName)

			compact, err := Encrypt(payload, key, keyAlg, enc, nil)
			if err != nil {
				t.Fatalf("%s/%s: encrypt: %s", keyAlgName, encName, err)
			}
			if parts := strings.Split(compact, "."); len(parts) != 5 {
				t.Fatalf("%s/%s: expected 5 segments, got %d", keyAlgName, encName, len(parts))
			}

			plaintext, err := DecryptCompact(compact, key)
			if err != nil {
				t.Fatalf("%s/%s: decrypt: %s", keyAlgName, encName, err)
			}
			if !bytes.Equal(plaintext, payload) {
				t.Fatalf("%s/%s: round trip mismatch", keyAlgName, encName)
			}
		}
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	payload := []byte("attack at dawn")
	keyAlg, _ := KeyAlgorithmByName("A128KW")
	key := encryptionKeyForTest(t, keyAlg)

	for _, encName := range ContentAlgorithms() {
		enc, _ := ContentAlgorithmByName(encName)
		compact, err := Encrypt(payload, key, keyAlg, enc, nil)
		if err != nil {
			t.Fatalf("%s: encrypt: %s", encName, err)
		}

		token, err := Parse(compact)
		if err != nil {
			t.Fatalf("%s: parse: %s", encName, err)
		}
		token.Ciphertext[0] ^= 0x01

		if _, err := Decrypt(token, key); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("%s: expected ErrDecryptionFailed, got %v", encName, err)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	payload := []byte("secret")
	keyAlg, _ := KeyAlgorithmByName("RSA-OAEP")
	enc, _ := ContentAlgorithmByName("A256GCM")

	key := encryptionKeyForTest(t, keyAlg)
	otherKey := encryptionKeyForTest(t, keyAlg)

	compact, err := Encrypt(payload, key, keyAlg, enc, nil)
	if err != nil {
		t.Fatalf("encrypt: %s", err)
	}
	if _, err := DecryptCompact(compact, otherKey); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

// The legacy "+" composites split the CEK with the encryption half first,
// the mirror image of the RFC 7518 split.
func TestLegacyCBCKeyOrder(t *testing.T) {
	payload := []byte("legacy payload")
	keyAlg, _ := KeyAlgorithmByName("A256KW")
	key := encryptionKeyForTest(t, keyAlg)

	legacy, _ := ContentAlgorithmByName("A128CBC+HS256")
	modern, _ := ContentAlgorithmByName("A128CBC-HS256")

	cek := make([]byte, legacy.KeyBits/8)
	if _, err := rand.Read(cek); err != nil {
		t.Fatalf("generating cek: %s", err)
	}
	legacyMac, legacyEnc := cbcKeys(legacy, cek)
	modernMac, modernEnc := cbcKeys(modern, cek)
	if !bytes.Equal(legacyMac, modernEnc) || !bytes.Equal(legacyEnc, modernMac) {
		t.Fatal("expected legacy split to be the mirror of the RFC split")
	}

	compact, err := Encrypt(payload, key, keyAlg, legacy, nil)
	if err != nil {
		t.Fatalf("encrypt: %s", err)
	}
	plaintext, err := DecryptCompact(compact, key)
	if err != nil {
		t.Fatalf("decrypt: %s", err)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Fatal("legacy round trip mismatch")
	}
}

func TestEncryptRejectsWrongKekSize(t *testing.T) {
	keyAlg, _ := KeyAlgorithmByName("A256KW")
	enc, _ := ContentAlgorithmByName("A128GCM")
	if _, err := Encrypt([]byte("x"), make([]byte, 16), keyAlg, enc, nil); err == nil {
		t.Fatal("expected an error for a 16-byte kek with A256KW")
	}
}

func TestAESKeyWrapVector(t *testing.T) {
	// RFC 3394 section 4.1
	kek := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	plaintext := mustHex(t, "00112233445566778899AABBCCDDEEFF")
	expected := mustHex(t, "1FA68B0A8112B447AEF34BD8FB5A7B829D3E862371D2CFE5")

	wrapped, err := aesKeyWrap(kek, plaintext)
	if err != nil {
		t.Fatalf("wrap: %s", err)
	}
	if !bytes.Equal(wrapped, expected) {
		t.Fatalf("wrap mismatch: got %x", wrapped)
	}

	unwrapped, err := aesKeyUnwrap(kek, wrapped)
	if err != nil {
		t.Fatalf("unwrap: %s", err)
	}
	if !bytes.Equal(unwrapped, plaintext) {
		t.Fatalf("unwrap mismatch: got %x", unwrapped)
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	out, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %s", s, err)
	}
	return out
}
