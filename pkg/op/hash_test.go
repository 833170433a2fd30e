package op

import (
	"strings"
	"testing"
)

func TestSecretHashRoundTrip(t *testing.T) {
	hash, err := HashSecret("my-client-secret")
	if err != nil {
		t.Fatalf("hash: %s", err)
	}
	if len(strings.Split(hash, ".")) != 2 {
		t.Fatalf("unexpected hash format: %s", hash)
	}

	ok, err := VerifySecretHash("my-client-secret", hash)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	ok, err = VerifySecretHash("wrong-secret", hash)
	if err != nil || ok {
		t.Fatalf("expected mismatch, got ok=%v err=%v", ok, err)
	}
}

func TestSecretHashSalted(t *testing.T) {
	first, _ := HashSecret("same-secret")
	second, _ := HashSecret("same-secret")
	if first == second {
		t.Fatal("hashes must be salted")
	}
}

func TestVerifySecretHashMalformed(t *testing.T) {
	if _, err := VerifySecretHash("secret", "no-dot-here"); err == nil {
		t.Fatal("expected an error for a malformed hash")
	}
}
