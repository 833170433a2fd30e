package op

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"github.com/authlab/oidp/pkg/jose"
)

func TestResponseRedirectURLQuery(t *testing.T) {
	response := &AuthorizationResponse{Code: "abc", State: "xyz"}
	redirect := response.RedirectURL("https://client.example/cb")

	parsed, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	query := parsed.Query()
	if query.Get("code") != "abc" || query.Get("state") != "xyz" {
		t.Fatalf("unexpected query: %s", parsed.RawQuery)
	}
	if parsed.Fragment != "" {
		t.Fatal("query mode must not touch the fragment")
	}
}

func TestResponseRedirectURLFragment(t *testing.T) {
	response := &AuthorizationResponse{
		AccessToken: "at",
		TokenType:   "Bearer",
		ExpiresIn:   300,
		Scope:       "openid",
		IDToken:     "idt",
		State:       "xyz",
		Fragment:    true,
	}
	redirect := response.RedirectURL("https://client.example/cb")
	if !strings.Contains(redirect, "#") {
		t.Fatalf("expected fragment delivery: %s", redirect)
	}
	fragment := redirect[strings.Index(redirect, "#")+1:]
	values, err := url.ParseQuery(fragment)
	if err != nil {
		t.Fatalf("parsing fragment: %s", err)
	}
	if values.Get("access_token") != "at" || values.Get("id_token") != "idt" {
		t.Fatalf("unexpected fragment: %s", fragment)
	}
	if values.Get("expires_in") != "300" {
		t.Fatalf("unexpected expires_in: %s", values.Get("expires_in"))
	}
}

func TestTokenHashLengths(t *testing.T) {
	cases := map[string]int{
		"RS256": 16,
		"ES384": 24,
		"HS512": 32,
		"none":  16,
	}
	for algName, expected := range cases {
		alg, err := jose.SignatureAlgorithmByName(algName)
		if err != nil {
			t.Fatalf("%s: %s", algName, err)
		}
		hash := TokenHash("some-token-value", alg)
		decoded, err := base64.RawURLEncoding.DecodeString(hash)
		if err != nil {
			t.Fatalf("%s: decoding hash: %s", algName, err)
		}
		if len(decoded) != expected {
			t.Fatalf("%s: expected %d bytes, got %d", algName, expected, len(decoded))
		}
	}
}

func TestTokenHashDeterministic(t *testing.T) {
	alg, _ := jose.SignatureAlgorithmByName("RS256")
	first := TokenHash("jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y", alg)
	second := TokenHash("jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y", alg)
	if first != second || first == "" {
		t.Fatal("token hash must be deterministic")
	}
}

func TestUseFragment(t *testing.T) {
	if UseFragment([]string{"code"}) {
		t.Fatal("code alone stays in the query")
	}
	for _, rt := range [][]string{{"token"}, {"id_token"}, {"code", "id_token"}, {"code", "token", "id_token"}} {
		if !UseFragment(rt) {
			t.Fatalf("%v must use the fragment", rt)
		}
	}
}
