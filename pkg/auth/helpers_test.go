package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	testIssuer   = "https://auth.example.com"
	testAudience = "concierge-api"
	testSecret   = "0123456789abcdef0123456789abcdef"
)

// newJWKSServer serves a JWKS containing the public half of a freshly
// generated RSA key and returns the key plus the JWKS URL.
func newJWKSServer(t testing.TB) (*rsa.PrivateKey, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}

	key, err := jwk.FromRaw(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("failed to build JWK: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key-id"); err != nil {
		t.Fatalf("failed to set kid: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("failed to set alg: %v", err)
	}

	keyset := jwk.NewSet()
	if err := keyset.AddKey(key); err != nil {
		t.Fatalf("failed to add key: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	t.Cleanup(server.Close)

	return privateKey, server.URL + "/.well-known/jwks.json"
}

func newTestToken(t testing.TB, issuer, audience, subject string, extra map[string]any) jwt.Token {
	t.Helper()

	token := jwt.New()
	set := func(key string, value any) {
		if err := token.Set(key, value); err != nil {
			t.Fatalf("failed to set %s: %v", key, err)
		}
	}
	set(jwt.IssuerKey, issuer)
	set(jwt.AudienceKey, audience)
	set(jwt.SubjectKey, subject)
	set(jwt.IssuedAtKey, time.Now())
	set(jwt.ExpirationKey, time.Now().Add(time.Hour))
	for key, value := range extra {
		set(key, value)
	}
	return token
}

// signRS256 signs a token with the private key served by newJWKSServer.
func signRS256(t testing.TB, privateKey *rsa.PrivateKey, token jwt.Token) string {
	t.Helper()

	key, err := jwk.FromRaw(privateKey)
	if err != nil {
		t.Fatalf("failed to build signing key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key-id"); err != nil {
		t.Fatalf("failed to set kid: %v", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return string(signed)
}

func signHS256(t testing.TB, secret string, token jwt.Token) string {
	t.Helper()

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(secret)))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return string(signed)
}

// newHMACValidator is the cheap validator used by middleware tests.
func newHMACValidator(t testing.TB) *JWTValidator {
	t.Helper()

	validator, err := NewJWTValidator(JWTValidatorConfig{
		Secret:   testSecret,
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	return validator
}
