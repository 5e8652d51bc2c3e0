package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/concierge-dev/concierge/pkg/config"
)

func TestNewJWTValidator(t *testing.T) {
	_, jwksURL := newJWKSServer(t)

	tests := []struct {
		name      string
		cfg       JWTValidatorConfig
		wantError bool
	}{
		{
			name:      "jwks_url",
			cfg:       JWTValidatorConfig{JWKSURL: jwksURL, Issuer: testIssuer, Audience: testAudience},
			wantError: false,
		},
		{
			name:      "shared_secret",
			cfg:       JWTValidatorConfig{Secret: testSecret, Issuer: testIssuer, Audience: testAudience},
			wantError: false,
		},
		{
			name:      "no_key_source",
			cfg:       JWTValidatorConfig{Issuer: testIssuer, Audience: testAudience},
			wantError: true,
		},
		{
			name:      "unreachable_jwks_url",
			cfg:       JWTValidatorConfig{JWKSURL: "http://127.0.0.1:1/jwks.json"},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator, err := NewJWTValidator(tt.cfg)

			if tt.wantError {
				if err == nil {
					t.Error("NewJWTValidator() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewJWTValidator() error = %v, want nil", err)
			}
			if validator == nil {
				t.Fatal("NewJWTValidator() returned nil validator")
			}
			validator.Close()
		})
	}
}

func TestNewValidatorFromConfig(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		for _, cfg := range []*config.AuthConfig{nil, {}, {Secret: testSecret}} {
			validator, err := NewValidator(cfg)
			if err != nil {
				t.Errorf("NewValidator(%+v) error = %v, want nil", cfg, err)
			}
			if validator != nil {
				t.Errorf("NewValidator(%+v) = %v, want nil", cfg, validator)
			}
		}
	})

	t.Run("enabled_with_secret", func(t *testing.T) {
		cfg := &config.AuthConfig{Enabled: true, Secret: testSecret, Issuer: testIssuer}
		validator, err := NewValidator(cfg)
		if err != nil {
			t.Fatalf("NewValidator() error = %v, want nil", err)
		}
		if validator == nil {
			t.Fatal("NewValidator() returned nil validator")
		}
		if cfg.RefreshInterval != 15*time.Minute {
			t.Errorf("RefreshInterval = %v, want default 15m", cfg.RefreshInterval)
		}
	})

	t.Run("enabled_without_key_source", func(t *testing.T) {
		if _, err := NewValidator(&config.AuthConfig{Enabled: true}); err == nil {
			t.Error("NewValidator() expected error, got nil")
		}
	})

	t.Run("both_key_sources", func(t *testing.T) {
		cfg := &config.AuthConfig{Enabled: true, Secret: testSecret, JWKSURL: "https://auth.example.com/jwks.json"}
		if _, err := NewValidator(cfg); err == nil {
			t.Error("NewValidator() expected error, got nil")
		}
	})
}

func TestValidateTokenExtractsClaims(t *testing.T) {
	privateKey, jwksURL := newJWKSServer(t)

	validator, err := NewJWTValidator(JWTValidatorConfig{
		JWKSURL:  jwksURL,
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	defer validator.Close()

	token := newTestToken(t, testIssuer, testAudience, "user-123", map[string]any{
		"email":  "kim@example.com",
		"name":   "Kim",
		"org":    "acme",
		"logins": 42,
	})

	claims, err := validator.ValidateToken(context.Background(), signRS256(t, privateKey, token))
	if err != nil {
		t.Fatalf("ValidateToken() error = %v, want nil", err)
	}

	if claims.Subject != "user-123" {
		t.Errorf("Claims.Subject = %v, want user-123", claims.Subject)
	}
	if claims.Email != "kim@example.com" {
		t.Errorf("Claims.Email = %v, want kim@example.com", claims.Email)
	}
	if claims.Name != "Kim" {
		t.Errorf("Claims.Name = %v, want Kim", claims.Name)
	}
	if got := claims.GetStringClaim("org"); got != "acme" {
		t.Errorf("GetStringClaim(org) = %v, want acme", got)
	}
	// Numeric claims come back as float64 after the JSON round trip.
	if claims.Custom["logins"] != 42 && claims.Custom["logins"] != float64(42) {
		t.Errorf("Claims.Custom[logins] = %v, want 42", claims.Custom["logins"])
	}
	if _, ok := claims.Custom["email"]; ok {
		t.Error("email should be promoted out of Custom")
	}
}

func TestValidateTokenRejections(t *testing.T) {
	validator := newHMACValidator(t)

	expired := newTestToken(t, testIssuer, testAudience, "user-123", map[string]any{
		"iat": time.Now().Add(-2 * time.Hour),
		"exp": time.Now().Add(-time.Hour),
	})

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "wrong_issuer",
			token: signHS256(t, testSecret, newTestToken(t, "https://rogue.example.com", testAudience, "user-123", nil)),
		},
		{
			name:  "wrong_audience",
			token: signHS256(t, testSecret, newTestToken(t, testIssuer, "other-api", "user-123", nil)),
		},
		{
			name:  "expired",
			token: signHS256(t, testSecret, expired),
		},
		{
			name:  "wrong_secret",
			token: signHS256(t, "another-secret-another-secret-00", newTestToken(t, testIssuer, testAudience, "user-123", nil)),
		},
		{
			name:  "empty",
			token: "",
		},
		{
			name:  "malformed",
			token: "not-a-jwt-token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := validator.ValidateToken(context.Background(), tt.token)
			if err == nil {
				t.Fatal("ValidateToken() expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
			}
			if claims != nil {
				t.Errorf("ValidateToken() claims = %v, want nil", claims)
			}
		})
	}
}

func TestValidateTokenAcceptsValidHMAC(t *testing.T) {
	validator := newHMACValidator(t)

	token := signHS256(t, testSecret, newTestToken(t, testIssuer, testAudience, "user-456", nil))
	claims, err := validator.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v, want nil", err)
	}
	if claims.Subject != "user-456" {
		t.Errorf("Claims.Subject = %v, want user-456", claims.Subject)
	}
}

func TestValidatorClose(t *testing.T) {
	_, jwksURL := newJWKSServer(t)

	validator, err := NewJWTValidator(JWTValidatorConfig{JWKSURL: jwksURL})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	validator.Close()
	validator.Close() // idempotent

	// HMAC validators have no background refresh; Close is a no-op and
	// the validator keeps working.
	hmac := newHMACValidator(t)
	hmac.Close()
	token := signHS256(t, testSecret, newTestToken(t, testIssuer, testAudience, "user-789", nil))
	if _, err := hmac.ValidateToken(context.Background(), token); err != nil {
		t.Errorf("ValidateToken() after Close() error = %v, want nil", err)
	}
}
