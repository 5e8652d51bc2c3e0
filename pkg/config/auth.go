package config

import (
	"fmt"
	"time"
)

// AuthConfig configures JWT bearer authentication for the API.
//
// Disabled by default. When enabled, /api routes require a valid token;
// /health and /metrics stay open. Keys come either from a JWKS endpoint
// (jwks_url) or a shared HMAC secret (secret) — exactly one must be set.
//
//	server:
//	  auth:
//	    enabled: true
//	    jwks_url: "https://auth.example.com/.well-known/jwks.json"
//	    issuer: "https://auth.example.com"
//	    audience: "concierge-api"
type AuthConfig struct {
	// Enabled controls whether authentication is required.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// JWKSURL is the URL to fetch the JSON Web Key Set from.
	JWKSURL string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty"`

	// Secret is a shared HMAC signing secret (HS256). Alternative to JWKSURL.
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`

	// Issuer is the expected token issuer (iss claim).
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty"`

	// Audience is the expected token audience (aud claim).
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`

	// RefreshInterval is how often the JWKS is refreshed.
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty"`

	// EnforceSubject requires the request userId to match the token subject.
	EnforceSubject bool `yaml:"enforce_subject,omitempty" json:"enforce_subject,omitempty"`
}

// SetDefaults applies default values.
func (c *AuthConfig) SetDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}
}

// Validate checks the auth configuration.
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" && c.Secret == "" {
		return fmt.Errorf("jwks_url or secret is required when auth is enabled")
	}
	if c.JWKSURL != "" && c.Secret != "" {
		return fmt.Errorf("jwks_url and secret are mutually exclusive")
	}
	if c.RefreshInterval < time.Minute {
		return fmt.Errorf("refresh_interval must be at least 1 minute")
	}
	return nil
}

// IsEnabled reports whether authentication is configured and on.
func (c *AuthConfig) IsEnabled() bool {
	return c != nil && c.Enabled
}
