package auth

import (
	"fmt"

	"github.com/concierge-dev/concierge/pkg/config"
)

// NewValidator builds a JWTValidator from server auth configuration.
// Returns nil if authentication is not enabled.
func NewValidator(cfg *config.AuthConfig) (*JWTValidator, error) {
	if !cfg.IsEnabled() {
		return nil, nil
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}

	validator, err := NewJWTValidator(JWTValidatorConfig{
		JWKSURL:         cfg.JWKSURL,
		Secret:          cfg.Secret,
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		RefreshInterval: cfg.RefreshInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT validator: %w", err)
	}

	return validator, nil
}
