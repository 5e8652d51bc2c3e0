// Package auth provides JWT bearer authentication for the HTTP API.
//
// Tokens are verified either against a JWKS endpoint (cached and refreshed
// in the background to handle key rotation) or a shared HMAC secret,
// depending on server.auth configuration. Validated claims travel on the
// request context so handlers can match the acting user against the token
// subject.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValidator validates a bearer token and extracts its claims.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// JWTValidatorConfig configures a JWTValidator. Exactly one of JWKSURL and
// Secret must be set.
type JWTValidatorConfig struct {
	JWKSURL         string
	Secret          string
	Issuer          string
	Audience        string
	RefreshInterval time.Duration
}

// JWTValidator verifies JWT signature, expiry, issuer and audience.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	secret   []byte
	issuer   string
	audience string
	cancel   context.CancelFunc
}

var _ TokenValidator = (*JWTValidator)(nil)

// NewJWTValidator creates a validator. When cfg.JWKSURL is set the keyset
// is fetched eagerly so a bad URL surfaces at startup rather than on the
// first request.
func NewJWTValidator(cfg JWTValidatorConfig) (*JWTValidator, error) {
	v := &JWTValidator{
		jwksURL:  cfg.JWKSURL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}

	switch {
	case cfg.JWKSURL != "":
		refresh := cfg.RefreshInterval
		if refresh <= 0 {
			refresh = 15 * time.Minute
		}
		ctx, cancel := context.WithCancel(context.Background())
		cache := jwk.NewCache(ctx)
		if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
		}
		if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
		}
		v.cache = cache
		v.cancel = cancel
	case cfg.Secret != "":
		v.secret = []byte(cfg.Secret)
	default:
		return nil, fmt.Errorf("either a JWKS URL or a shared secret is required")
	}

	return v, nil
}

// ValidateToken parses and validates a token, returning its claims.
// Failures wrap ErrInvalidToken.
func (v *JWTValidator) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	var opts []jwt.ParseOption
	if v.cache != nil {
		keyset, err := v.cache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(keyset))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, v.secret))
	}
	opts = append(opts, jwt.WithValidate(true))
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{
		Subject: parsed.Subject(),
		Custom:  make(map[string]any),
	}
	for key, value := range parsed.PrivateClaims() {
		switch key {
		case "email":
			if s, ok := value.(string); ok {
				claims.Email = s
			}
		case "name":
			if s, ok := value.(string); ok {
				claims.Name = s
			}
		default:
			claims.Custom[key] = value
		}
	}
	return claims, nil
}

// Close stops the background JWKS refresh.
func (v *JWTValidator) Close() {
	if v.cancel != nil {
		v.cancel()
	}
}
