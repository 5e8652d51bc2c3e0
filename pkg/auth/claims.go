package auth

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const claimsContextKey contextKey = "concierge_auth_claims"

// Claims is the validated identity carried by a bearer token.
type Claims struct {
	// Subject is the stable user identifier (sub claim). Requests are
	// checked against it when subject enforcement is on.
	Subject string `json:"sub"`

	// Email and Name mirror the optional profile claims; when present
	// they seed the user record on first contact.
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`

	// Custom holds any remaining private claims.
	Custom map[string]any `json:"-"`
}

// GetStringClaim returns a custom claim as a string, or "" when absent or
// not a string.
func (c *Claims) GetStringClaim(key string) string {
	if c.Custom == nil {
		return ""
	}
	if s, ok := c.Custom[key].(string); ok {
		return s
	}
	return ""
}

// ContextWithClaims returns a new context carrying the given claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext extracts claims from a context. Returns nil if no
// claims are present.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}
