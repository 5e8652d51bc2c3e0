package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Middleware returns HTTP middleware that requires a valid bearer token and
// stores the resulting claims on the request context. A nil validator
// disables the check entirely.
func Middleware(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "missing authorization header")
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, "authorization header must be: Bearer <token>")
				return
			}

			claims, err := v.ValidateToken(r.Context(), token)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}

// CheckSubject verifies that userID matches the authenticated token
// subject. Requests without claims on the context pass unchecked, so the
// check is a no-op when authentication is disabled.
func CheckSubject(ctx context.Context, userID string) error {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return nil
	}
	if claims.Subject != userID {
		return fmt.Errorf("%w: %q", ErrSubjectMismatch, userID)
	}
	return nil
}
