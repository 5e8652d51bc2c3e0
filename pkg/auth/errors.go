package auth

import "errors"

// Common authentication errors.
var (
	// ErrInvalidToken is returned when a token fails validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSubjectMismatch is returned when a request acts on behalf of a
	// user other than the token subject.
	ErrSubjectMismatch = errors.New("user does not match token subject")
)
