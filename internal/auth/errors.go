package auth

import "errors"

// Domain errors for token handling.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
	ErrInvalidRole  = errors.New("invalid role")
	ErrNoSecret     = errors.New("signing secret is required")
	ErrForbidden    = errors.New("insufficient permissions")
)
