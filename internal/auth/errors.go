package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when input fails shape or policy checks.
	ErrValidation = errors.New("validation failed")
	// ErrWeakPassword is a validation failure of the password strength policy.
	ErrWeakPassword = fmt.Errorf("%w: password does not meet strength policy", ErrValidation)

	// ErrDuplicateEmail is returned when an email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrEmailTaken is the registration-facing name of ErrDuplicateEmail.
	ErrEmailTaken = ErrDuplicateEmail
	// ErrDuplicateKey is returned when a permission catalog key already exists.
	ErrDuplicateKey = errors.New("permission key already exists")

	// ErrUnauthenticated groups credential failures so callers can answer them uniformly.
	ErrUnauthenticated    = errors.New("authentication failed")
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	ErrUserNotFound       = fmt.Errorf("%w: user not found", ErrUnauthenticated)

	// ErrInvalidToken groups every token failure.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrInvalidToken)
	ErrMissingToken = fmt.Errorf("%w: token missing", ErrInvalidToken)
	// ErrRefreshReuse is returned when an already rotated refresh token is presented again.
	ErrRefreshReuse = fmt.Errorf("%w: refresh token reuse detected", ErrInvalidToken)

	// ErrForbidden groups access-control denials.
	ErrForbidden        = errors.New("forbidden")
	ErrPermissionDenied = fmt.Errorf("%w: missing permission", ErrForbidden)
	ErrRoleDenied       = fmt.Errorf("%w: role not allowed", ErrForbidden)

	ErrConfiguration    = errors.New("invalid configuration")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("not found")
)

// StoreError wraps a backend failure so that it matches ErrStoreUnavailable
// while keeping the driver error reachable through errors.Is and errors.As.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
