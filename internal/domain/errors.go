package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")

	// ErrUserNotFound is returned when the user directory has no such identity.
	// errors.Is(err, ErrNotFound) also holds.
	ErrUserNotFound = fmt.Errorf("user %w", ErrNotFound)

	// ErrDeliveryFailed means the notification sender did not accept the code.
	// The persisted record stays valid; the caller may re-issue.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrStorageUnavailable wraps every fault coming from a backing store.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// StorageError wraps a backend fault so callers can match ErrStorageUnavailable
// while the cause stays reachable through errors.Is / errors.As.
func StorageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
