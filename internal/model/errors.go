package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the whole service. Callers classify with errors.Is;
// none of these are fatal to the process — the router converts every one of
// them into a user-facing reply plus an outcome tag.
var (
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation error")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrQuotaExceeded          = errors.New("quota exceeded")
	ErrBanned                 = errors.New("user banned")
	ErrUpstreamUnavailable    = errors.New("upstream unavailable")
)

// Invalid wraps ErrValidation with a formatted detail message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// CapacityExceeded wraps ErrCapacityExceeded with a formatted detail message.
func CapacityExceeded(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCapacityExceeded, fmt.Sprintf(format, args...))
}
