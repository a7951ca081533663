package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrAuthorization       = errors.New("authorization error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrExternalProvider    = errors.New("external provider error")
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrIllegalTransition = fmt.Errorf("%w: illegal state transition", ErrValidation)
)

// KindOf names the taxonomy bucket of err, for logs, metric labels and
// status mapping. Unclassified errors are "internal".
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrResourceUnavailable):
		return "resource_unavailable"
	case errors.Is(err, ErrExternalProvider):
		return "external_provider"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	default:
		return "internal"
	}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
