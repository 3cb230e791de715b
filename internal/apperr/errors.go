// Package apperr holds the error taxonomy shared by the relay.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrStorage     = errors.New("storage fault")
	ErrDelivery    = errors.New("delivery fault")
	ErrRateLimited = errors.New("rate limited")
)

// Validation wraps ErrValidation with a reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Storage wraps an underlying persistence error as a StorageFault.
// A nil err stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// Retryable reports whether the caller may retry the operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// Code returns a short machine readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrDelivery):
		return "delivery"
	default:
		return "internal"
	}
}
