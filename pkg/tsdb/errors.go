package tsdb

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the storage engine. Callers classify with errors.Is;
// the HTTP layer maps ErrValidation to 400, ErrNotFound to 404 and ErrConflict
// to 409.
var (
	// ErrValidation covers rejected input: out-of-range metric ids,
	// non-positive step/slots, metadata mismatches, name/tag rebinding,
	// counter retention rewrites.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is the not-found error kind. No storage operation returns
	// it: range reads of a missing metric are empty, writes and retention
	// rewrites against one fail with ErrValidation, and GetDashboard reports
	// a missing slug through its found result.
	ErrNotFound = errors.New("not found")

	// ErrConflict wraps a transaction conflict from the KV store. The write
	// did not commit; the caller may retry.
	ErrConflict = errors.New("transaction conflict")

	// ErrDecode marks a stored record that is shorter than its fixed format.
	// Range reads skip such records silently; the error surfaces only from
	// explicit decode paths.
	ErrDecode = errors.New("record decode failed")
)

// validationf builds an ErrValidation with formatted context.
func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
