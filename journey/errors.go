package journey

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a relationship does not exist.
var ErrNotFound = errors.New("journey: relationship not found")

// ErrConflict is returned when a conditional write lost a version race.
// Callers re-read and retry; it is never surfaced to the end user as a
// failure.
var ErrConflict = errors.New("journey: version conflict")

// ValidationError rejects an operation synchronously; it is not retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "journey: " + e.Reason }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InvariantError signals a correctness bug upstream (a stage would regress,
// two active cooling-off periods). It aborts the operation and must be
// logged, never swallowed.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "journey: invariant violated: " + e.Msg }

func invariantf(format string, args ...interface{}) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// IsInvariant reports whether err is an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
