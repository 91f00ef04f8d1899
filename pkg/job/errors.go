package job

import (
	"errors"
	"fmt"
)

// Sentinel errors for job access.
var (
	// ErrNotFound indicates the job id is unknown or expired.
	ErrNotFound = errors.New("job not found")

	// ErrStatusRegression indicates an attempted backward or
	// out-of-terminal status transition.
	ErrStatusRegression = errors.New("invalid status transition")
)

// IsNotFound returns true if the error indicates a missing job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ValidationError rejects malformed input to job creation or field writes
// before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job field %s: %s", e.Field, e.Message)
}

// IsValidation returns true if the error is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InternalErrorCode is the errorResponse code recorded when a provisioning
// action fails with an uncaught error.
const InternalErrorCode = 500
