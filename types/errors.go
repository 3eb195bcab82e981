package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component
var (
	ErrValidation         = errors.New("validation error")
	ErrPolicyDenied       = errors.New("policy denied")
	ErrExecutionFailure   = errors.New("execution failure")
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
)

// ValidationError describes malformed input rejected before persistence
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
