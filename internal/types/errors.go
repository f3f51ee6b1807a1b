package types

import (
	"errors"
	"fmt"
)

// ValidationError marks malformed or empty pipeline input. It is raised
// before any external call and is never silently skipped.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// ExternalServiceError wraps an LLM or integration failure (timeout, 5xx,
// malformed payload). Callers recover locally via a documented fail-safe
// default; it is never fatal for the whole batch.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// InvariantViolation records a duplicate conversation assignment detected
// during review splitting. The take-and-remove pool already neutralizes the
// corruption, so this surfaces as a warning plus a run-metric increment, not
// an error.
type InvariantViolation struct {
	ConversationID string
	Detail         string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation for conversation %s: %s", e.ConversationID, e.Detail)
}

// ConfigurationError marks an unusable configuration (unknown relationship
// category, missing threshold). Fatal for the run; fail fast rather than
// guess.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsExternal reports whether err is (or wraps) an ExternalServiceError.
func IsExternal(err error) bool {
	var ee *ExternalServiceError
	return errors.As(err, &ee)
}
