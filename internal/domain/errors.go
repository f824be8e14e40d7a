package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Wrap them with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrTransientExternal = errors.New("transient external error")
	ErrPolicyViolation   = errors.New("policy violation")
	ErrRoutingAmbiguity  = errors.New("routing ambiguity")
	ErrPersistence       = errors.New("persistence failure")
	ErrNotFound          = errors.New("not found")
)

// Error codes stored on tool calls and sent on the stream.
const (
	CodeValidation  = "validation_error"
	CodeTransient   = "transient_external_error"
	CodePolicy      = "policy_violation"
	CodePersistence = "persistence_failure"
	CodeTimeout     = "timeout"
	CodeToolError   = "tool_error"
	CodeRejected    = "rejected"
	CodeNotFound    = "not_found"
	CodeInternal    = "internal_error"
)

// Persistence wraps a storage error as a retryable persistence failure.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// CodeOf maps an error to its stable code.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrTransientExternal):
		return CodeTransient
	case errors.Is(err, ErrPolicyViolation):
		return CodePolicy
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
