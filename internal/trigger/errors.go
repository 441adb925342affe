package trigger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("trigger: validation failed")
	ErrConfiguration     = errors.New("trigger: invalid configuration")
	ErrNilInstance       = errors.New("trigger: instance is nil")
	ErrAlreadyRegistered = errors.New("trigger: instance already registered")
	ErrWorkerMismatch    = errors.New("trigger: worker mismatch")
)

// FieldProblem names one rejected configuration field.
type FieldProblem struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every missing or invalid field of one Configure call.
type ValidationError struct {
	Problems []FieldProblem `json:"problems"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, fmt.Sprintf("%s: %s", p.Field, p.Reason))
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) add(field, reason string) {
	e.Problems = append(e.Problems, FieldProblem{Field: field, Reason: reason})
}

func (e *ValidationError) has(field string) bool {
	for _, p := range e.Problems {
		if p.Field == field {
			return true
		}
	}
	return false
}
