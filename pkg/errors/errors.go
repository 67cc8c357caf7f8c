package errors

import (
	"fmt"
	"strings"
)

// ParseError represents a workflow definition parsing failure with optional line metadata.
type ParseError struct {
	Path    string
	Line    int
	Message string
	Err     error
}

// NewParseError constructs a ParseError.
func NewParseError(path string, line int, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ParseError{Path: path, Line: line, Message: message, Err: err}
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}

	if e.Line > 0 {
		return fmt.Sprintf("parse error: %s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error: %s: %s", e.Path, e.Message)
}

// Unwrap exposes the underlying error.
func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ValidationError captures definition or parameter validation issues.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, message string, err error) error {
	return &ValidationError{Field: field, Message: message, Err: err}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StepError records the terminal failure of one phase of a step.
type StepError struct {
	StepID  string
	Phase   string
	Attempt int
	Err     error
}

// NewStepError constructs a StepError.
func NewStepError(stepID, phase string, attempt int, err error) error {
	return &StepError{StepID: stepID, Phase: phase, Attempt: attempt, Err: err}
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("step error")
	if e.StepID != "" {
		fmt.Fprintf(&b, " on step %s", e.StepID)
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " (%s", e.Phase)
		if e.Attempt > 0 {
			fmt.Fprintf(&b, ", attempt %d", e.Attempt)
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap exposes the root error.
func (e *StepError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PanicError wraps a value recovered from a panicking operation.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the recovered value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if e == nil {
		return nil
	}
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// UnknownOperationError is returned when a name cannot be resolved in an operation registry.
type UnknownOperationError struct {
	Kind string
	Name string
}

func (e *UnknownOperationError) Error() string {
	if e == nil {
		return ""
	}
	kind := e.Kind
	if kind == "" {
		kind = "operation"
	}
	return fmt.Sprintf("%s '%s' not found in registry\nHint: register it before loading the workflow", kind, e.Name)
}

// DuplicateStepError reports a step identifier used more than once in a workflow.
type DuplicateStepError struct {
	StepID  string
	Indexes []int
}

func (e *DuplicateStepError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("duplicate step id %q at positions %v", e.StepID, e.Indexes)
}
