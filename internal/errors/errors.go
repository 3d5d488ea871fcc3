// Package errors provides the structured error type used across the builder
// runtime, together with the message-content classifier that the recovery
// manager uses to pick its strategies.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Category represents different categories of render-path errors.
type Category string

const (
	CategoryTimeout    Category = "timeout"
	CategoryNetwork    Category = "network"
	CategoryPermission Category = "permission"
	CategoryValidation Category = "validation"
	CategoryCorruption Category = "corruption"
	CategoryMemory     Category = "memory"
	CategoryState      Category = "state"
	CategoryInternal   Category = "internal"
	CategoryUnknown    Category = "unknown"
)

// BuilderError is a structured error type with context.
type BuilderError struct {
	Category    Category
	Code        string
	Message     string
	Cause       error
	ComponentID string
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *BuilderError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.ComponentID != "" {
		parts = append(parts, "component:"+e.ComponentID)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *BuilderError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *BuilderError) Is(target error) bool {
	var t *BuilderError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *BuilderError) WithContext(key string, value interface{}) *BuilderError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithComponent adds component context.
func (e *BuilderError) WithComponent(componentID string) *BuilderError {
	e.ComponentID = componentID

	return e
}

// Common error codes.
const (
	ErrCodeComponentNotFound = "ERR_COMPONENT_NOT_FOUND"
	ErrCodeTypeNotFound      = "ERR_TYPE_NOT_FOUND"
	ErrCodeRenderFailed      = "ERR_RENDER_FAILED"
	ErrCodeRenderTimeout     = "ERR_RENDER_TIMEOUT"
	ErrCodeEmptyOutput       = "ERR_EMPTY_OUTPUT"
	ErrCodeValidationFailed  = "ERR_VALIDATION_FAILED"
	ErrCodePermissionDenied  = "ERR_PERMISSION_DENIED"
	ErrCodeStateCorrupt      = "ERR_STATE_CORRUPT"
	ErrCodeCircuitOpen       = "ERR_CIRCUIT_OPEN"
	ErrCodeInternal          = "ERR_INTERNAL"
)

// NewRenderError creates a render failure error.
func NewRenderError(code, message string, cause error) *BuilderError {
	return &BuilderError{
		Category:    CategoryInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewTimeoutError creates a render timeout error.
func NewTimeoutError(message string) *BuilderError {
	return &BuilderError{
		Category:    CategoryTimeout,
		Code:        ErrCodeRenderTimeout,
		Message:     message,
		Recoverable: true,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *BuilderError {
	return &BuilderError{
		Category:    CategoryValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewPermissionError creates a permission error. Permission errors are never
// retried.
func NewPermissionError(message string) *BuilderError {
	return &BuilderError{
		Category:    CategoryPermission,
		Code:        ErrCodePermissionDenied,
		Message:     message,
		Recoverable: false,
	}
}

// NewStateError creates a state corruption error.
func NewStateError(code, message string, cause error) *BuilderError {
	return &BuilderError{
		Category:    CategoryState,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// ErrComponentNotFound creates a component not found error.
func ErrComponentNotFound(id string) *BuilderError {
	return NewValidationError(ErrCodeComponentNotFound, "component not found: "+id)
}

// ErrTypeNotFound creates a component-type not found error. This is a
// non-retryable class: retrying a missing template cannot succeed.
func ErrTypeNotFound(componentType string) *BuilderError {
	return &BuilderError{
		Category:    CategoryValidation,
		Code:        ErrCodeTypeNotFound,
		Message:     "component type not found: " + componentType,
		Recoverable: false,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var be *BuilderError
	if errors.As(err, &be) {
		return be.Recoverable
	}

	return true
}

// Classify maps an error to its category. Structured errors carry their
// category directly; everything else is classified by message content, the
// same way the recovery manager's strategy tables are keyed.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var be *BuilderError
	if errors.As(err, &be) && be.Category != CategoryInternal {
		return be.Category
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "network") || strings.Contains(msg, "fetch") || strings.Contains(msg, "connection"):
		return CategoryNetwork
	case strings.Contains(msg, "permission") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "denied"):
		return CategoryPermission
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return CategoryValidation
	case strings.Contains(msg, "corrupt") || strings.Contains(msg, "malformed"):
		return CategoryCorruption
	case strings.Contains(msg, "memory") || strings.Contains(msg, "heap"):
		return CategoryMemory
	default:
		return CategoryUnknown
	}
}

// Severity describes how serious a classified error is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityOf reports the severity of an error category.
func SeverityOf(category Category) Severity {
	switch category {
	case CategoryPermission, CategoryCorruption, CategoryMemory:
		return SeverityHigh
	case CategoryValidation:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// NonRetryable reports whether an error belongs to a class that must never
// be retried by the render queue.
func NonRetryable(err error) bool {
	var be *BuilderError
	if errors.As(err, &be) && !be.Recoverable {
		return true
	}

	msg := err.Error()
	nonRetryable := []string{
		"component type not found",
		"invalid component configuration",
		"permission denied",
	}
	for _, marker := range nonRetryable {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}
