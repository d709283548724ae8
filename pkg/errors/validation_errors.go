package errors

import (
	"fmt"
	"strings"
)

// FieldError describes a single invalid configuration field
type FieldError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
}

// ValidationErrors collects field-level configuration problems so that a
// single run reports all of them at once.
type ValidationErrors struct {
	Errors []FieldError `json:"errors"`
}

// NewValidationErrors creates an empty collector
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{Errors: make([]FieldError, 0)}
}

// Add records an invalid field
func (ve *ValidationErrors) Add(field, message string, value interface{}) {
	ve.Errors = append(ve.Errors, FieldError{Field: field, Value: value, Message: message})
}

// HasErrors checks if there are any validation errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// Err converts the collected problems to a configuration error, or nil.
func (ve *ValidationErrors) Err() error {
	if !ve.HasErrors() {
		return nil
	}

	parts := make([]string, 0, len(ve.Errors))
	for _, fe := range ve.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s (got %v)", fe.Field, fe.Message, fe.Value))
	}

	return NewConfigurationError(CodeInvalidConfig, "configuration validation failed").
		WithDetails(strings.Join(parts, "; ")).
		WithContext("fields", ve.Errors)
}

// ClassErrors holds failures isolated per class during evaluation. One
// class failing never aborts the others; the caller gets every failure
// keyed by the class that caused it.
type ClassErrors struct {
	order  []string
	byName map[string]error
}

// NewClassErrors creates an empty per-class error set
func NewClassErrors() *ClassErrors {
	return &ClassErrors{byName: make(map[string]error)}
}

// Add records the failure of a class. The first failure per class wins.
func (ce *ClassErrors) Add(class string, err error) {
	if err == nil {
		return
	}
	if _, exists := ce.byName[class]; exists {
		return
	}
	ce.order = append(ce.order, class)
	ce.byName[class] = err
}

// Get returns the failure recorded for class
func (ce *ClassErrors) Get(class string) (error, bool) {
	err, ok := ce.byName[class]
	return err, ok
}

// Classes returns the failing classes in the order they failed
func (ce *ClassErrors) Classes() []string {
	out := make([]string, len(ce.order))
	copy(out, ce.order)
	return out
}

// Len returns the number of failing classes
func (ce *ClassErrors) Len() int {
	return len(ce.order)
}

// Error implements the error interface
func (ce *ClassErrors) Error() string {
	parts := make([]string, 0, len(ce.order))
	for _, class := range ce.order {
		parts = append(parts, fmt.Sprintf("%s: %v", class, ce.byName[class]))
	}
	return fmt.Sprintf("%d class(es) failed: %s", len(ce.order), strings.Join(parts, "; "))
}

// Unwrap exposes the individual class failures to errors.Is / errors.As
func (ce *ClassErrors) Unwrap() []error {
	out := make([]error, 0, len(ce.order))
	for _, class := range ce.order {
		out = append(out, ce.byName[class])
	}
	return out
}

// ErrOrNil returns the set as an error when it is non-empty
func (ce *ClassErrors) ErrOrNil() error {
	if ce == nil || len(ce.order) == 0 {
		return nil
	}
	return ce
}
