package errors

import (
	"errors"
	"fmt"
)

// Common application errors
var (
	// Configuration errors
	ErrConfiguration        = errors.New("invalid configuration")
	ErrInvalidImageSize     = errors.New("image size must be a power of two and at least 8")
	ErrMissingConfiguration = errors.New("missing configuration")
	ErrConfigurationLoad    = errors.New("failed to load configuration")

	// Data errors
	ErrInsufficientData = errors.New("insufficient data")
	ErrInvalidShape     = errors.New("invalid tensor shape")
	ErrEmptyDataset     = errors.New("dataset is empty")

	// Numeric errors
	ErrNumericInstability = errors.New("numeric instability")

	// Calibration errors
	ErrZeroDensity   = errors.New("density evaluated to zero")
	ErrNotCalibrated = errors.New("calibration has not been fitted")

	// Storage errors
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrCheckpointCorrupted = errors.New("checkpoint corrupted")
	ErrStorageWriteFailed  = errors.New("storage write failed")
	ErrStorageReadFailed   = errors.New("storage read failed")

	// Training errors
	ErrTrainingCancelled = errors.New("training cancelled")

	// Internal errors
	ErrInternal = errors.New("internal error")
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeData          ErrorType = "data"
	ErrorTypeNumeric       ErrorType = "numeric"
	ErrorTypeCalibration   ErrorType = "calibration"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeTraining      ErrorType = "training"
	ErrorTypeInternal      ErrorType = "internal"
)

// AppError represents an application-specific error with additional context
type AppError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details string                 `json:"details,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s - %s", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target. Besides matching another
// AppError by type and code, an AppError matches the sentinel registered
// for its type so callers can write errors.Is(err, ErrInsufficientData).
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e.Type == t.Type && e.Code == t.Code
	}
	if sentinel, ok := sentinelForCode[e.Code]; ok && sentinel == target {
		return true
	}
	return sentinelForType[e.Type] == target
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with application context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// NewConfigurationError creates a configuration error. Configuration
// errors are fatal: they describe an architecture or run setup that can
// never succeed.
func NewConfigurationError(code, message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, code, message)
}

// NewDataError creates a data error
func NewDataError(code, message string) *AppError {
	return NewAppError(ErrorTypeData, code, message)
}

// NewInsufficientDataError creates the error returned when a class or label
// group has no samples. The offending class is recorded in the context.
func NewInsufficientDataError(class, message string) *AppError {
	return NewAppError(ErrorTypeData, CodeInsufficientData, message).
		WithContext("class", class)
}

// NewNumericError creates a numeric instability error
func NewNumericError(message string) *AppError {
	return NewAppError(ErrorTypeNumeric, CodeNumericInstability, message)
}

// NewCalibrationError creates a calibration error
func NewCalibrationError(code, message string) *AppError {
	return NewAppError(ErrorTypeCalibration, code, message)
}

// NewStorageError creates a storage error
func NewStorageError(code, message string) *AppError {
	return NewAppError(ErrorTypeStorage, code, message)
}

// NewTrainingError creates a training error
func NewTrainingError(code, message string) *AppError {
	return NewAppError(ErrorTypeTraining, code, message)
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, CodeInternalError, message)
}

// ClassOf returns the class recorded on an insufficient data error, if any.
func ClassOf(err error) (string, bool) {
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Context == nil {
		return "", false
	}
	class, ok := appErr.Context["class"].(string)
	return class, ok
}

// Error codes for different error scenarios
const (
	// Configuration error codes
	CodeInvalidImageSize    = "INVALID_IMAGE_SIZE"
	CodeInvalidArchitecture = "INVALID_ARCHITECTURE"
	CodeInvalidSampleCount  = "INVALID_SAMPLE_COUNT"
	CodeInvalidConfig       = "INVALID_CONFIG"

	// Data error codes
	CodeInsufficientData = "INSUFFICIENT_DATA"
	CodeInvalidShape     = "INVALID_SHAPE"
	CodeEmptyDataset     = "EMPTY_DATASET"
	CodeImageDecode      = "IMAGE_DECODE_FAILED"

	// Numeric error codes
	CodeNumericInstability = "NUMERIC_INSTABILITY"

	// Calibration error codes
	CodeZeroDensity   = "ZERO_DENSITY"
	CodeFitFailed     = "FIT_FAILED"
	CodeNotCalibrated = "NOT_CALIBRATED"

	// Storage error codes
	CodeCheckpointNotFound  = "CHECKPOINT_NOT_FOUND"
	CodeCheckpointCorrupted = "CHECKPOINT_CORRUPTED"
	CodeWriteFailed         = "WRITE_FAILED"
	CodeReadFailed          = "READ_FAILED"

	// Training error codes
	CodeTrainingCancelled = "TRAINING_CANCELLED"
	CodeStateMismatch     = "STATE_MISMATCH"

	// Internal error codes
	CodeInternalError = "INTERNAL_ERROR"
)

var sentinelForType = map[ErrorType]error{
	ErrorTypeConfiguration: ErrConfiguration,
	ErrorTypeNumeric:       ErrNumericInstability,
	ErrorTypeInternal:      ErrInternal,
}

var sentinelForCode = map[string]error{
	CodeInvalidImageSize:    ErrInvalidImageSize,
	CodeInsufficientData:    ErrInsufficientData,
	CodeInvalidShape:        ErrInvalidShape,
	CodeEmptyDataset:        ErrEmptyDataset,
	CodeZeroDensity:         ErrZeroDensity,
	CodeNotCalibrated:       ErrNotCalibrated,
	CodeCheckpointNotFound:  ErrCheckpointNotFound,
	CodeCheckpointCorrupted: ErrCheckpointCorrupted,
	CodeWriteFailed:         ErrStorageWriteFailed,
	CodeReadFailed:          ErrStorageReadFailed,
	CodeTrainingCancelled:   ErrTrainingCancelled,
}
