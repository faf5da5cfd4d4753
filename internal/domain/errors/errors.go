package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies pipeline errors per the taxonomy used across components
type ErrorType string

const (
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeSanitization       ErrorType = "sanitization_warning"
	ErrorTypeCryptoUnavailable  ErrorType = "crypto_unavailable"
	ErrorTypeCryptoMismatch     ErrorType = "crypto_mismatch"
	ErrorTypeBrokerUnavailable  ErrorType = "broker_unavailable"
	ErrorTypeStorageUnavailable ErrorType = "storage_unavailable"
	ErrorTypeDuplicate          ErrorType = "duplicate"
	ErrorTypeCircuitOpen        ErrorType = "circuit_open"
	ErrorTypeRetryExhausted     ErrorType = "retry_exhausted"
	ErrorTypeDLQParked          ErrorType = "dlq_parked"
	ErrorTypePolicyViolation    ErrorType = "policy_violation"
	ErrorTypeConfig             ErrorType = "config_error"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeInternal           ErrorType = "internal"
)

// AppError is the structured error carried across component boundaries
type AppError struct {
	Type          ErrorType              `json:"type"`
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Cause         error                  `json:"-"`
	Retryable     bool                   `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithCorrelationID(id string) *AppError {
	e.CorrelationID = id
	return e
}

// Error constructors

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

func NewCryptoUnavailableError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeCryptoUnavailable,
		Code:      "CRYPTO_UNAVAILABLE",
		Message:   message,
		Retryable: true,
	}
}

func NewIntegrityError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeCryptoMismatch,
		Code:      "CRYPTO_MISMATCH",
		Message:   message,
		Retryable: false,
	}
}

func NewBrokerUnavailableError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeBrokerUnavailable,
		Code:      "BROKER_UNAVAILABLE",
		Message:   message,
		Retryable: true,
	}
}

func NewStorageUnavailableError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeStorageUnavailable,
		Code:      "STORAGE_UNAVAILABLE",
		Message:   message,
		Retryable: true,
	}
}

func NewDuplicateError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeDuplicate,
		Code:      "DUPLICATE",
		Message:   message,
		Retryable: false,
	}
}

func NewCircuitOpenError(component string) *AppError {
	return &AppError{
		Type:      ErrorTypeCircuitOpen,
		Code:      "CIRCUIT_OPEN",
		Message:   fmt.Sprintf("circuit breaker open for %s", component),
		Retryable: true,
		Details:   map[string]interface{}{"component": component},
	}
}

func NewRetryExhaustedError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeRetryExhausted,
		Code:      "RETRY_EXHAUSTED",
		Message:   message,
		Retryable: false,
	}
}

func NewDLQParkedError(jobID string) *AppError {
	return &AppError{
		Type:      ErrorTypeDLQParked,
		Code:      "DLQ_PARKED",
		Message:   fmt.Sprintf("job %s parked in dead letter queue", jobID),
		Retryable: false,
		Details:   map[string]interface{}{"job_id": jobID},
	}
}

func NewPolicyViolationError(regulation, message string) *AppError {
	return &AppError{
		Type:      ErrorTypePolicyViolation,
		Code:      "POLICY_VIOLATION",
		Message:   message,
		Retryable: false,
		Details:   map[string]interface{}{"regulation": regulation},
	}
}

func NewConfigError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeConfig,
		Code:      "CONFIG_ERROR",
		Message:   message,
		Retryable: false,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:      ErrorTypeNotFound,
		Code:      "RESOURCE_NOT_FOUND",
		Message:   fmt.Sprintf("%s not found", resource),
		Retryable: false,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeInternal,
		Code:      "INTERNAL_ERROR",
		Message:   message,
		Retryable: true,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// Code extracts the error code, or INTERNAL_ERROR for unclassified errors
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}
