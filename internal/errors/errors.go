package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error.
type ErrorType string

const (
	// Session taxonomy. Every failure that ends a mirroring session carries
	// one of these types.
	ErrorTypeChannel       ErrorType = "CHANNEL_ERROR"
	ErrorTypeChannelClosed ErrorType = "CHANNEL_CLOSED"
	ErrorTypeProtocol      ErrorType = "PROTOCOL_ERROR"
	ErrorTypeDecode        ErrorType = "DECODE_ERROR"

	ErrorTypeValidation  ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound    ErrorType = "NOT_FOUND"
	ErrorTypeInternal    ErrorType = "INTERNAL_ERROR"
	ErrorTypeTimeout     ErrorType = "TIMEOUT"
	ErrorTypeRateLimit   ErrorType = "RATE_LIMIT"
	ErrorTypeServiceDown ErrorType = "SERVICE_DOWN"
)

// AppError represents an application error with additional context.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails adds details to the error.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithCode adds an error code.
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// New creates a new AppError.
func New(errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error.
func Wrap(err error, errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Session error constructors.

// NewChannelError wraps a lower-level I/O failure on the tunnel.
func NewChannelError(err error, message string) *AppError {
	return Wrap(err, ErrorTypeChannel, message, http.StatusBadGateway)
}

// NewChannelClosed reports an orderly end of the tunnel byte stream.
func NewChannelClosed(err error, message string) *AppError {
	return Wrap(err, ErrorTypeChannelClosed, message, http.StatusGone)
}

// NewProtocolError reports bytes that violate the expected wire layout.
func NewProtocolError(message string) *AppError {
	return New(ErrorTypeProtocol, message, http.StatusBadGateway)
}

// NewDecodeError wraps a decoder initialization or unrecoverable decode failure.
func NewDecodeError(err error, message string) *AppError {
	return Wrap(err, ErrorTypeDecode, message, http.StatusInternalServerError)
}

// Common error constructors.

// NewValidationError creates a validation error.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message, http.StatusBadRequest)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// NewInternalError creates an internal server error.
func NewInternalError(message string) *AppError {
	return New(ErrorTypeInternal, message, http.StatusInternalServerError)
}

// WrapInternalError wraps an error as internal server error.
func WrapInternalError(err error, message string) *AppError {
	return Wrap(err, ErrorTypeInternal, message, http.StatusInternalServerError)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string) *AppError {
	return New(ErrorTypeTimeout, message, http.StatusRequestTimeout)
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *AppError {
	return New(ErrorTypeRateLimit, message, http.StatusTooManyRequests)
}

// NewServiceDownError creates a service down error.
func NewServiceDownError(service string) *AppError {
	return New(ErrorTypeServiceDown, fmt.Sprintf("%s service is currently unavailable", service), http.StatusServiceUnavailable)
}

// IsAppError checks if an error is, or wraps, an AppError.
func IsAppError(err error) bool {
	_, ok := GetAppError(err)
	return ok
}

// GetAppError extracts the outermost AppError from an error chain.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType reports whether err carries an AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	appErr, ok := GetAppError(err)
	return ok && appErr.Type == errType
}

// IsFatal reports whether err terminates a session. Only an orderly close is
// not fatal.
func IsFatal(err error) bool {
	return err != nil && !IsType(err, ErrorTypeChannelClosed)
}
