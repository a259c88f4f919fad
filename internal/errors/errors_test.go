package errors

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("New creates error correctly", func(t *testing.T) {
		err := New(ErrorTypeProtocol, "unsupported codec", http.StatusBadGateway)

		assert.Equal(t, ErrorTypeProtocol, err.Type)
		assert.Equal(t, "unsupported codec", err.Message)
		assert.Equal(t, http.StatusBadGateway, err.HTTPStatus)
		assert.Equal(t, "PROTOCOL_ERROR: unsupported codec", err.Error())
	})

	t.Run("Wrap wraps error correctly", func(t *testing.T) {
		originalErr := errors.New("connection reset by peer")
		err := Wrap(originalErr, ErrorTypeChannel, "read failed", http.StatusBadGateway)

		assert.Equal(t, ErrorTypeChannel, err.Type)
		assert.Equal(t, originalErr, err.Unwrap())
		assert.Contains(t, err.Error(), "connection reset by peer")
		assert.True(t, errors.Is(err, originalErr))
	})

	t.Run("WithDetails and WithCode", func(t *testing.T) {
		err := NewProtocolError("bad header").
			WithDetails(map[string]interface{}{"length": 42}).
			WithCode("FRAME_TOO_LARGE")

		assert.Equal(t, 42, err.Details["length"])
		assert.Equal(t, "FRAME_TOO_LARGE", err.Code)
	})
}

func TestSessionErrorConstructors(t *testing.T) {
	cause := io.ErrUnexpectedEOF

	tests := []struct {
		name     string
		err      *AppError
		wantType ErrorType
		fatal    bool
	}{
		{"channel error", NewChannelError(cause, "read header"), ErrorTypeChannel, true},
		{"channel closed", NewChannelClosed(io.EOF, "stream ended"), ErrorTypeChannelClosed, false},
		{"protocol error", NewProtocolError("zero width"), ErrorTypeProtocol, true},
		{"decode error", NewDecodeError(cause, "decoder init"), ErrorTypeDecode, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.True(t, IsType(tt.err, tt.wantType))
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
			assert.NotZero(t, tt.err.HTTPStatus)
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantType   ErrorType
		wantStatus int
	}{
		{"NewValidationError", NewValidationError("Invalid field"), ErrorTypeValidation, http.StatusBadRequest},
		{"NewNotFoundError", NewNotFoundError("frame"), ErrorTypeNotFound, http.StatusNotFound},
		{"NewInternalError", NewInternalError("Server error"), ErrorTypeInternal, http.StatusInternalServerError},
		{"NewTimeoutError", NewTimeoutError("Request timeout"), ErrorTypeTimeout, http.StatusRequestTimeout},
		{"NewRateLimitError", NewRateLimitError("Too many requests"), ErrorTypeRateLimit, http.StatusTooManyRequests},
		{"NewServiceDownError", NewServiceDownError("redis"), ErrorTypeServiceDown, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus)
			assert.NotEmpty(t, tt.err.Message)
		})
	}
}

func TestGetAppErrorThroughWrapping(t *testing.T) {
	inner := NewProtocolError("unsupported codec")
	wrapped := fmt.Errorf("handshake: %w", inner)

	appErr, ok := GetAppError(wrapped)
	assert.True(t, ok)
	assert.Same(t, inner, appErr)
	assert.True(t, IsAppError(wrapped))
	assert.True(t, IsType(wrapped, ErrorTypeProtocol))
	assert.False(t, IsType(wrapped, ErrorTypeDecode))
}

func TestGetAppErrorStandardError(t *testing.T) {
	appErr, ok := GetAppError(errors.New("standard error"))
	assert.False(t, ok)
	assert.Nil(t, appErr)
	assert.False(t, IsAppError(errors.New("standard error")))
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(errors.New("plain")))
	assert.False(t, IsFatal(fmt.Errorf("stop: %w", NewChannelClosed(nil, "closed"))))
}
