package errors

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// requestIDHeader matches logger.RequestIDHeader.
const requestIDHeader = "X-Request-ID"

// DefaultRetryAfter is advertised on rate limited and unavailable responses.
const DefaultRetryAfter = time.Second

// ErrorResponse is the JSON body of every failed status API request.
type ErrorResponse struct {
	Error     ErrorDetails `json:"error"`
	RequestID string       `json:"request_id,omitempty"`
}

// ErrorDetails describes one AppError. SessionEnded is set for session
// errors that terminate mirroring, so clients can stop polling.
type ErrorDetails struct {
	Type         ErrorType              `json:"type"`
	Message      string                 `json:"message"`
	Code         string                 `json:"code,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	SessionEnded bool                   `json:"session_ended,omitempty"`
}

// ErrorHandler writes AppErrors as JSON for the status API and logs them at
// a level chosen by type.
type ErrorHandler struct {
	logger     *logrus.Logger
	retryAfter time.Duration
}

// NewErrorHandler returns a handler that logs to logger.
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:     logger,
		retryAfter: DefaultRetryAfter,
	}
}

// HandleError writes err. Errors that are not AppErrors become internal
// errors with a generic message.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := GetAppError(err)
	if !ok {
		appErr = WrapInternalError(err, "An unexpected error occurred")
	}
	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = w.Header().Get(requestIDHeader)
	}

	h.logger.WithFields(logrus.Fields{
		"error_type": appErr.Type,
		"error_code": appErr.Code,
		"request_id": requestID,
		"method":     r.Method,
		"path":       r.URL.Path,
	}).Log(logLevel(appErr.Type), appErr.Error())

	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Round(time.Second)/time.Second)))
	}

	h.writeJSON(w, status, ErrorResponse{
		Error: ErrorDetails{
			Type:         appErr.Type,
			Message:      appErr.Message,
			Code:         appErr.Code,
			Details:      appErr.Details,
			SessionEnded: isSessionType(appErr.Type) && IsFatal(appErr),
		},
		RequestID: requestID,
	})
}

// HandleNotFound is the router's fallback for unknown paths.
func (h *ErrorHandler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.HandleError(w, r, NewNotFoundError("endpoint"))
}

// HandleMethodNotAllowed is the router's fallback for known paths.
func (h *ErrorHandler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.HandleError(w, r, New(ErrorTypeValidation, "Method not allowed", http.StatusMethodNotAllowed))
}

// Recover is router middleware that turns a handler panic into a 500
// response. http.ErrAbortHandler is passed through.
func (h *ErrorHandler) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			h.logger.WithFields(logrus.Fields{
				"panic":  recovered,
				"method": r.Method,
				"path":   r.URL.Path,
			}).Error("Panic recovered in HTTP handler")
			h.HandleError(w, r, NewInternalError("An unexpected error occurred"))
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *ErrorHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode error response")
	}
}

func logLevel(t ErrorType) logrus.Level {
	switch t {
	case ErrorTypeInternal, ErrorTypeDecode, ErrorTypeChannel, ErrorTypeProtocol:
		return logrus.ErrorLevel
	case ErrorTypeServiceDown, ErrorTypeRateLimit, ErrorTypeTimeout:
		return logrus.WarnLevel
	case ErrorTypeChannelClosed:
		return logrus.InfoLevel
	}
	return logrus.DebugLevel
}

func isSessionType(t ErrorType) bool {
	switch t {
	case ErrorTypeChannel, ErrorTypeChannelClosed, ErrorTypeProtocol, ErrorTypeDecode:
		return true
	}
	return false
}
