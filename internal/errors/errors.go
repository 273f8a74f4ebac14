package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// ReasonHeader carries the diagnostic text of a failed relay request.
const ReasonHeader = "Reason"

// RelayError represents an error that is reported to the caller as a status
// code plus a Reason header. The body of such a response is always empty.
type RelayError struct {
	Code       int
	Reason     string
	RequestID  string
	underlying error
}

func (e *RelayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.underlying)
	}
	return e.Reason
}

func (e *RelayError) Unwrap() error {
	return e.underlying
}

// WriteReason writes the error as a Reason header and status code with an
// empty body.
func (e *RelayError) WriteReason(w http.ResponseWriter) {
	h := w.Header()
	h.Set(ReasonHeader, sanitizeReason(e.Error()))
	if e.RequestID != "" {
		h.Set("X-Request-ID", e.RequestID)
	}
	h.Del("Content-Type")
	h.Set("Content-Length", "0")
	w.WriteHeader(e.Code)
}

// Common errors
var (
	ErrNotFound = &RelayError{
		Code:   http.StatusNotFound,
		Reason: "Not Found",
	}

	ErrMethodNotAllowed = &RelayError{
		Code:   http.StatusMethodNotAllowed,
		Reason: "Method Not Allowed",
	}

	ErrBatchInput = &RelayError{
		Code:   http.StatusBadRequest,
		Reason: "Unsupported batch input",
	}

	ErrBadGateway = &RelayError{
		Code:   http.StatusBadGateway,
		Reason: "Bad Gateway",
	}

	ErrServiceUnavailable = &RelayError{
		Code:   http.StatusServiceUnavailable,
		Reason: "Service Unavailable",
	}

	ErrInternalServer = &RelayError{
		Code:   http.StatusInternalServerError,
		Reason: "Internal Server Error",
	}

	ErrRequestEntityTooLarge = &RelayError{
		Code:   http.StatusRequestEntityTooLarge,
		Reason: "Request Entity Too Large",
	}
)

// New creates a new RelayError
func New(code int, reason string) *RelayError {
	return &RelayError{
		Code:   code,
		Reason: reason,
	}
}

// Wrap wraps an error with a status code and reason prefix
func Wrap(err error, code int, reason string) *RelayError {
	return &RelayError{
		Code:       code,
		Reason:     reason,
		underlying: err,
	}
}

// FromError reports err verbatim as the reason, the way the relay surfaces
// transform and forwarding failures.
func FromError(err error, code int) *RelayError {
	return &RelayError{
		Code:   code,
		Reason: err.Error(),
	}
}

// WithRequestID adds a request ID to the error
func (e *RelayError) WithRequestID(requestID string) *RelayError {
	return &RelayError{
		Code:       e.Code,
		Reason:     e.Reason,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsRelayError checks if an error is a RelayError
func IsRelayError(err error) (*RelayError, bool) {
	if re, ok := err.(*RelayError); ok {
		return re, true
	}
	return nil, false
}

// sanitizeReason keeps the header value on a single line.
func sanitizeReason(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
