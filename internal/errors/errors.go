package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ApronError is an error the gateway can render to clients as the canonical
// error document. The base values below are immutable singletons; derive
// per-request copies with WithDetails/WithCorrelationID before writing.
type ApronError struct {
	StatusCode    int    `json:"statusCode"`
	ErrorType     string `json:"errorType"`
	Message       string `json:"message"`
	Details       string `json:"details,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	CorrelationID string `json:"correlationId"`
	Timestamp     string `json:"timestamp"`
	Path          string `json:"path"`
	Method        string `json:"method"`
	underlying    error
}

func (e *ApronError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *ApronError) Unwrap() error {
	return e.underlying
}

// WriteJSON renders the canonical error document. Timestamp, path and method
// are taken at write time; the receiver is never mutated.
func (e *ApronError) WriteJSON(w http.ResponseWriter, r *http.Request) {
	doc := *e
	doc.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if r != nil {
		doc.Path = r.URL.Path
		doc.Method = r.Method
	}
	if doc.CorrelationID != "" {
		w.Header().Set("X-Correlation-ID", doc.CorrelationID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(doc.StatusCode)
	json.NewEncoder(w).Encode(&doc)
}

// Common errors
var (
	ErrBadRequest = &ApronError{
		StatusCode: http.StatusBadRequest,
		ErrorType:  "BadRequest",
		Message:    "Bad Request",
	}

	ErrUnauthorized = &ApronError{
		StatusCode: http.StatusUnauthorized,
		ErrorType:  "Unauthorized",
		Message:    "Unauthorized",
	}

	ErrForbidden = &ApronError{
		StatusCode: http.StatusForbidden,
		ErrorType:  "Forbidden",
		Message:    "Forbidden",
	}

	ErrNotFound = &ApronError{
		StatusCode: http.StatusNotFound,
		ErrorType:  "NotFound",
		Message:    "Not Found",
	}

	ErrPayloadTooLarge = &ApronError{
		StatusCode: http.StatusRequestEntityTooLarge,
		ErrorType:  "PayloadTooLarge",
		Message:    "Payload Too Large",
	}

	ErrTooManyRequests = &ApronError{
		StatusCode: http.StatusTooManyRequests,
		ErrorType:  "TooManyRequests",
		Message:    "Too Many Requests",
	}

	ErrBadGateway = &ApronError{
		StatusCode: http.StatusBadGateway,
		ErrorType:  "BadGateway",
		Message:    "Bad Gateway",
	}

	ErrServiceUnavailable = &ApronError{
		StatusCode: http.StatusServiceUnavailable,
		ErrorType:  "ServiceUnavailable",
		Message:    "Service Unavailable",
	}

	ErrGatewayTimeout = &ApronError{
		StatusCode: http.StatusGatewayTimeout,
		ErrorType:  "GatewayTimeout",
		Message:    "Gateway Timeout",
	}

	ErrInternalServer = &ApronError{
		StatusCode: http.StatusInternalServerError,
		ErrorType:  "Internal",
		Message:    "Internal Server Error",
	}
)

// New creates a new ApronError.
func New(code int, errorType, message string) *ApronError {
	return &ApronError{
		StatusCode: code,
		ErrorType:  errorType,
		Message:    message,
	}
}

// Wrap wraps an error with an ApronError envelope.
func Wrap(err error, base *ApronError) *ApronError {
	e := *base
	e.underlying = err
	return &e
}

// WithDetails returns a copy carrying details.
func (e *ApronError) WithDetails(details string) *ApronError {
	c := *e
	c.Details = details
	return &c
}

// WithErrorCode returns a copy carrying a stable machine-readable code.
func (e *ApronError) WithErrorCode(code string) *ApronError {
	c := *e
	c.ErrorCode = code
	return &c
}

// WithCorrelationID returns a copy carrying the request correlation id.
func (e *ApronError) WithCorrelationID(id string) *ApronError {
	c := *e
	c.CorrelationID = id
	return &c
}

// IsApronError checks whether err is an ApronError.
func IsApronError(err error) (*ApronError, bool) {
	if ge, ok := err.(*ApronError); ok {
		return ge, true
	}
	return nil, false
}
