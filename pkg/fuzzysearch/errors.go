package fuzzysearch

import (
	"fmt"
	"net/http"
)

// maxErrorBody caps how much of a failed response body is kept for diagnostics.
const maxErrorBody = 4096

// TransportError is returned when the request never produced an HTTP response:
// connection, DNS, TLS, timeout or cancellation failures.
type TransportError struct {
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fuzzysearch: %s: transport: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is returned when the API rejected the credential (HTTP 401 or 403).
type AuthError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("fuzzysearch: %s: credential rejected (%d %s)", e.Operation, e.StatusCode, http.StatusText(e.StatusCode))
}

// DecodeError reports a response body, or image bytes, that do not match what was expected.
type DecodeError struct {
	Operation string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("fuzzysearch: %s: decode: %v", e.Operation, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ServiceError is any non-2xx response not covered by AuthError.
type ServiceError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("fuzzysearch: %s: unexpected status %d: %s", e.Operation, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("fuzzysearch: %s: unexpected status %d", e.Operation, e.StatusCode)
}

// ValidationError is returned before any I/O when the caller's input cannot form a request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("fuzzysearch: invalid %s: %s", e.Field, e.Message)
}

func statusError(operation string, statusCode int, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Operation: operation, StatusCode: statusCode, Body: string(body)}
	default:
		return &ServiceError{Operation: operation, StatusCode: statusCode, Body: string(body)}
	}
}
