package logging

import (
	"errors"
	"fmt"
)

// OperationError records which gateway operation failed and for which lookup.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap keeps client error types reachable through errors.As.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err; a nil err stays nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// RequestID returns the outermost request id recorded in err's chain.
func RequestID(err error) string {
	for err != nil {
		var opErr *OperationError
		if !errors.As(err, &opErr) {
			return ""
		}
		if opErr.RequestID != "" {
			return opErr.RequestID
		}
		err = opErr.Err
	}
	return ""
}
