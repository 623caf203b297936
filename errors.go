package opqueue

import (
	"errors"
	"fmt"
)

var (
	// Capacity and admission errors.
	ErrQueueFull          = errors.New("opqueue: queue full")
	ErrDuplicateOperation = errors.New("opqueue: duplicate operation")
	ErrInvalidResource    = errors.New("opqueue: invalid resource")
	ErrInvalidConfig      = errors.New("opqueue: invalid configuration")

	// Dispatch errors.
	ErrNoProcessor    = errors.New("opqueue: no processor registered")
	ErrCircuitOpen    = errors.New("opqueue: circuit open")
	ErrRetryExhausted = errors.New("opqueue: retries exhausted")

	// Not found errors.
	ErrItemNotFound = errors.New("opqueue: item not found")
	ErrDLQNotFound  = errors.New("opqueue: dlq entry not found")

	// State errors.
	ErrInvalidTransition = errors.New("opqueue: invalid status transition")
	ErrItemTerminal      = errors.New("opqueue: item is in a terminal state")

	// Lifecycle errors.
	ErrDestroyed   = errors.New("opqueue: engine destroyed")
	ErrPersistence = errors.New("opqueue: persistence failure")
)

// ErrorCode classifies a failure reported by a processor. The retry
// subsystem decides retryability from the code.
type ErrorCode string

// Known error codes.
const (
	CodeNetwork          ErrorCode = "NETWORK_ERROR"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeServer           ErrorCode = "SERVER_ERROR"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeTemporaryFailure ErrorCode = "TEMPORARY_FAILURE"
	CodeValidation       ErrorCode = "VALIDATION_ERROR"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeNoProcessor      ErrorCode = "NO_PROCESSOR"
	CodeUnknown          ErrorCode = "UNKNOWN"
)

// OperationError is the error processors return to tell the engine what
// kind of failure happened.
type OperationError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewOperationError creates an OperationError with the given code.
func NewOperationError(code ErrorCode, msg string) *OperationError {
	return &OperationError{Code: code, Message: msg}
}

// WrapOperationError wraps err with a code.
func WrapOperationError(code ErrorCode, err error) *OperationError {
	return &OperationError{Code: code, Message: err.Error(), Err: err}
}

func (e *OperationError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *OperationError) Unwrap() error { return e.Err }

// ProcessingError wraps an error raised while processing one item and
// carries the retry classification decided for it.
type ProcessingError struct {
	ItemID    string
	Resource  string
	Operation string
	Code      ErrorCode
	Retryable bool
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("opqueue: process %s %s (%s): %v", e.Operation, e.Resource, e.ItemID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
