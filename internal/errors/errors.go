package errors

import (
	"fmt"
	"runtime"
)

// ErrorType classifies a failure so callers can branch on kind.
type ErrorType string

const (
	ErrorTypeDimensionMismatch  ErrorType = "dimension_mismatch"
	ErrorTypeDuplicateID        ErrorType = "duplicate_id"
	ErrorTypeInvalidInput       ErrorType = "invalid_input"
	ErrorTypeInvalidPath        ErrorType = "invalid_path"
	ErrorTypeAllocation         ErrorType = "allocation"
	ErrorTypeUnsupportedBackend ErrorType = "unsupported_backend"
	ErrorTypeCorrupt            ErrorType = "corrupt"
	ErrorTypeLockRecovered      ErrorType = "lock_recovered"
	ErrorTypeEmptyIndex         ErrorType = "empty_index"
	ErrorTypeInternal           ErrorType = "internal"
)

// Sentinels for errors.Is. Any StructuredError with the same Type matches.
var (
	ErrDimensionMismatch  = &StructuredError{Type: ErrorTypeDimensionMismatch, Message: "vector dimension mismatch"}
	ErrDuplicateID        = &StructuredError{Type: ErrorTypeDuplicateID, Message: "id already present"}
	ErrInvalidInput       = &StructuredError{Type: ErrorTypeInvalidInput, Message: "invalid input"}
	ErrInvalidPath        = &StructuredError{Type: ErrorTypeInvalidPath, Message: "path rejected"}
	ErrAllocation         = &StructuredError{Type: ErrorTypeAllocation, Message: "allocation failed"}
	ErrUnsupportedBackend = &StructuredError{Type: ErrorTypeUnsupportedBackend, Message: "unsupported backend"}
	ErrCorrupt            = &StructuredError{Type: ErrorTypeCorrupt, Message: "corrupt index data"}
	ErrLockRecovered      = &StructuredError{Type: ErrorTypeLockRecovered, Message: "lock recovered after panic"}
	ErrEmptyIndex         = &StructuredError{Type: ErrorTypeEmptyIndex, Message: "index is empty"}
	ErrInternal           = &StructuredError{Type: ErrorTypeInternal, Message: "internal error"}
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	op := e.Operation
	if op == "" {
		op = "quiver"
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, op, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// Is matches on Type so that errors.Is(err, ErrCorrupt) holds for every
// corrupt-data error regardless of operation or message.
func (e *StructuredError) Is(target error) bool {
	t, ok := target.(*StructuredError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Newf is New with a formatted message.
func Newf(errType ErrorType, operation, format string, args ...interface{}) *StructuredError {
	se := New(errType, operation, fmt.Sprintf(format, args...))
	se.Stack = captureStack()
	return se
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// TypeOf returns the ErrorType of err, or "" when err is not structured.
func TypeOf(err error) ErrorType {
	var se *StructuredError
	if As(err, &se) {
		return se.Type
	}
	return ""
}

// IsRecoverable reports whether retrying the operation can succeed.
func IsRecoverable(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeAllocation, ErrorTypeLockRecovered:
		return true
	}
	return false
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[:n]
}

// Constructors for the engine's error taxonomy.

func DimensionMismatch(operation string, expected, actual int) *StructuredError {
	return Newf(ErrorTypeDimensionMismatch, operation, "expected dimension %d, got %d", expected, actual).
		WithContext("expected", expected).
		WithContext("actual", actual)
}

func DuplicateID(operation string, id int64) *StructuredError {
	return Newf(ErrorTypeDuplicateID, operation, "id %d already present", id).WithContext("id", id)
}

func InvalidInput(operation, message string) *StructuredError {
	return New(ErrorTypeInvalidInput, operation, message)
}

func InvalidPath(operation, path, reason string) *StructuredError {
	return Newf(ErrorTypeInvalidPath, operation, "%s: %q", reason, path).WithContext("path", path)
}

func Allocation(operation, message string) *StructuredError {
	return New(ErrorTypeAllocation, operation, message)
}

func UnsupportedBackend(operation, backend string) *StructuredError {
	return Newf(ErrorTypeUnsupportedBackend, operation, "unknown backend %q", backend).WithContext("backend", backend)
}

func Corrupt(operation, message string) *StructuredError {
	return New(ErrorTypeCorrupt, operation, message)
}

func WrapCorrupt(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeCorrupt, operation, message)
}

func LockRecovered(operation string) *StructuredError {
	return New(ErrorTypeLockRecovered, operation, "previous writer panicked; index state was repaired")
}

func EmptyIndex(operation string) *StructuredError {
	return New(ErrorTypeEmptyIndex, operation, "search on an empty index")
}

func Internal(operation string, cause error) *StructuredError {
	return Wrap(cause, ErrorTypeInternal, operation, "operation aborted")
}
