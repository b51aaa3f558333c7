package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a pierviz error code.
type ErrorCode string

const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"   // 400
	ErrNotFound         ErrorCode = "NOT_FOUND"         // 404
	ErrLocked           ErrorCode = "LOCKED"            // 409
	ErrCancelled        ErrorCode = "CANCELLED"         // 499
	ErrResolutionFailed ErrorCode = "RESOLUTION_FAILED" // 502
	ErrCaptureFailed    ErrorCode = "CAPTURE_FAILED"    // 502
	ErrEstimateFailed   ErrorCode = "ESTIMATE_FAILED"   // 502
	ErrFilesystem       ErrorCode = "FILESYSTEM"        // 500
	ErrInternal         ErrorCode = "INTERNAL"          // 500
)

// PierError represents a structured error with code, status, and details.
type PierError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *PierError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *PierError) Unwrap() error {
	return e.Err
}

// NewInvalidRequest creates a 400 error for invalid parameters or configuration.
func NewInvalidRequest(msg string) *PierError {
	return &PierError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing archive entry, manifest or record.
func NewNotFound(what string) *PierError {
	return &PierError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", what),
		Details: map[string]any{"identifier": what},
	}
}

// NewLocked creates a 409 error when another invocation holds the archive lock.
func NewLocked(lockPath string) *PierError {
	return &PierError{
		Code:    ErrLocked,
		Status:  409,
		Message: fmt.Sprintf("archive is locked by another run: %s", lockPath),
		Details: map[string]any{"lock_path": lockPath},
	}
}

// NewCancelled creates an error for an operation stopped by context cancellation.
func NewCancelled(operation string) *PierError {
	return &PierError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", operation),
		Details: map[string]any{"operation": operation},
	}
}

// NewResolutionFailed creates an error for a stream address that could not be obtained.
func NewResolutionFailed(source string, err error) *PierError {
	msg := fmt.Sprintf("could not resolve stream from %s", source)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &PierError{
		Code:    ErrResolutionFailed,
		Status:  502,
		Message: msg,
		Details: map[string]any{"source": source},
		Err:     err,
	}
}

// NewCaptureFailed creates an error for a frame grab that did not produce a file.
func NewCaptureFailed(dest string, err error) *PierError {
	msg := fmt.Sprintf("capture to %s failed", dest)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &PierError{
		Code:    ErrCaptureFailed,
		Status:  502,
		Message: msg,
		Details: map[string]any{"path": dest},
		Err:     err,
	}
}

// NewEstimateFailed creates an error for a visibility estimate that could not
// be obtained for the frame at path.
func NewEstimateFailed(path string, err error) *PierError {
	msg := fmt.Sprintf("visibility estimate for %s failed", path)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &PierError{
		Code:    ErrEstimateFailed,
		Status:  502,
		Message: msg,
		Details: map[string]any{"path": path},
		Err:     err,
	}
}

// NewFilesystem creates a 500 error for a failed archive bookkeeping operation.
func NewFilesystem(op, path string, err error) *PierError {
	msg := fmt.Sprintf("%s %s", op, path)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &PierError{
		Code:    ErrFilesystem,
		Status:  500,
		Message: msg,
		Details: map[string]any{"op": op, "path": path},
		Err:     err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *PierError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &PierError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		Err:     err,
	}
}

// Is checks if err (or anything it wraps) is a PierError with the given code.
func Is(err error, code ErrorCode) bool {
	var pErr *PierError
	if stderrors.As(err, &pErr) {
		return pErr.Code == code
	}
	return false
}

// As extracts a PierError from err, wrapping unknown errors as INTERNAL.
func As(err error) *PierError {
	var pErr *PierError
	if stderrors.As(err, &pErr) {
		return pErr
	}
	return NewInternal(err)
}
