// Package errors defines the error taxonomy shared by the coordinator,
// workers and the CLI.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for the application.
const (
	CodeUnknown          = "UNKNOWN_ERROR"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeResourceConflict = "RESOURCE_CONFLICT"
	CodeIOFailure        = "IO_FAILURE"
	CodeSyncFailure      = "SYNC_FAILURE"
	CodeMergeSkip        = "MERGE_SKIP"
	CodeConfigError      = "CONFIG_ERROR"
	CodeStorageError     = "STORAGE_ERROR"
	CodeDatabaseError    = "DATABASE_ERROR"
)

// Process exit codes. Bad input and resource trouble are kept apart so a
// stale shared-memory name can be told from a typo on the command line.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitBadInput      = 2
	ExitResourceError = 3
)

// AppError represents an application error with a code and message.
// Message names the operation that failed.
type AppError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError.
func New(code string, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code string, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an AppError.
func Wrap(code string, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error instances, used as errors.Is targets.
var (
	ErrInvalidArgument  = New(CodeInvalidArgument, "invalid argument")
	ErrResourceConflict = New(CodeResourceConflict, "named resource already exists")
	ErrIOFailure        = New(CodeIOFailure, "i/o failure")
	ErrSyncFailure      = New(CodeSyncFailure, "synchronization failure")
	ErrMergeSkip        = New(CodeMergeSkip, "artifact skipped during merge")
	ErrConfigError      = New(CodeConfigError, "configuration error")
	ErrStorageError     = New(CodeStorageError, "storage error")
	ErrDatabaseError    = New(CodeDatabaseError, "database error")
)

// InvalidArgument returns an INVALID_ARGUMENT error.
func InvalidArgument(format string, args ...interface{}) *AppError {
	return Newf(CodeInvalidArgument, format, args...)
}

// IsInvalidArgument checks if the error is an invalid argument error.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsResourceConflict checks if the error is a resource conflict.
func IsResourceConflict(err error) bool {
	return errors.Is(err, ErrResourceConflict)
}

// IsIOFailure checks if the error is an i/o failure.
func IsIOFailure(err error) bool {
	return errors.Is(err, ErrIOFailure)
}

// IsSyncFailure checks if the error is a synchronization failure.
func IsSyncFailure(err error) bool {
	return errors.Is(err, ErrSyncFailure)
}

// IsMergeSkip checks if the error is a merge skip.
func IsMergeSkip(err error) bool {
	return errors.Is(err, ErrMergeSkip)
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// GetErrorMessage extracts the error message from an error.
func GetErrorMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// ExitCode maps an error to the process exit status.
// Resource and synchronization failures win over everything else because
// they may leave names behind that need manual cleanup.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch {
	case IsResourceConflict(err), IsSyncFailure(err):
		return ExitResourceError
	case IsInvalidArgument(err), errors.Is(err, ErrConfigError):
		return ExitBadInput
	default:
		return ExitFailure
	}
}
