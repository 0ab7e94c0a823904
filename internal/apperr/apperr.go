// Package apperr defines the coded errors shared by werkbank services.
//
// Every error that crosses a package boundary carries a stable Code and a
// Details map (resource, owner, task id, ...) so callers and the HTTP layer can
// match on it without parsing messages.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

type Code string

// Lock codes.
const (
	CodeLockConflict         Code = "LOCK_CONFLICT"
	CodeVersionConflict      Code = "VERSION_CONFLICT"
	CodeLockPermissionDenied Code = "LOCK_PERMISSION_DENIED"
	CodeBatchUnlockFailed    Code = "BATCH_UNLOCK_FAILED"
)

// Task codes.
const (
	CodeTaskNotFound           Code = "TASK_NOT_FOUND"
	CodeTaskAlreadyExists      Code = "TASK_ALREADY_EXISTS"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
)

// Persistence codes.
const (
	CodeCheckpointNotFound      Code = "CHECKPOINT_NOT_FOUND"
	CodeCheckpointCreateFailed  Code = "CHECKPOINT_CREATE_FAILED"
	CodeCheckpointRestoreFailed Code = "CHECKPOINT_RESTORE_FAILED"
	CodeSnapshotNotFound        Code = "SNAPSHOT_NOT_FOUND"
	CodeSnapshotFailed          Code = "SNAPSHOT_FAILED"
	CodeChunkManifestInvalid    Code = "CHUNK_MANIFEST_INVALID"
)

// Resource and hook codes.
const (
	CodeResourceLimitExceeded Code = "RESOURCE_LIMIT_EXCEEDED"
	CodeHookFailed            Code = "HOOK_FAILED"
)

// Generic codes used at the API edge.
const (
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// Sentinels for errors.Is matching. Only the code is compared.
var (
	ErrLockConflict           = &Error{Code: CodeLockConflict}
	ErrVersionConflict        = &Error{Code: CodeVersionConflict}
	ErrLockPermissionDenied   = &Error{Code: CodeLockPermissionDenied}
	ErrBatchUnlockFailed      = &Error{Code: CodeBatchUnlockFailed}
	ErrTaskNotFound           = &Error{Code: CodeTaskNotFound}
	ErrTaskAlreadyExists      = &Error{Code: CodeTaskAlreadyExists}
	ErrInvalidStateTransition = &Error{Code: CodeInvalidStateTransition}
	ErrCheckpointNotFound     = &Error{Code: CodeCheckpointNotFound}
	ErrCheckpointCreate       = &Error{Code: CodeCheckpointCreateFailed}
	ErrCheckpointRestore      = &Error{Code: CodeCheckpointRestoreFailed}
	ErrSnapshotNotFound       = &Error{Code: CodeSnapshotNotFound}
	ErrSnapshotFailed         = &Error{Code: CodeSnapshotFailed}
	ErrChunkManifestInvalid   = &Error{Code: CodeChunkManifestInvalid}
	ErrResourceLimitExceeded  = &Error{Code: CodeResourceLimitExceeded}
	ErrInvalidRequest         = &Error{Code: CodeInvalidRequest}
)

// Error is a coded error with structured details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns an error with the given code and details.
func New(code Code, msg string, details map[string]any) *Error {
	return &Error{Code: code, Message: msg, Details: details}
}

// Newf is New with a formatted message and no details.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, msg string, details map[string]any) *Error {
	return &Error{Code: code, Message: msg, Details: details, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// DetailsOf returns the details of the first *Error in err's chain.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}
