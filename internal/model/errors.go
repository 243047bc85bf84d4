package model

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable, distinct category of failure. Every error returned
// by the registry, tracker and controller carries exactly one kind so the
// caller can render an actionable message.
//
// ErrorKind values are themselves errors, which makes them usable as
// sentinels:
//
//	if errors.Is(err, model.ErrWorktreeDirty) { ... }
type ErrorKind string

// Error satisfies the error interface.
func (k ErrorKind) Error() string {
	return string(k)
}

const (
	ErrNotAGitRepository       ErrorKind = "not a git repository"
	ErrPathAlreadyExists       ErrorKind = "path already exists"
	ErrBranchAlreadyCheckedOut ErrorKind = "branch already checked out"
	ErrWorktreeDirty           ErrorKind = "worktree has uncommitted changes"
	ErrWorktreeMissing         ErrorKind = "worktree is missing"
	ErrSessionAlreadyActive    ErrorKind = "session already active"
	ErrSessionNotFound         ErrorKind = "session not found"
	ErrSessionTimeout          ErrorKind = "session did not become ready in time"

	ErrRepositoryNotFound  ErrorKind = "repository not registered"
	ErrWorktreeNotFound    ErrorKind = "worktree not found"
	ErrMainWorktree        ErrorKind = "main worktree cannot be removed"
	ErrOperationInProgress ErrorKind = "another operation is in progress"
	ErrNotCancellable      ErrorKind = "operation can no longer be cancelled"
	ErrGit                 ErrorKind = "git operation failed"
)

// Error attaches context to an ErrorKind: the operation that failed, the
// subject it failed on (a path, branch or ID) and an optional cause.
type Error struct {
	Kind    ErrorKind
	Op      string
	Subject string
	Err     error
}

// Error returns "op subject: kind: cause", omitting empty parts.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Subject != "" {
		msg = fmt.Sprintf("%s: %s", e.Subject, msg)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E builds an *Error.
func E(kind ErrorKind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// KindOf returns the first ErrorKind found in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// ExitCode defines the CLI exit codes. Each error kind maps to its own code
// so scripts can branch on the outcome.
type ExitCode int

const (
	ExitSuccess                 ExitCode = 0
	ExitGeneralError            ExitCode = 1
	ExitNotAGitRepository       ExitCode = 2
	ExitPathAlreadyExists       ExitCode = 3
	ExitBranchAlreadyCheckedOut ExitCode = 4
	ExitWorktreeDirty           ExitCode = 5
	ExitWorktreeMissing         ExitCode = 6
	ExitSessionAlreadyActive    ExitCode = 7
	ExitSessionNotFound         ExitCode = 8
	ExitSessionTimeout          ExitCode = 9
	ExitRepositoryNotFound      ExitCode = 10
	ExitWorktreeNotFound        ExitCode = 11
	ExitMainWorktree            ExitCode = 12
	ExitOperationInProgress     ExitCode = 13
	ExitNotCancellable          ExitCode = 14
	ExitGitError                ExitCode = 15
	ExitDockerNotRunning        ExitCode = 16
	ExitSessionCrashed          ExitCode = 17
)

var kindExitCodes = map[ErrorKind]ExitCode{
	ErrNotAGitRepository:       ExitNotAGitRepository,
	ErrPathAlreadyExists:       ExitPathAlreadyExists,
	ErrBranchAlreadyCheckedOut: ExitBranchAlreadyCheckedOut,
	ErrWorktreeDirty:           ExitWorktreeDirty,
	ErrWorktreeMissing:         ExitWorktreeMissing,
	ErrSessionAlreadyActive:    ExitSessionAlreadyActive,
	ErrSessionNotFound:         ExitSessionNotFound,
	ErrSessionTimeout:          ExitSessionTimeout,
	ErrRepositoryNotFound:      ExitRepositoryNotFound,
	ErrWorktreeNotFound:        ExitWorktreeNotFound,
	ErrMainWorktree:            ExitMainWorktree,
	ErrOperationInProgress:     ExitOperationInProgress,
	ErrNotCancellable:          ExitNotCancellable,
	ErrGit:                     ExitGitError,
}

// ExitCodeFor returns the exit code for an error kind, or ExitGeneralError
// for an unknown kind.
func ExitCodeFor(kind ErrorKind) ExitCode {
	if code, ok := kindExitCodes[kind]; ok {
		return code
	}
	return ExitGeneralError
}

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// WrapKind wraps err in a CLIError whose exit code is derived from the
// error kind found in err's chain.
func WrapKind(message string, err error) *CLIError {
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return WrapCLIError(cliErr.Code, message, err)
	}
	return WrapCLIError(ExitCodeFor(KindOf(err)), message, err)
}
