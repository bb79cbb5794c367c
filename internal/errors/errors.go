// Package errors defines the coded application errors returned across the
// approval engine. Every failure leaves the engine as a value carrying one of
// the ErrCode constants so callers can decide on retry or user messaging.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrCode classifies an application error.
type ErrCode string

const (
	ErrCodeValidation        ErrCode = "VALIDATION_ERROR"
	ErrCodeNoPendingApproval ErrCode = "NO_PENDING_APPROVAL"
	ErrCodeConflict          ErrCode = "CONFLICT"
	ErrCodeDirectoryLookup   ErrCode = "DIRECTORY_LOOKUP_FAILED"
	ErrCodePersistence       ErrCode = "PERSISTENCE_ERROR"
	ErrCodeNotFound          ErrCode = "NOT_FOUND"
	ErrCodeUnauthorized      ErrCode = "UNAUTHORIZED"
	ErrCodeInternal          ErrCode = "INTERNAL"
)

// AppError is an error with a code and optional field/cause.
type AppError struct {
	Code    ErrCode
	Message string
	Field   string
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches any *AppError with the same code, so errors.Is(err, ErrConflict)
// works for wrapped values.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether a caller may retry the failed operation.
func (e *AppError) Retryable() bool {
	return e.Code == ErrCodeConflict || e.Code == ErrCodePersistence
}

// Sentinels for errors.Is comparisons.
var (
	ErrConflict          = &AppError{Code: ErrCodeConflict, Message: "conflict"}
	ErrNoPendingApproval = &AppError{Code: ErrCodeNoPendingApproval, Message: "no pending approval"}
	ErrNotFound          = &AppError{Code: ErrCodeNotFound, Message: "not found"}
)

// New creates an error with the given code.
func New(code ErrCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error. Wrapping an
// *AppError keeps its code unless it is INTERNAL.
func Wrap(err error, code ErrCode, message string) error {
	if err == nil {
		return nil
	}
	var app *AppError
	if stderrors.As(err, &app) && app.Code != ErrCodeInternal {
		return err
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// InvalidInput reports a malformed input field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Field: field, Message: message}
}

// Conflict reports an optimistic concurrency failure.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// NoPendingApproval reports that the actor has nothing to decide on.
func NoPendingApproval(workRequestID, approverID string) *AppError {
	return &AppError{
		Code:    ErrCodeNoPendingApproval,
		Message: fmt.Sprintf("no pending approval for approver %s on work request %s", approverID, workRequestID),
	}
}

// DirectoryLookup reports an approver directory failure.
func DirectoryLookup(approverID string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeDirectoryLookup,
		Message: fmt.Sprintf("failed to resolve approver %s", approverID),
		Err:     err,
	}
}

// CodeOf returns the code of err, INTERNAL for foreign errors and "" for nil.
func CodeOf(err error) ErrCode {
	if err == nil {
		return ""
	}
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return ErrCodeInternal
}

// IsConflict reports whether err carries ErrCodeConflict.
func IsConflict(err error) bool { return CodeOf(err) == ErrCodeConflict }

// IsNotFound reports whether err carries ErrCodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// As is errors.As re-exported so callers need only one errors import.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Is is errors.Is re-exported.
func Is(err, target error) bool { return stderrors.Is(err, target) }
