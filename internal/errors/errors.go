// Package errors provides coded application errors shared by the repository,
// service and transport layers. Transport layers translate a Code into an
// HTTP status or a gRPC code; nothing below them needs to know about either.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeValidation   Code = "VALIDATION"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeForbidden    Code = "FORBIDDEN"
	ErrCodeInvalidState Code = "INVALID_STATE"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeInternal     Code = "INTERNAL"
)

// AppError is an error carrying a Code and optional detail lines.
type AppError struct {
	Code    Code
	Message string
	Details []string
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if len(e.Details) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(e.Details, "; "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an error with the given code.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a single invalid field.
func InvalidInput(field, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidation,
		Message: "invalid input",
		Details: []string{fmt.Sprintf("%s: %s", field, message)},
	}
}

// Validation reports one or more validation failures.
func Validation(message string, details ...string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Details: details}
}

// Unauthorized reports a missing or unusable caller identity.
func Unauthorized(message string) *AppError {
	return &AppError{Code: ErrCodeUnauthorized, Message: message}
}

// Forbidden reports that the caller may not perform the operation.
func Forbidden(message string) *AppError {
	return &AppError{Code: ErrCodeForbidden, Message: message}
}

// InvalidState reports an operation attempted from the wrong status.
func InvalidState(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidState, Message: message}
}

// Conflict reports a uniqueness or concurrent-modification failure.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// DetailsOf returns the detail lines of the first AppError in err's chain.
func DetailsOf(err error) []string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Details
	}
	return nil
}

// As is errors.As from the standard library.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
