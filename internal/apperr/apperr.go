// Package apperr defines the error kinds surfaced by the MTR service.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an application error
type Kind string

const (
	KindNotFound     Kind = "NotFound"
	KindValidation   Kind = "ValidationFailure"
	KindBusinessRule Kind = "BusinessRuleViolation"
	KindConflict     Kind = "StateConflict"
	KindInternal     Kind = "InternalError"
)

// Sentinel errors usable with errors.Is
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrBusinessRule = errors.New("business rule violation")
	ErrConflict     = errors.New("concurrent modification")
	ErrInternal     = errors.New("internal error")
)

// Error is an application error with a kind and the full list of
// violated rules.
type Error struct {
	Kind    Kind
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && !isSentinel(e.Err) {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the kind to a response status code
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindBusinessRule, KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NotFound creates a not found error
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: []string{fmt.Sprintf("%s %s does not exist", resource, id)},
		Err:     ErrNotFound,
	}
}

// Validation creates a validation error. The message joins every rule.
func Validation(errs ...string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: strings.Join(errs, "; "),
		Details: errs,
		Err:     ErrValidation,
	}
}

// BusinessRule creates a business rule violation
func BusinessRule(message string) *Error {
	return &Error{
		Kind:    KindBusinessRule,
		Message: message,
		Err:     ErrBusinessRule,
	}
}

// Conflict creates a state conflict error
func Conflict(message string) *Error {
	return &Error{
		Kind:    KindConflict,
		Message: message,
		Err:     ErrConflict,
	}
}

// Internal wraps an unexpected error
func Internal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Message: "internal server error",
		Err:     err,
	}
}

// As extracts an *Error from err, wrapping anything else as internal
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// IsKind reports whether err is an application error of the given kind
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

func isSentinel(err error) bool {
	switch err {
	case ErrNotFound, ErrValidation, ErrBusinessRule, ErrConflict, ErrInternal:
		return true
	}
	return false
}
