// Package apperr defines the coded error taxonomy used across the
// coordination core. Codes map to HTTP statuses at the boundary and to the
// failure classes the services distinguish: malformed input, illegal state
// transitions, ineligible providers, external gateway failures and lost
// award races.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class.
type Code string

const (
	CodeValidation        Code = "VALIDATION"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeEligibility       Code = "ELIGIBILITY"
	CodeGateway           Code = "GATEWAY"
	CodeRaceLost          Code = "RACE_LOST"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeInternal          Code = "INTERNAL"
)

// Error is a coded application error, optionally wrapping a cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Validation reports malformed input for a named field. Validation failures
// are rejected at the boundary and never cause state changes.
func Validation(field, message string) *Error {
	return Newf(CodeValidation, "%s: %s", field, message)
}

// InvalidTransition reports an attempted illegal state change.
func InvalidTransition(entity, from, to string) *Error {
	return Newf(CodeInvalidTransition, "%s cannot move from %q to %q", entity, from, to)
}

// Eligibility reports a reply from a provider that fails the eligibility
// predicate. This is a recorded, non-winning outcome, not a system fault.
func Eligibility(providerID, reason string) *Error {
	return Newf(CodeEligibility, "provider %s ineligible: %s", providerID, reason)
}

// Gateway wraps an external send/sync failure. Gateway failures are retried
// out-of-band and never roll back internal state.
func Gateway(err error, op string) *Error {
	return Wrap(err, CodeGateway, "gateway "+op+" failed")
}

// RaceLost reports a valid Yes that arrived after the broadcast was awarded.
func RaceLost(broadcastID string) *Error {
	return Newf(CodeRaceLost, "broadcast %s already awarded", broadcastID)
}

// NotFound reports a missing entity.
func NotFound(resource, id string) *Error {
	return Newf(CodeNotFound, "%s %s not found", resource, id)
}

// Conflict reports a uniqueness or concurrent-update conflict.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// DuplicateProvider reports an active provider already registered on the
// same contact channel.
func DuplicateProvider(phone string) *Error {
	return Newf(CodeConflict, "active provider already exists for contact %s", phone)
}

// CodeOf extracts the code from err, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error to the status the HTTP surface returns for it.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition, CodeConflict, CodeRaceLost:
		return http.StatusConflict
	case CodeEligibility:
		return http.StatusUnprocessableEntity
	case CodeGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
