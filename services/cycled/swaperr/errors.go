// Package swaperr defines the typed error codes returned by the cycle
// services and their HTTP mapping.
package swaperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
)

// Code identifies an error class on the wire.
type Code string

// Error codes.
const (
	CodeReservationConflict Code = "RESERVATION_CONFLICT"
	CodeIdempotencyMismatch Code = "IDEMPOTENCY_KEY_REUSE_PAYLOAD_MISMATCH"
	CodeConstraintViolation Code = "CONSTRAINT_VIOLATION"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInternal            Code = "INTERNAL"
)

// Reason codes carried in details and on events.
const (
	ReasonProposalExpired       = "proposal_expired"
	ReasonParticipantDeclined   = "participant_declined"
	ReasonDepositTimeout        = "deposit_timeout"
	ReasonDepositDeadlinePassed = "deposit_deadline_passed"
	ReasonDepositWindowOpen     = "deposit_window_open"
	ReasonVaultBackedLeg        = "vault_backed_leg"
	ReasonIntentNotActive       = "intent_not_active"
	ReasonIntentReserved        = "intent_reserved"
	ReasonCommitNotReady        = "commit_not_ready"
)

// Error is a typed failure surfaced to callers.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// New constructs an error with optional details.
func New(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Sentinels usable with errors.Is.
var (
	ErrReservationConflict = &Error{Code: CodeReservationConflict}
	ErrIdempotencyMismatch = &Error{Code: CodeIdempotencyMismatch}
	ErrConstraintViolation = &Error{Code: CodeConstraintViolation}
	ErrForbidden           = &Error{Code: CodeForbidden}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrValidation          = &Error{Code: CodeValidation}
)

// Forbidden reports that the caller may not act on or view the resource. The
// message never names other participants.
func Forbidden(message string) *Error {
	return New(CodeForbidden, message, nil)
}

// NotFound reports a missing resource.
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s %q not found", kind, id), map[string]any{"kind": kind, "id": id})
}

// Validation reports a malformed request field.
func Validation(field, message string) *Error {
	return New(CodeValidation, message, map[string]any{"field": field})
}

// Conflict reports intents already reserved by another commit.
func Conflict(intentIDs []string) *Error {
	ids := append([]string(nil), intentIDs...)
	sort.Strings(ids)
	return New(CodeReservationConflict, "one or more intents are reserved by another commit", map[string]any{
		"intent_ids": ids,
	})
}

// StateViolation reports an operation attempted from the wrong state.
func StateViolation(expected, actual, reason string) *Error {
	details := map[string]any{
		"expected_state": expected,
		"actual_state":   actual,
	}
	if reason != "" {
		details["reason_code"] = reason
	}
	return New(CodeConstraintViolation, fmt.Sprintf("expected state %s, found %s", expected, actual), details)
}

// Constraint reports a business rule violation that is not a state mismatch.
func Constraint(reason, message string, extra map[string]any) *Error {
	details := map[string]any{"reason_code": reason}
	for k, v := range extra {
		details[k] = v
	}
	return New(CodeConstraintViolation, message, details)
}

// As extracts the typed error, if any.
func As(err error) (*Error, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// CodeOf returns the code of err, or INTERNAL for untyped errors.
func CodeOf(err error) Code {
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to a response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeReservationConflict, CodeIdempotencyMismatch, CodeConstraintViolation:
		return http.StatusConflict
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
