// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Error codes attached to errors returned by Service.
const (
	CodeValidation         = "VALIDATION_FAILED"
	CodeConflict           = "ACCOUNT_CONFLICT"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeInvalidOrExpired   = "INVALID_OR_EXPIRED"
	CodeNotFound           = "ACCOUNT_NOT_FOUND"
	CodeInvalidAssertion   = "INVALID_ASSERTION"
	CodeEmailDelivery      = "EMAIL_DELIVERY_FAILED"
	CodeUpstream           = "UPSTREAM_UNAVAILABLE"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrConflict            = errors.New("already in use")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrInvalidOrExpired    = errors.New("invalid or expired")
	ErrNotFound            = errors.New("not found")
	ErrInvalidAssertion    = errors.New("invalid identity assertion")
	ErrEmailDelivery       = errors.New("email delivery failed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// kinds is ordered from most to least specific.
var kinds = []struct {
	err  error
	code string
}{
	{ErrValidation, CodeValidation},
	{ErrConflict, CodeConflict},
	{ErrInvalidCredentials, CodeInvalidCredentials},
	{ErrInvalidOrExpired, CodeInvalidOrExpired},
	{ErrInvalidAssertion, CodeInvalidAssertion},
	{ErrEmailDelivery, CodeEmailDelivery},
	{ErrUpstreamUnavailable, CodeUpstream},
	{ErrNotFound, CodeNotFound},
}

// ErrorCode returns the stable code for err, or "" if err is nil or not one of
// the package's error kinds.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return ""
}

// FieldError names the input field a validation or conflict error refers to.
type FieldError struct {
	Field  string
	Reason string
	kind   error
}

func (e *FieldError) Error() string {
	return e.Field + " " + e.Reason
}

func (e *FieldError) Unwrap() error {
	return e.kind
}

// NewValidationError returns a validation error for field.
func NewValidationError(field, reason string) error {
	return oops.Code(CodeValidation).
		With("field", field).
		Wrap(&FieldError{Field: field, Reason: reason, kind: ErrValidation})
}

// NewConflictError returns the error stores report when a unique field
// collides with an existing account.
func NewConflictError(field Field) error {
	return oops.Code(CodeConflict).
		With("field", string(field)).
		Wrap(&FieldError{Field: string(field), Reason: "is already in use", kind: ErrConflict})
}

// ConflictField returns the field a conflict error refers to, or "".
func ConflictField(err error) Field {
	var fe *FieldError
	if errors.As(err, &fe) && errors.Is(fe.kind, ErrConflict) {
		return Field(fe.Field)
	}
	return ""
}

func invalidCredentials() error {
	return oops.Code(CodeInvalidCredentials).Wrap(ErrInvalidCredentials)
}

func invalidOrExpired() error {
	return oops.Code(CodeInvalidOrExpired).Wrap(ErrInvalidOrExpired)
}

func notFound(email string) error {
	return oops.Code(CodeNotFound).With("email", email).Wrap(ErrNotFound)
}

func invalidAssertion(cause error) error {
	if cause == nil {
		return oops.Code(CodeInvalidAssertion).Wrap(ErrInvalidAssertion)
	}
	if errors.Is(cause, ErrInvalidAssertion) {
		return oops.Code(CodeInvalidAssertion).Wrap(cause)
	}
	return oops.Code(CodeInvalidAssertion).Wrap(fmt.Errorf("%w: %w", ErrInvalidAssertion, cause))
}

func emailDelivery(template string, cause error) error {
	return oops.Code(CodeEmailDelivery).
		With("template", template).
		Wrap(fmt.Errorf("%w: %w", ErrEmailDelivery, cause))
}

// upstream wraps a collaborator failure. Errors that already carry a kind
// (for example a store conflict) are passed through unchanged.
func upstream(operation string, cause error) error {
	if ErrorCode(cause) != "" && !errors.Is(cause, ErrNotFound) {
		return cause
	}
	return oops.Code(CodeUpstream).
		With("operation", operation).
		Wrap(fmt.Errorf("%w: %w", ErrUpstreamUnavailable, cause))
}
