// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Field names a unique, searchable account field.
type Field string

// Unique account fields.
const (
	FieldEmail    Field = "email"
	FieldUsername Field = "username"
	FieldPhone    Field = "phone"
)

// UniqueFields lists the fields uniqueness is enforced on, in check order.
var UniqueFields = []Field{FieldEmail, FieldUsername, FieldPhone}

// Value returns the account's value for a unique field.
func (a *Account) Value(f Field) string {
	switch f {
	case FieldEmail:
		return a.Email
	case FieldUsername:
		return a.Username
	case FieldPhone:
		return a.Phone
	default:
		return ""
	}
}

// ResetGrant is an outstanding reset secret digest and its expiry.
// The two are always written together.
type ResetGrant struct {
	TokenHash string
	ExpiresAt time.Time
}

// Patch describes the fields an atomic update changes. Zero values leave the
// corresponding field untouched.
type Patch struct {
	State             *State
	PasswordHash      string
	ClearVerification bool
	Reset             *ResetGrant
	ClearReset        bool
	LastLoginAt       *time.Time
}

// Apply writes the patch to a in place.
func (p Patch) Apply(a *Account, now time.Time) {
	if p.State != nil {
		a.State = *p.State
	}
	if p.PasswordHash != "" {
		a.PasswordHash = p.PasswordHash
	}
	if p.ClearVerification {
		a.VerificationCode = ""
		a.VerificationExpiresAt = nil
	}
	if p.ClearReset {
		a.ResetTokenHash = ""
		a.ResetExpiresAt = nil
	}
	if p.Reset != nil {
		expires := p.Reset.ExpiresAt
		a.ResetTokenHash = p.Reset.TokenHash
		a.ResetExpiresAt = &expires
	}
	if p.LastLoginAt != nil {
		t := *p.LastLoginAt
		a.LastLoginAt = &t
	}
	a.UpdatedAt = now
}

// Precondition guards an atomic update. Empty fields are not checked.
type Precondition struct {
	State State

	// VerificationCode must match and VerificationExpiresAt be after Now.
	VerificationCode string

	// ResetTokenHash must match and ResetExpiresAt be after Now.
	ResetTokenHash string

	// Now is the time of the update. Expiry checks compare against it and
	// stores stamp UpdatedAt with it.
	Now time.Time
}

// Holds reports whether a satisfies the precondition.
func (p Precondition) Holds(a *Account) bool {
	if p.State != "" && a.State != p.State {
		return false
	}
	if p.VerificationCode != "" {
		if a.VerificationCode != p.VerificationCode || a.VerificationExpiresAt == nil || !a.VerificationExpiresAt.After(p.Now) {
			return false
		}
	}
	if p.ResetTokenHash != "" {
		if a.ResetTokenHash != p.ResetTokenHash || a.ResetExpiresAt == nil || !a.ResetExpiresAt.After(p.Now) {
			return false
		}
	}
	return true
}

// AccountStore persists accounts. Implementations must make AtomicUpdate a
// single conditional write per record so two concurrent redemptions of the
// same secret cannot both succeed.
type AccountStore interface {
	// Find returns the account whose field equals value (case-insensitive for
	// email and username). Returns an error wrapping ErrNotFound if none.
	Find(ctx context.Context, field Field, value string) (*Account, error)

	// FindPendingVerification returns the pending account with the given email
	// and verification code whose code expires after now.
	FindPendingVerification(ctx context.Context, email, code string, now time.Time) (*Account, error)

	// FindActiveResetCandidate returns the account holding the reset digest
	// with an expiry after now.
	FindActiveResetCandidate(ctx context.Context, tokenHash string, now time.Time) (*Account, error)

	// Create stores a new account. Fails with an error from NewConflictError
	// if email, username or phone collide; nothing is written in that case.
	Create(ctx context.Context, account *Account) error

	// AtomicUpdate applies patch if pre holds. Returns false without writing
	// if the account is missing or the precondition fails.
	AtomicUpdate(ctx context.Context, id ulid.ULID, patch Patch, pre Precondition) (bool, error)

	// Delete removes an account. Deleting a missing account is not an error.
	Delete(ctx context.Context, id ulid.ULID) error
}
