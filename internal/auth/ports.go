// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/holomush/identity/internal/session"
)

// Notifier sends the two emails the flows need.
type Notifier interface {
	// SendVerificationCode emails a registration verification code.
	SendVerificationCode(ctx context.Context, to, code string, expiresAt time.Time) error

	// SendResetLink emails a link embedding the plaintext reset secret.
	SendResetLink(ctx context.Context, to, secret string, expiresAt time.Time) error
}

// Identity is what an identity provider vouches for.
type Identity struct {
	Email      string
	Name       string
	PictureURL string
}

// IdentityProvider verifies federated login assertions. Implementations
// return an error wrapping ErrInvalidAssertion for assertions they reject;
// any other error is treated as the provider being unavailable.
type IdentityProvider interface {
	VerifyAssertion(ctx context.Context, assertion string) (*Identity, error)
}

// SessionIssuer mints session tokens bound to an account ID.
type SessionIssuer interface {
	Issue(subject string) (session.Token, error)
}

// Recorder receives operation outcomes for metrics.
type Recorder interface {
	// ObserveOperation records one call of a flow. Outcome is "ok" or an
	// error code.
	ObserveOperation(operation, outcome string)

	// EmailDispatchFailed records a failed notification by template name.
	EmailDispatchFailed(template string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string) {}
func (nopRecorder) EmailDispatchFailed(string)      {}
