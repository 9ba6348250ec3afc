// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/identity/pkg/errutil"
)

// RequestReset issues a reset secret for the Active account with the given
// email and emails it. Unlike Login, an unknown email is reported as
// ErrNotFound.
func (s *Service) RequestReset(ctx context.Context, email string) (err error) {
	ctx, finish := s.start(ctx, OpRequestReset)
	defer finish(&err)

	email = NormalizeEmail(email)
	if email == "" {
		return NewValidationError("email", "is required")
	}

	acct, err := s.store.Find(ctx, FieldEmail, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return notFound(email)
		}
		return upstream("find account by email", err)
	}
	if !acct.IsActive() {
		return notFound(email)
	}

	secret, digest, err := s.tokens.ResetSecret()
	if err != nil {
		return err
	}

	now := s.clock()
	expiresAt := now.Add(s.resetTTL)
	ok, err := s.store.AtomicUpdate(ctx, acct.ID,
		Patch{Reset: &ResetGrant{TokenHash: digest, ExpiresAt: expiresAt}},
		Precondition{State: StateActive, Now: now},
	)
	if err != nil {
		return upstream("store reset secret", err)
	}
	if !ok {
		return notFound(email)
	}

	if sendErr := s.notifier.SendResetLink(ctx, acct.Email, secret, expiresAt); sendErr != nil {
		s.metrics.EmailDispatchFailed("reset_link")
		// Only clear our own grant; a newer request may have replaced it.
		_, rbErr := s.store.AtomicUpdate(context.WithoutCancel(ctx), acct.ID,
			Patch{ClearReset: true},
			Precondition{ResetTokenHash: digest, Now: now},
		)
		if rbErr != nil {
			errutil.LogError(s.logger, "failed to clear reset secret after email failure",
				oops.With("account_id", acct.ID.String()).Wrap(rbErr))
		}
		return emailDelivery("reset_link", sendErr)
	}

	s.logger.InfoContext(ctx, "password reset requested",
		"account_id", acct.ID.String(),
		"expires_at", expiresAt)
	return nil
}

// ResetPassword redeems a reset secret and sets a new password. A secret can
// be redeemed once; wrong, expired and used secrets all fail with
// ErrInvalidOrExpired.
func (s *Service) ResetPassword(ctx context.Context, secret, newPassword string) (err error) {
	ctx, finish := s.start(ctx, OpResetPassword)
	defer finish(&err)

	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return invalidOrExpired()
	}

	digest := DigestSecret(secret)
	now := s.clock()
	acct, err := s.store.FindActiveResetCandidate(ctx, digest, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalidOrExpired()
		}
		return upstream("find reset candidate", err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("PASSWORD_HASH_FAILED").Wrap(err)
	}

	ok, err := s.store.AtomicUpdate(ctx, acct.ID,
		Patch{PasswordHash: hash, ClearReset: true},
		Precondition{ResetTokenHash: digest, Now: now},
	)
	if err != nil {
		return upstream("update password", err)
	}
	if !ok {
		return invalidOrExpired()
	}

	s.logger.InfoContext(ctx, "password reset completed", "account_id", acct.ID.String())
	return nil
}
