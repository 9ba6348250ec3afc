// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/identity/internal/session"
	"github.com/holomush/identity/pkg/errutil"
)

// Registration is the result of direct registration.
type Registration struct {
	Account PublicProfile `json:"account"`
	Session session.Token `json:"session"`
}

// Register creates an Active account directly and logs it in.
func (s *Service) Register(ctx context.Context, profile Profile, password string) (_ *Registration, err error) {
	ctx, finish := s.start(ctx, OpRegister)
	defer finish(&err)

	p, hash, err := s.prepareAccount(ctx, profile, password)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	acct := NewAccount(p, hash, StateActive, now)
	acct.LastLoginAt = &now

	if err := s.store.Create(ctx, acct); err != nil {
		return nil, upstream("create account", err)
	}

	tok, err := s.issueSession(acct)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "account registered",
		"account_id", acct.ID.String(),
		"flow", "direct")
	return &Registration{Account: acct.Public(), Session: tok}, nil
}

// RequestVerification creates a Pending account and emails it a verification
// code. If the email cannot be sent the account is deleted again so the
// address stays available.
func (s *Service) RequestVerification(ctx context.Context, profile Profile, password string) (err error) {
	ctx, finish := s.start(ctx, OpRequestVerification)
	defer finish(&err)

	p, hash, err := s.prepareAccount(ctx, profile, password)
	if err != nil {
		return err
	}

	code, err := s.tokens.VerificationCode()
	if err != nil {
		return err
	}

	now := s.clock()
	expiresAt := now.Add(s.codeTTL)
	acct := NewAccount(p, hash, StatePending, now)
	acct.VerificationCode = code
	acct.VerificationExpiresAt = &expiresAt

	if err := s.store.Create(ctx, acct); err != nil {
		return upstream("create pending account", err)
	}

	if sendErr := s.notifier.SendVerificationCode(ctx, acct.Email, code, expiresAt); sendErr != nil {
		s.metrics.EmailDispatchFailed("verification_code")
		// The request context may already be done; the cleanup must still run.
		if delErr := s.store.Delete(context.WithoutCancel(ctx), acct.ID); delErr != nil {
			errutil.LogError(s.logger, "failed to delete pending account after email failure",
				oops.With("account_id", acct.ID.String()).Wrap(delErr))
		}
		return emailDelivery("verification_code", sendErr)
	}

	s.logger.InfoContext(ctx, "verification code sent",
		"account_id", acct.ID.String(),
		"expires_at", expiresAt)
	return nil
}

// VerifyCode activates the Pending account matching email and code. Wrong,
// expired and already-used codes are indistinguishable to the caller.
func (s *Service) VerifyCode(ctx context.Context, email, code string) (err error) {
	ctx, finish := s.start(ctx, OpVerifyCode)
	defer finish(&err)

	email = NormalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return invalidOrExpired()
	}

	now := s.clock()
	acct, err := s.store.FindPendingVerification(ctx, email, code, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalidOrExpired()
		}
		return upstream("find pending verification", err)
	}

	active := StateActive
	ok, err := s.store.AtomicUpdate(ctx, acct.ID,
		Patch{State: &active, ClearVerification: true},
		Precondition{State: StatePending, VerificationCode: code, Now: now},
	)
	if err != nil {
		return upstream("activate account", err)
	}
	if !ok {
		return invalidOrExpired()
	}

	s.logger.InfoContext(ctx, "account verified", "account_id", acct.ID.String())
	return nil
}
