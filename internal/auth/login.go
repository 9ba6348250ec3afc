// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/holomush/identity/internal/session"
	"github.com/holomush/identity/pkg/errutil"
)

// dummyPasswordHash is verified when no account matches so that response time
// does not reveal whether an email is registered. It never matches anything.
//
//nolint:gosec // G101: intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// LoginResult is a minted session and the caller's public profile.
type LoginResult struct {
	Account PublicProfile `json:"account"`
	Session session.Token `json:"session"`
}

// Login authenticates by email and password. Unknown email, unverified
// account and wrong password all fail with the same error.
func (s *Service) Login(ctx context.Context, email, password string) (_ *LoginResult, err error) {
	ctx, finish := s.start(ctx, OpLogin)
	defer finish(&err)

	email = NormalizeEmail(email)

	var acct *Account
	targetHash := dummyPasswordHash
	if email != "" {
		found, lookupErr := s.store.Find(ctx, FieldEmail, email)
		switch {
		case lookupErr == nil:
			acct = found
			targetHash = found.PasswordHash
		case errors.Is(lookupErr, ErrNotFound):
		default:
			return nil, upstream("find account by email", lookupErr)
		}
	}

	// Always verify, even against the dummy hash.
	valid := s.hasher.Verify(password, targetHash)
	if acct == nil || !valid || !acct.IsActive() {
		return nil, invalidCredentials()
	}

	now := s.clock()
	s.touchLastLogin(ctx, acct, now)

	tok, err := s.issueSession(acct)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Account: acct.Public(), Session: tok}, nil
}

// touchLastLogin records a login. Failure is logged; the login still succeeds.
func (s *Service) touchLastLogin(ctx context.Context, acct *Account, now time.Time) {
	ok, err := s.store.AtomicUpdate(ctx, acct.ID, Patch{LastLoginAt: &now}, Precondition{Now: now})
	if err != nil {
		errutil.LogError(s.logger, "failed to record last login", err)
		return
	}
	if ok {
		acct.LastLoginAt = &now
	}
}
