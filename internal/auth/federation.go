// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/oops"

	"github.com/holomush/identity/internal/session"
)

// FederatedOutcome tells a new account apart from a returning user.
type FederatedOutcome string

// Federated login outcomes.
const (
	OutcomeCreated       FederatedOutcome = "created"
	OutcomeReturningUser FederatedOutcome = "returning_user"
)

// Username synthesis for federated accounts.
const (
	usernameSuffixBytes   = 2 // 4 hex chars
	maxUsernameAttempts   = 5
	fallbackUsernameStart = "user"
)

// FederatedResult is the outcome of a federated login.
type FederatedResult struct {
	Account PublicProfile    `json:"account"`
	Session session.Token    `json:"session"`
	Outcome FederatedOutcome `json:"outcome"`
}

// FederatedLogin logs in with an identity provider assertion, creating an
// Active account on first use.
func (s *Service) FederatedLogin(ctx context.Context, assertion string) (_ *FederatedResult, err error) {
	ctx, finish := s.start(ctx, OpFederatedLogin)
	defer finish(&err)

	if s.identity == nil {
		return nil, upstream("verify assertion", errors.New("no identity provider configured"))
	}
	if strings.TrimSpace(assertion) == "" {
		return nil, invalidAssertion(nil)
	}

	ident, err := s.identity.VerifyAssertion(ctx, assertion)
	if err != nil {
		if errors.Is(err, ErrInvalidAssertion) {
			return nil, invalidAssertion(err)
		}
		return nil, upstream("verify assertion", err)
	}
	email := NormalizeEmail(ident.Email)
	if ValidateEmail(email) != nil {
		return nil, invalidAssertion(errors.New("identity has no usable email"))
	}

	now := s.clock()
	acct, err := s.store.Find(ctx, FieldEmail, email)
	switch {
	case err == nil:
		return s.federatedReturning(ctx, acct, now)
	case errors.Is(err, ErrNotFound):
	default:
		return nil, upstream("find account by email", err)
	}

	acct, err = s.createFederatedAccount(ctx, email, ident, now)
	if ConflictField(err) == FieldEmail {
		// Lost a race with a concurrent first login for the same email.
		acct, err = s.store.Find(ctx, FieldEmail, email)
		if err != nil {
			return nil, upstream("find account by email", err)
		}
		return s.federatedReturning(ctx, acct, now)
	}
	if err != nil {
		return nil, err
	}

	tok, err := s.issueSession(acct)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "account registered",
		"account_id", acct.ID.String(),
		"flow", "federated")
	return &FederatedResult{Account: acct.Public(), Session: tok, Outcome: OutcomeCreated}, nil
}

// federatedReturning logs in an existing account. The provider has verified
// the email, so a Pending account with that email is activated. Its password
// was chosen by an unverified registrant and is replaced by a random one.
func (s *Service) federatedReturning(ctx context.Context, acct *Account, now time.Time) (*FederatedResult, error) {
	patch := Patch{LastLoginAt: &now}
	if acct.State == StatePending {
		hash, err := s.unusablePasswordHash()
		if err != nil {
			return nil, err
		}
		active := StateActive
		patch.State = &active
		patch.PasswordHash = hash
		patch.ClearVerification = true
	}

	ok, err := s.store.AtomicUpdate(ctx, acct.ID, patch, Precondition{State: acct.State, Now: now})
	if err != nil {
		return nil, upstream("update federated account", err)
	}
	if !ok {
		return nil, upstream("update federated account", oops.With("account_id", acct.ID.String()).
			Errorf("account changed concurrently"))
	}
	if acct.State == StatePending {
		s.logger.InfoContext(ctx, "account verified",
			"account_id", acct.ID.String(),
			"flow", "federated")
	}
	patch.Apply(acct, now)

	tok, err := s.issueSession(acct)
	if err != nil {
		return nil, err
	}
	return &FederatedResult{Account: acct.Public(), Session: tok, Outcome: OutcomeReturningUser}, nil
}

// createFederatedAccount stores a new Active account with a synthesized
// username and a random password hash nobody knows the plaintext of.
func (s *Service) createFederatedAccount(ctx context.Context, email string, ident *Identity, now time.Time) (*Account, error) {
	hash, err := s.unusablePasswordHash()
	if err != nil {
		return nil, err
	}

	profile := Profile{
		Email:       email,
		DisplayName: truncateRunes(strings.TrimSpace(ident.Name), MaxDisplayNameLength),
		AvatarURL:   strings.TrimSpace(ident.PictureURL),
	}

	var lastErr error
	for range maxUsernameAttempts {
		suffix, err := s.tokens.Suffix(usernameSuffixBytes)
		if err != nil {
			return nil, err
		}
		profile.Username = SynthesizeUsername(email, suffix)

		acct := NewAccount(profile, hash, StateActive, now)
		acct.LastLoginAt = &now
		err = s.store.Create(ctx, acct)
		if err == nil {
			return acct, nil
		}
		if ConflictField(err) != FieldUsername {
			return nil, upstream("create federated account", err)
		}
		lastErr = err
	}
	return nil, lastErr
}

// unusablePasswordHash hashes a random password that is never revealed.
func (s *Service) unusablePasswordHash() (string, error) {
	password, err := s.tokens.Password()
	if err != nil {
		return "", err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", oops.Code("PASSWORD_HASH_FAILED").Wrap(err)
	}
	return hash, nil
}

// SynthesizeUsername derives a valid username from an email's local part and
// a disambiguating suffix: "Jane.Doe+x@example.com", "3fa1" -> "Jane_Doe_x_3fa1".
func SynthesizeUsername(email, suffix string) string {
	local := email
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}

	var b strings.Builder
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	base := b.String()
	if base == "" || !isASCIILetter(base[0]) {
		base = fallbackUsernameStart + base
	}

	maxBase := MaxUsernameLength - len(suffix) - 1
	if len(base) > maxBase {
		base = base[:maxBase]
	}
	return base + "_" + suffix
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
