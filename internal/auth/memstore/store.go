// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package memstore provides an in-memory auth.AccountStore for tests and
// single-process development servers.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
)

// Store is a mutex-guarded in-memory account store. Accounts are copied on
// the way in and out so callers never share state with the store.
type Store struct {
	mu       sync.RWMutex
	accounts map[ulid.ULID]*auth.Account
}

// New creates an empty store.
func New() *Store {
	return &Store{accounts: make(map[ulid.ULID]*auth.Account)}
}

// key folds values the way the store compares them.
func key(field auth.Field, value string) string {
	if field == auth.FieldPhone {
		return value
	}
	return strings.ToLower(value)
}

func (s *Store) findLocked(field auth.Field, value string) *auth.Account {
	want := key(field, value)
	for _, a := range s.accounts {
		v := a.Value(field)
		if v != "" && key(field, v) == want {
			return a
		}
	}
	return nil
}

// Find implements auth.AccountStore.
func (s *Store) Find(ctx context.Context, field auth.Field, value string) (*auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if value == "" {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("field", string(field)).Wrap(auth.ErrNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if a := s.findLocked(field, value); a != nil {
		return a.Clone(), nil
	}
	return nil, oops.Code("ACCOUNT_NOT_FOUND").With("field", string(field)).Wrap(auth.ErrNotFound)
}

// FindPendingVerification implements auth.AccountStore.
func (s *Store) FindPendingVerification(ctx context.Context, email, code string, now time.Time) (*auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	pre := auth.Precondition{State: auth.StatePending, VerificationCode: code, Now: now}
	if a := s.findLocked(auth.FieldEmail, email); a != nil && code != "" && pre.Holds(a) {
		return a.Clone(), nil
	}
	return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
}

// FindActiveResetCandidate implements auth.AccountStore.
func (s *Store) FindActiveResetCandidate(ctx context.Context, tokenHash string, now time.Time) (*auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if tokenHash != "" {
		pre := auth.Precondition{ResetTokenHash: tokenHash, Now: now}
		for _, a := range s.accounts {
			if pre.Holds(a) {
				return a.Clone(), nil
			}
		}
	}
	return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
}

// Create implements auth.AccountStore.
func (s *Store) Create(ctx context.Context, account *auth.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return oops.Code("ACCOUNT_ID_EXISTS").With("account_id", account.ID.String()).Errorf("account id already exists")
	}
	for _, field := range auth.UniqueFields {
		v := account.Value(field)
		if v != "" && s.findLocked(field, v) != nil {
			return auth.NewConflictError(field)
		}
	}
	s.accounts[account.ID] = account.Clone()
	return nil
}

// AtomicUpdate implements auth.AccountStore.
func (s *Store) AtomicUpdate(ctx context.Context, id ulid.ULID, patch auth.Patch, pre auth.Precondition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || !pre.Holds(a) {
		return false, nil
	}
	now := pre.Now
	if now.IsZero() {
		now = time.Now().UTC().Truncate(time.Microsecond)
	}
	patch.Apply(a, now)
	return true, nil
}

// Delete implements auth.AccountStore.
func (s *Store) Delete(ctx context.Context, id ulid.ULID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return nil
}

// Len returns the number of stored accounts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// Ping always succeeds; it lets the store serve as a readiness check.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Compile-time interface check.
var _ auth.AccountStore = (*Store)(nil)
