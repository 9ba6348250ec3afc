// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package storetest holds the behavioral test suite every auth.AccountStore
// implementation must pass.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/identity/internal/auth"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) auth.AccountStore

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewAccount returns a valid account with unique fields derived from name.
func NewAccount(name string, state auth.State) *auth.Account {
	return auth.NewAccount(auth.Profile{
		Email:       name + "@example.com",
		Username:    name,
		DisplayName: "User " + name,
	}, "$argon2id$v=19$m=16,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2g", state, base)
}

// Run runs the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("create and find", func(t *testing.T) { testCreateAndFind(t, newStore(t)) })
	t.Run("find is case-insensitive for email and username", func(t *testing.T) { testFindFolding(t, newStore(t)) })
	t.Run("find missing returns not found", func(t *testing.T) { testFindMissing(t, newStore(t)) })
	t.Run("create rejects duplicates", func(t *testing.T) { testCreateConflicts(t, newStore(t)) })
	t.Run("returned accounts are copies", func(t *testing.T) { testCopies(t, newStore(t)) })
	t.Run("find pending verification", func(t *testing.T) { testFindPendingVerification(t, newStore(t)) })
	t.Run("find active reset candidate", func(t *testing.T) { testFindActiveResetCandidate(t, newStore(t)) })
	t.Run("atomic update applies patch", func(t *testing.T) { testAtomicUpdate(t, newStore(t)) })
	t.Run("atomic update honors precondition", func(t *testing.T) { testAtomicUpdatePrecondition(t, newStore(t)) })
	t.Run("atomic update is single winner", func(t *testing.T) { testAtomicUpdateRace(t, newStore(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, newStore(t)) })
}

func testCreateAndFind(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	acct := NewAccount("alice", auth.StateActive)
	acct.Phone = "+15551234567"
	require.NoError(t, store.Create(ctx, acct))

	for _, field := range auth.UniqueFields {
		got, err := store.Find(ctx, field, acct.Value(field))
		require.NoError(t, err, "find by %s", field)
		assert.Equal(t, acct.ID, got.ID)
		assert.Equal(t, acct.Email, got.Email)
		assert.Equal(t, acct.Username, got.Username)
		assert.Equal(t, acct.Phone, got.Phone)
		assert.Equal(t, acct.PasswordHash, got.PasswordHash)
		assert.Equal(t, acct.DisplayName, got.DisplayName)
		assert.Equal(t, auth.StateActive, got.State)
		assert.True(t, acct.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.ResetExpiresAt)
		assert.Nil(t, got.VerificationExpiresAt)
	}
}

func testFindFolding(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	acct := NewAccount("Bob", auth.StateActive)
	acct.Email = "bob@example.com"
	require.NoError(t, store.Create(ctx, acct))

	got, err := store.Find(ctx, auth.FieldEmail, "BOB@Example.com")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)

	got, err = store.Find(ctx, auth.FieldUsername, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", got.Username)
}

func testFindMissing(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	_, err := store.Find(ctx, auth.FieldEmail, "nobody@example.com")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	_, err = store.Find(ctx, auth.FieldPhone, "")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func testCreateConflicts(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	first := NewAccount("carol", auth.StateActive)
	first.Phone = "+15550000001"
	require.NoError(t, store.Create(ctx, first))

	tests := []struct {
		name   string
		mutate func(a *auth.Account)
		field  auth.Field
	}{
		{"email", func(a *auth.Account) { a.Email = "CAROL@example.com" }, auth.FieldEmail},
		{"username", func(a *auth.Account) { a.Username = "Carol" }, auth.FieldUsername},
		{"phone", func(a *auth.Account) { a.Phone = "+15550000001" }, auth.FieldPhone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dup := NewAccount("other_"+tt.name, auth.StateActive)
			tt.mutate(dup)

			err := store.Create(ctx, dup)
			require.ErrorIs(t, err, auth.ErrConflict)
			assert.Equal(t, tt.field, auth.ConflictField(err))

			_, err = store.Find(ctx, auth.FieldUsername, dup.Username)
			if tt.field != auth.FieldUsername {
				assert.ErrorIs(t, err, auth.ErrNotFound, "conflicting create must not write")
			}
		})
	}

	// Accounts without a phone never collide on it.
	require.NoError(t, store.Create(ctx, NewAccount("dave", auth.StateActive)))
	require.NoError(t, store.Create(ctx, NewAccount("erin", auth.StateActive)))
}

func testCopies(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	acct := NewAccount("frank", auth.StateActive)
	require.NoError(t, store.Create(ctx, acct))
	acct.DisplayName = "mutated after create"

	got, err := store.Find(ctx, auth.FieldEmail, "frank@example.com")
	require.NoError(t, err)
	assert.Equal(t, "User frank", got.DisplayName)

	got.State = auth.StatePending
	again, err := store.Find(ctx, auth.FieldEmail, "frank@example.com")
	require.NoError(t, err)
	assert.Equal(t, auth.StateActive, again.State)
}

func testFindPendingVerification(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	expires := base.Add(10 * time.Minute)
	acct := NewAccount("grace", auth.StatePending)
	acct.VerificationCode = "123456"
	acct.VerificationExpiresAt = &expires
	require.NoError(t, store.Create(ctx, acct))

	got, err := store.FindPendingVerification(ctx, "grace@example.com", "123456", base)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)
	assert.Equal(t, "123456", got.VerificationCode)
	require.NotNil(t, got.VerificationExpiresAt)
	assert.True(t, expires.Equal(*got.VerificationExpiresAt))

	_, err = store.FindPendingVerification(ctx, "grace@example.com", "654321", base)
	assert.ErrorIs(t, err, auth.ErrNotFound, "wrong code")

	_, err = store.FindPendingVerification(ctx, "grace@example.com", "123456", expires)
	assert.ErrorIs(t, err, auth.ErrNotFound, "expired at the boundary")

	_, err = store.FindPendingVerification(ctx, "other@example.com", "123456", base)
	assert.ErrorIs(t, err, auth.ErrNotFound, "wrong email")
}

func testFindActiveResetCandidate(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	acct := NewAccount("heidi", auth.StateActive)
	require.NoError(t, store.Create(ctx, acct))

	digest := auth.DigestSecret("secret")
	expires := base.Add(10 * time.Minute)
	ok, err := store.AtomicUpdate(ctx, acct.ID,
		auth.Patch{Reset: &auth.ResetGrant{TokenHash: digest, ExpiresAt: expires}},
		auth.Precondition{State: auth.StateActive, Now: base})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.FindActiveResetCandidate(ctx, digest, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)
	assert.Equal(t, digest, got.ResetTokenHash)

	_, err = store.FindActiveResetCandidate(ctx, digest, expires.Add(time.Second))
	assert.ErrorIs(t, err, auth.ErrNotFound, "expired")

	_, err = store.FindActiveResetCandidate(ctx, auth.DigestSecret("other"), base)
	assert.ErrorIs(t, err, auth.ErrNotFound, "unknown digest")
}

func testAtomicUpdate(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	expires := base.Add(10 * time.Minute)
	acct := NewAccount("ivan", auth.StatePending)
	acct.VerificationCode = "000042"
	acct.VerificationExpiresAt = &expires
	require.NoError(t, store.Create(ctx, acct))

	now := base.Add(time.Minute)
	active := auth.StateActive
	ok, err := store.AtomicUpdate(ctx, acct.ID,
		auth.Patch{State: &active, ClearVerification: true, PasswordHash: "new-hash", LastLoginAt: &now},
		auth.Precondition{State: auth.StatePending, VerificationCode: "000042", Now: now})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Find(ctx, auth.FieldEmail, "ivan@example.com")
	require.NoError(t, err)
	assert.Equal(t, auth.StateActive, got.State)
	assert.Empty(t, got.VerificationCode)
	assert.Nil(t, got.VerificationExpiresAt)
	assert.Equal(t, "new-hash", got.PasswordHash)
	require.NotNil(t, got.LastLoginAt)
	assert.True(t, now.Equal(*got.LastLoginAt))
	assert.True(t, now.Equal(got.UpdatedAt))

	// Clearing the reset grant removes both fields.
	ok, err = store.AtomicUpdate(ctx, acct.ID,
		auth.Patch{Reset: &auth.ResetGrant{TokenHash: "h", ExpiresAt: expires}},
		auth.Precondition{Now: now})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.AtomicUpdate(ctx, acct.ID, auth.Patch{ClearReset: true}, auth.Precondition{Now: now})
	require.NoError(t, err)
	require.True(t, ok)

	got, err = store.Find(ctx, auth.FieldEmail, "ivan@example.com")
	require.NoError(t, err)
	assert.Empty(t, got.ResetTokenHash)
	assert.Nil(t, got.ResetExpiresAt)
}

func testAtomicUpdatePrecondition(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	acct := NewAccount("judy", auth.StateActive)
	require.NoError(t, store.Create(ctx, acct))

	active := auth.StateActive
	ok, err := store.AtomicUpdate(ctx, acct.ID,
		auth.Patch{State: &active},
		auth.Precondition{State: auth.StatePending, Now: base})
	require.NoError(t, err)
	assert.False(t, ok, "state mismatch")

	ok, err = store.AtomicUpdate(ctx, acct.ID,
		auth.Patch{PasswordHash: "x", ClearReset: true},
		auth.Precondition{ResetTokenHash: "nothing-outstanding", Now: base})
	require.NoError(t, err)
	assert.False(t, ok, "no reset grant")

	ok, err = store.AtomicUpdate(ctx, ulid.Make(), auth.Patch{PasswordHash: "x"}, auth.Precondition{Now: base})
	require.NoError(t, err)
	assert.False(t, ok, "missing account")

	got, err := store.Find(ctx, auth.FieldEmail, "judy@example.com")
	require.NoError(t, err)
	assert.Equal(t, acct.PasswordHash, got.PasswordHash)
}

func testAtomicUpdateRace(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	acct := NewAccount("mallory", auth.StateActive)
	require.NoError(t, store.Create(ctx, acct))

	digest := auth.DigestSecret("race")
	ok, err := store.AtomicUpdate(ctx, acct.ID,
		auth.Patch{Reset: &auth.ResetGrant{TokenHash: digest, ExpiresAt: base.Add(time.Hour)}},
		auth.Precondition{Now: base})
	require.NoError(t, err)
	require.True(t, ok)

	const workers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.AtomicUpdate(ctx, acct.ID,
				auth.Patch{PasswordHash: "hash-" + string(rune('a'+i)), ClearReset: true},
				auth.Precondition{ResetTokenHash: digest, Now: base})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testDelete(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	acct := NewAccount("oscar", auth.StatePending)
	require.NoError(t, store.Create(ctx, acct))

	require.NoError(t, store.Delete(ctx, acct.ID))
	_, err := store.Find(ctx, auth.FieldEmail, "oscar@example.com")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	require.NoError(t, store.Delete(ctx, acct.ID), "deleting twice is not an error")

	// The email is free again.
	require.NoError(t, store.Create(ctx, NewAccount("oscar", auth.StateActive)))
}
