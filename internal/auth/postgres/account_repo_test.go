// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/identity/internal/auth"
)

var (
	testNow     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testID      = ulid.MustParse("01HQ7Z8K9M0000000000000000")
	noString    = (*string)(nil)
	noTimestamp = (*time.Time)(nil)
)

func strPtr(s string) *string { return &s }

func accountRow(state string) *pgxmock.Rows {
	lastLogin := testNow.Add(-time.Hour)
	return pgxmock.NewRows(accountColumns).AddRow(
		testID.String(),
		"alice@example.com",
		"alice",
		noString,
		"$argon2id$hash",
		strPtr("Alice"),
		noString,
		state,
		noString,
		noTimestamp,
		noString,
		noTimestamp,
		&lastLogin,
		testNow,
		testNow,
	)
}

func newMockRepo(t *testing.T) (*AccountRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewAccountRepository(mock), mock
}

func TestAccountRepository_Find(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		field   auth.Field
		value   string
		pattern string
	}{
		{"by email", auth.FieldEmail, "Alice@Example.com", `SELECT id, email, .+ FROM accounts WHERE LOWER\(email\) = LOWER\(\$1\) LIMIT 1`},
		{"by username", auth.FieldUsername, "ALICE", `FROM accounts WHERE LOWER\(username\) = LOWER\(\$1\) LIMIT 1`},
		{"by phone", auth.FieldPhone, "+15551234567", `FROM accounts WHERE phone = \$1 LIMIT 1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			mock.ExpectQuery(tt.pattern).WithArgs(tt.value).WillReturnRows(accountRow("active"))

			acct, err := repo.Find(ctx, tt.field, tt.value)
			require.NoError(t, err)
			assert.Equal(t, testID, acct.ID)
			assert.Equal(t, "alice@example.com", acct.Email)
			assert.Equal(t, "Alice", acct.DisplayName)
			assert.Empty(t, acct.Phone)
			assert.Empty(t, acct.AvatarURL)
			assert.Equal(t, auth.StateActive, acct.State)
			assert.Nil(t, acct.ResetExpiresAt)
			require.NotNil(t, acct.LastLoginAt)
			assert.True(t, testNow.Add(-time.Hour).Equal(*acct.LastLoginAt))
		})
	}

	t.Run("no rows is not found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`FROM accounts`).WithArgs("nobody@example.com").WillReturnError(pgx.ErrNoRows)

		_, err := repo.Find(ctx, auth.FieldEmail, "nobody@example.com")
		require.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("database error", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`FROM accounts`).WillReturnError(errors.New("connection refused"))

		_, err := repo.Find(ctx, auth.FieldEmail, "alice@example.com")
		require.Error(t, err)
		assert.NotErrorIs(t, err, auth.ErrNotFound)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("empty value is not found without a query", func(t *testing.T) {
		repo, _ := newMockRepo(t)
		_, err := repo.Find(ctx, auth.FieldPhone, "")
		require.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("unsupported field", func(t *testing.T) {
		repo, _ := newMockRepo(t)
		_, err := repo.Find(ctx, auth.Field("display_name"), "x")
		require.Error(t, err)
		assert.NotErrorIs(t, err, auth.ErrNotFound)
	})
}

func TestAccountRepository_FindPendingVerification(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`WHERE \(LOWER\(email\) = LOWER\(\$1\) AND state = \$2 AND verification_code = \$3 AND verification_expires_at > \$4\)`).
		WithArgs("bob@example.com", "pending", "123456", testNow).
		WillReturnRows(accountRow("pending"))

	acct, err := repo.FindPendingVerification(context.Background(), "bob@example.com", "123456", testNow)
	require.NoError(t, err)
	assert.Equal(t, auth.StatePending, acct.State)
}

func TestAccountRepository_FindActiveResetCandidate(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`WHERE \(reset_token_hash = \$1 AND reset_expires_at > \$2\)`).
		WithArgs("digest", testNow).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.FindActiveResetCandidate(context.Background(), "digest", testNow)
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestAccountRepository_Create(t *testing.T) {
	ctx := context.Background()
	newAccount := func() *auth.Account {
		a := auth.NewAccount(auth.Profile{Email: "c@example.com", Username: "carol"}, "hash", auth.StateActive, testNow)
		return a
	}

	t.Run("inserts", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		a := newAccount()
		mock.ExpectExec(`INSERT INTO accounts \(id,email,username,phone,password_hash`).
			WithArgs(a.ID.String(), "c@example.com", "carol", noString, "hash", noString, noString, "active",
				noString, noTimestamp, noString, noTimestamp, noTimestamp, testNow, testNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Create(ctx, a))
	})

	uniqueTests := []struct {
		constraint string
		field      auth.Field
	}{
		{"accounts_email_key", auth.FieldEmail},
		{"accounts_username_key", auth.FieldUsername},
		{"accounts_phone_key", auth.FieldPhone},
	}
	for _, tt := range uniqueTests {
		t.Run("unique violation on "+tt.constraint, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			mock.ExpectExec(`INSERT INTO accounts`).
				WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: tt.constraint})

			err := repo.Create(ctx, newAccount())
			require.ErrorIs(t, err, auth.ErrConflict)
			assert.Equal(t, tt.field, auth.ConflictField(err))
		})
	}

	t.Run("primary key violation is not a field conflict", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(`INSERT INTO accounts`).
			WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "accounts_pkey"})

		err := repo.Create(ctx, newAccount())
		require.Error(t, err)
		assert.NotErrorIs(t, err, auth.ErrConflict)
	})
}

func TestAccountRepository_AtomicUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("verification redemption", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		active := auth.StateActive
		mock.ExpectExec(`UPDATE accounts SET updated_at = \$1, state = \$2, verification_code = \$3, verification_expires_at = \$4 ` +
			`WHERE \(id = \$5 AND state = \$6 AND verification_code = \$7 AND verification_expires_at > \$8\)`).
			WithArgs(testNow, "active", nil, nil, testID.String(), "pending", "123456", testNow).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		ok, err := repo.AtomicUpdate(ctx, testID,
			auth.Patch{State: &active, ClearVerification: true},
			auth.Precondition{State: auth.StatePending, VerificationCode: "123456", Now: testNow})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("reset redemption loses the race", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(`UPDATE accounts SET updated_at = \$1, password_hash = \$2, reset_token_hash = \$3, reset_expires_at = \$4 ` +
			`WHERE \(id = \$5 AND reset_token_hash = \$6 AND reset_expires_at > \$7\)`).
			WithArgs(testNow, "new-hash", nil, nil, testID.String(), "digest", testNow).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		ok, err := repo.AtomicUpdate(ctx, testID,
			auth.Patch{PasswordHash: "new-hash", ClearReset: true},
			auth.Precondition{ResetTokenHash: "digest", Now: testNow})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("grants a reset secret", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		expires := testNow.Add(10 * time.Minute)
		mock.ExpectExec(`SET updated_at = \$1, reset_token_hash = \$2, reset_expires_at = \$3, last_login_at = \$4 WHERE \(id = \$5\)`).
			WithArgs(testNow, "digest", expires, testNow, testID.String()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		ok, err := repo.AtomicUpdate(ctx, testID,
			auth.Patch{Reset: &auth.ResetGrant{TokenHash: "digest", ExpiresAt: expires}, LastLoginAt: &testNow},
			auth.Precondition{Now: testNow})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("database error", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(`UPDATE accounts`).WillReturnError(errors.New("deadlock detected"))

		_, err := repo.AtomicUpdate(ctx, testID, auth.Patch{PasswordHash: "x"}, auth.Precondition{Now: testNow})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "deadlock detected")
	})
}

func TestAccountRepository_Delete(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`DELETE FROM accounts WHERE id = \$1`).
		WithArgs(testID.String()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, repo.Delete(context.Background(), testID))
}

func TestAccountRepository_Ping(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectPing().WillReturnError(errors.New("down"))

	require.Error(t, repo.Ping(context.Background()))
}
