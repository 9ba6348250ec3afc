// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres implements auth.AccountStore on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
)

// pool is the subset of *pgxpool.Pool the repository uses.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var accountColumns = []string{
	"id", "email", "username", "phone", "password_hash", "display_name", "avatar_url", "state",
	"verification_code", "verification_expires_at", "reset_token_hash", "reset_expires_at",
	"last_login_at", "created_at", "updated_at",
}

// uniqueConstraints maps unique index names to the account field they guard.
var uniqueConstraints = map[string]auth.Field{
	"accounts_email_key":    auth.FieldEmail,
	"accounts_username_key": auth.FieldUsername,
	"accounts_phone_key":    auth.FieldPhone,
}

// AccountRepository implements auth.AccountStore using PostgreSQL.
type AccountRepository struct {
	pool pool
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(p pool) *AccountRepository {
	return &AccountRepository{pool: p}
}

// Ping checks the database connection.
func (r *AccountRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Find retrieves an account by a unique field. Email and username compare
// case-insensitively.
func (r *AccountRepository) Find(ctx context.Context, field auth.Field, value string) (*auth.Account, error) {
	var where sq.Sqlizer
	switch field {
	case auth.FieldEmail:
		where = sq.Expr("LOWER(email) = LOWER(?)", value)
	case auth.FieldUsername:
		where = sq.Expr("LOWER(username) = LOWER(?)", value)
	case auth.FieldPhone:
		where = sq.Eq{"phone": value}
	default:
		return nil, oops.Code("ACCOUNT_FIND_FAILED").With("field", string(field)).Errorf("unsupported lookup field")
	}
	if value == "" {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("field", string(field)).Wrap(auth.ErrNotFound)
	}

	acct, err := r.selectOne(ctx, where)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("field", string(field)).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_FIND_FAILED").
			With("operation", "find account").
			With("field", string(field)).
			Wrap(err)
	}
	return acct, nil
}

// FindPendingVerification retrieves the pending account holding an unexpired code.
func (r *AccountRepository) FindPendingVerification(ctx context.Context, email, code string, now time.Time) (*auth.Account, error) {
	acct, err := r.selectOne(ctx, sq.And{
		sq.Expr("LOWER(email) = LOWER(?)", email),
		sq.Eq{"state": string(auth.StatePending), "verification_code": code},
		sq.Gt{"verification_expires_at": now},
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_FIND_FAILED").With("operation", "find pending verification").Wrap(err)
	}
	return acct, nil
}

// FindActiveResetCandidate retrieves the account holding an unexpired reset digest.
func (r *AccountRepository) FindActiveResetCandidate(ctx context.Context, tokenHash string, now time.Time) (*auth.Account, error) {
	acct, err := r.selectOne(ctx, sq.And{
		sq.Eq{"reset_token_hash": tokenHash},
		sq.Gt{"reset_expires_at": now},
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_FIND_FAILED").With("operation", "find reset candidate").Wrap(err)
	}
	return acct, nil
}

// Create stores a new account.
func (r *AccountRepository) Create(ctx context.Context, a *auth.Account) error {
	query, args, err := psql.Insert("accounts").
		Columns(accountColumns...).
		Values(
			a.ID.String(),
			a.Email,
			a.Username,
			nullable(a.Phone),
			a.PasswordHash,
			nullable(a.DisplayName),
			nullable(a.AvatarURL),
			string(a.State),
			nullable(a.VerificationCode),
			a.VerificationExpiresAt,
			nullable(a.ResetTokenHash),
			a.ResetExpiresAt,
			a.LastLoginAt,
			a.CreatedAt,
			a.UpdatedAt,
		).ToSql()
	if err != nil {
		return oops.Code("ACCOUNT_CREATE_FAILED").With("operation", "build insert").Wrap(err)
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		if field, ok := conflictField(err); ok {
			return auth.NewConflictError(field)
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "insert account").
			With("account_id", a.ID.String()).
			Wrap(err)
	}
	return nil
}

// AtomicUpdate applies patch in a single UPDATE whose WHERE clause encodes
// the precondition.
func (r *AccountRepository) AtomicUpdate(ctx context.Context, id ulid.ULID, patch auth.Patch, pre auth.Precondition) (bool, error) {
	now := pre.Now
	if now.IsZero() {
		now = time.Now().UTC().Truncate(time.Microsecond)
	}

	update := psql.Update("accounts").Set("updated_at", now)
	if patch.State != nil {
		update = update.Set("state", string(*patch.State))
	}
	if patch.PasswordHash != "" {
		update = update.Set("password_hash", patch.PasswordHash)
	}
	if patch.ClearVerification {
		update = update.Set("verification_code", nil).Set("verification_expires_at", nil)
	}
	switch {
	case patch.Reset != nil:
		update = update.
			Set("reset_token_hash", patch.Reset.TokenHash).
			Set("reset_expires_at", patch.Reset.ExpiresAt)
	case patch.ClearReset:
		update = update.Set("reset_token_hash", nil).Set("reset_expires_at", nil)
	}
	if patch.LastLoginAt != nil {
		update = update.Set("last_login_at", *patch.LastLoginAt)
	}

	where := sq.And{sq.Eq{"id": id.String()}}
	if pre.State != "" {
		where = append(where, sq.Eq{"state": string(pre.State)})
	}
	if pre.VerificationCode != "" {
		where = append(where, sq.Eq{"verification_code": pre.VerificationCode}, sq.Gt{"verification_expires_at": pre.Now})
	}
	if pre.ResetTokenHash != "" {
		where = append(where, sq.Eq{"reset_token_hash": pre.ResetTokenHash}, sq.Gt{"reset_expires_at": pre.Now})
	}

	query, args, err := update.Where(where).ToSql()
	if err != nil {
		return false, oops.Code("ACCOUNT_UPDATE_FAILED").With("operation", "build update").Wrap(err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", "update account").
			With("account_id", id.String()).
			Wrap(err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes an account. Missing accounts are not an error.
func (r *AccountRepository) Delete(ctx context.Context, id ulid.ULID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id.String())
	if err != nil {
		return oops.Code("ACCOUNT_DELETE_FAILED").
			With("operation", "delete account").
			With("account_id", id.String()).
			Wrap(err)
	}
	return nil
}

func (r *AccountRepository) selectOne(ctx context.Context, where sq.Sqlizer) (*auth.Account, error) {
	query, args, err := psql.Select(accountColumns...).From("accounts").Where(where).Limit(1).ToSql()
	if err != nil {
		return nil, oops.With("operation", "build select").Wrap(err)
	}
	return scanAccount(r.pool.QueryRow(ctx, query, args...))
}

func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		a                                           auth.Account
		idStr, state                                string
		phone, displayName, avatarURL, code, digest *string
	)
	err := row.Scan(
		&idStr,
		&a.Email,
		&a.Username,
		&phone,
		&a.PasswordHash,
		&displayName,
		&avatarURL,
		&state,
		&code,
		&a.VerificationExpiresAt,
		&digest,
		&a.ResetExpiresAt,
		&a.LastLoginAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("ACCOUNT_CORRUPT").With("id", idStr).Wrap(err)
	}
	a.State = auth.State(state)
	a.Phone = deref(phone)
	a.DisplayName = deref(displayName)
	a.AvatarURL = deref(avatarURL)
	a.VerificationCode = deref(code)
	a.ResetTokenHash = deref(digest)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.VerificationExpiresAt = utc(a.VerificationExpiresAt)
	a.ResetExpiresAt = utc(a.ResetExpiresAt)
	a.LastLoginAt = utc(a.LastLoginAt)
	return &a, nil
}

// conflictField reports which account field a unique violation refers to.
func conflictField(err error) (auth.Field, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return "", false
	}
	field, ok := uniqueConstraints[pgErr.ConstraintName]
	return field, ok
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Compile-time interface check.
var _ auth.AccountStore = (*AccountRepository)(nil)
