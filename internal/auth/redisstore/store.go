// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package redisstore implements auth.AccountStore on Redis.
//
// Each account is a JSON document under <prefix>:account:<id>. Unique fields
// and the outstanding reset digest are indexed by keys that hold the account
// ID. Writes use WATCH/MULTI so concurrent updates of one account serialize.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
)

// DefaultPrefix namespaces all keys.
const DefaultPrefix = "identity"

// maxTxAttempts bounds optimistic transaction retries under contention.
const maxTxAttempts = 32

// Store implements auth.AccountStore using Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Store. An empty prefix uses DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

type record struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email"`
	Username              string     `json:"username"`
	Phone                 string     `json:"phone,omitempty"`
	PasswordHash          string     `json:"password_hash"`
	DisplayName           string     `json:"display_name,omitempty"`
	AvatarURL             string     `json:"avatar_url,omitempty"`
	State                 string     `json:"state"`
	VerificationCode      string     `json:"verification_code,omitempty"`
	VerificationExpiresAt *time.Time `json:"verification_expires_at,omitempty"`
	ResetTokenHash        string     `json:"reset_token_hash,omitempty"`
	ResetExpiresAt        *time.Time `json:"reset_expires_at,omitempty"`
	LastLoginAt           *time.Time `json:"last_login_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func toRecord(a *auth.Account) record {
	return record{
		ID:                    a.ID.String(),
		Email:                 a.Email,
		Username:              a.Username,
		Phone:                 a.Phone,
		PasswordHash:          a.PasswordHash,
		DisplayName:           a.DisplayName,
		AvatarURL:             a.AvatarURL,
		State:                 string(a.State),
		VerificationCode:      a.VerificationCode,
		VerificationExpiresAt: a.VerificationExpiresAt,
		ResetTokenHash:        a.ResetTokenHash,
		ResetExpiresAt:        a.ResetExpiresAt,
		LastLoginAt:           a.LastLoginAt,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
	}
}

func (r record) account() (*auth.Account, error) {
	id, err := ulid.Parse(r.ID)
	if err != nil {
		return nil, oops.Code("ACCOUNT_CORRUPT").With("id", r.ID).Wrap(err)
	}
	return &auth.Account{
		ID:                    id,
		Email:                 r.Email,
		Username:              r.Username,
		Phone:                 r.Phone,
		PasswordHash:          r.PasswordHash,
		DisplayName:           r.DisplayName,
		AvatarURL:             r.AvatarURL,
		State:                 auth.State(r.State),
		VerificationCode:      r.VerificationCode,
		VerificationExpiresAt: r.VerificationExpiresAt,
		ResetTokenHash:        r.ResetTokenHash,
		ResetExpiresAt:        r.ResetExpiresAt,
		LastLoginAt:           r.LastLoginAt,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}, nil
}

func (s *Store) accountKey(id string) string {
	return s.prefix + ":account:" + id
}

func (s *Store) indexKey(field auth.Field, value string) string {
	if field != auth.FieldPhone {
		value = strings.ToLower(value)
	}
	return s.prefix + ":" + string(field) + ":" + value
}

func (s *Store) resetKey(digest string) string {
	return s.prefix + ":reset:" + digest
}

// indexKeys returns every index key that points at a.
func (s *Store) indexKeys(a *auth.Account) []string {
	var keys []string
	for _, field := range auth.UniqueFields {
		if v := a.Value(field); v != "" {
			keys = append(keys, s.indexKey(field, v))
		}
	}
	if a.ResetTokenHash != "" {
		keys = append(keys, s.resetKey(a.ResetTokenHash))
	}
	return keys
}

func notFound() error {
	return oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
}

// load reads the account stored under id.
func (s *Store) load(ctx context.Context, c redis.Cmdable, id string) (*auth.Account, error) {
	data, err := c.Get(ctx, s.accountKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound()
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_FIND_FAILED").With("operation", "get account").With("id", id).Wrap(err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, oops.Code("ACCOUNT_CORRUPT").With("id", id).Wrap(err)
	}
	return rec.account()
}

// resolve follows an index key to its account.
func (s *Store) resolve(ctx context.Context, key string) (*auth.Account, error) {
	id, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFound()
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_FIND_FAILED").With("operation", "get index").With("key", key).Wrap(err)
	}
	return s.load(ctx, s.client, id)
}

// Find implements auth.AccountStore.
func (s *Store) Find(ctx context.Context, field auth.Field, value string) (*auth.Account, error) {
	if value == "" {
		return nil, notFound()
	}
	return s.resolve(ctx, s.indexKey(field, value))
}

// FindPendingVerification implements auth.AccountStore.
func (s *Store) FindPendingVerification(ctx context.Context, email, code string, now time.Time) (*auth.Account, error) {
	if code == "" {
		return nil, notFound()
	}
	a, err := s.Find(ctx, auth.FieldEmail, email)
	if err != nil {
		return nil, err
	}
	if !(auth.Precondition{State: auth.StatePending, VerificationCode: code, Now: now}).Holds(a) {
		return nil, notFound()
	}
	return a, nil
}

// FindActiveResetCandidate implements auth.AccountStore.
func (s *Store) FindActiveResetCandidate(ctx context.Context, tokenHash string, now time.Time) (*auth.Account, error) {
	if tokenHash == "" {
		return nil, notFound()
	}
	a, err := s.resolve(ctx, s.resetKey(tokenHash))
	if err != nil {
		return nil, err
	}
	if !(auth.Precondition{ResetTokenHash: tokenHash, Now: now}).Holds(a) {
		return nil, notFound()
	}
	return a, nil
}

// Create implements auth.AccountStore.
func (s *Store) Create(ctx context.Context, a *auth.Account) error {
	data, err := json.Marshal(toRecord(a))
	if err != nil {
		return oops.Code("ACCOUNT_CREATE_FAILED").With("operation", "marshal account").Wrap(err)
	}

	accountKey := s.accountKey(a.ID.String())
	indexes := s.indexKeys(a)
	watched := append([]string{accountKey}, indexes...)

	return s.retry(ctx, "create account", func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, accountKey).Result()
			if err != nil {
				return err
			}
			if exists > 0 {
				return oops.Code("ACCOUNT_ID_EXISTS").With("account_id", a.ID.String()).Errorf("account id already exists")
			}
			for _, field := range auth.UniqueFields {
				v := a.Value(field)
				if v == "" {
					continue
				}
				n, err := tx.Exists(ctx, s.indexKey(field, v)).Result()
				if err != nil {
					return err
				}
				if n > 0 {
					return auth.NewConflictError(field)
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, accountKey, data, 0)
				for _, key := range indexes {
					pipe.Set(ctx, key, a.ID.String(), 0)
				}
				return nil
			})
			return err
		}, watched...)
	})
}

// AtomicUpdate implements auth.AccountStore.
func (s *Store) AtomicUpdate(ctx context.Context, id ulid.ULID, patch auth.Patch, pre auth.Precondition) (bool, error) {
	now := pre.Now
	if now.IsZero() {
		now = time.Now().UTC().Truncate(time.Microsecond)
	}
	accountKey := s.accountKey(id.String())

	var applied bool
	err := s.retry(ctx, "update account", func() error {
		applied = false
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			a, err := s.load(ctx, tx, id.String())
			if errors.Is(err, auth.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !pre.Holds(a) {
				return nil
			}

			oldDigest := a.ResetTokenHash
			patch.Apply(a, now)
			data, err := json.Marshal(toRecord(a))
			if err != nil {
				return oops.Code("ACCOUNT_UPDATE_FAILED").With("operation", "marshal account").Wrap(err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, accountKey, data, 0)
				if oldDigest != a.ResetTokenHash {
					if oldDigest != "" {
						pipe.Del(ctx, s.resetKey(oldDigest))
					}
					if a.ResetTokenHash != "" {
						pipe.Set(ctx, s.resetKey(a.ResetTokenHash), id.String(), 0)
					}
				}
				return nil
			})
			if err == nil {
				applied = true
			}
			return err
		}, accountKey)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Delete implements auth.AccountStore.
func (s *Store) Delete(ctx context.Context, id ulid.ULID) error {
	accountKey := s.accountKey(id.String())
	return s.retry(ctx, "delete account", func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			a, err := s.load(ctx, tx, id.String())
			if errors.Is(err, auth.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, append([]string{accountKey}, s.indexKeys(a)...)...)
				return nil
			})
			return err
		}, accountKey)
	})
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// retry runs fn until it does not fail with redis.TxFailedErr.
func (s *Store) retry(ctx context.Context, operation string, fn func() error) error {
	for range maxTxAttempts {
		err := fn()
		if !errors.Is(err, redis.TxFailedErr) {
			if _, isOops := oops.AsOops(err); err != nil && !isOops {
				return oops.Code("REDIS_TX_FAILED").With("operation", operation).Wrap(err)
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return oops.Code("REDIS_TX_CONTENDED").
		With("operation", operation).
		With("attempts", maxTxAttempts).
		Wrap(redis.TxFailedErr)
}

// Compile-time interface check.
var _ auth.AccountStore = (*Store)(nil)
