// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/identity/internal/session"
)

var tracer = otel.Tracer("holomush/identity/auth")

// Default secret lifetimes.
const (
	DefaultCodeTTL  = 10 * time.Minute
	DefaultResetTTL = 10 * time.Minute
)

// Operation names used for spans and metrics.
const (
	OpRegister            = "register"
	OpRequestVerification = "request_verification"
	OpVerifyCode          = "verify_code"
	OpLogin               = "login"
	OpFederatedLogin      = "federated_login"
	OpRequestReset        = "request_reset"
	OpResetPassword       = "reset_password"
)

// Deps are the collaborators a Service uses. Store, Hasher, Sessions and
// Notifier are required.
type Deps struct {
	Store    AccountStore
	Hasher   SecretHasher
	Sessions SessionIssuer
	Notifier Notifier

	// Identity enables FederatedLogin when set.
	Identity IdentityProvider

	Tokens  *TokenGenerator
	Logger  *slog.Logger
	Metrics Recorder
	Now     func() time.Time
}

// Config holds secret lifetimes. Zero values use the defaults.
type Config struct {
	CodeTTL  time.Duration
	ResetTTL time.Duration
}

// Service implements the account lifecycle flows.
type Service struct {
	store    AccountStore
	hasher   SecretHasher
	sessions SessionIssuer
	notifier Notifier
	identity IdentityProvider
	tokens   *TokenGenerator
	logger   *slog.Logger
	metrics  Recorder
	now      func() time.Time
	codeTTL  time.Duration
	resetTTL time.Duration
}

// NewService validates dependencies and creates a Service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Store == nil {
		return nil, oops.Code("AUTH_CONFIG_INVALID").Errorf("account store is required")
	}
	if deps.Hasher == nil {
		return nil, oops.Code("AUTH_CONFIG_INVALID").Errorf("secret hasher is required")
	}
	if deps.Sessions == nil {
		return nil, oops.Code("AUTH_CONFIG_INVALID").Errorf("session issuer is required")
	}
	if deps.Notifier == nil {
		return nil, oops.Code("AUTH_CONFIG_INVALID").Errorf("notifier is required")
	}
	if cfg.CodeTTL < 0 || cfg.ResetTTL < 0 {
		return nil, oops.Code("AUTH_CONFIG_INVALID").Errorf("secret lifetimes cannot be negative")
	}

	s := &Service{
		store:    deps.Store,
		hasher:   deps.Hasher,
		sessions: deps.Sessions,
		notifier: deps.Notifier,
		identity: deps.Identity,
		tokens:   deps.Tokens,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		now:      deps.Now,
		codeTTL:  cfg.CodeTTL,
		resetTTL: cfg.ResetTTL,
	}
	if s.tokens == nil {
		s.tokens = NewTokenGenerator()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.codeTTL == 0 {
		s.codeTTL = DefaultCodeTTL
	}
	if s.resetTTL == 0 {
		s.resetTTL = DefaultResetTTL
	}
	return s, nil
}

// start opens a span for a flow. The returned func must be deferred with a
// pointer to the flow's named error result.
func (s *Service) start(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, "auth."+op, trace.WithAttributes(attribute.String("auth.operation", op)))
	return ctx, func(errp *error) {
		outcome := "ok"
		if err := *errp; err != nil {
			outcome = ErrorCode(err)
			if outcome == "" {
				outcome = "error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(attribute.String("auth.outcome", outcome))
		span.End()
		s.metrics.ObserveOperation(op, outcome)
	}
}

// clock returns the current time in UTC truncated to microseconds, the
// precision PostgreSQL stores.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// prepareAccount is shared by both registration entry points: it normalizes
// and validates the profile and password, checks uniqueness and hashes the
// password.
func (s *Service) prepareAccount(ctx context.Context, profile Profile, password string) (Profile, string, error) {
	p := profile.Normalize()
	if err := p.Validate(); err != nil {
		return Profile{}, "", err
	}
	if err := ValidatePassword(password); err != nil {
		return Profile{}, "", err
	}
	if err := s.ensureUnique(ctx, p); err != nil {
		return Profile{}, "", err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return Profile{}, "", oops.Code("PASSWORD_HASH_FAILED").Wrap(err)
	}
	return p, hash, nil
}

// ensureUnique fails with a conflict error naming the first unique field
// already used by another account.
func (s *Service) ensureUnique(ctx context.Context, p Profile) error {
	probe := Account{Email: p.Email, Username: p.Username, Phone: p.Phone}
	for _, field := range UniqueFields {
		value := probe.Value(field)
		if value == "" {
			continue
		}
		_, err := s.store.Find(ctx, field, value)
		switch {
		case err == nil:
			return NewConflictError(field)
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return upstream("find account by "+string(field), err)
		}
	}
	return nil
}

// issueSession mints a session token for an account.
func (s *Service) issueSession(acct *Account) (session.Token, error) {
	tok, err := s.sessions.Issue(acct.ID.String())
	if err != nil {
		return session.Token{}, oops.Code("SESSION_ISSUE_FAILED").
			With("account_id", acct.ID.String()).
			Wrap(err)
	}
	return tok, nil
}
