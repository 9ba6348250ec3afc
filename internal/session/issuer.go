// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package session mints and verifies self-contained bearer tokens.
//
// Tokens are HS256 JWTs carrying only the account ID (sub), issue and expiry
// times, the issuer and a unique token ID. Profile data is never embedded.
package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Session token configuration.
const (
	DefaultTTL      = 24 * time.Hour
	DefaultIssuer   = "holomush-identity"
	MinSecretLength = 32
)

// ErrInvalidToken is returned by Verify for any token it does not accept.
var ErrInvalidToken = errors.New("invalid session token")

// Config configures an Issuer.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Issuer string

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Token is a signed session token and its expiry.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer mints and verifies session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewIssuer validates cfg and returns an Issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, oops.Code("SESSION_CONFIG_INVALID").
			With("min_length", MinSecretLength).
			Errorf("session secret must be at least %d bytes", MinSecretLength)
	}
	if cfg.TTL < 0 {
		return nil, oops.Code("SESSION_CONFIG_INVALID").Errorf("session ttl cannot be negative")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	return &Issuer{secret: secret, ttl: cfg.TTL, issuer: cfg.Issuer, now: cfg.Now}, nil
}

// Issue mints a token bound to subject.
func (i *Issuer) Issue(subject string) (Token, error) {
	if subject == "" {
		return Token{}, oops.Code("SESSION_INVALID_SUBJECT").Errorf("session subject cannot be empty")
	}

	now := i.now().Truncate(time.Second)
	expiresAt := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, oops.Code("SESSION_SIGN_FAILED").
			With("subject", subject).
			Wrap(err)
	}
	return Token{Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify checks the signature, issuer and validity window of token and
// returns its subject.
func (i *Issuer) Verify(token string) (string, error) {
	if token == "" {
		return "", oops.Code("SESSION_TOKEN_EMPTY").Wrap(ErrInvalidToken)
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", oops.Code("SESSION_INVALID").Wrapf(ErrInvalidToken, "%v", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", oops.Code("SESSION_INVALID").Wrap(ErrInvalidToken)
	}
	return claims.Subject, nil
}
