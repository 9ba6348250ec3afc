// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package federation verifies OpenID Connect ID tokens from an external
// identity provider.
package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
)

// Verifier defaults.
const (
	DefaultKeyCacheTTL   = time.Hour
	DefaultMinRefresh    = time.Minute
	DefaultMaxAttempts   = 3
	DefaultRetryBackoff  = 200 * time.Millisecond
	DefaultClientTimeout = 10 * time.Second
)

// Config configures a Verifier.
type Config struct {
	// ClientID is the expected audience.
	ClientID string
	// JWKSURL is where the provider publishes its signing keys.
	JWKSURL string
	// Issuers lists the accepted iss values.
	Issuers []string

	HTTPClient   *http.Client
	KeyCacheTTL  time.Duration
	MinRefresh   time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	Now          func() time.Time
}

// Verifier checks RS256 ID tokens against the provider's published keys.
type Verifier struct {
	clientID string
	issuers  []string
	keys     *keySet
	now      func() time.Time
}

// NewVerifier validates cfg and creates a Verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.ClientID == "" {
		return nil, oops.Code("FEDERATION_CONFIG_INVALID").With("field", "client_id").Errorf("client id is required")
	}
	if !strings.HasPrefix(cfg.JWKSURL, "https://") && !strings.HasPrefix(cfg.JWKSURL, "http://") {
		return nil, oops.Code("FEDERATION_CONFIG_INVALID").With("field", "jwks_url").Errorf("jwks url must be an http(s) url")
	}
	if len(cfg.Issuers) == 0 {
		return nil, oops.Code("FEDERATION_CONFIG_INVALID").With("field", "issuers").Errorf("at least one issuer is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultClientTimeout}
	}
	if cfg.KeyCacheTTL <= 0 {
		cfg.KeyCacheTTL = DefaultKeyCacheTTL
	}
	if cfg.MinRefresh <= 0 {
		cfg.MinRefresh = DefaultMinRefresh
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Verifier{
		clientID: cfg.ClientID,
		issuers:  slices.Clone(cfg.Issuers),
		now:      cfg.Now,
		keys: &keySet{
			url:          cfg.JWKSURL,
			client:       cfg.HTTPClient,
			ttl:          cfg.KeyCacheTTL,
			minRefresh:   cfg.MinRefresh,
			maxAttempts:  cfg.MaxAttempts,
			retryBackoff: cfg.RetryBackoff,
			now:          cfg.Now,
		},
	}, nil
}

// claims are the ID token claims the verifier reads.
type claims struct {
	Email         string `json:"email"`
	EmailVerified any    `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	jwt.RegisteredClaims
}

// emailVerified accepts both boolean and string encodings.
func (c *claims) emailVerified() bool {
	switch v := c.EmailVerified.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

func rejected(reason string, cause error) error {
	b := oops.Code("ASSERTION_REJECTED").With("reason", reason)
	if cause == nil {
		return b.Wrap(auth.ErrInvalidAssertion)
	}
	return b.Wrap(fmt.Errorf("%w: %w", auth.ErrInvalidAssertion, cause))
}

// VerifyAssertion implements auth.IdentityProvider.
func (v *Verifier) VerifyAssertion(ctx context.Context, assertion string) (*auth.Identity, error) {
	var fetchErr error
	c := &claims{}
	token, err := jwt.ParseWithClaims(assertion, c,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("kid header not found")
			}
			key, err := v.keys.key(ctx, kid)
			if err != nil {
				fetchErr = err
				return nil, err
			}
			if key == nil {
				return nil, fmt.Errorf("unknown signing key %q", kid)
			}
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if fetchErr != nil {
		return nil, oops.With("operation", "fetch signing keys").Wrap(fetchErr)
	}
	if err != nil {
		return nil, rejected("token", err)
	}
	if !token.Valid {
		return nil, rejected("token", nil)
	}
	if !slices.Contains(v.issuers, c.Issuer) {
		return nil, rejected("issuer", nil)
	}
	if c.Email == "" {
		return nil, rejected("email_missing", nil)
	}
	if !c.emailVerified() {
		return nil, rejected("email_unverified", nil)
	}

	return &auth.Identity{
		Email:      c.Email,
		Name:       c.Name,
		PictureURL: c.Picture,
	}, nil
}

var _ auth.IdentityProvider = (*Verifier)(nil)
