// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"github.com/samber/oops"
)

// Secret sizes.
const (
	VerificationCodeDigits = 6
	ResetSecretBytes       = 32 // 64 hex chars
	generatedPasswordBytes = 32
)

var verificationCodeSpace = big.NewInt(1_000_000)

// TokenGenerator produces random secrets.
type TokenGenerator struct {
	rand io.Reader
}

// NewTokenGenerator returns a generator backed by crypto/rand.
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{rand: rand.Reader}
}

// NewTokenGeneratorFrom returns a generator reading from r.
func NewTokenGeneratorFrom(r io.Reader) *TokenGenerator {
	return &TokenGenerator{rand: r}
}

// VerificationCode returns a uniformly distributed 6-digit numeric code.
func (g *TokenGenerator) VerificationCode() (string, error) {
	n, err := rand.Int(g.rand, verificationCodeSpace)
	if err != nil {
		return "", oops.Code("CODE_GENERATE_FAILED").Wrap(err)
	}
	return fmt.Sprintf("%0*d", VerificationCodeDigits, n.Int64()), nil
}

// ResetSecret creates a random reset secret and its digest.
// The secret is sent to the user; only the digest is stored.
func (g *TokenGenerator) ResetSecret() (secret, digest string, err error) {
	b, err := g.bytes(ResetSecretBytes)
	if err != nil {
		return "", "", oops.Code("RESET_TOKEN_GENERATE_FAILED").
			With("requested_bytes", ResetSecretBytes).
			Wrap(err)
	}
	secret = hex.EncodeToString(b)
	return secret, DigestSecret(secret), nil
}

// Password returns a random password nobody is told about.
func (g *TokenGenerator) Password() (string, error) {
	b, err := g.bytes(generatedPasswordBytes)
	if err != nil {
		return "", oops.Code("PASSWORD_GENERATE_FAILED").Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Suffix returns 2*n random hex characters.
func (g *TokenGenerator) Suffix(n int) (string, error) {
	b, err := g.bytes(n)
	if err != nil {
		return "", oops.Code("SUFFIX_GENERATE_FAILED").Wrap(err)
	}
	return hex.EncodeToString(b), nil
}

func (g *TokenGenerator) bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return nil, err
	}
	return b, nil
}

// DigestSecret computes the hex SHA-256 digest of a reset secret. The digest
// is deterministic so stores can look secrets up by it.
func DigestSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}
