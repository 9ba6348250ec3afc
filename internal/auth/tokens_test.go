// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"bytes"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/identity/internal/auth"
)

var (
	sixDigits = regexp.MustCompile(`^[0-9]{6}$`)
	hex64     = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestTokenGenerator_VerificationCode(t *testing.T) {
	gen := auth.NewTokenGenerator()
	seen := make(map[string]struct{})
	for range 50 {
		code, err := gen.VerificationCode()
		require.NoError(t, err)
		assert.Regexp(t, sixDigits, code)
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)
}

func TestTokenGenerator_VerificationCodeKeepsLeadingZeros(t *testing.T) {
	gen := auth.NewTokenGeneratorFrom(bytes.NewReader(make([]byte, 64)))
	code, err := gen.VerificationCode()
	require.NoError(t, err)
	assert.Equal(t, "000000", code)
}

func TestTokenGenerator_ResetSecret(t *testing.T) {
	gen := auth.NewTokenGenerator()

	secret, digest, err := gen.ResetSecret()
	require.NoError(t, err)
	assert.Regexp(t, hex64, secret)
	assert.Regexp(t, hex64, digest)
	assert.NotEqual(t, secret, digest)
	assert.Equal(t, auth.DigestSecret(secret), digest)

	secret2, _, err := gen.ResetSecret()
	require.NoError(t, err)
	assert.NotEqual(t, secret, secret2)
}

func TestTokenGenerator_Suffix(t *testing.T) {
	suffix, err := auth.NewTokenGenerator().Suffix(2)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{4}$`, suffix)
}

func TestTokenGenerator_Password(t *testing.T) {
	gen := auth.NewTokenGenerator()
	p1, err := gen.Password()
	require.NoError(t, err)
	p2, err := gen.Password()
	require.NoError(t, err)
	assert.Len(t, p1, 43)
	assert.NotEqual(t, p1, p2)
}

func TestTokenGenerator_EntropyFailure(t *testing.T) {
	gen := auth.NewTokenGeneratorFrom(failingReader{})

	_, err := gen.VerificationCode()
	require.Error(t, err)
	_, _, err = gen.ResetSecret()
	require.Error(t, err)
	_, err = gen.Password()
	require.Error(t, err)
	_, err = gen.Suffix(2)
	require.Error(t, err)
}

func TestDigestSecret(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", auth.DigestSecret("abc"))
	assert.Equal(t, auth.DigestSecret("x"), auth.DigestSecret("x"))
}
