// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/identity/internal/config"
	"github.com/holomush/identity/pkg/errutil"
)

func TestParseForceVersion(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantVersion int
		wantErr     bool
	}{
		{name: "valid integer", input: "3", wantVersion: 3},
		{name: "zero is valid", input: "0", wantVersion: 0},
		{name: "non-numeric returns error", input: "abc", wantErr: true},
		{name: "float parses as integer", input: "1.5", wantVersion: 1},
		{name: "trailing chars are ignored", input: "3abc", wantVersion: 3},
		{name: "negative is valid", input: "-1", wantVersion: -1},
		{name: "empty string returns error", input: "", wantErr: true},
		{name: "whitespace only returns error", input: "   ", wantErr: true},
		{name: "leading whitespace is trimmed", input: " 42", wantVersion: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseForceVersion(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, "INVALID_VERSION")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, got)
		})
	}
}

func TestGetDatabaseURL(t *testing.T) {
	t.Run("configured url is returned", func(t *testing.T) {
		cfg := &config.Config{Database: config.DatabaseConfig{URL: "postgres://localhost/identity"}}
		got, err := getDatabaseURL(cfg)
		require.NoError(t, err)
		assert.Equal(t, "postgres://localhost/identity", got)
	})

	t.Run("missing url is a config error", func(t *testing.T) {
		_, err := getDatabaseURL(&config.Config{})
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
		errutil.AssertErrorContext(t, err, "field", "database.url")
	})
}

type fakeMigrator struct {
	version uint
	dirty   bool
	applied []uint
	pending []uint
	steps   []int
	forced  []int
	upCalls int
	downAll bool
	closed  bool
	err     error
}

func (f *fakeMigrator) Up() error { f.upCalls++; return f.err }

func (f *fakeMigrator) Down() error { f.downAll = true; return f.err }

func (f *fakeMigrator) Steps(n int) error { f.steps = append(f.steps, n); return f.err }

func (f *fakeMigrator) Version() (uint, bool, error) { return f.version, f.dirty, f.err }

func (f *fakeMigrator) Force(v int) error { f.forced = append(f.forced, v); return f.err }

func (f *fakeMigrator) PendingMigrations() ([]uint, error) { return f.pending, f.err }

func (f *fakeMigrator) AppliedMigrations() ([]uint, error) { return f.applied, f.err }

func (f *fakeMigrator) Close() error { f.closed = true; return nil }

func runMigrate(t *testing.T, fake *fakeMigrator, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvDatabaseURL, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	var gotURL string
	orig := newMigrator
	newMigrator = func(databaseURL string) (migrator, error) {
		gotURL = databaseURL
		return fake, nil
	}
	t.Cleanup(func() { newMigrator = orig })

	configFile = ""
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"migrate", "--database.url", "postgres://test/identity"}, args...))

	err := cmd.Execute()
	if err == nil {
		assert.Equal(t, "postgres://test/identity", gotURL)
	}
	return buf.String(), err
}

func TestMigrateUp(t *testing.T) {
	fake := &fakeMigrator{}
	out, err := runMigrate(t, fake, "up")

	require.NoError(t, err)
	assert.Equal(t, 1, fake.upCalls)
	assert.True(t, fake.closed)
	assert.Contains(t, out, "Migrations completed")
}

func TestMigrateDown(t *testing.T) {
	t.Run("one step by default", func(t *testing.T) {
		fake := &fakeMigrator{}
		_, err := runMigrate(t, fake, "down")
		require.NoError(t, err)
		assert.Equal(t, []int{-1}, fake.steps)
		assert.False(t, fake.downAll)
	})

	t.Run("explicit steps", func(t *testing.T) {
		fake := &fakeMigrator{}
		_, err := runMigrate(t, fake, "down", "--steps", "2")
		require.NoError(t, err)
		assert.Equal(t, []int{-2}, fake.steps)
	})

	t.Run("all", func(t *testing.T) {
		fake := &fakeMigrator{}
		_, err := runMigrate(t, fake, "down", "--all")
		require.NoError(t, err)
		assert.True(t, fake.downAll)
		assert.Empty(t, fake.steps)
	})

	t.Run("zero steps rejected", func(t *testing.T) {
		fake := &fakeMigrator{}
		_, err := runMigrate(t, fake, "down", "--steps", "0")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "INVALID_STEPS")
		assert.Empty(t, fake.steps)
	})
}

func TestMigrateStatus(t *testing.T) {
	fake := &fakeMigrator{version: 1, applied: []uint{1}, pending: []uint{2}}
	out, err := runMigrate(t, fake, "status")

	require.NoError(t, err)
	assert.Contains(t, out, "Schema version: 1, clean")
	assert.Contains(t, out, "000001_create_accounts")
	assert.Contains(t, out, "applied")
	assert.Contains(t, out, "pending")
}

func TestMigrateStatus_Dirty(t *testing.T) {
	fake := &fakeMigrator{version: 2, dirty: true}
	out, err := runMigrate(t, fake, "status")

	require.NoError(t, err)
	assert.Contains(t, out, "dirty")
}

func TestMigrateForce(t *testing.T) {
	fake := &fakeMigrator{}
	out, err := runMigrate(t, fake, "force", "2")

	require.NoError(t, err)
	assert.Equal(t, []int{2}, fake.forced)
	assert.Contains(t, out, "Forced schema version to 2")
}

func TestMigrate_PropagatesMigratorError(t *testing.T) {
	fake := &fakeMigrator{err: errors.New("database unreachable")}
	_, err := runMigrate(t, fake, "up")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unreachable")
	assert.True(t, fake.closed)
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	configFile = ""

	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"migrate", "up"})

	err := cmd.Execute()
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}
