// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsFS_EmbeddedFiles(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^\d{6}_\w+\.(up|down)\.sql$`)
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		assert.True(t, pattern.MatchString(name), "file %s should match NNNNNN_name.(up|down).sql", name)
		if base, ok := strings.CutSuffix(name, ".up.sql"); ok {
			ups[base] = true
		}
		if base, ok := strings.CutSuffix(name, ".down.sql"); ok {
			downs[base] = true
		}
	}
	assert.Equal(t, ups, downs, "every up migration needs a down migration")
	assert.True(t, ups["000001_create_accounts"])
}

func TestMigrationsFS_AccountsSchema(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/000001_create_accounts.up.sql")
	require.NoError(t, err)
	sql := string(data)

	// The store maps these constraint names back to account fields.
	for _, name := range []string{"accounts_email_key", "accounts_username_key", "accounts_phone_key", "accounts_reset_pair"} {
		assert.Contains(t, sql, name)
	}
}

func TestEmbeddedVersions_ReturnsCopy(t *testing.T) {
	v1, err := embeddedVersions()
	require.NoError(t, err)
	require.NotEmpty(t, v1)
	v1[0] = 999

	v2, err := embeddedVersions()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v2[0])
}
