package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(Migrations, dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for _, e := range entries {
		b, err := fs.ReadFile(Migrations, dir+"/"+e.Name())
		require.NoError(t, err)
		body := string(b)
		assert.True(t, strings.HasSuffix(e.Name(), ".sql"), e.Name())
		assert.Contains(t, body, "-- +goose Up", e.Name())
		assert.Contains(t, body, "-- +goose Down", e.Name())
	}
}

func TestInitSchemaShape(t *testing.T) {
	b, err := fs.ReadFile(Migrations, dir+"/00001_init.sql")
	require.NoError(t, err)
	body := string(b)

	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS users",
		"CREATE TABLE IF NOT EXISTS owners",
		"CREATE TABLE IF NOT EXISTS sessions",
		"CREATE TABLE IF NOT EXISTS files",
		"uq_sessions_refresh_token_hash",
		"chk_sessions_one_principal",
	} {
		assert.Contains(t, body, want)
	}
}

func TestRunRejectsNilPool(t *testing.T) {
	err := Up(t.Context(), nil, "courier")
	require.Error(t, err)
}
