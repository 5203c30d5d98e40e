package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/cmd/internal/files"
	"courier/cmd/internal/files/boltfallback"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestCommandTree(t *testing.T) {
	root := NewRootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "version"},
		{"reconcile"},
		{"fallback", "rejected"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("COURIER_DATABASE_URL", "")
	_, err := execute(t, "migrate", "up", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COURIER_DATABASE_URL")
}

func TestServe_RejectsArgs(t *testing.T) {
	_, err := execute(t, "serve", "extra")
	require.Error(t, err)
}

func TestFallbackRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.db")
	st, err := boltfallback.Open(path)
	require.NoError(t, err)

	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, id := range []string{"01A", "01B", "02C"} {
		require.NoError(t, st.Put(ctx, files.Pending{
			Envelope: files.Envelope{ID: id, OwnerID: "owner-1", Name: id + ".pdf", Size: 3, Ciphertext: []byte{1, 2, 3}},
			State:    files.StatePendingImport,
			StoredAt: at,
		}))
	}
	require.NoError(t, st.Reject(ctx, "01A", "owner not found"))
	require.NoError(t, st.Reject(ctx, "02C", "owner not found"))
	require.NoError(t, st.Close())

	out, err := execute(t, "fallback", "rejected", "01", "--path", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)

	var rec rejectedRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "01A", rec.FileID)
	assert.Equal(t, "owner not found", rec.Reason)
	assert.NotContains(t, lines[0], "encrypted_file")
}
