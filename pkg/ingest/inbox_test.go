package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInboxFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

func TestInboxConnector_RunnerIngestsAndMovesFiles(t *testing.T) {
	p, st := createTestPipeline(t)
	ctx := context.Background()

	inbox := NewInboxConnector(t.TempDir(), "email")
	dir := inbox.Path("ACME")
	writeInboxFile(t, dir, "001.json", `{"entries": [{"id": "a", "content": "first"}]}`)
	writeInboxFile(t, dir, "002.json", `{"last_item_id": "b", "entries": [{"id": "b", "content": "second"}]}`)

	r, err := NewRunner(RunnerConfig{Pipeline: p, Schedule: "*/5 * * * *"})
	require.NoError(t, err)
	r.Register(inbox)

	results := r.RunOnce(ctx)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Written)

	mem, err := st.Memory(ctx, "ACME")
	require.NoError(t, err)
	count, err := mem.EntryCount(ctx, "email")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	status, err := p.Scheduler("ACME").GetSyncStatus(ctx, "email")
	require.NoError(t, err)
	require.NotNil(t, status.LastItemID)
	assert.Equal(t, "b", *status.LastItemID)

	left, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	assert.Empty(t, left)

	moved, err := filepath.Glob(filepath.Join(dir, processedDir, "*.json"))
	require.NoError(t, err)
	assert.Len(t, moved, 2)
}

func TestInboxConnector_InvalidFileIsKept(t *testing.T) {
	p, _ := createTestPipeline(t)
	ctx := context.Background()

	inbox := NewInboxConnector(t.TempDir(), "chat")
	dir := inbox.Path("ACME")
	writeInboxFile(t, dir, "bad.json", `{"entries": [{"id": "x"}]}`)

	r, err := NewRunner(RunnerConfig{Pipeline: p, Schedule: "*/5 * * * *"})
	require.NoError(t, err)
	r.Register(inbox)

	results := r.RunOnce(ctx)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrInvalidBatch)

	_, err = os.Stat(filepath.Join(dir, "bad.json"))
	assert.NoError(t, err)
}

func TestInboxConnector_EmptyDirectory(t *testing.T) {
	inbox := NewInboxConnector(t.TempDir(), "meeting")

	fetched, err := inbox.Fetch(context.Background(), "ACME", Cursor{})
	require.NoError(t, err)
	assert.Empty(t, fetched.Entries)
	assert.NoError(t, inbox.Commit(context.Background(), "ACME"))
}
