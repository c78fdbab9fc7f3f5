package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMigrationAudit(t *testing.T) {
	var buf bytes.Buffer
	SetAuditWriter(&buf)
	t.Cleanup(func() { SetAuditWriter(os.Stderr) })

	RecordMigrationAudit(context.Background(), "cleanup_legacy", "operator", "success", map[string]interface{}{
		"path": "/tmp/vault.db",
	})

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "migration", event["type"])
	assert.Equal(t, "cleanup_legacy", event["action"])
	assert.Equal(t, "success", event["status"])
	assert.Equal(t, "/tmp/vault.db", event["metadata"].(map[string]interface{})["path"])
}

func TestInitAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() {
		GetAuditLogger().Close()
		SetAuditWriter(os.Stderr)
	})

	RecordKnowledgeAudit(context.Background(), "remove_term", "ACME", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"remove_term"`)
}
