package cli

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/pkg/controlplane"
	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/migrate"
	"github.com/harun/mnemo/pkg/scheduler"
	"github.com/harun/mnemo/pkg/search"
	"github.com/harun/mnemo/pkg/storage"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestProjectCommands(t *testing.T) {
	configPath, root := setupCLI(t)

	out := mustRunCLI(t, configPath, "project", "init", "ACME", "--name", "Acme Corp")
	assert.Contains(t, out, "Initialized project ACME")
	assert.DirExists(t, filepath.Join(root, "projects", "ACME", "knowledge"))

	out = mustRunCLI(t, configPath, "project", "register", "BETA")
	assert.Contains(t, out, "Registered project BETA (BETA)")
	assert.NoDirExists(t, filepath.Join(root, "projects", "BETA"))

	out = mustRunCLI(t, configPath, "project", "list")
	assert.Contains(t, out, "ACME")
	assert.Contains(t, out, "Acme Corp")

	out = mustRunCLI(t, configPath, "project", "list", "-o", "json")
	var projects []controlplane.Project
	require.NoError(t, json.Unmarshal([]byte(out), &projects))
	require.Len(t, projects, 2)

	keys := []string{projects[0].Key, projects[1].Key}
	assert.ElementsMatch(t, []string{"ACME", "BETA"}, keys)
}

func TestProjectRequired(t *testing.T) {
	configPath, _ := setupCLI(t)

	for _, args := range [][]string{
		{"sync", "status"},
		{"glossary", "list"},
		{"search", "anything"},
	} {
		_, err := runCLI(t, configPath, "", args...)
		require.Error(t, err, "mnemo %s", strings.Join(args, " "))
		assert.Contains(t, err.Error(), "project is required")
	}
}

func TestUnknownProject(t *testing.T) {
	configPath, _ := setupCLI(t)

	_, err := runCLI(t, configPath, "", "glossary", "list", "-p", "NOPE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrProjectNotFound))

	_, err = runCLI(t, configPath, "", "sync", "status", "-p", "NOPE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrProjectNotFound))

	// Registered but never initialized on disk
	mustRunCLI(t, configPath, "project", "register", "HALF")
	_, err = runCLI(t, configPath, "", "faq", "show", "-p", "HALF")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrProjectNotFound))
}

func TestGlossaryCommands(t *testing.T) {
	configPath, _ := setupCLI(t)
	mustRunCLI(t, configPath, "project", "init", "ACME")

	out := mustRunCLI(t, configPath, "glossary", "add", "SLA", "Service level agreement", "-p", "ACME",
		"--alias", "service level", "--category", "ops")
	assert.Contains(t, out, `Added term "SLA"`)

	out = mustRunCLI(t, configPath, "glossary", "add", "SLA", "Uptime promise", "-p", "ACME")
	assert.Contains(t, out, `Updated term "SLA"`)

	mustRunCLI(t, configPath, "glossary", "add", "MRR", "Monthly recurring revenue", "-p", "ACME")

	out = mustRunCLI(t, configPath, "glossary", "list", "-p", "ACME", "-o", "json")
	var entries []knowledge.GlossaryEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "SLA", entries[0].Term)
	assert.Equal(t, "Uptime promise", entries[0].Definition)

	out = mustRunCLI(t, configPath, "glossary", "search", "revenue", "-p", "ACME")
	assert.Contains(t, out, "MRR")
	assert.NotContains(t, out, "SLA")

	out = mustRunCLI(t, configPath, "glossary", "remove", "MRR", "-p", "ACME")
	assert.Contains(t, out, `Removed term "MRR"`)

	out = mustRunCLI(t, configPath, "glossary", "remove", "MRR", "-p", "ACME")
	assert.Contains(t, out, `Term "MRR" not found`)
}

func TestFAQAndRulesCommands(t *testing.T) {
	configPath, _ := setupCLI(t)
	mustRunCLI(t, configPath, "project", "init", "ACME")

	out := mustRunCLI(t, configPath, "faq", "show", "-p", "ACME")
	assert.Empty(t, out)

	_, err := runCLI(t, configPath, "# FAQ\n", "faq", "set", "-p", "ACME")
	require.NoError(t, err)

	mustRunCLI(t, configPath, "faq", "append", "How do refunds work?", "Within 30 days.", "-p", "ACME")

	out = mustRunCLI(t, configPath, "faq", "show", "-p", "ACME")
	assert.True(t, strings.HasPrefix(out, "# FAQ"))
	assert.Contains(t, out, "How do refunds work?")
	assert.Contains(t, out, "Within 30 days.")

	rulesFile := filepath.Join(t.TempDir(), "rules.md")
	require.NoError(t, os.WriteFile(rulesFile, []byte("Never deploy on Fridays.\n"), 0644))
	mustRunCLI(t, configPath, "rules", "set", rulesFile, "-p", "ACME")

	out = mustRunCLI(t, configPath, "rules", "show", "-p", "ACME")
	assert.Equal(t, "Never deploy on Fridays.\n", out)
}

func TestSpecCommands(t *testing.T) {
	configPath, _ := setupCLI(t)
	mustRunCLI(t, configPath, "project", "init", "ACME")

	_, err := runCLI(t, configPath, "# Onboarding\nNew hires get a laptop.\n", "spec", "save", "onboarding", "-p", "ACME")
	require.NoError(t, err)
	_, err = runCLI(t, configPath, "# Billing\nInvoices go out monthly.\n", "spec", "save", "billing", "-", "-p", "ACME")
	require.NoError(t, err)

	out := mustRunCLI(t, configPath, "spec", "list", "-p", "ACME", "-o", "json")
	var names []string
	require.NoError(t, json.Unmarshal([]byte(out), &names))
	assert.ElementsMatch(t, []string{"billing", "onboarding"}, names)

	out = mustRunCLI(t, configPath, "spec", "show", "onboarding", "-p", "ACME")
	assert.Contains(t, out, "New hires get a laptop.")

	out = mustRunCLI(t, configPath, "spec", "search", "laptop", "-p", "ACME")
	assert.Contains(t, out, "onboarding")
	assert.NotContains(t, out, "billing")

	out = mustRunCLI(t, configPath, "spec", "delete", "billing", "-p", "ACME")
	assert.Contains(t, out, `Deleted spec "billing"`)

	_, err = runCLI(t, configPath, "", "spec", "show", "billing", "-p", "ACME")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func writeBatch(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestIngestAndSyncStatus(t *testing.T) {
	configPath, _ := setupCLI(t)
	mustRunCLI(t, configPath, "project", "init", "ACME")

	t.Run("never synced sources are idle and stale", func(t *testing.T) {
		out := mustRunCLI(t, configPath, "sync", "status", "-p", "ACME", "-o", "yaml")
		var statuses []scheduler.SourceStatus
		require.NoError(t, yaml.Unmarshal([]byte(out), &statuses))
		require.Len(t, statuses, 4)
		for _, st := range statuses {
			assert.Equal(t, scheduler.StatusIdle, st.Status)
			assert.True(t, st.Stale)
		}
	})

	batch := writeBatch(t, `{"last_item_id": "m2", "entries": [
		{"id": "m1", "content": "Invoice 42 is overdue", "metadata": {"title": "Invoice delay"}},
		{"id": "m2", "content": "Lunch on Friday"},
		{"content": "Entry without an id"}
	]}`)

	out := mustRunCLI(t, configPath, "ingest", "email", batch, "-p", "ACME")
	assert.Contains(t, out, "Ingested 3 of 3 entries into ACME/email")

	out = mustRunCLI(t, configPath, "ingest", "email", batch, "-p", "ACME", "-o", "json")
	var result struct {
		Received int `json:"received"`
		Written  int `json:"written"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 3, result.Received)
	// The entry without an id gets a new id each time
	assert.Equal(t, 1, result.Written)

	out = mustRunCLI(t, configPath, "sync", "status", "email", "-p", "ACME", "-o", "json")
	var statuses []scheduler.SourceStatus
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, scheduler.StatusSuccess, statuses[0].Status)
	require.NotNil(t, statuses[0].LastItemID)
	assert.Equal(t, "m2", *statuses[0].LastItemID)

	out = mustRunCLI(t, configPath, "sync", "status", "-p", "ACME")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	// 3 borders + header + one row per source + threshold line
	assert.Len(t, lines, 9)
	assert.Contains(t, out, "Sources are stale after 1h0m0s")

	_, err := runCLI(t, configPath, `{"entries": [{"id": "x"}]}`, "ingest", "chat", "-p", "ACME")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ingest batch")
}

func TestSyncCompleteAndSummary(t *testing.T) {
	configPath, _ := setupCLI(t)
	mustRunCLI(t, configPath, "project", "init", "ACME")

	out := mustRunCLI(t, configPath, "sync", "complete", "chat", "--items", "12", "--last-item-id", "c-99", "-p", "ACME")
	assert.Contains(t, out, "Recorded sync of chat (12 items)")

	out = mustRunCLI(t, configPath, "sync", "summary", "-p", "ACME", "-o", "json")
	var summary scheduler.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "ACME", summary.ProjectKey)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 3, summary.Idle)
	assert.Equal(t, 3, summary.NeedsSync)
	assert.NotNil(t, summary.OldestSync)

	_, err := runCLI(t, configPath, "", "sync", "complete", "../etc", "-p", "ACME")
	require.Error(t, err)
}

func TestSyncWatchOnce(t *testing.T) {
	configPath, root := setupCLI(t)
	mustRunCLI(t, configPath, "project", "init", "ACME")

	dir := filepath.Join(root, "inbox", "ACME", "meeting")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001.json"),
		[]byte(`{"entries": [{"id": "t1", "content": "Weekly sync notes"}]}`), 0644))

	out := mustRunCLI(t, configPath, "sync", "watch", "--once")
	assert.Contains(t, out, "ACME")
	assert.Contains(t, out, "meeting")

	_, err := os.Stat(filepath.Join(dir, "001.json"))
	assert.True(t, os.IsNotExist(err))

	out = mustRunCLI(t, configPath, "sync", "status", "meeting", "-p", "ACME", "-o", "json")
	var statuses []scheduler.SourceStatus
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, scheduler.StatusSuccess, statuses[0].Status)

	// Every source synced just now, so nothing runs
	out = mustRunCLI(t, configPath, "sync", "watch", "--once")
	assert.Contains(t, out, "No stale sources")
}

func TestSearchCommand(t *testing.T) {
	configPath, _ := setupCLI(t)
	mustRunCLI(t, configPath, "project", "init", "ACME")
	mustRunCLI(t, configPath, "glossary", "add", "Invoice", "A bill sent to a customer", "-p", "ACME")

	batch := writeBatch(t, `{"entries": [
		{"id": "m1", "content": "Invoice 42 is overdue", "metadata": {"title": "Invoice delay"}},
		{"id": "m2", "content": "Lunch on Friday"}
	]}`)
	mustRunCLI(t, configPath, "ingest", "email", batch, "-p", "ACME")

	out := mustRunCLI(t, configPath, "search", "invoice", "-p", "ACME", "-o", "json")
	var results []search.Result
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)

	layers := []search.Layer{results[0].Layer, results[1].Layer}
	assert.ElementsMatch(t, []search.Layer{search.LayerKnowledge, search.LayerMemory}, layers)

	out = mustRunCLI(t, configPath, "search", "invoice", "-p", "ACME", "--layer", "memory", "-o", "json")
	results = nil
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "memory/email/m1", results[0].DocID)

	out = mustRunCLI(t, configPath, "search", "invoice", "-p", "ACME")
	assert.Contains(t, out, "1. [")

	out = mustRunCLI(t, configPath, "search", "nothing-matches-this", "-p", "ACME")
	assert.Contains(t, out, "No results.")

	out = mustRunCLI(t, configPath, "search", "--status", "x", "-p", "ACME", "-o", "json")
	var status search.IndexStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, 3, status.TotalDocuments)
	assert.Equal(t, 1, status.KnowledgeDocuments)
	assert.Equal(t, 2, status.MemoryDocuments)
}

func createLegacyVault(t *testing.T, path string) {
	t.Helper()

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE memories (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			title TEXT,
			content TEXT,
			metadata TEXT,
			created_at TEXT,
			updated_at TEXT
		)
	`)
	require.NoError(t, err)

	rows := [][]interface{}{
		{"e1", "email", "Kickoff", "Project kickoff scheduled", "2024-01-02T10:00:00"},
		{"e2", "email", nil, "Invoice sent", "2024-01-03T09:30:00"},
		{"e3", "email", nil, "Contract signed", "2024-01-04T08:00:00"},
		{"b1", "backlog", "ACME-1", "Fix login", "2024-01-01"},
		{"b2", "backlog", "ACME-2", "Add export", "2024-01-05"},
	}
	for _, r := range rows {
		_, err := db.Exec("INSERT INTO memories (id, source, title, content, created_at) VALUES (?, ?, ?, ?, ?)", r...)
		require.NoError(t, err)
	}
}

func TestMigrateCommands(t *testing.T) {
	configPath, root := setupCLI(t)
	vault := filepath.Join(root, "vault.db")

	out := mustRunCLI(t, configPath, "migrate", "detect")
	assert.Contains(t, out, "No legacy data")

	createLegacyVault(t, vault)

	out = mustRunCLI(t, configPath, "migrate", "detect", "-o", "json")
	var detected map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &detected))
	assert.Equal(t, true, detected["legacy_data"])

	out = mustRunCLI(t, configPath, "migrate", "analyze", "-o", "json")
	var counts map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	assert.Equal(t, map[string]int{"email": 3, "backlog": 2}, counts)

	backup := filepath.Join(t.TempDir(), "vault.bak")
	out = mustRunCLI(t, configPath, "migrate", "backup", "--to", backup)
	assert.Contains(t, out, backup)
	original, err := os.ReadFile(vault)
	require.NoError(t, err)
	copied, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, original, copied)

	out = mustRunCLI(t, configPath, "migrate", "run", "-p", "ACME", "--sources", "email", "-o", "json")
	var migrated map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &migrated))
	assert.Equal(t, map[string]int{"email": 3}, migrated)

	out = mustRunCLI(t, configPath, "migrate", "status", "-p", "ACME", "-o", "yaml")
	var status migrate.Status
	require.NoError(t, yaml.Unmarshal([]byte(out), &status))
	assert.Equal(t, 3, status.ProjectSources["email"])
	assert.Equal(t, 0, status.ProjectSources["backlog"])
	assert.Equal(t, 2, status.LegacySources["backlog"])

	out = mustRunCLI(t, configPath, "migrate", "status", "-p", "ACME")
	assert.Contains(t, out, "SOURCE")
	assert.Contains(t, out, "backlog")

	_, err = runCLI(t, configPath, "", "migrate", "cleanup")
	require.Error(t, err)
	assert.True(t, errors.Is(err, migrate.ErrCleanupNotConfirmed))
	assert.FileExists(t, vault)

	mustRunCLI(t, configPath, "migrate", "cleanup", "--confirm")
	assert.NoFileExists(t, vault)

	audit, err := os.ReadFile(filepath.Join(root, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), "backup_vault")
	assert.Contains(t, string(audit), "cleanup_legacy")
}

func TestConfigureCommand(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "mnemo.json")
	newRoot := filepath.Join(t.TempDir(), "store")

	// storage root, embedding provider (default), log level
	answers := newRoot + "\n\nwarn\n"
	out, err := runCLI(t, configPath, answers, "configure")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration saved to: "+configPath)

	cfg, err := config.NewLoader(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, newRoot, cfg.StorageRoot)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "none", cfg.Search.Embedding.Provider)
	assert.Equal(t, filepath.Join(newRoot, "vault.db"), cfg.Legacy.VaultPath)
	assert.Equal(t, filepath.Join(newRoot, "mnemo.log"), cfg.Logging.File)
}

func TestConfigureCommandHelp(t *testing.T) {
	out, err := runCLI(t, filepath.Join(t.TempDir(), "mnemo.json"), "", "configure", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "interactive configuration wizard")
}
