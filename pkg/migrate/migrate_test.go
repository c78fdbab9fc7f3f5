package migrate

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type legacySeed struct {
	id, source, title, content, metadata, created, updated string
}

func createLegacyVault(t *testing.T, path string, rows []legacySeed) {
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

	for _, r := range rows {
		_, err := db.Exec(
			"INSERT INTO memories (id, source, title, content, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			r.id, r.source, nullable(r.title), r.content, nullable(r.metadata), nullable(r.created), nullable(r.updated),
		)
		require.NoError(t, err)
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func defaultSeed() []legacySeed {
	return []legacySeed{
		{id: "e1", source: "email", title: "Kickoff", content: "Project kickoff scheduled", metadata: `{"from":"ana@example.com"}`, created: "2024-01-02T10:00:00"},
		{id: "e2", source: "email", content: "Invoice sent", updated: "2024-01-03 09:30:00"},
		{id: "e3", source: "email", content: "Contract signed", metadata: "not json", created: "2024-01-04T08:00:00Z"},
		{id: "b1", source: "backlog", title: "ACME-1", content: "Fix login", created: "2024-01-01"},
		{id: "b2", source: "backlog", title: "ACME-2", content: "Add export", created: "2024-01-05"},
	}
}

type testEnv struct {
	storage  *storage.Storage
	migrator *Migrator
	vault    string
	audit    *bytes.Buffer
}

func createTestMigrator(t *testing.T, seed []legacySeed) *testEnv {
	t.Helper()

	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	st, err := storage.Open(storage.Config{Root: t.TempDir(), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	vault := st.Layout().LegacyVaultPath()
	if seed != nil {
		createLegacyVault(t, vault, seed)
	}

	audit := &bytes.Buffer{}
	observability.SetAuditWriter(audit)

	m, err := New(Config{Storage: st, Logger: logger})
	require.NoError(t, err)
	m.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }

	return &testEnv{storage: st, migrator: m, vault: vault, audit: audit}
}

func TestDetectLegacyData(t *testing.T) {
	ctx := context.Background()

	t.Run("missing store", func(t *testing.T) {
		env := createTestMigrator(t, nil)
		found, err := env.migrator.DetectLegacyData(ctx)
		require.NoError(t, err)
		assert.False(t, found)

		_, err = os.Stat(env.vault)
		assert.True(t, os.IsNotExist(err), "detection must not create the store")
	})

	t.Run("empty store", func(t *testing.T) {
		env := createTestMigrator(t, []legacySeed{})
		found, err := env.migrator.DetectLegacyData(ctx)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("store with rows", func(t *testing.T) {
		env := createTestMigrator(t, defaultSeed())
		found, err := env.migrator.DetectLegacyData(ctx)
		require.NoError(t, err)
		assert.True(t, found)
	})
}

func TestAnalyzeSources(t *testing.T) {
	env := createTestMigrator(t, defaultSeed())

	counts, err := env.migrator.AnalyzeSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"email": 3, "backlog": 2}, counts)

	missing := createTestMigrator(t, nil)
	_, err = missing.migrator.AnalyzeSources(context.Background())
	assert.True(t, errors.Is(err, ErrNoLegacyStore))
}

func TestBackupVault(t *testing.T) {
	env := createTestMigrator(t, defaultSeed())
	ctx := context.Background()

	path, err := env.migrator.BackupVault(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(env.vault), "vault.backup.20240601-120000.db"), path)

	original, err := os.ReadFile(env.vault)
	require.NoError(t, err)
	backup, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(original, backup))
	assert.Contains(t, env.audit.String(), `"action":"backup_vault"`)

	t.Run("explicit path", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "nested", "copy.db")
		got, err := env.migrator.BackupVault(ctx, dst)
		require.NoError(t, err)
		assert.Equal(t, dst, got)
	})

	t.Run("never overwrites", func(t *testing.T) {
		_, err := env.migrator.BackupVault(ctx, path)
		assert.Error(t, err)
	})

	t.Run("missing store", func(t *testing.T) {
		missing := createTestMigrator(t, nil)
		_, err := missing.migrator.BackupVault(ctx, "")
		assert.True(t, errors.Is(err, ErrNoLegacyStore))
	})
}

func TestMigrateToProject_SelectedSource(t *testing.T) {
	env := createTestMigrator(t, defaultSeed())
	ctx := context.Background()

	migrated, err := env.migrator.MigrateToProject(ctx, "ACME", MigrateOptions{Sources: []string{"email"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"email": 3}, migrated)

	status, err := env.migrator.GetMigrationStatus(ctx, "ACME")
	require.NoError(t, err)
	assert.True(t, status.LegacyExists)
	assert.Equal(t, 3, status.ProjectSources["email"])
	assert.Equal(t, 0, status.ProjectSources["backlog"])
	assert.Equal(t, map[string]int{"email": 3, "backlog": 2}, status.LegacySources)

	// The project was registered on the way
	require.NoError(t, env.storage.RequireProject(ctx, "ACME"))

	t.Run("entries are converted", func(t *testing.T) {
		mem, err := env.storage.Memory(ctx, "ACME")
		require.NoError(t, err)
		entries, err := mem.Entries(ctx, "email")
		require.NoError(t, err)
		require.Len(t, entries, 3)

		byID := make(map[string]int)
		for i, e := range entries {
			byID[e.ID] = i
		}

		e1 := entries[byID["e1"]]
		assert.Equal(t, "Kickoff", e1.Metadata["title"])
		assert.Equal(t, "ana@example.com", e1.Metadata["from"])
		assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), e1.Timestamp)

		// No creation time falls back to the update time
		e2 := entries[byID["e2"]]
		assert.Equal(t, time.Date(2024, 1, 3, 9, 30, 0, 0, time.UTC), e2.Timestamp)
		assert.NotContains(t, e2.Metadata, "title")

		e3 := entries[byID["e3"]]
		assert.Equal(t, "not json", e3.Metadata["raw_metadata"])
	})

	t.Run("rerun is idempotent", func(t *testing.T) {
		again, err := env.migrator.MigrateToProject(ctx, "ACME", MigrateOptions{Sources: []string{"email"}})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"email": 0}, again)

		status, err := env.migrator.GetMigrationStatus(ctx, "ACME")
		require.NoError(t, err)
		assert.Equal(t, 3, status.ProjectSources["email"])
	})
}

func TestMigrateToProject_AllSources(t *testing.T) {
	env := createTestMigrator(t, defaultSeed())

	migrated, err := env.migrator.MigrateToProject(context.Background(), "ACME", MigrateOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"email": 3, "backlog": 2}, migrated)
}

func TestMigrateToProject_DeleteAfter(t *testing.T) {
	tests := []struct {
		name         string
		deleteAfter  bool
		wantLegacy   map[string]int
		wantMigrated int
	}{
		{
			name:         "rows deleted",
			deleteAfter:  true,
			wantLegacy:   map[string]int{"backlog": 2},
			wantMigrated: 3,
		},
		{
			name:         "rows kept",
			deleteAfter:  false,
			wantLegacy:   map[string]int{"email": 3, "backlog": 2},
			wantMigrated: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := createTestMigrator(t, defaultSeed())
			ctx := context.Background()

			_, err := env.migrator.MigrateToProject(ctx, "ACME", MigrateOptions{
				Sources:     []string{"email"},
				DeleteAfter: tt.deleteAfter,
			})
			require.NoError(t, err)

			legacy, err := env.migrator.AnalyzeSources(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLegacy, legacy)

			status, err := env.migrator.GetMigrationStatus(ctx, "ACME")
			require.NoError(t, err)
			assert.Equal(t, tt.wantMigrated, status.ProjectSources["email"])
		})
	}
}

func TestMigrateToProject_SourceFailureDoesNotStopSiblings(t *testing.T) {
	seed := append(defaultSeed(), legacySeed{id: "x1", source: "../escape", content: "bad"})
	env := createTestMigrator(t, seed)

	migrated, err := env.migrator.MigrateToProject(context.Background(), "ACME", MigrateOptions{DeleteAfter: true})
	require.Error(t, err)

	var srcErrs *SourceErrors
	require.True(t, errors.As(err, &srcErrs))
	assert.Contains(t, srcErrs.Errors, "../escape")
	assert.Equal(t, map[string]int{"email": 3, "backlog": 2}, migrated)

	// The failed source keeps its legacy rows
	legacy, err := env.migrator.AnalyzeSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"../escape": 1}, legacy)
}

func TestGetMigrationStatus_UnknownProject(t *testing.T) {
	env := createTestMigrator(t, defaultSeed())

	status, err := env.migrator.GetMigrationStatus(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"email": 0, "backlog": 0}, status.ProjectSources)
}

func TestCleanupLegacy(t *testing.T) {
	env := createTestMigrator(t, defaultSeed())
	ctx := context.Background()

	err := env.migrator.CleanupLegacy(ctx, false)
	assert.True(t, errors.Is(err, ErrCleanupNotConfirmed))
	_, err = os.Stat(env.vault)
	require.NoError(t, err, "unconfirmed cleanup must keep the store")

	require.NoError(t, os.WriteFile(env.vault+"-wal", []byte("wal"), 0644))
	require.NoError(t, env.migrator.CleanupLegacy(ctx, true))

	_, err = os.Stat(env.vault)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(env.vault + "-wal")
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, env.audit.String(), `"status":"refused"`)

	found, err := env.migrator.DetectLegacyData(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	err = env.migrator.CleanupLegacy(ctx, true)
	assert.True(t, errors.Is(err, ErrNoLegacyStore))
}

func TestSourceErrors(t *testing.T) {
	boom := errors.New("boom")
	err := &SourceErrors{Errors: map[string]error{"chat": boom, "backlog": errors.New("disk full")}}

	assert.Equal(t, "migration failed for backlog: disk full; chat: boom", err.Error())
	assert.True(t, errors.Is(err, boom))
}
