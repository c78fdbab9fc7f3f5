// Package migrate moves data from the legacy flat vault database into the
// per-project memory layout.
//
// Steps are independent and operator driven:
//
//	DetectLegacyData -> BackupVault -> MigrateToProject (per source)
//	-> optional row deletion (DeleteAfter) -> CleanupLegacy(confirm=true)
//
// There is no automatic rollback. A failing source never stops its siblings.
package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/storage"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrCleanupNotConfirmed is returned by CleanupLegacy without confirmation.
	ErrCleanupNotConfirmed = errors.New("legacy cleanup requires explicit confirmation")
	// ErrNoLegacyStore is returned when the legacy vault does not exist.
	ErrNoLegacyStore = errors.New("legacy store not found")
)

const legacyTable = "memories"

// MigrateOptions selects what MigrateToProject does.
type MigrateOptions struct {
	Sources     []string // Empty means every source present in the vault
	DeleteAfter bool     // Delete migrated rows from the vault
}

// Status compares legacy and migrated counts per source.
type Status struct {
	ProjectKey     string         `json:"project_key" yaml:"project_key"`
	LegacyExists   bool           `json:"legacy_exists" yaml:"legacy_exists"`
	LegacySources  map[string]int `json:"legacy_sources" yaml:"legacy_sources"`
	ProjectSources map[string]int `json:"project_sources" yaml:"project_sources"`
}

// SourceErrors collects per-source migration failures.
type SourceErrors struct {
	Errors map[string]error
}

func (e *SourceErrors) Error() string {
	sources := make([]string, 0, len(e.Errors))
	for s := range e.Errors {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = fmt.Sprintf("%s: %v", s, e.Errors[s])
	}
	return "migration failed for " + strings.Join(parts, "; ")
}

func (e *SourceErrors) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, err := range e.Errors {
		errs = append(errs, err)
	}
	return errs
}

// Config holds migrator configuration
type Config struct {
	Storage   *storage.Storage
	VaultPath string // Defaults to the layout's legacy vault path
	Actor     string // Recorded in audit events
	Logger    zerolog.Logger
}

// Migrator runs the legacy migration protocol.
type Migrator struct {
	storage   *storage.Storage
	vaultPath string
	actor     string
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a migrator.
func New(cfg Config) (*Migrator, error) {
	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}

	vaultPath := cfg.VaultPath
	if vaultPath == "" {
		vaultPath = cfg.Storage.Layout().LegacyVaultPath()
	}
	actor := cfg.Actor
	if actor == "" {
		actor = "operator"
	}

	return &Migrator{
		storage:   cfg.Storage,
		vaultPath: vaultPath,
		actor:     actor,
		logger:    cfg.Logger.With().Str("component", "migrate").Logger(),
		now:       time.Now,
	}, nil
}

// VaultPath returns the legacy store location.
func (m *Migrator) VaultPath() string {
	return m.vaultPath
}

func (m *Migrator) vaultExists() (bool, error) {
	info, err := os.Stat(m.vaultPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// openVault opens the legacy store without ever creating it.
func (m *Migrator) openVault() (*sql.DB, error) {
	exists, err := m.vaultExists()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNoLegacyStore, m.vaultPath)
	}

	db, err := sql.Open("sqlite3", "file:"+m.vaultPath+"?mode=rw&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open legacy store: %w", err)
	}
	return db, nil
}

func hasLegacyTable(ctx context.Context, db *sql.DB) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", legacyTable,
	).Scan(&n)
	return n > 0, err
}

// DetectLegacyData reports whether the legacy store exists and holds at
// least one row.
func (m *Migrator) DetectLegacyData(ctx context.Context) (bool, error) {
	exists, err := m.vaultExists()
	if err != nil || !exists {
		return false, err
	}

	db, err := m.openVault()
	if err != nil {
		return false, err
	}
	defer db.Close()

	ok, err := hasLegacyTable(ctx, db)
	if err != nil || !ok {
		return false, err
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+legacyTable).Scan(&n); err != nil {
		return false, fmt.Errorf("count legacy rows: %w", err)
	}
	return n > 0, nil
}

// AnalyzeSources returns legacy row counts per source.
func (m *Migrator) AnalyzeSources(ctx context.Context) (map[string]int, error) {
	db, err := m.openVault()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return analyze(ctx, db)
}

func analyze(ctx context.Context, db *sql.DB) (map[string]int, error) {
	counts := make(map[string]int)

	ok, err := hasLegacyTable(ctx, db)
	if err != nil || !ok {
		return counts, err
	}

	rows, err := db.QueryContext(ctx, "SELECT source, COUNT(*) FROM "+legacyTable+" GROUP BY source")
	if err != nil {
		return nil, fmt.Errorf("analyze legacy sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

// BackupVault copies the legacy store byte for byte. An empty path selects a
// timestamped sibling of the vault. It returns the backup path.
func (m *Migrator) BackupVault(ctx context.Context, path string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.migrate", "migrate.backup")
	defer span.End()

	if path == "" {
		ext := filepath.Ext(m.vaultPath)
		base := strings.TrimSuffix(m.vaultPath, ext)
		path = fmt.Sprintf("%s.backup.%s%s", base, m.now().Format("20060102-150405"), ext)
	}

	err := m.copyVault(path)
	status := "success"
	if err != nil {
		status = "failure"
	}
	observability.RecordMigrationAudit(ctx, "backup_vault", m.actor, status, map[string]interface{}{
		"vault":  m.vaultPath,
		"backup": path,
	})
	if err != nil {
		return "", tracing.Fail(span, err)
	}

	m.logger.Info().Str("backup", path).Msg("Legacy store backup created")
	return path, nil
}

func (m *Migrator) copyVault(dst string) error {
	src, err := os.Open(m.vaultPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNoLegacyStore, m.vaultPath)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy legacy store: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type legacyRow struct {
	id        string
	title     sql.NullString
	content   sql.NullString
	metadata  sql.NullString
	createdAt sql.NullString
	updatedAt sql.NullString
}

// MigrateToProject copies legacy rows into the project's memory journals,
// registering the project first if needed. It returns the number of new
// entries written per source. Failed sources are reported together as a
// *SourceErrors while the others still complete.
func (m *Migrator) MigrateToProject(ctx context.Context, projectKey string, opts MigrateOptions) (map[string]int, error) {
	ctx = tracing.NewRunContext(ctx, projectKey)
	ctx, span := tracing.StartSpan(ctx, "mnemo.migrate", "migrate.run",
		attribute.Bool("delete_after", opts.DeleteAfter),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	db, err := m.openVault()
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	defer db.Close()

	present, err := analyze(ctx, db)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}

	sources := opts.Sources
	if len(sources) == 0 {
		for s := range present {
			sources = append(sources, s)
		}
		sort.Strings(sources)
	}

	if err := m.storage.RequireProject(ctx, projectKey); err != nil {
		if !errors.Is(err, storage.ErrProjectNotFound) {
			return nil, tracing.Fail(span, err)
		}
		if _, err := m.storage.InitProject(ctx, projectKey, projectKey); err != nil {
			return nil, tracing.Fail(span, err)
		}
		logger.Info().Msg("Registered project for migration")
	}

	mem, err := m.storage.Memory(ctx, projectKey)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}

	results := make(map[string]int, len(sources))
	failures := make(map[string]error)
	for _, source := range sources {
		written, err := m.migrateSource(tracing.WithSource(ctx, source), db, mem, source, opts.DeleteAfter)
		observability.RecordMigration(source, written, err)
		if err != nil {
			logger.Error().Err(err).Str("source", source).Msg("Source migration failed")
			failures[source] = err
			continue
		}
		results[source] = written
		logger.Info().Str("source", source).Int("migrated", written).Msg("Source migrated")
	}

	if len(failures) > 0 {
		return results, tracing.Fail(span, &SourceErrors{Errors: failures})
	}
	return results, nil
}

func (m *Migrator) migrateSource(ctx context.Context, db *sql.DB, mem *memory.Store, source string, deleteAfter bool) (int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT CAST(id AS TEXT), title, content, metadata, created_at, updated_at
		FROM `+legacyTable+`
		WHERE source = ?
		ORDER BY created_at ASC, rowid ASC
	`, source)
	if err != nil {
		return 0, fmt.Errorf("read legacy rows: %w", err)
	}

	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.id, &r.title, &r.content, &r.metadata, &r.createdAt, &r.updatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		legacy = append(legacy, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(legacy) == 0 {
		return 0, nil
	}

	entries := make([]memory.Entry, len(legacy))
	ids := make([]string, len(legacy))
	for i, r := range legacy {
		entries[i] = m.toEntry(source, r)
		ids[i] = r.id
	}

	written, err := mem.AppendBatch(ctx, source, entries)
	if err != nil {
		return 0, err
	}

	if deleteAfter {
		if err := m.deleteRows(ctx, db, source, ids); err != nil {
			return written, fmt.Errorf("delete migrated rows: %w", err)
		}
	}
	return written, nil
}

func (m *Migrator) toEntry(source string, r legacyRow) memory.Entry {
	metadata := make(map[string]interface{})
	if r.metadata.Valid && strings.TrimSpace(r.metadata.String) != "" {
		if err := json.Unmarshal([]byte(r.metadata.String), &metadata); err != nil {
			metadata = map[string]interface{}{"raw_metadata": r.metadata.String}
		}
	}
	if r.title.Valid && r.title.String != "" {
		metadata["title"] = r.title.String
	}

	ts, ok := parseTimestamp(r.createdAt)
	if !ok {
		ts, ok = parseTimestamp(r.updatedAt)
	}
	if !ok {
		ts = m.now().UTC()
	}

	return memory.Entry{
		ID:        r.id,
		Source:    source,
		Timestamp: ts,
		Content:   r.content.String,
		Metadata:  metadata,
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(v sql.NullString) (time.Time, bool) {
	if !v.Valid {
		return time.Time{}, false
	}
	s := strings.TrimSpace(v.String)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (m *Migrator) deleteRows(ctx context.Context, db *sql.DB, source string, ids []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM "+legacyTable+" WHERE source = ? AND CAST(id AS TEXT) = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, source, id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	observability.RecordMigrationAudit(ctx, "delete_legacy_rows", m.actor, "success", map[string]interface{}{
		"source":  source,
		"rows":    len(ids),
		"project": tracing.GetProjectKey(ctx),
	})
	return nil
}

// GetMigrationStatus reports legacy and migrated counts side by side. Every
// legacy source appears in both maps.
func (m *Migrator) GetMigrationStatus(ctx context.Context, projectKey string) (*Status, error) {
	status := &Status{
		ProjectKey:     projectKey,
		LegacySources:  make(map[string]int),
		ProjectSources: make(map[string]int),
	}

	exists, err := m.vaultExists()
	if err != nil {
		return nil, err
	}
	if exists {
		db, err := m.openVault()
		if err != nil {
			return nil, err
		}
		legacy, err := analyze(ctx, db)
		db.Close()
		if err != nil {
			return nil, err
		}
		status.LegacyExists = true
		status.LegacySources = legacy
	}

	mem, err := m.storage.Memory(ctx, projectKey)
	switch {
	case errors.Is(err, storage.ErrProjectNotFound):
	case err != nil:
		return nil, err
	default:
		counts, err := mem.Counts(ctx)
		if err != nil {
			return nil, err
		}
		for source, n := range counts {
			status.ProjectSources[source] = n
		}
	}

	for source := range status.LegacySources {
		if _, ok := status.ProjectSources[source]; !ok {
			status.ProjectSources[source] = 0
		}
	}
	return status, nil
}

// CleanupLegacy deletes the legacy store and its WAL side files. It refuses
// unless confirm is true.
func (m *Migrator) CleanupLegacy(ctx context.Context, confirm bool) error {
	if !confirm {
		observability.RecordMigrationAudit(ctx, "cleanup_legacy", m.actor, "refused", map[string]interface{}{
			"vault": m.vaultPath,
		})
		return ErrCleanupNotConfirmed
	}

	exists, err := m.vaultExists()
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoLegacyStore, m.vaultPath)
	}

	var errs []error
	for _, path := range []string{m.vaultPath, m.vaultPath + "-wal", m.vaultPath + "-shm"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	err = errors.Join(errs...)

	status := "success"
	if err != nil {
		status = "failure"
	}
	observability.RecordMigrationAudit(ctx, "cleanup_legacy", m.actor, status, map[string]interface{}{
		"vault": m.vaultPath,
	})
	if err != nil {
		return fmt.Errorf("failed to remove legacy store: %w", err)
	}

	m.logger.Warn().Str("vault", m.vaultPath).Msg("Legacy store removed")
	return nil
}
