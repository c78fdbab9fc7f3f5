package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/memory"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Layer is the storage layer a document came from.
type Layer string

const (
	LayerKnowledge Layer = "knowledge"
	LayerMemory    Layer = "memory"
)

// Knowledge sources
const (
	SourceGlossary = "glossary"
	SourceFAQ      = "faq"
	SourceRules    = "rules"
	SourceSpec     = "spec"
)

// IndexStatus represents the current state of a project index
type IndexStatus struct {
	ProjectKey            string     `json:"project_key" yaml:"project_key"`
	VectorBackend         string     `json:"vector_backend,omitempty" yaml:"vector_backend,omitempty"`
	TotalDocuments        int        `json:"total_documents" yaml:"total_documents"`
	KnowledgeDocuments    int        `json:"knowledge_documents" yaml:"knowledge_documents"`
	MemoryDocuments       int        `json:"memory_documents" yaml:"memory_documents"`
	VectorDocuments       int        `json:"vector_documents" yaml:"vector_documents"`
	IsDirty               bool       `json:"is_dirty" yaml:"is_dirty"`
	IsSyncing             bool       `json:"is_syncing" yaml:"is_syncing"`
	EmbeddingCacheHitRate *float64   `json:"embedding_cache_hit_rate,omitempty" yaml:"embedding_cache_hit_rate,omitempty"`
	LastSyncTime          *time.Time `json:"last_sync_time,omitempty" yaml:"last_sync_time,omitempty"`
}

// SyncStats reports what one index sync changed.
type SyncStats struct {
	Indexed  int           `json:"indexed" yaml:"indexed"`
	Skipped  int           `json:"skipped" yaml:"skipped"`
	Pruned   int           `json:"pruned" yaml:"pruned"`
	Embedded int           `json:"embedded" yaml:"embedded"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// IndexConfig holds index configuration
type IndexConfig struct {
	ProjectKey        string
	DBPath            string
	VectorBackend     string // BackendSQLiteVec (default) or BackendChromem
	ChromemPath       string // Required for BackendChromem
	Knowledge         *knowledge.Store
	Memory            *memory.Store
	EmbeddingProvider EmbeddingProvider // Optional, if nil will skip vector search
	Watch             bool
	WatchDebounce     time.Duration
	Logger            zerolog.Logger
}

// Index is the search index of one project, rebuilt incrementally from its
// knowledge and memory stores.
type Index struct {
	db                *sql.DB
	projectKey        string
	knowledge         *knowledge.Store
	memory            *memory.Store
	embeddingProvider EmbeddingProvider
	vectors           VectorIndex
	backend           string
	watcher           *FileWatcher
	logger            zerolog.Logger

	mu           sync.RWMutex
	isDirty      bool
	isSyncing    bool
	lastSyncTime *time.Time
	stats        struct {
		cacheHits   int
		cacheMisses int
	}
}

// document is one searchable unit.
type document struct {
	id       string
	layer    Layer
	source   string
	label    string
	content  string
	metadata map[string]interface{}
}

func (d document) hash() string {
	meta, _ := json.Marshal(d.metadata)
	return contentHash(string(d.layer) + "\x00" + d.source + "\x00" + d.label + "\x00" + d.content + "\x00" + string(meta))
}

func (d document) embeddingText() string {
	if d.label == "" || strings.Contains(d.content, d.label) {
		return d.content
	}
	return d.label + "\n" + d.content
}

// OpenIndex opens (creating if needed) a project index.
func OpenIndex(cfg IndexConfig) (*Index, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Knowledge == nil || cfg.Memory == nil {
		return nil, errors.New("knowledge and memory stores are required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	ix := &Index{
		db:                db,
		projectKey:        cfg.ProjectKey,
		knowledge:         cfg.Knowledge,
		memory:            cfg.Memory,
		embeddingProvider: cfg.EmbeddingProvider,
		logger:            cfg.Logger.With().Str("component", "search").Str("project", cfg.ProjectKey).Logger(),
		isDirty:           true, // Start dirty to trigger initial sync
	}

	if err := ix.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.EmbeddingProvider != nil {
		if err := ix.openVectors(cfg); err != nil {
			db.Close()
			return nil, err
		}
	}

	if cfg.Watch {
		watcher, err := NewFileWatcher(ix.logger, cfg.WatchDebounce, ix.MarkDirty)
		if err != nil {
			ix.Close()
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		dir := cfg.Knowledge.Dir()
		if err := watcher.Watch(dir, filepath.Join(dir, "specs")); err != nil {
			watcher.Stop()
			ix.Close()
			return nil, fmt.Errorf("failed to watch knowledge: %w", err)
		}
		ix.watcher = watcher
	}

	ix.logger.Debug().Str("backend", ix.backend).Msg("Search index opened")
	return ix, nil
}

func (ix *Index) openVectors(cfg IndexConfig) error {
	backend := cfg.VectorBackend
	if backend == "" {
		backend = BackendSQLiteVec
	}

	switch backend {
	case BackendSQLiteVec:
		v, err := newSQLiteVecIndex(ix.db, cfg.EmbeddingProvider.Dimension())
		if err != nil {
			return err
		}
		ix.vectors = v
	case BackendChromem:
		if cfg.ChromemPath == "" {
			return errors.New("chromem path is required")
		}
		v, err := newChromemIndex(cfg.ChromemPath)
		if err != nil {
			return err
		}
		ix.vectors = v
	default:
		return fmt.Errorf("unknown vector backend: %s", backend)
	}

	ix.backend = backend
	return nil
}

// initSchema creates database tables
func (ix *Index) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS docs (
			id TEXT PRIMARY KEY,
			layer TEXT NOT NULL,
			source TEXT NOT NULL,
			label TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_docs_layer ON docs(layer);

		CREATE VIRTUAL TABLE IF NOT EXISTS docs_fts USING fts5(
			doc_id UNINDEXED,
			label,
			content,
			tokenize='porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_created ON embedding_cache(created_at);
	`
	_, err := ix.db.Exec(schema)
	return err
}

// MarkDirty marks the index as needing sync
func (ix *Index) MarkDirty() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.isDirty = true
}

func (ix *Index) dirty() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.isDirty
}

// collect reads every document from the knowledge and memory stores.
func (ix *Index) collect(ctx context.Context) ([]document, error) {
	var docs []document

	glossary, err := ix.knowledge.GlossaryList()
	if err != nil {
		return nil, fmt.Errorf("read glossary: %w", err)
	}
	for _, e := range glossary {
		content := e.Definition
		if len(e.Aliases) > 0 {
			content = "Aliases: " + strings.Join(e.Aliases, ", ") + "\n" + content
		}
		docs = append(docs, document{
			id:      "knowledge/glossary/" + e.Term,
			layer:   LayerKnowledge,
			source:  SourceGlossary,
			label:   e.Term,
			content: content,
			metadata: map[string]interface{}{
				"aliases":  e.Aliases,
				"category": e.Category,
			},
		})
	}

	for _, single := range []struct {
		source string
		read   func() (string, error)
	}{
		{SourceFAQ, ix.knowledge.FAQ},
		{SourceRules, ix.knowledge.Rules},
	} {
		content, err := single.read()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", single.source, err)
		}
		docs = append(docs, chunkDocuments("knowledge/"+single.source, single.source, single.source, content, nil)...)
	}

	specs, err := ix.knowledge.ListSpecs()
	if err != nil {
		return nil, fmt.Errorf("list specs: %w", err)
	}
	for _, name := range specs {
		content, ok, err := ix.knowledge.GetSpec(name)
		if err != nil {
			return nil, fmt.Errorf("read spec %s: %w", name, err)
		}
		if !ok {
			continue
		}
		docs = append(docs, chunkDocuments("knowledge/spec/"+name, SourceSpec, name, content, map[string]interface{}{"spec": name})...)
	}

	sources, err := ix.memory.Sources()
	if err != nil {
		return nil, err
	}
	for _, source := range sources {
		entries, err := ix.memory.Entries(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("read memory %s: %w", source, err)
		}
		for _, e := range entries {
			docs = append(docs, memoryDocument(e))
		}
	}
	return docs, nil
}

func memoryDocument(e memory.Entry) document {
	label := e.ID
	if title, ok := e.Metadata["title"].(string); ok && title != "" {
		label = title
	}

	metadata := make(map[string]interface{}, len(e.Metadata)+2)
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	metadata["id"] = e.ID
	metadata["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339)

	return document{
		id:       "memory/" + e.Source + "/" + e.ID,
		layer:    LayerMemory,
		source:   e.Source,
		label:    label,
		content:  e.Content,
		metadata: metadata,
	}
}

func chunkDocuments(idPrefix, source, label, content string, metadata map[string]interface{}) []document {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	chunks := chunkContent(content)
	docs := make([]document, 0, len(chunks))
	for i, c := range chunks {
		meta := map[string]interface{}{"chunk": i}
		for k, v := range metadata {
			meta[k] = v
		}
		docs = append(docs, document{
			id:       fmt.Sprintf("%s#%d", idPrefix, i),
			layer:    LayerKnowledge,
			source:   source,
			label:    label,
			content:  c,
			metadata: meta,
		})
	}
	return docs
}

// Sync brings the index up to date with the stores. Unchanged documents
// are skipped by content hash and vanished ones are pruned.
func (ix *Index) Sync(ctx context.Context) (*SyncStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithProjectKey(ctx, ix.projectKey)
	ctx, span := tracing.StartSpan(ctx, "mnemo.search", "search.sync")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, ix.logger)

	ix.mu.Lock()
	if ix.isSyncing {
		ix.mu.Unlock()
		return nil, tracing.Fail(span, errors.New("sync already in progress"))
	}
	ix.isSyncing = true
	ix.isDirty = false
	ix.mu.Unlock()

	stats := &SyncStats{}
	start := time.Now()
	defer func() {
		ix.mu.Lock()
		ix.isSyncing = false
		now := time.Now()
		ix.lastSyncTime = &now
		ix.mu.Unlock()
		observability.RecordIndexSync(time.Since(start))
	}()

	docs, err := ix.collect(ctx)
	if err != nil {
		ix.MarkDirty()
		return nil, tracing.Fail(span, err)
	}

	changed, pruned, err := ix.writeDocuments(ctx, docs, stats)
	if err != nil {
		ix.MarkDirty()
		return nil, tracing.Fail(span, err)
	}

	if ix.vectors != nil {
		if len(pruned) > 0 {
			if err := ix.vectors.Delete(ctx, pruned...); err != nil {
				logger.Warn().Err(err).Msg("Failed to prune vectors")
				span.RecordError(err)
			}
		}
		stats.Embedded = ix.embedDocuments(ctx, changed)
	}

	stats.Duration = time.Since(start)
	ix.publishCounts(ctx)

	span.SetAttributes(
		attribute.Int("indexed", stats.Indexed),
		attribute.Int("pruned", stats.Pruned),
	)
	logger.Info().
		Int("indexed", stats.Indexed).
		Int("skipped", stats.Skipped).
		Int("pruned", stats.Pruned).
		Int("embedded", stats.Embedded).
		Dur("duration", stats.Duration).
		Msg("Index sync completed")
	return stats, nil
}

// writeDocuments updates docs and docs_fts in one transaction and returns
// the changed documents and the pruned ids.
func (ix *Index) writeDocuments(ctx context.Context, docs []document, stats *SyncStats) ([]document, []string, error) {
	existing := make(map[string]string)
	rows, err := ix.db.QueryContext(ctx, "SELECT id, content_hash FROM docs")
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return nil, nil, err
		}
		existing[id] = hash
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	seen := make(map[string]bool, len(docs))
	var changed []document

	for _, d := range docs {
		if seen[d.id] {
			continue
		}
		seen[d.id] = true

		hash := d.hash()
		if existing[d.id] == hash {
			stats.Skipped++
			continue
		}

		meta, err := json.Marshal(d.metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM docs_fts WHERE doc_id = ?", d.id); err != nil {
			return nil, nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO docs (id, layer, source, label, content, metadata, content_hash, indexed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, d.id, string(d.layer), d.source, d.label, d.content, string(meta), hash, now); err != nil {
			return nil, nil, err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO docs_fts (doc_id, label, content) VALUES (?, ?, ?)",
			d.id, d.label, d.content,
		); err != nil {
			return nil, nil, err
		}

		stats.Indexed++
		changed = append(changed, d)
	}

	var pruned []string
	for id := range existing {
		if seen[id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM docs WHERE id = ?", id); err != nil {
			return nil, nil, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM docs_fts WHERE doc_id = ?", id); err != nil {
			return nil, nil, err
		}
		pruned = append(pruned, id)
	}
	sort.Strings(pruned)
	stats.Pruned = len(pruned)

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return changed, pruned, nil
}

// embedDocuments stores vectors for docs and returns how many were stored.
// Failures are logged per document and do not fail the sync.
func (ix *Index) embedDocuments(ctx context.Context, docs []document) int {
	if len(docs) == 0 {
		return 0
	}

	texts := make([]string, len(docs))
	embeddings := make([][]float32, len(docs))
	var missing []int

	for i, d := range docs {
		texts[i] = d.embeddingText()
		emb, ok := ix.cachedEmbedding(ctx, contentHash(texts[i]))
		if ok {
			embeddings[i] = emb
			continue
		}
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		batch := make([]string, len(missing))
		for j, i := range missing {
			batch[j] = texts[i]
		}
		generated, err := ix.embeddingProvider.GenerateEmbeddings(ctx, batch)
		if err != nil {
			ix.logger.Warn().Err(err).Int("documents", len(batch)).Msg("Failed to generate embeddings")
		} else {
			for j, i := range missing {
				embeddings[i] = generated[j]
				ix.storeCachedEmbedding(ctx, contentHash(texts[i]), generated[j])
			}
		}
	}

	stored := 0
	for i, d := range docs {
		if embeddings[i] == nil {
			continue
		}
		if err := ix.vectors.Upsert(ctx, d.id, texts[i], embeddings[i]); err != nil {
			ix.logger.Warn().Err(err).Str("doc", d.id).Msg("Failed to store embedding")
			continue
		}
		stored++
	}
	return stored
}

func (ix *Index) cachedEmbedding(ctx context.Context, hash string) ([]float32, bool) {
	var data []byte
	err := ix.db.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE content_hash = ?", hash).Scan(&data)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err != nil {
		ix.stats.cacheMisses++
		return nil, false
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		ix.stats.cacheMisses++
		return nil, false
	}
	ix.stats.cacheHits++
	return embedding, true
}

func (ix *Index) storeCachedEmbedding(ctx context.Context, hash string, embedding []float32) {
	data, err := json.Marshal(embedding)
	if err != nil {
		return
	}
	if _, err := ix.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
		hash, data, len(embedding), time.Now().Unix(),
	); err != nil {
		ix.logger.Warn().Err(err).Msg("Failed to cache embedding")
	}
}

func (ix *Index) layerCounts(ctx context.Context) (knowledgeDocs, memoryDocs int) {
	rows, err := ix.db.QueryContext(ctx, "SELECT layer, COUNT(*) FROM docs GROUP BY layer")
	if err != nil {
		return 0, 0
	}
	defer rows.Close()

	for rows.Next() {
		var layer string
		var n int
		if rows.Scan(&layer, &n) != nil {
			continue
		}
		switch Layer(layer) {
		case LayerKnowledge:
			knowledgeDocs = n
		case LayerMemory:
			memoryDocs = n
		}
	}
	return knowledgeDocs, memoryDocs
}

func (ix *Index) publishCounts(ctx context.Context) {
	k, m := ix.layerCounts(ctx)
	observability.SetIndexDocuments(ix.projectKey, string(LayerKnowledge), k)
	observability.SetIndexDocuments(ix.projectKey, string(LayerMemory), m)
}

// Status returns current index status
func (ix *Index) Status(ctx context.Context) IndexStatus {
	k, m := ix.layerCounts(ctx)

	status := IndexStatus{
		ProjectKey:         ix.projectKey,
		VectorBackend:      ix.backend,
		TotalDocuments:     k + m,
		KnowledgeDocuments: k,
		MemoryDocuments:    m,
	}
	if ix.vectors != nil {
		status.VectorDocuments, _ = ix.vectors.Count(ctx)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	status.IsDirty = ix.isDirty
	status.IsSyncing = ix.isSyncing
	status.LastSyncTime = ix.lastSyncTime

	// Calculate cache hit rate
	total := ix.stats.cacheHits + ix.stats.cacheMisses
	if total > 0 {
		rate := float64(ix.stats.cacheHits) / float64(total)
		status.EmbeddingCacheHitRate = &rate
	}
	return status
}

// Close closes the index
func (ix *Index) Close() error {
	if ix.watcher != nil {
		ix.watcher.Stop()
	}
	if ix.vectors != nil {
		ix.vectors.Close()
	}
	return ix.db.Close()
}
