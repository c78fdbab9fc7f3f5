package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/philippgille/chromem-go"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Vector backends
const (
	BackendSQLiteVec = "sqlite-vec"
	BackendChromem   = "chromem"
)

type vectorSearchResult struct {
	docID      string
	similarity float64 // cosine similarity (-1 to 1)
}

// VectorIndex stores one embedding per document id.
type VectorIndex interface {
	Upsert(ctx context.Context, docID, content string, embedding []float32) error
	Delete(ctx context.Context, docIDs ...string) error
	Query(ctx context.Context, embedding []float32, limit int) ([]vectorSearchResult, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// sqliteVecIndex keeps vectors in a vec0 table next to the keyword index.
type sqliteVecIndex struct {
	db *sql.DB
}

func newSQLiteVecIndex(db *sql.DB, dimension int) (*sqliteVecIndex, error) {
	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
			doc_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, dimension)

	if _, err := db.Exec(vectorSchema); err != nil {
		return nil, fmt.Errorf("failed to create vector table: %w", err)
	}
	return &sqliteVecIndex{db: db}, nil
}

func (v *sqliteVecIndex) Upsert(ctx context.Context, docID, _ string, embedding []float32) error {
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM embeddings WHERE doc_id = ?", docID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO embeddings (doc_id, embedding) VALUES (?, ?)",
		docID, string(embeddingJSON),
	); err != nil {
		return fmt.Errorf("failed to store embedding in vector table: %w", err)
	}
	return tx.Commit()
}

func (v *sqliteVecIndex) Delete(ctx context.Context, docIDs ...string) error {
	for _, id := range docIDs {
		if _, err := v.db.ExecContext(ctx, "DELETE FROM embeddings WHERE doc_id = ?", id); err != nil {
			return err
		}
	}
	return nil
}

func (v *sqliteVecIndex) Query(ctx context.Context, embedding []float32, limit int) ([]vectorSearchResult, error) {
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := v.db.QueryContext(ctx, `
		SELECT
			doc_id,
			vec_distance_cosine(embedding, ?) as distance
		FROM embeddings
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []vectorSearchResult
	for rows.Next() {
		var docID string
		var distance float64
		if err := rows.Scan(&docID, &distance); err != nil {
			return nil, err
		}
		// cosine distance is in [0, 2]
		results = append(results, vectorSearchResult{docID: docID, similarity: 1.0 - distance})
	}
	return results, rows.Err()
}

func (v *sqliteVecIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := v.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&n)
	return n, err
}

// Close is a no-op; the table shares the index database handle.
func (v *sqliteVecIndex) Close() error {
	return nil
}

// chromemIndex keeps vectors in a persistent chromem-go collection.
type chromemIndex struct {
	db  *chromem.DB
	col *chromem.Collection
}

func newChromemIndex(path string) (*chromemIndex, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open chromem db: %w", err)
	}

	col, err := db.GetOrCreateCollection(
		"documents",
		nil, // No metadata
		nil, // No embedding func (we provide embeddings)
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &chromemIndex{db: db, col: col}, nil
}

func (c *chromemIndex) Upsert(ctx context.Context, docID, content string, embedding []float32) error {
	if strings.TrimSpace(content) == "" {
		content = docID
	}
	// AddDocument overwrites an existing id
	err := c.col.AddDocument(ctx, chromem.Document{
		ID:        docID,
		Content:   content,
		Embedding: embedding,
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (c *chromemIndex) Delete(ctx context.Context, docIDs ...string) error {
	if len(docIDs) == 0 {
		return nil
	}
	return c.col.Delete(ctx, nil, nil, docIDs...)
}

func (c *chromemIndex) Query(ctx context.Context, embedding []float32, limit int) ([]vectorSearchResult, error) {
	// chromem-go requires nResults <= collection size
	if n := c.col.Count(); n < limit {
		limit = n
	}
	if limit == 0 {
		return nil, nil
	}

	res, err := c.col.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	results := make([]vectorSearchResult, 0, len(res))
	for _, r := range res {
		results = append(results, vectorSearchResult{docID: r.ID, similarity: float64(r.Similarity)})
	}
	return results, nil
}

func (c *chromemIndex) Count(ctx context.Context) (int, error) {
	return c.col.Count(), nil
}

// Close is a no-op; chromem persists every write immediately.
func (c *chromemIndex) Close() error {
	return nil
}
