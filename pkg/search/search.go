package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gobwas/glob"
	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Options configures search behavior
type Options struct {
	Limit         int      // Maximum results (default: 20)
	Sources       []string // Glob patterns over source names, empty means all
	Layers        []Layer  // Empty means both layers
	VectorWeight  float64  // Weight for vector score (default: 0.7)
	KeywordWeight float64  // Weight for keyword score (default: 0.3)
	MinScore      float64  // Minimum combined score threshold
}

// DefaultOptions returns the default search options.
func DefaultOptions() Options {
	return Options{
		Limit:         20,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
	}
}

// Result represents a search result
type Result struct {
	DocID        string                 `json:"doc_id" yaml:"doc_id"`
	Layer        Layer                  `json:"layer" yaml:"layer"`
	Source       string                 `json:"source" yaml:"source"`
	Label        string                 `json:"label" yaml:"label"`
	Snippet      string                 `json:"snippet" yaml:"snippet"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Score        float64                `json:"score" yaml:"score"`
	VectorScore  *float64               `json:"vector_score,omitempty" yaml:"vector_score,omitempty"`
	KeywordScore *float64               `json:"keyword_score,omitempty" yaml:"keyword_score,omitempty"`
}

type keywordSearchResult struct {
	docID     string
	bm25Score float64
}

const (
	minCandidates = 200
	snippetRunes  = 240
)

// filter decides whether a document takes part in a search.
type filter struct {
	sources []glob.Glob
	layers  map[Layer]bool
}

func newFilter(opts Options) (*filter, error) {
	f := &filter{}
	for _, pattern := range opts.Sources {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid source pattern %q: %w", pattern, err)
		}
		f.sources = append(f.sources, g)
	}
	if len(opts.Layers) > 0 {
		f.layers = make(map[Layer]bool, len(opts.Layers))
		for _, l := range opts.Layers {
			if l != LayerKnowledge && l != LayerMemory {
				return nil, fmt.Errorf("unknown layer: %s", l)
			}
			f.layers[l] = true
		}
	}
	return f, nil
}

// scoped reports whether the filter excludes anything.
func (f *filter) scoped() bool {
	return f.layers != nil || len(f.sources) > 0
}

func (f *filter) match(layer Layer, source string) bool {
	if f.layers != nil && !f.layers[layer] {
		return false
	}
	if len(f.sources) == 0 {
		return true
	}
	for _, g := range f.sources {
		if g.Match(source) {
			return true
		}
	}
	return false
}

// Search runs a hybrid search over both layers. A dirty index is synced
// first. When one scoring method fails the other carries full weight.
func (ix *Index) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = tracing.WithProjectKey(ctx, ix.projectKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.search",
		"search.query",
		attribute.String("query", query),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, ix.logger)
	start := time.Now()

	if strings.TrimSpace(query) == "" {
		return []Result{}, nil
	}

	defaults := DefaultOptions()
	if opts.Limit <= 0 {
		opts.Limit = defaults.Limit
	}
	if opts.VectorWeight == 0 && opts.KeywordWeight == 0 {
		opts.VectorWeight = defaults.VectorWeight
		opts.KeywordWeight = defaults.KeywordWeight
	}

	f, err := newFilter(opts)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}

	if ix.dirty() {
		if _, err := ix.Sync(ctx); err != nil {
			logger.Warn().Err(err).Msg("Sync failed before search")
		}
	}

	candidates := opts.Limit * 10
	if candidates < minCandidates {
		candidates = minCandidates
	}

	// Perform vector and keyword search in parallel
	var vectorResults []vectorSearchResult
	var keywordResults []keywordSearchResult
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if ix.vectors == nil {
			vectorErr = errors.New("no embedding provider configured")
			return
		}
		vectorResults, vectorErr = ix.vectorSearch(ctx, query, candidates, f)
	}()

	go func() {
		defer wg.Done()
		keywordResults, keywordErr = ix.keywordSearch(ctx, query, candidates, f)
	}()

	wg.Wait()

	if vectorErr != nil && ix.vectors != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}

	if vectorErr != nil && keywordErr != nil {
		span.RecordError(vectorErr)
		span.RecordError(keywordErr)
		span.SetStatus(codes.Error, "both search methods failed")
		return nil, fmt.Errorf("both search methods failed: %w", keywordErr)
	}

	// A failed side hands its weight to the other
	if vectorErr != nil {
		opts.VectorWeight, opts.KeywordWeight = 0, 1
	} else if keywordErr != nil {
		opts.VectorWeight, opts.KeywordWeight = 1, 0
	}

	results := ix.mergeResults(ctx, query, vectorResults, keywordResults, opts, f)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	observability.RecordSearch(time.Since(start), len(results))
	span.SetAttributes(attribute.Int("results", len(results)))
	logger.Debug().
		Str("query", query).
		Int("results", len(results)).
		Msg("Search completed")

	return results, nil
}

// vectorSearch returns up to limit nearest documents that pass f. With a
// filter the pool grows until enough documents pass or the backend runs out.
func (ix *Index) vectorSearch(ctx context.Context, query string, limit int, f *filter) ([]vectorSearchResult, error) {
	embedding, err := ix.embeddingProvider.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	if !f.scoped() {
		return ix.vectors.Query(ctx, embedding, limit)
	}

	for pool := limit; ; pool *= 4 {
		raw, err := ix.vectors.Query(ctx, embedding, pool)
		if err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(raw))
		for _, r := range raw {
			ids = append(ids, r.docID)
		}
		scopes, err := ix.docScopes(ctx, ids)
		if err != nil {
			return nil, err
		}

		kept := make([]vectorSearchResult, 0, limit)
		for _, r := range raw {
			sc, ok := scopes[r.docID]
			if !ok || !f.match(sc.layer, sc.source) {
				continue
			}
			kept = append(kept, r)
			if len(kept) == limit {
				break
			}
		}
		if len(kept) == limit || len(raw) < pool {
			return kept, nil
		}
	}
}

type docScope struct {
	layer  Layer
	source string
}

// docScopes looks up the layer and source of indexed documents.
func (ix *Index) docScopes(ctx context.Context, ids []string) (map[string]docScope, error) {
	const chunk = 500

	scopes := make(map[string]docScope, len(ids))
	for len(ids) > 0 {
		n := len(ids)
		if n > chunk {
			n = chunk
		}
		batch := ids[:n]
		ids = ids[n:]

		args := make([]interface{}, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")

		rows, err := ix.db.QueryContext(ctx,
			"SELECT id, layer, source FROM docs WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id, layer, source string
			if err := rows.Scan(&id, &layer, &source); err != nil {
				rows.Close()
				return nil, err
			}
			scopes[id] = docScope{layer: Layer(layer), source: source}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return scopes, nil
}

// keywordSearch returns the best limit FTS5 matches that pass f. Layers are
// filtered in SQL; source globs are checked while reading ranked rows.
func (ix *Index) keywordSearch(ctx context.Context, query string, limit int, f *filter) ([]keywordSearchResult, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	stmt := `
		SELECT docs_fts.doc_id, bm25(docs_fts) AS score, docs.layer, docs.source
		FROM docs_fts
		JOIN docs ON docs.id = docs_fts.doc_id
		WHERE docs_fts MATCH ?`
	args := []interface{}{match}
	if f.layers != nil {
		layers := make([]string, 0, len(f.layers))
		for l := range f.layers {
			layers = append(layers, string(l))
		}
		sort.Strings(layers)
		stmt += " AND docs.layer IN (" + strings.TrimSuffix(strings.Repeat("?,", len(layers)), ",") + ")"
		for _, l := range layers {
			args = append(args, l)
		}
	}
	stmt += " ORDER BY score"
	if len(f.sources) == 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := ix.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []keywordSearchResult
	for rows.Next() {
		var docID, layer, source string
		var score float64
		if err := rows.Scan(&docID, &score, &layer, &source); err != nil {
			return nil, err
		}
		if !f.match(Layer(layer), source) {
			continue
		}
		// BM25 scores are negative, convert to positive
		results = append(results, keywordSearchResult{docID: docID, bm25Score: -score})
		if len(results) == limit {
			break
		}
	}
	return results, rows.Err()
}

// ftsQuery turns free text into an FTS5 expression of quoted terms joined
// with OR, so user input never reaches the query syntax.
func ftsQuery(query string) string {
	terms := queryTerms(query)
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " OR ")
}

func queryTerms(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(f)
		if seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// mergeResults combines vector and keyword search results
func (ix *Index) mergeResults(ctx context.Context, query string, vectorResults []vectorSearchResult, keywordResults []keywordSearchResult, opts Options, f *filter) []Result {
	vectorMap := make(map[string]float64)
	keywordMap := make(map[string]float64)

	var maxKeyword float64
	for _, r := range vectorResults {
		vectorMap[r.docID] = r.similarity
	}
	for _, r := range keywordResults {
		keywordMap[r.docID] = r.bm25Score
		if r.bm25Score > maxKeyword {
			maxKeyword = r.bm25Score
		}
	}

	ids := make(map[string]bool, len(vectorMap)+len(keywordMap))
	for id := range vectorMap {
		ids[id] = true
	}
	for id := range keywordMap {
		ids[id] = true
	}

	type scoredResult struct {
		docID        string
		score        float64
		vectorScore  *float64
		keywordScore *float64
	}

	var scored []scoredResult
	for docID := range ids {
		var normalizedVector, normalizedKeyword float64
		var vecPtr, keyPtr *float64

		// Normalize vector score: map similarity [-1, 1] to [0, 1]
		if vectorScore, ok := vectorMap[docID]; ok {
			normalizedVector = (vectorScore + 1) / 2
			v := normalizedVector
			vecPtr = &v
		}
		if keywordScore, ok := keywordMap[docID]; ok {
			if maxKeyword > 0 {
				normalizedKeyword = keywordScore / maxKeyword
			}
			k := normalizedKeyword
			keyPtr = &k
		}

		combinedScore := (normalizedVector * opts.VectorWeight) + (normalizedKeyword * opts.KeywordWeight)
		if opts.MinScore > 0 && combinedScore < opts.MinScore {
			continue
		}

		scored = append(scored, scoredResult{
			docID:        docID,
			score:        combinedScore,
			vectorScore:  vecPtr,
			keywordScore: keyPtr,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].docID < scored[j].docID
	})

	terms := queryTerms(query)
	results := make([]Result, 0, len(scored))
	for _, s := range scored {
		if len(results) >= opts.Limit {
			break
		}

		var layer, source, label, content, metadata string
		err := ix.db.QueryRowContext(ctx,
			"SELECT layer, source, label, content, metadata FROM docs WHERE id = ?",
			s.docID,
		).Scan(&layer, &source, &label, &content, &metadata)
		if err != nil {
			// Vectors can outlive a pruned doc until the next sync
			ix.logger.Debug().Err(err).Str("doc", s.docID).Msg("Failed to fetch document details")
			continue
		}
		if !f.match(Layer(layer), source) {
			continue
		}

		var meta map[string]interface{}
		if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
			meta = nil
		}

		results = append(results, Result{
			DocID:        s.docID,
			Layer:        Layer(layer),
			Source:       source,
			Label:        label,
			Snippet:      snippet(content, terms),
			Metadata:     meta,
			Score:        s.score,
			VectorScore:  s.vectorScore,
			KeywordScore: s.keywordScore,
		})
	}
	return results
}

// snippet returns up to snippetRunes runes of content around the first
// query term it contains.
func snippet(content string, terms []string) string {
	runes := []rune(content)
	if len(runes) <= snippetRunes {
		return strings.TrimSpace(content)
	}

	lower := []rune(strings.ToLower(content))
	start := 0
	for _, t := range terms {
		if idx := runeIndex(lower, []rune(t)); idx >= 0 {
			start = idx - snippetRunes/4
			break
		}
	}
	if start < 0 {
		start = 0
	}
	end := start + snippetRunes
	if end > len(runes) {
		end = len(runes)
		start = end - snippetRunes
	}

	out := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		out = "..." + out
	}
	if end < len(runes) {
		out += "..."
	}
	return out
}

func runeIndex(haystack, needle []rune) int {
	if len(needle) == 0 {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j := range needle {
			if haystack[i+j] != needle[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

// chunkContent splits content into overlapping chunks on line boundaries.
func chunkContent(content string) []string {
	const minSize = 500
	const maxSize = 1000
	const overlap = 50

	var chunks []string
	lines := strings.Split(content, "\n")

	var current strings.Builder
	for _, line := range lines {
		lineLen := len(line) + 1 // +1 for newline

		if current.Len() > 0 && current.Len()+lineLen > maxSize {
			chunks = append(chunks, strings.TrimSpace(current.String()))

			// Start new chunk with overlap
			text := current.String()
			current.Reset()
			if len(text) > overlap {
				current.WriteString(text[len(text)-overlap:])
			}
		}

		current.WriteString(line)
		current.WriteString("\n")
	}

	// A short tail is folded into the previous chunk
	text := strings.TrimSpace(current.String())
	switch {
	case text == "":
	case len(chunks) == 0 || current.Len() >= minSize:
		chunks = append(chunks, text)
	default:
		chunks[len(chunks)-1] += "\n" + text[min(overlap, len(text)):]
	}
	return chunks
}
