package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// OpenAIProvider implements EmbeddingProvider for OpenAI
type OpenAIProvider struct {
	client    openai.Client
	model     openai.EmbeddingModel
	dimension int
}

// NewOpenAIProvider creates a new OpenAI embedding provider. A zero
// dimension selects the model's native size.
func NewOpenAIProvider(apiKey, modelName string, dimension int) *OpenAIProvider {
	model := openai.EmbeddingModel(modelName)
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Small
	}
	if dimension <= 0 {
		dimension = 1536 // text-embedding-3-small and ada-002
		if model == openai.EmbeddingModelTextEmbedding3Large {
			dimension = 3072
		}
	}

	return &OpenAIProvider{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		dimension: dimension,
	}
}

func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (p *OpenAIProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: p.model,
	}
	if p.model != openai.EmbeddingModelTextEmbeddingAda002 {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to call OpenAI API: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("OpenAI returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || int(data.Index) >= len(texts) {
			return nil, fmt.Errorf("OpenAI returned out-of-range index %d", data.Index)
		}
		vec := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vec[i] = float32(v)
		}
		embeddings[data.Index] = vec
	}
	return embeddings, nil
}

// CachedProvider memoizes embeddings in memory, keyed by content hash.
type CachedProvider struct {
	inner EmbeddingProvider
	cache *ristretto.Cache
}

// NewCachedProvider wraps inner with a ristretto cache bounded to maxCost
// bytes of embeddings.
func NewCachedProvider(inner EmbeddingProvider, maxCost int64) (*CachedProvider, error) {
	if inner == nil {
		return nil, errors.New("embedding provider is required")
	}
	if maxCost <= 0 {
		maxCost = 64 << 20
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedProvider{inner: inner, cache: cache}, nil
}

func (p *CachedProvider) Dimension() int {
	return p.inner.Dimension()
}

func (p *CachedProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := contentHash(text)
	if v, ok := p.cache.Get(key); ok {
		return v.([]float32), nil
	}

	emb, err := p.inner.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Set(key, emb, int64(len(emb)*4))
	return emb, nil
}

func (p *CachedProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if v, ok := p.cache.Get(contentHash(text)); ok {
			out[i] = v.([]float32)
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	embs, err := p.inner.GenerateEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, emb := range embs {
		out[missingIdx[j]] = emb
		p.cache.Set(contentHash(missing[j]), emb, int64(len(emb)*4))
	}
	return out, nil
}

// Wait blocks until pending cache writes are visible.
func (p *CachedProvider) Wait() {
	p.cache.Wait()
}

// Close releases the cache.
func (p *CachedProvider) Close() {
	p.cache.Close()
}

func contentHash(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}
