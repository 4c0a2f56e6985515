package vectorindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	openai "github.com/sashabaranov/go-openai"
)

// EmbeddingsClient is the subset of *openai.Client used for embeddings.
type EmbeddingsClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIEmbedder embeds text with an OpenAI-compatible embeddings endpoint,
// caching vectors by text hash in an LRU.
type OpenAIEmbedder struct {
	client EmbeddingsClient
	model  openai.EmbeddingModel
	cache  *lru.Cache
}

// NewOpenAIEmbedder returns an embedder using model. cacheSize <= 0 disables
// the cache.
func NewOpenAIEmbedder(client EmbeddingsClient, model string, cacheSize int) (*OpenAIEmbedder, error) {
	e := &OpenAIEmbedder{client: client, model: openai.EmbeddingModel(model)}
	if cacheSize > 0 {
		cache, err := lru.New(cacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating embedding cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// Embed returns the embedding vector for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text. Cached texts are served locally;
// the rest go out in a single request.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := e.cached(t); ok {
			results[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: missing,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Data) != len(missing) {
		return nil, fmt.Errorf("embedding response has %d vectors, want %d", len(resp.Data), len(missing))
	}
	for pos, d := range resp.Data {
		// Data is ordered by Index; fall back to position if it is out of range.
		j := d.Index
		if j < 0 || j >= len(missing) {
			j = pos
		}
		results[missingIdx[j]] = d.Embedding
		e.store(missing[j], d.Embedding)
	}
	for i, v := range results {
		if v == nil {
			return nil, fmt.Errorf("no embedding returned for text %d", i)
		}
	}
	return results, nil
}

func (e *OpenAIEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(string(e.model) + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (e *OpenAIEmbedder) cached(text string) ([]float32, bool) {
	if e.cache == nil {
		return nil, false
	}
	v, ok := e.cache.Get(e.cacheKey(text))
	if !ok {
		return nil, false
	}
	return v.([]float32), true
}

func (e *OpenAIEmbedder) store(text string, v []float32) {
	if e.cache != nil {
		e.cache.Add(e.cacheKey(text), v)
	}
}
