package embed

import (
	"context"
	"time"

	"github.com/OFFIS-RIT/okapi/internal/util"
	"github.com/OFFIS-RIT/okapi/pkg/ai"
	"github.com/OFFIS-RIT/okapi/pkg/logger"
	"github.com/OFFIS-RIT/okapi/pkg/store"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 4096

// Embedder wraps an embedding provider with a two-level cache: an
// in-process LRU in front of the persisted side table keyed by
// sha256(text) and provider tag. A nil provider disables embeddings
// entirely; retrieval then falls back to structural and lexical signals.
type Embedder struct {
	provider    ai.GraphAIClient
	providerTag string
	sideTable   store.GraphStore
	cache       *lru.Cache[string, []float32]
	maxRetries  int
	timeout     time.Duration
}

// NewEmbedderParams configures an Embedder. SideTable may be nil for a
// purely in-memory cache (tests); Provider may be nil to disable.
type NewEmbedderParams struct {
	Provider    ai.GraphAIClient
	ProviderTag string
	SideTable   store.GraphStore
	CacheSize   int
	MaxRetries  int
	Timeout     time.Duration
}

func NewEmbedder(params NewEmbedderParams) *Embedder {
	size := params.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, _ := lru.New[string, []float32](size)

	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Embedder{
		provider:    params.Provider,
		providerTag: params.ProviderTag,
		sideTable:   params.SideTable,
		cache:       cache,
		maxRetries:  maxRetries,
		timeout:     timeout,
	}
}

// Enabled reports whether a provider is configured.
func (e *Embedder) Enabled() bool {
	return e.provider != nil
}

// EmbedTexts returns one vector per input, aligned by index. Cache hits
// never touch the provider. On final provider failure the result is
// all-empty vectors plus the error; callers treat this as a degraded
// success and tag affected nodes instead of failing ingestion.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 || !e.Enabled() {
		return out, nil
	}

	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		hash := util.HashText(text)
		if vec, ok := e.cache.Get(e.cacheKey(hash)); ok {
			out[i] = vec
			continue
		}
		if e.sideTable != nil {
			if vec, ok, err := e.sideTable.GetCachedEmbedding(ctx, e.providerTag, hash); err == nil && ok {
				e.cache.Add(e.cacheKey(hash), vec)
				out[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := util.RetryWithBackoff(ctx, e.maxRetries, 500*time.Millisecond,
		func(ctx context.Context) ([][]float32, error) {
			callCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			return e.provider.GenerateEmbeddings(callCtx, missTexts)
		})
	if err != nil {
		logger.Warn("Embedding provider failed, returning empty vectors", "err", err, "count", len(missTexts))
		return make([][]float32, len(texts)), err
	}

	for j, idx := range missIdx {
		var vec []float32
		if j < len(vectors) {
			vec = vectors[j]
		}
		out[idx] = vec
		if len(vec) == 0 {
			continue
		}
		hash := util.HashText(missTexts[j])
		e.cache.Add(e.cacheKey(hash), vec)
		if e.sideTable != nil {
			if err := e.sideTable.PutCachedEmbedding(ctx, e.providerTag, hash, vec); err != nil {
				logger.Debug("Failed to persist embedding cache entry", "err", err)
			}
		}
	}

	return out, nil
}

func (e *Embedder) cacheKey(hash string) string {
	return e.providerTag + ":" + hash
}
