package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/harun/tripmate/internal/observability"
)

// CachedEmbedder memoizes another embedder keyed by the sha256 of the text.
type CachedEmbedder struct {
	next  Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps next with a cache holding roughly maxEntries vectors.
func NewCachedEmbedder(next Embedder, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// Cost is counted in entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	observability.EnsureRegistered()
	return &CachedEmbedder{next: next, cache: cache}, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) Dimension() int {
	return c.next.Dimension()
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		observability.RecordEmbeddingCache(true)
		return v.([]float32), nil
	}
	observability.RecordEmbeddingCache(false)

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, 1)
	return vec, nil
}

// EmbedBatch serves cached texts locally and sends only misses downstream.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, t := range texts {
		if v, ok := c.cache.Get(cacheKey(t)); ok {
			observability.RecordEmbeddingCache(true)
			out[i] = v.([]float32)
			continue
		}
		observability.RecordEmbeddingCache(false)
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.next.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		out[missingIdx[j]] = vec
		c.cache.Set(cacheKey(missing[j]), vec, 1)
	}
	return out, nil
}

// Wait blocks until buffered cache writes are applied.
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
