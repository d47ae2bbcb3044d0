// Package embedding turns text into dense vectors for similarity search.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/harun/tripmate/internal/config"
)

var (
	// ErrEmbedding wraps every embedding failure.
	ErrEmbedding = errors.New("embedding failed")
	// ErrInputTooLong is returned for input over the configured rune limit.
	ErrInputTooLong = fmt.Errorf("%w: input too long", ErrEmbedding)
)

// Embedder generates vector embeddings from text
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// NewFromConfig builds the configured embedder, wrapped in a cache when
// cache_size is positive.
func NewFromConfig(cfg *config.Config) (Embedder, error) {
	var base Embedder
	switch cfg.Embedding.Provider {
	case "", "hash":
		base = NewHashEmbedder(cfg.Embedding.Dimension, cfg.Embedding.MaxInputRunes)
	case "openai":
		key := ""
		for _, p := range cfg.AI.Profiles {
			if p.Provider == "openai" {
				key = p.APIKey
				break
			}
		}
		if key == "" {
			return nil, fmt.Errorf("openai embeddings require an openai AI profile")
		}
		base = NewOpenAIEmbedder(OpenAIConfig{
			APIKey:        key,
			Model:         cfg.Embedding.Model,
			Dimension:     cfg.Embedding.Dimension,
			MaxInputRunes: cfg.Embedding.MaxInputRunes,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Embedding.Provider)
	}

	if cfg.Embedding.CacheSize <= 0 {
		return base, nil
	}
	return NewCachedEmbedder(base, cfg.Embedding.CacheSize)
}

func checkInput(text string, maxRunes int) error {
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		return fmt.Errorf("%w: %d runes (max %d)", ErrInputTooLong, utf8.RuneCountInString(text), maxRunes)
	}
	return nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector is empty, zero or of a different length.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// normalize converts an embedding to a unit vector.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}

	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}
