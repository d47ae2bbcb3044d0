package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic, offline embedder. Each lower-cased word is
// hashed into a signed bucket so texts sharing vocabulary land close together.
type HashEmbedder struct {
	dimension     int
	maxInputRunes int
}

// NewHashEmbedder creates a hashing embedder. A non-positive dimension
// defaults to 256.
func NewHashEmbedder(dimension, maxInputRunes int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashEmbedder{dimension: dimension, maxInputRunes: maxInputRunes}
}

func (h *HashEmbedder) Dimension() int {
	return h.dimension
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	if err := checkInput(text, h.maxInputRunes); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for _, w := range words {
		f := fnv.New64a()
		f.Write([]byte(w))
		sum := f.Sum64()
		bucket := int(sum % uint64(h.dimension))
		if sum&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	if isZero(vec) {
		// No usable vocabulary: seed an LCG from the raw text so the vector is never zero.
		seedVector(vec, text)
	}
	return normalize(vec), nil
}

func seedVector(vec []float32, text string) {
	f := fnv.New64a()
	f.Write([]byte(text))
	seed := f.Sum64()
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
