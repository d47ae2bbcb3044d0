package embedding

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64, 0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "window seat please")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "window seat please")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-6)
}

func TestHashEmbedderSharedVocabularyScoresHigher(t *testing.T) {
	e := NewHashEmbedder(256, 0)
	ctx := context.Background()

	query, _ := e.Embed(ctx, "hotel budget per night")
	related, _ := e.Embed(ctx, "The hotel budget is 150 USD per night")
	unrelated, _ := e.Embed(ctx, "Cab receipts must be submitted within a week")

	assert.Greater(t, CosineSimilarity(query, related), CosineSimilarity(query, unrelated))
}

func TestHashEmbedderNeverZero(t *testing.T) {
	e := NewHashEmbedder(32, 0)

	for _, text := range []string{"", "!!!", "   "} {
		vec, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.False(t, isZero(vec), "vector for %q", text)
	}
}

func TestHashEmbedderInputTooLong(t *testing.T) {
	e := NewHashEmbedder(32, 10)

	_, err := e.Embed(context.Background(), strings.Repeat("a", 11))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInputTooLong))
	assert.True(t, errors.Is(err, ErrEmbedding))

	_, err = e.Embed(context.Background(), strings.Repeat("é", 10))
	assert.NoError(t, err)
}

func TestHashEmbedderCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHashEmbedder(8, 0).Embed(ctx, "x")
	assert.ErrorIs(t, err, ErrEmbedding)
}

func TestHashEmbedderBatch(t *testing.T) {
	e := NewHashEmbedder(16, 0)
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	single, _ := e.Embed(context.Background(), "b")
	assert.Equal(t, single, vecs[1])
}

func TestCosineSimilarityEdgeCases(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}
