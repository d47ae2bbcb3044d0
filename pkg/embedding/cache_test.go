package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	inner  Embedder
	single atomic.Int32
	batch  atomic.Int32
	fail   bool
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.single.Add(1)
	if c.fail {
		return nil, ErrEmbedding
	}
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batch.Add(int32(len(texts)))
	if c.fail {
		return nil, ErrEmbedding
	}
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *countingEmbedder) Dimension() int { return c.inner.Dimension() }

func TestCachedEmbedderServesRepeatsFromCache(t *testing.T) {
	next := &countingEmbedder{inner: NewHashEmbedder(16, 0)}
	cached, err := NewCachedEmbedder(next, 100)
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	first, err := cached.Embed(ctx, "aisle seat")
	require.NoError(t, err)
	cached.Wait()

	second, err := cached.Embed(ctx, "aisle seat")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), next.single.Load())
	assert.Equal(t, 16, cached.Dimension())
}

func TestCachedEmbedderBatchOnlySendsMisses(t *testing.T) {
	next := &countingEmbedder{inner: NewHashEmbedder(16, 0)}
	cached, err := NewCachedEmbedder(next, 100)
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	_, err = cached.EmbedBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	cached.Wait()

	vecs, err := cached.EmbedBatch(ctx, []string{"a", "c", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	assert.Equal(t, int32(3), next.batch.Load())
	want, _ := NewHashEmbedder(16, 0).Embed(ctx, "c")
	assert.Equal(t, want, vecs[1])
}

func TestCachedEmbedderDoesNotCacheFailures(t *testing.T) {
	next := &countingEmbedder{inner: NewHashEmbedder(16, 0), fail: true}
	cached, err := NewCachedEmbedder(next, 100)
	require.NoError(t, err)
	defer cached.Close()

	_, err = cached.Embed(context.Background(), "x")
	assert.True(t, errors.Is(err, ErrEmbedding))
	cached.Wait()

	_, err = cached.Embed(context.Background(), "x")
	assert.Error(t, err)
	assert.Equal(t, int32(2), next.single.Load())
}
