package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanPool(t *testing.T) {
	pooled, err := MeanPool([][]float32{
		{1, 0, 0},
		{0, 1, 0},
	})
	require.NoError(t, err)
	require.Len(t, pooled, 3)

	// Equal contributions, unit length.
	assert.InDelta(t, pooled[0], pooled[1], 1e-6)
	assert.InDelta(t, 1.0, norm(pooled), 1e-5)

	_, err = MeanPool(nil)
	require.Error(t, err)

	_, err = MeanPool([][]float32{{1, 0}, {1, 0, 0}})
	require.Error(t, err)
}

func TestMeanPoolSingleVectorPassthrough(t *testing.T) {
	v := []float32{0.5, 0.5}
	pooled, err := MeanPool([][]float32{v})
	require.NoError(t, err)
	assert.Equal(t, v, pooled)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-5)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-5)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-5)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestHashEmbedderDeterministic(t *testing.T) {
	h := newHashEmbedder(128)

	a := h.embed("the second law of thermodynamics")
	b := h.embed("the second law of thermodynamics")
	assert.Equal(t, a, b)

	c := h.embed("completely different content")
	assert.NotEqual(t, a, c)

	// Similar texts land closer than unrelated ones.
	similar := h.embed("the second law of thermodynamic")
	assert.Greater(t, Cosine(a, similar), Cosine(a, c))
}

func TestLocalEmbedderFallsBackUnloaded(t *testing.T) {
	e, err := NewLocalEmbedder(LocalConfig{CacheDir: t.TempDir(), Dimension: 64})
	require.NoError(t, err)
	defer e.Close()

	assert.False(t, e.Ready())
	vec, err := e.Embed(context.Background(), "offline text")
	require.NoError(t, err)
	require.Len(t, vec, 64)
	assert.InDelta(t, 1.0, norm(vec), 1e-5)
}

type countingEmbedder struct {
	calls int
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls++
	return []float32{float32(len(text)), 1}, nil
}

func (c *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	c.calls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func (c *countingEmbedder) Dimension() int  { return 2 }
func (c *countingEmbedder) ModelID() string { return "counting" }

func TestCachedEmbedderDedupes(t *testing.T) {
	inner := &countingEmbedder{}
	cached, err := NewCachedEmbedder(inner, 16)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cached.Embed(ctx, "hello")
	require.NoError(t, err)
	_, err = cached.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	// Batch only fetches the cold entry.
	vecs, err := cached.EmbedBatch(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, 2, inner.calls)

	vecs, err = cached.EmbedBatch(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, 2, inner.calls)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
