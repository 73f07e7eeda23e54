package embedding

import (
	"context"
	"math"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/viterin/vek/vek32"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelID() string
}

// VLMode selects how image pages are embedded.
type VLMode string

const (
	// VLModeDirect embeds the image bytes with a vision-language model.
	VLModeDirect VLMode = "vl_direct"

	// VLModeSummary describes the image with a VL model, then embeds the
	// description with the text model.
	VLModeSummary VLMode = "vl_summary"
)

// MeanPool averages several vectors into one and re-normalizes. Used to
// collapse sub-chunk embeddings of an oversized chunk.
func MeanPool(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, errors.InvalidArgument("mean pool of zero vectors")
	}
	if len(vectors) == 1 {
		return vectors[0], nil
	}

	dim := len(vectors[0])
	sum := make([]float32, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, errors.InvalidArgument("mean pool dimension mismatch: %d vs %d", dim, len(v))
		}
		vek32.Add_Inplace(sum, v)
	}
	vek32.MulNumber_Inplace(sum, 1/float32(len(vectors)))
	Normalize(sum)
	return sum, nil
}

// Normalize scales a vector to unit length in place. Zero vectors are
// left untouched.
func Normalize(v []float32) {
	norm := float32(math.Sqrt(float64(vek32.Dot(v, v))))
	if norm == 0 {
		return
	}
	vek32.MulNumber_Inplace(v, 1/norm)
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := math.Sqrt(float64(vek32.Dot(a, a)))
	nb := math.Sqrt(float64(vek32.Dot(b, b)))
	if na == 0 || nb == 0 {
		return 0
	}
	return vek32.Dot(a, b) / float32(na*nb)
}
