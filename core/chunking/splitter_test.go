package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSplitter(t *testing.T, config Config) *Splitter {
	t.Helper()
	s, err := NewSplitter(config, ApproximateCounter{})
	require.NoError(t, err)
	return s
}

func TestSplitEmptyContent(t *testing.T) {
	s := newTestSplitter(t, DefaultConfig())

	chunks, err := s.Split("   \n\n  ")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplitSmallContentSingleChunk(t *testing.T) {
	s := newTestSplitter(t, DefaultConfig())

	chunks, err := s.Split("One short paragraph.")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "One short paragraph.", chunks[0].Content)
}

func TestSplitPacksParagraphsToTarget(t *testing.T) {
	s := newTestSplitter(t, Config{TargetSize: 20, Overlap: 0, MinChunk: 0})

	para := strings.Repeat("word ", 12) // ~15 tokens
	content := para + "\n\n" + para + "\n\n" + para
	chunks, err := s.Split(content)
	require.NoError(t, err)

	// Each paragraph alone fits but two together exceed the target.
	assert.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, c.TokenCount, 20)
	}
}

func TestSplitOversizedParagraphFallsBackToSentences(t *testing.T) {
	s := newTestSplitter(t, Config{TargetSize: 10, Overlap: 0, MinChunk: 0})

	content := "First sentence here. Second sentence here. Third sentence here. Fourth sentence here."
	chunks, err := s.Split(content)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(c.Content))
	}
}

func TestSplitMergesUndersizedTail(t *testing.T) {
	s := newTestSplitter(t, Config{TargetSize: 20, Overlap: 0, MinChunk: 10})

	big := strings.Repeat("word ", 16)
	tiny := "End."
	chunks, err := s.Split(big + "\n\n" + tiny)
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "End.")
}

func TestSplitOverlapCarriesTail(t *testing.T) {
	s := newTestSplitter(t, Config{TargetSize: 15, Overlap: 4, MinChunk: 0})

	para := strings.Repeat("alpha ", 10)
	chunks, err := s.Split(para + "\n\n" + para)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)

	// The second chunk starts with text repeated from the first.
	assert.True(t, strings.HasPrefix(chunks[1].Content, "alpha"))
	assert.Greater(t, chunks[1].TokenCount, 10)
}

func TestSplitCJKSentences(t *testing.T) {
	s := newTestSplitter(t, Config{TargetSize: 8, Overlap: 0, MinChunk: 0})

	chunks, err := s.Split("熵永远不会减少。这是热力学第二定律。能量守恒是第一定律。")
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
}

func TestSplitForModelResegments(t *testing.T) {
	s := newTestSplitter(t, Config{TargetSize: 100, Overlap: 0, MinChunk: 0})

	chunks := []Chunk{
		{Index: 0, Content: "Short one.", TokenCount: 3},
		{Index: 1, Content: "First sentence here. Second sentence here. Third sentence here.", TokenCount: 48},
	}
	groups, err := s.SplitForModel(chunks, 8)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Len(t, groups[0], 1)
	assert.Greater(t, len(groups[1]), 1)
	for _, sub := range groups[1] {
		// Sub-chunks keep the parent index for mean-pool regrouping.
		assert.Equal(t, 1, sub.Index)
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := NewSplitter(Config{TargetSize: 0}, nil)
	require.Error(t, err)

	_, err = NewSplitter(Config{TargetSize: 10, Overlap: 10}, nil)
	require.Error(t, err)

	_, err = NewSplitter(Config{TargetSize: 10, Overlap: 2, MinChunk: -1}, nil)
	require.Error(t, err)
}

func TestApproximateCounter(t *testing.T) {
	c := ApproximateCounter{}
	assert.Zero(t, c.Count(""))
	assert.Equal(t, 1, c.Count("a"))
	assert.Equal(t, 3, c.Count("熵增加"))
}
