package retrieval

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satchel-app/satchel/core/config"
	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/index"
	"github.com/satchel-app/satchel/core/indexstate"
	"github.com/satchel-app/satchel/core/library"
	"github.com/satchel-app/satchel/core/memory"
	"github.com/satchel-app/satchel/core/storage"
	"github.com/satchel-app/satchel/core/vector"
	"github.com/satchel-app/satchel/core/vfs"
)

type stubEmbedder struct{}

func (e *stubEmbedder) Dimension() int  { return 4 }
func (e *stubEmbedder) ModelID() string { return "stub" }

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 4)
	for i, b := range []byte(text) {
		vec[i%4] += float32(b)
	}
	return vec, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = e.Embed(ctx, text)
	}
	return out, nil
}

type stubWeb struct {
	calls atomic.Int64
}

func (w *stubWeb) Search(_ context.Context, query string, _ int) ([]Item, error) {
	w.calls.Add(1)
	return []Item{{Title: "result for " + query, URL: "https://example.com"}}, nil
}

type stubMemories struct {
	hits []*memory.Memory
}

func (m *stubMemories) Search(context.Context, string, int) ([]*memory.Memory, error) {
	return m.hits, nil
}

type reverseReranker struct{}

func (reverseReranker) Rerank(_ context.Context, _ string, passages []string) ([]float64, error) {
	scores := make([]float64, len(passages))
	for i := range passages {
		scores[i] = float64(i)
	}
	return scores, nil
}

type retrievalFixture struct {
	pool       *database.Pool
	settings   *config.Settings
	notes      *library.NoteRepo
	indexer    *index.Service
	web        *stubWeb
	memories   *stubMemories
	aggregator *Aggregator
}

func newRetrievalFixture(t *testing.T, reranker Reranker) *retrievalFixture {
	t.Helper()

	dirs := storage.DirsAt(t.TempDir())
	require.NoError(t, dirs.EnsureAll())

	manager := database.NewManager(dirs)
	pool, err := manager.Open("primary", database.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { manager.CloseAll() })
	require.NoError(t, database.NewMigrator(pool, database.PrimaryMigrations()).Migrate(context.Background()))

	res := vfs.NewResourceStore(dirs)
	folders := vfs.NewFolderStore(pool)
	items := vfs.NewItemStore(pool)
	registry := indexstate.NewRegistry(pool)
	logger := slog.Default()

	vectors := vector.NewManager(dirs.VectorDir(), nil, logger)
	t.Cleanup(func() { vectors.CloseAll() })

	embedder := &stubEmbedder{}
	cfg := config.DefaultConfig()
	indexer := index.NewService(pool, res, items, registry, vectors, embedder, nil,
		nil, func() *config.Config { return cfg }, logger)

	web := &stubWeb{}
	memories := &stubMemories{}
	settings := config.NewSettings(pool)

	aggregator, err := NewAggregator(Deps{
		Pool:     pool,
		Vectors:  vectors,
		Embedder: embedder,
		Memories: memories,
		Web:      web,
		Reranker: reranker,
		Settings: settings,
		Logger:   logger,
	})
	require.NoError(t, err)
	t.Cleanup(aggregator.Close)

	return &retrievalFixture{
		pool:       pool,
		settings:   settings,
		notes:      library.NewNoteRepo(pool, res, items, folders, registry, logger),
		indexer:    indexer,
		web:        web,
		memories:   memories,
		aggregator: aggregator,
	}
}

func (f *retrievalFixture) seedNote(t *testing.T, title, content string) *library.Note {
	t.Helper()
	note, err := f.notes.Create(context.Background(), library.CreateNoteParams{Title: title, Content: content})
	require.NoError(t, err)
	require.NoError(t, f.indexer.IndexResource(context.Background(), note.ResourceID))
	return note
}

func TestEntityLegMatchesTitleAndContent(t *testing.T) {
	f := newRetrievalFixture(t, nil)
	note := f.seedNote(t, "Thermodynamics", "The law of entropy growth.")

	result, err := f.aggregator.Retrieve(context.Background(), Request{Query: "Thermo"})
	require.NoError(t, err)
	require.NotEmpty(t, result.Entities)
	assert.Equal(t, note.ID, result.Entities[0].ID)
	assert.Equal(t, library.KindNote, result.Entities[0].Kind)
	assert.Equal(t, 1.0, result.Entities[0].Score, "title match scores full weight")

	result, err = f.aggregator.Retrieve(context.Background(), Request{Query: "entropy"})
	require.NoError(t, err)
	require.NotEmpty(t, result.Entities)
	assert.Equal(t, note.ID, result.Entities[0].ID)
	assert.Equal(t, entityMatchWeight, result.Entities[0].Score, "payload-only match scores half")
}

func TestEntityLegEscapesWildcards(t *testing.T) {
	f := newRetrievalFixture(t, nil)
	f.seedNote(t, "Progress", "The project is 100% complete.")

	result, err := f.aggregator.Retrieve(context.Background(), Request{Query: "100%"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Entities)

	result, err = f.aggregator.Retrieve(context.Background(), Request{Query: "zzz% complete"})
	require.NoError(t, err)
	assert.Empty(t, result.Entities, "percent must not act as a wildcard")
}

func TestVectorLegReturnsChunks(t *testing.T) {
	f := newRetrievalFixture(t, nil)
	f.seedNote(t, "Biology", "Mitochondria are the powerhouse of the cell.")

	result, err := f.aggregator.Retrieve(context.Background(), Request{Query: "powerhouse"})
	require.NoError(t, err)
	require.NotEmpty(t, result.Chunks)
	assert.Equal(t, SourceVector, result.Chunks[0].Source)
	assert.Contains(t, result.Chunks[0].Snippet, "powerhouse")
}

func TestMemoryLegIsIncluded(t *testing.T) {
	f := newRetrievalFixture(t, nil)
	f.memories.hits = []*memory.Memory{{
		NoteID:  "m1",
		Title:   "diet",
		Content: "User prefers vegetarian meals.",
		Score:   0.8,
	}}

	result, err := f.aggregator.Retrieve(context.Background(), Request{Query: "vegetarian"})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	assert.Equal(t, SourceMemory, result.Memories[0].Source)
	assert.Equal(t, "m1", result.Memories[0].ID)
}

func TestCacheServesRepeatQueries(t *testing.T) {
	f := newRetrievalFixture(t, nil)

	req := Request{Query: "anything", IncludeWeb: true}
	first, err := f.aggregator.Retrieve(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, first.Web, 1)
	require.EqualValues(t, 1, f.web.calls.Load())

	second, err := f.aggregator.Retrieve(context.Background(), req)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, f.web.calls.Load(), "repeat within TTL is served from cache")

	f.aggregator.Invalidate()
	_, err = f.aggregator.Retrieve(context.Background(), req)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.web.calls.Load())
}

func TestPrivacyModeSkipsWeb(t *testing.T) {
	f := newRetrievalFixture(t, nil)
	require.NoError(t, f.settings.SetBool(context.Background(), config.KeyPrivacyMode, true))

	result, err := f.aggregator.Retrieve(context.Background(), Request{Query: "anything", IncludeWeb: true})
	require.NoError(t, err)
	assert.Empty(t, result.Web)
	assert.EqualValues(t, 0, f.web.calls.Load())
}

func TestRerankerReordersChunks(t *testing.T) {
	f := newRetrievalFixture(t, reverseReranker{})
	f.seedNote(t, "Cells", "Mitochondria are the powerhouse of the cell.")
	f.seedNote(t, "Plants", "Photosynthesis converts light into chemical energy. The powerhouse analogy fits chloroplasts too.")

	result, err := f.aggregator.Retrieve(context.Background(), Request{Query: "powerhouse"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(result.Chunks), 2)
	// The stub scores later passages higher, so order must be reversed.
	assert.Greater(t, result.Chunks[0].Score, result.Chunks[len(result.Chunks)-1].Score)
	assert.EqualValues(t, float64(len(result.Chunks)-1), result.Chunks[0].Score)
}
