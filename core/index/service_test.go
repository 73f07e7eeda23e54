package index

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/satchel-app/satchel/core/config"
	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/indexstate"
	"github.com/satchel-app/satchel/core/library"
	"github.com/satchel-app/satchel/core/storage"
	"github.com/satchel-app/satchel/core/vector"
	"github.com/satchel-app/satchel/core/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder produces a deterministic vector per text and counts calls,
// so tests can assert which content was (re-)embedded.
type stubEmbedder struct {
	calls atomic.Int64
	fail  error
}

func (e *stubEmbedder) Dimension() int  { return 4 }
func (e *stubEmbedder) ModelID() string { return "stub" }

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.fail != nil {
		return nil, e.fail
	}
	vec := make([]float32, 4)
	for i, b := range []byte(text) {
		vec[i%4] += float32(b)
	}
	return vec, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

type indexFixture struct {
	pool     *database.Pool
	registry *indexstate.Registry
	notes    *library.NoteRepo
	mindmaps *library.MindMapRepo
	exams    *library.ExamRepo
	embedder *stubEmbedder
	vectors  *vector.Manager
	service  *Service
}

func newIndexFixture(t *testing.T) *indexFixture {
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
	service := NewService(pool, res, items, registry, vectors, embedder, nil,
		nil, func() *config.Config { return cfg }, logger)

	return &indexFixture{
		pool:     pool,
		registry: registry,
		notes:    library.NewNoteRepo(pool, res, items, folders, registry, logger),
		mindmaps: library.NewMindMapRepo(pool, res, items, folders, registry, logger),
		exams:    library.NewExamRepo(pool, res, items, registry, logger),
		embedder: embedder,
		vectors:  vectors,
		service:  service,
	}
}

func (f *indexFixture) state(t *testing.T, resourceID string) *indexstate.Entry {
	t.Helper()
	entry, err := f.registry.Get(context.Background(), resourceID)
	require.NoError(t, err)
	return entry
}

func (f *indexFixture) search(t *testing.T, query string) []vector.SearchResult {
	t.Helper()
	store, err := f.vectors.Get(LibraryTable)
	require.NoError(t, err)
	hits, err := store.HybridSearch(context.Background(), query, nil, vector.SearchOptions{Limit: 10})
	require.NoError(t, err)
	return hits
}

func TestDrainIndexesPendingNote(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	note, err := f.notes.Create(ctx, library.CreateNoteParams{Title: "Thermo", Content: "entropy never decreases in a closed system"})
	require.NoError(t, err)
	require.Equal(t, indexstate.StatePending, f.state(t, note.ResourceID).State)

	drained, err := f.service.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained)

	entry := f.state(t, note.ResourceID)
	assert.Equal(t, indexstate.StateIndexed, entry.State)
	assert.NotEmpty(t, entry.LastHash)

	hits := f.search(t, "entropy")
	require.Len(t, hits, 1)
	assert.Equal(t, note.ResourceID, hits[0].ResourceID)
}

func TestUpdateReindexesWithNewHash(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	note, err := f.notes.Create(ctx, library.CreateNoteParams{Title: "Plan", Content: "first the groundwork"})
	require.NoError(t, err)
	_, err = f.service.DrainOnce(ctx)
	require.NoError(t, err)
	firstHash := f.state(t, note.ResourceID).LastHash

	content := "then the actual experiment"
	updated, err := f.notes.Update(ctx, note.ID, library.UpdateNoteParams{Content: &content})
	require.NoError(t, err)
	require.Equal(t, indexstate.StatePending, f.state(t, updated.ResourceID).State)

	_, err = f.service.DrainOnce(ctx)
	require.NoError(t, err)

	entry := f.state(t, updated.ResourceID)
	assert.Equal(t, indexstate.StateIndexed, entry.State)
	assert.NotEqual(t, firstHash, entry.LastHash)

	assert.Empty(t, f.search(t, "groundwork"))
	assert.Len(t, f.search(t, "experiment"), 1)
}

func TestIndexResourceSynchronous(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	note, err := f.notes.Create(ctx, library.CreateNoteParams{Title: "Memo", Content: "prefers spaced repetition"})
	require.NoError(t, err)

	require.NoError(t, f.service.IndexResource(ctx, note.ResourceID))
	assert.Equal(t, indexstate.StateIndexed, f.state(t, note.ResourceID).State)
	assert.Len(t, f.search(t, "repetition"), 1)
}

func TestIndexResourceSkipsUnclaimable(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	note, err := f.notes.Create(ctx, library.CreateNoteParams{Title: "N", Content: "body"})
	require.NoError(t, err)
	require.NoError(t, f.registry.MarkDisabled(ctx, note.ResourceID, "opted out"))

	require.NoError(t, f.service.IndexResource(ctx, note.ResourceID))
	assert.Equal(t, indexstate.StateDisabled, f.state(t, note.ResourceID).State)
}

func TestDeletedOwnerDropsVectors(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	note, err := f.notes.Create(ctx, library.CreateNoteParams{Title: "Gone", Content: "soon to vanish"})
	require.NoError(t, err)
	_, err = f.service.DrainOnce(ctx)
	require.NoError(t, err)
	require.Len(t, f.search(t, "vanish"), 1)

	require.NoError(t, f.notes.Delete(ctx, note.ID))
	require.NoError(t, f.registry.MarkPending(ctx, note.ResourceID))
	_, err = f.service.DrainOnce(ctx)
	require.NoError(t, err)

	assert.Empty(t, f.search(t, "vanish"))
	assert.Equal(t, indexstate.StateIndexed, f.state(t, note.ResourceID).State)
}

func TestMindMapIndexesNodeText(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	doc := `{"text":"Biology","children":[{"text":"photosynthesis","note":"light reactions"}]}`
	mm, err := f.mindmaps.Create(ctx, library.CreateMindMapParams{Title: "Bio map", Content: doc})
	require.NoError(t, err)

	_, err = f.service.DrainOnce(ctx)
	require.NoError(t, err)

	hits := f.search(t, "photosynthesis")
	require.Len(t, hits, 1)
	assert.Equal(t, mm.ResourceID, hits[0].ResourceID)
}

func TestPersistentFailureMarksFailed(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	note, err := f.notes.Create(ctx, library.CreateNoteParams{Title: "N", Content: "body text"})
	require.NoError(t, err)

	f.embedder.fail = errors.LLM("embedding rejected", nil)
	_, err = f.service.DrainOnce(ctx)
	require.NoError(t, err)

	entry := f.state(t, note.ResourceID)
	assert.Equal(t, indexstate.StateFailed, entry.State)
	assert.Contains(t, entry.LastError, "embedding rejected")

	// The failure is sticky until an explicit re-queue.
	f.embedder.fail = nil
	drained, err := f.service.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, drained)

	require.NoError(t, f.registry.MarkPending(ctx, note.ResourceID))
	_, err = f.service.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, indexstate.StateIndexed, f.state(t, note.ResourceID).State)
}

func TestExamPagesIndexIncrementally(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	sheet, err := f.exams.Create(ctx, library.CreateExamParams{ExamName: "Midterm", Payload: []byte("%PDF-fake")})
	require.NoError(t, err)

	p0 := "solve for x in 2x + 3 = 11"
	p1 := "name the powerhouse of the cell"
	preview := &library.ExamPreview{Pages: []library.ExamPreviewPage{
		{PageIndex: 0, BlobHash: "aa00", MimeType: "image/png"},
		{PageIndex: 1, BlobHash: "bb11", MimeType: "image/png"},
	}}
	require.NoError(t, f.exams.CompleteRecognition(ctx, sheet.ID, preview, []*string{&p0, &p1}))

	_, err = f.service.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, indexstate.StateIndexed, f.state(t, sheet.ResourceID).State)
	assert.Len(t, f.search(t, "powerhouse"), 1)
	embedsAfterFirst := f.embedder.calls.Load()

	// Re-queue with unchanged blob hashes: every page skips.
	require.NoError(t, f.registry.MarkPending(ctx, sheet.ResourceID))
	_, err = f.service.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, embedsAfterFirst, f.embedder.calls.Load())
	assert.Equal(t, indexstate.StateIndexed, f.state(t, sheet.ResourceID).State)
}

func TestRequeueStale(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	note, err := f.notes.Create(ctx, library.CreateNoteParams{Title: "S", Content: "original"})
	require.NoError(t, err)
	_, err = f.service.DrainOnce(ctx)
	require.NoError(t, err)

	// Simulate hash drift without going through the repo.
	_, err = f.pool.Exec(ctx, "UPDATE index_states SET last_hash = 'stale' WHERE resource_id = ?", note.ResourceID)
	require.NoError(t, err)

	n, err := f.service.RequeueStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, indexstate.StatePending, f.state(t, note.ResourceID).State)
}

func TestWorkerNotifyNeverBlocks(t *testing.T) {
	f := newIndexFixture(t)
	w := NewWorker(f.service, slog.Default())
	for i := 0; i < 10; i++ {
		w.Notify()
	}
}
