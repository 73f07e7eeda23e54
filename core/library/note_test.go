package library

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/indexstate"
	"github.com/satchel-app/satchel/core/storage"
	"github.com/satchel-app/satchel/core/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type libFixture struct {
	pool     *database.Pool
	res      *vfs.ResourceStore
	folders  *vfs.FolderStore
	items    *vfs.ItemStore
	registry *indexstate.Registry
	notes    *NoteRepo
	mindmaps *MindMapRepo
	essays   *EssayRepo
	exams    *ExamRepo
	files    *FileRepo
}

func newLibFixture(t *testing.T) *libFixture {
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

	return &libFixture{
		pool:     pool,
		res:      res,
		folders:  folders,
		items:    items,
		registry: registry,
		notes:    NewNoteRepo(pool, res, items, folders, registry, logger),
		mindmaps: NewMindMapRepo(pool, res, items, folders, registry, logger),
		essays:   NewEssayRepo(pool, res, items, registry, logger),
		exams:    NewExamRepo(pool, res, items, registry, logger),
		files:    NewFileRepo(pool, res, items, registry, logger),
	}
}

func (f *libFixture) refCount(t *testing.T, resourceID string) int {
	t.Helper()
	var count int
	err := f.pool.QueryRow(context.Background(), "SELECT ref_count FROM resources WHERE id = ?", resourceID).Scan(&count)
	if err == sql.ErrNoRows {
		return -1
	}
	require.NoError(t, err)
	return count
}

func (f *libFixture) indexState(t *testing.T, resourceID string) string {
	t.Helper()
	entry, err := f.registry.Get(context.Background(), resourceID)
	if errors.IsKind(err, errors.KindNotFound) {
		return ""
	}
	require.NoError(t, err)
	return string(entry.State)
}

func TestNoteCreateQueuesIndexing(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	note, err := f.notes.Create(ctx, CreateNoteParams{Title: "Thermo", Content: "entropy never decreases"})
	require.NoError(t, err)
	assert.NotEmpty(t, note.ResourceID)
	assert.Equal(t, "pending", f.indexState(t, note.ResourceID))
	assert.Equal(t, 1, f.refCount(t, note.ResourceID))

	got, err := f.notes.Get(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, "entropy never decreases", got.Content)
}

func TestNoteCreateRejectsEmptyTitle(t *testing.T) {
	f := newLibFixture(t)

	_, err := f.notes.Create(context.Background(), CreateNoteParams{Title: "  ", Content: "body"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidArgument))
}

func TestNoteUpdateSnapshotsVersionBeforeRebind(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	note, err := f.notes.Create(ctx, CreateNoteParams{Title: "Draft", Content: "v1"})
	require.NoError(t, err)
	originalResource := note.ResourceID

	v2 := "v2"
	updated, err := f.notes.Update(ctx, note.ID, UpdateNoteParams{Content: &v2, VersionLabel: "first pass"})
	require.NoError(t, err)

	versions, err := f.notes.Versions(ctx, note.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "first pass", versions[0].Label)

	// The snapshot holds the old payload, the note the new one.
	snapshot, err := f.notes.VersionContent(ctx, versions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "v1", snapshot)

	current, err := f.notes.Get(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", current.Content)

	// Snapshot kept the original resource alive; the note moved on.
	assert.Equal(t, originalResource, versions[0].ResourceID)
	assert.NotEqual(t, originalResource, updated.ResourceID)
	assert.Equal(t, 1, f.refCount(t, originalResource))
	assert.Equal(t, "pending", f.indexState(t, updated.ResourceID))
}

func TestNoteUpdateSameContentSkipsVersion(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	note, err := f.notes.Create(ctx, CreateNoteParams{Title: "Draft", Content: "body"})
	require.NoError(t, err)

	same := "body"
	updated, err := f.notes.Update(ctx, note.ID, UpdateNoteParams{Content: &same})
	require.NoError(t, err)
	assert.Equal(t, note.ResourceID, updated.ResourceID)

	versions, err := f.notes.Versions(ctx, note.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestNoteOptimisticConflict(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	note, err := f.notes.Create(ctx, CreateNoteParams{Title: "Draft", Content: "body"})
	require.NoError(t, err)

	stale := "2000-01-01T00:00:00.000Z"
	title := "Renamed"
	_, err = f.notes.Update(ctx, note.ID, UpdateNoteParams{Title: &title, ExpectedUpdatedAt: &stale})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestNoteDeleteRestoreSync(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	folder, err := f.folders.Create(ctx, nil, "Inbox")
	require.NoError(t, err)
	note, err := f.notes.Create(ctx, CreateNoteParams{Title: "Keep", Content: "body", FolderID: &folder.ID})
	require.NoError(t, err)

	require.NoError(t, f.notes.Delete(ctx, note.ID))
	// Idempotent second delete.
	require.NoError(t, f.notes.Delete(ctx, note.ID))

	_, err = f.notes.Get(ctx, note.ID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	deleted, err := f.notes.ListDeleted(ctx)
	require.NoError(t, err)
	require.Len(t, deleted, 1)

	restored, err := f.notes.Restore(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, "Keep", restored.Title)
	assert.Equal(t, "pending", f.indexState(t, restored.ResourceID))

	folderID, err := f.items.FolderOf(ctx, KindNote, note.ID)
	require.NoError(t, err)
	require.NotNil(t, folderID)
	assert.Equal(t, folder.ID, *folderID)
}

func TestNoteRestoreRenamesOnCollision(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	first, err := f.notes.Create(ctx, CreateNoteParams{Title: "Plan", Content: "a"})
	require.NoError(t, err)
	require.NoError(t, f.notes.Delete(ctx, first.ID))

	_, err = f.notes.Create(ctx, CreateNoteParams{Title: "Plan", Content: "b"})
	require.NoError(t, err)

	restored, err := f.notes.Restore(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Plan (1)", restored.Title)
}

func TestNotePurgeReleasesResource(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	note, err := f.notes.Create(ctx, CreateNoteParams{Title: "Gone", Content: "v1"})
	require.NoError(t, err)
	v2 := "v2"
	_, err = f.notes.Update(ctx, note.ID, UpdateNoteParams{Content: &v2})
	require.NoError(t, err)

	versions, err := f.notes.Versions(ctx, note.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	require.NoError(t, f.notes.Delete(ctx, note.ID))
	require.NoError(t, f.notes.Purge(ctx, note.ID))

	// Both the snapshot resource and the live resource are gone.
	assert.Equal(t, -1, f.refCount(t, versions[0].ResourceID))

	var count int
	require.NoError(t, f.pool.QueryRow(ctx, "SELECT COUNT(*) FROM notes WHERE id = ?", note.ID).Scan(&count))
	assert.Zero(t, count)
	require.NoError(t, f.pool.QueryRow(ctx, "SELECT COUNT(*) FROM notes_versions WHERE note_id = ?", note.ID).Scan(&count))
	assert.Zero(t, count)
}

func TestNoteListFiltersAndEscapesLike(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	_, err := f.notes.Create(ctx, CreateNoteParams{Title: "100% done", Content: "progress report"})
	require.NoError(t, err)
	_, err = f.notes.Create(ctx, CreateNoteParams{Title: "10x plans", Content: "something else"})
	require.NoError(t, err)

	// A literal percent must not act as a wildcard.
	matches, err := f.notes.ListAdvanced(ctx, ListOptions{Keyword: "100%"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "100% done", matches[0].Title)
}

func TestNoteTagsAndFavorites(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	a, err := f.notes.Create(ctx, CreateNoteParams{Title: "A", Content: "x", Tags: []string{"math", "exam"}})
	require.NoError(t, err)
	_, err = f.notes.Create(ctx, CreateNoteParams{Title: "B", Content: "y", Tags: []string{"math"}})
	require.NoError(t, err)

	require.NoError(t, f.notes.SetFavorite(ctx, a.ID, true))

	favs, err := f.notes.ListAdvanced(ctx, ListOptions{FavoritesOnly: true})
	require.NoError(t, err)
	require.Len(t, favs, 1)
	assert.Equal(t, a.ID, favs[0].ID)

	tags, err := f.notes.ListTags(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, tags)
	assert.Equal(t, "math", tags[0])
}

func TestMindMapCreateNormalizesDocument(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	// Bare root node, no version wrapper, missing text on a child.
	raw := `{"id":"x","text":"Biology","children":[{"name":"Cells"}]}`
	mm, err := f.mindmaps.Create(ctx, CreateMindMapParams{Title: "Bio", Content: raw})
	require.NoError(t, err)

	doc, err := NormalizeMindMap([]byte(mm.Content))
	require.NoError(t, err)
	assert.Equal(t, "root", doc.Root.ID)
	assert.Equal(t, "Biology", doc.Root.Text)
	require.Len(t, doc.Root.Children, 1)
	assert.Equal(t, "Cells", doc.Root.Children[0].Text)
	assert.Equal(t, "pending", f.indexState(t, mm.ResourceID))
}

func TestMindMapUpdateVersioning(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	mm, err := f.mindmaps.Create(ctx, CreateMindMapParams{Title: "Map", Content: `{"text":"one"}`})
	require.NoError(t, err)

	next := `{"text":"two"}`
	updated, err := f.mindmaps.Update(ctx, mm.ID, UpdateMindMapParams{Content: &next, VersionLabel: "rework"})
	require.NoError(t, err)
	assert.NotEqual(t, mm.ResourceID, updated.ResourceID)

	versions, err := f.mindmaps.Versions(ctx, mm.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, mm.ResourceID, versions[0].ResourceID)
	assert.Equal(t, 1, f.refCount(t, versions[0].ResourceID))
}

func TestMindMapPurgeSavepointIsolated(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	mm, err := f.mindmaps.Create(ctx, CreateMindMapParams{Title: "Map", Content: `{"text":"one"}`})
	require.NoError(t, err)
	require.NoError(t, f.mindmaps.Delete(ctx, mm.ID))

	// Purge inside a larger transaction that keeps other work.
	err = f.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO folders (id, title, sort_order, created_at, updated_at) VALUES ('keep', 'Keep', 0, ?, ?)",
			vfs.NowISO(), vfs.NowISO()); err != nil {
			return err
		}
		return f.mindmaps.PurgeTx(tx, mm.ID)
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, f.pool.QueryRow(ctx, "SELECT COUNT(*) FROM mindmaps WHERE id = ?", mm.ID).Scan(&count))
	assert.Zero(t, count)
	require.NoError(t, f.pool.QueryRow(ctx, "SELECT COUNT(*) FROM folders WHERE id = 'keep'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestEssayDedupAcrossEntities(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	a, err := f.essays.Create(ctx, CreateEssayParams{Title: "Attempt 1", Content: "same text"})
	require.NoError(t, err)
	b, err := f.essays.Create(ctx, CreateEssayParams{Title: "Attempt 2", Content: "same text"})
	require.NoError(t, err)

	// Unsalted type: identical payloads share one resource.
	assert.Equal(t, a.ResourceID, b.ResourceID)
	assert.Equal(t, 2, f.refCount(t, a.ResourceID))

	require.NoError(t, f.essays.Delete(ctx, a.ID))
	require.NoError(t, f.essays.Purge(ctx, a.ID))
	assert.Equal(t, 1, f.refCount(t, b.ResourceID))
}

func TestEssaySessionRounds(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	session, err := f.essays.CreateSession(ctx, "argumentative", "grade-9")
	require.NoError(t, err)

	round, err := f.essays.NextRound(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, round)

	_, err = f.essays.Create(ctx, CreateEssayParams{
		Title: "Round 1", Content: "draft", SessionID: &session.ID, RoundNumber: &round,
	})
	require.NoError(t, err)

	round, err = f.essays.NextRound(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, round)

	inSession, err := f.essays.List(ctx, &session.ID)
	require.NoError(t, err)
	assert.Len(t, inSession, 1)
}

func TestExamRecognitionLifecycle(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	sheet, err := f.exams.Create(ctx, CreateExamParams{ExamName: "Midterm", Payload: []byte("%PDF-1.7 fake"), TempID: "tmp-1"})
	require.NoError(t, err)
	assert.Equal(t, ExamStatusRecognizing, sheet.Status)
	// Not queued for indexing until OCR text exists.
	assert.Equal(t, "", f.indexState(t, sheet.ResourceID))

	page0 := "question one"
	preview := &ExamPreview{Pages: []ExamPreviewPage{{PageIndex: 0, Width: 800, Height: 1200, Cards: []ExamCard{{Text: page0}}}}}
	require.NoError(t, f.exams.CompleteRecognition(ctx, sheet.ID, preview, []*string{&page0}))

	got, err := f.exams.Get(ctx, sheet.ID)
	require.NoError(t, err)
	assert.Equal(t, ExamStatusReady, got.Status)
	require.NotNil(t, got.Preview)
	assert.Equal(t, "pending", f.indexState(t, sheet.ResourceID))

	byTemp, err := f.exams.GetByTempID(ctx, "tmp-1")
	require.NoError(t, err)
	assert.Equal(t, sheet.ID, byTemp.ID)
}

func TestExamMistakesAndPurge(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	sheet, err := f.exams.Create(ctx, CreateExamParams{ExamName: "Quiz", Payload: []byte("bytes")})
	require.NoError(t, err)

	page := 0
	q, err := f.exams.AddMistake(ctx, sheet.ID, "2+2=?", "4", &page)
	require.NoError(t, err)

	got, err := f.exams.Get(ctx, sheet.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{q.ID}, got.MistakeIDs)

	mistakes, err := f.exams.Mistakes(ctx, sheet.ID)
	require.NoError(t, err)
	require.Len(t, mistakes, 1)
	assert.Equal(t, "2+2=?", mistakes[0].Content)

	require.NoError(t, f.exams.Delete(ctx, sheet.ID))
	require.NoError(t, f.exams.Purge(ctx, sheet.ID))

	var count int
	require.NoError(t, f.pool.QueryRow(ctx, "SELECT COUNT(*) FROM questions WHERE exam_id = ?", sheet.ID).Scan(&count))
	assert.Zero(t, count)
	assert.Equal(t, -1, f.refCount(t, sheet.ResourceID))
}

func TestFilePreviewAcceptsBothCasings(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	file, err := f.files.Create(ctx, CreateFileParams{Title: "handout.pdf", Payload: []byte("pdf bytes"), MimeType: "application/pdf"})
	require.NoError(t, err)

	camel := []byte(`{"pages":[{"pageIndex":0,"blobHash":"abc","width":100,"height":200,"mimeType":"image/png"}],"renderDpi":144,"totalPages":1,"renderedAt":"2026-01-01T00:00:00.000Z"}`)
	var preview PDFPreview
	require.NoError(t, preview.UnmarshalJSON(camel))
	require.NoError(t, f.files.SetPreview(ctx, file.ID, &preview))

	got, err := f.files.Get(ctx, file.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Preview)
	require.Len(t, got.Preview.Pages, 1)
	assert.Equal(t, "abc", got.Preview.Pages[0].BlobHash)
	assert.Equal(t, 144, got.Preview.RenderDPI)
	assert.Equal(t, 1, got.Preview.TotalPages)
}

func TestFileImageTypeSelection(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()

	img, err := f.files.Create(ctx, CreateFileParams{Title: "photo.png", Payload: []byte("png bytes"), MimeType: "image/png"})
	require.NoError(t, err)

	var typ string
	require.NoError(t, f.pool.QueryRow(ctx, "SELECT type FROM resources WHERE id = ?", img.ResourceID).Scan(&typ))
	assert.Equal(t, "image", typ)
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newLibFixture(t)
	ctx := context.Background()
	exporter := NewExporter(f.notes, f.folders, f.items, nil)

	folder, err := f.folders.Create(ctx, nil, "School")
	require.NoError(t, err)
	sub, err := f.folders.Create(ctx, &folder.ID, "Math")
	require.NoError(t, err)
	note, err := f.notes.Create(ctx, CreateNoteParams{Title: "Limits", Content: "epsilon delta", Tags: []string{"calc"}, FolderID: &sub.ID})
	require.NoError(t, err)
	require.NoError(t, f.notes.SetFavorite(ctx, note.ID, true))

	dump, err := exporter.ExportNotes(ctx)
	require.NoError(t, err)

	// Import into a fresh library.
	g := newLibFixture(t)
	importer := NewExporter(g.notes, g.folders, g.items, nil)
	result, err := importer.ImportNotes(ctx, dump)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 2, result.FoldersCreated)

	imported, err := g.notes.ListAdvanced(ctx, ListOptions{Keyword: "Limits"})
	require.NoError(t, err)
	require.Len(t, imported, 1)

	full, err := g.notes.Get(ctx, imported[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "epsilon delta", full.Content)
	assert.True(t, full.IsFavorite)
	assert.Equal(t, "School/Math", full.FolderPath)

	// Re-import is a no-op.
	again, err := importer.ImportNotes(ctx, dump)
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Equal(t, 1, again.Skipped)
}
