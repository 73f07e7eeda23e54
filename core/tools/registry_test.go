package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/indexstate"
	"github.com/satchel-app/satchel/core/library"
	"github.com/satchel-app/satchel/core/storage"
	"github.com/satchel-app/satchel/core/vfs"
)

func echoTool(name string, mutating bool) *Tool {
	return &Tool{
		Definition: Definition{
			Name:        name,
			Description: "echoes its input",
			Mutating:    mutating,
			InputSchema: objectSchema(map[string]any{"value": stringProp("value")}, "value"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				Value string `json:"value"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("bad input")
			}
			return map[string]string{"echo": in.Value}, nil
		},
	}
}

func TestRegistryExecuteSuccess(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo", false))

	result := r.Execute(context.Background(), Invocation{
		ID:        "call_1",
		Name:      "echo",
		Arguments: `{"value": "hi"}`,
		BlockID:   "blk_7",
	})

	assert.True(t, result.Success)
	assert.Equal(t, "echo", result.ToolName)
	assert.Equal(t, "blk_7", result.BlockID)
	assert.JSONEq(t, `{"echo":"hi"}`, string(result.Output))
	assert.JSONEq(t, `{"value":"hi"}`, string(result.Input))
	assert.GreaterOrEqual(t, result.DurationMS, int64(0))
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()

	result := r.Execute(context.Background(), Invocation{Name: "missing", Arguments: "{}"})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown tool")
}

func TestRegistryExecuteFailureIsAResult(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Definition: Definition{Name: "boom", InputSchema: objectSchema(nil)},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			return nil, errors.NotFound("note %s not found", "n1")
		},
	})

	result := r.Execute(context.Background(), Invocation{Name: "boom", Arguments: "{}"})

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Nil(t, result.Output)
}

func TestRegistryDefinitionsKeepOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("b", true))
	r.Register(echoTool("a", false))
	r.Register(echoTool("b", true)) // replace keeps position

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "b", defs[0].Name)
	assert.Equal(t, "a", defs[1].Name)

	provided := r.ProviderTools()
	require.Len(t, provided, 2)
	assert.Equal(t, "b", provided[0].Name)

	assert.True(t, r.IsMutating("b"))
	assert.False(t, r.IsMutating("a"))
	assert.False(t, r.IsMutating("missing"))
}

func TestSanitizeInputTruncatesOversized(t *testing.T) {
	big := make([]byte, maxSanitizedInput*2)
	for i := range big {
		big[i] = 'x'
	}
	payload, err := json.Marshal(map[string]string{"content": string(big)})
	require.NoError(t, err)

	sanitized := sanitizeInput(string(payload))
	assert.JSONEq(t, `{"truncated":true}`, string(sanitized))

	assert.JSONEq(t, `"not json"`, string(sanitizeInput("not json")))
	assert.Nil(t, sanitizeInput(""))
}

type libraryFixture struct {
	deps     LibraryDeps
	registry *indexstate.Registry
}

func newLibraryFixture(t *testing.T) *libraryFixture {
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

	return &libraryFixture{
		deps: LibraryDeps{
			Pool:     pool,
			Items:    items,
			Folders:  folders,
			Notes:    library.NewNoteRepo(pool, res, items, folders, registry, logger),
			MindMaps: library.NewMindMapRepo(pool, res, items, folders, registry, logger),
			Essays:   library.NewEssayRepo(pool, res, items, registry, logger),
			Exams:    library.NewExamRepo(pool, res, items, registry, logger),
		},
		registry: registry,
	}
}

func TestNoteToolsRoundTrip(t *testing.T) {
	f := newLibraryFixture(t)
	r := NewRegistry()
	RegisterLibraryTools(r, f.deps)
	ctx := context.Background()

	created := r.Execute(ctx, Invocation{
		Name:      "note_create",
		Arguments: `{"title":"mitochondria","content":"The powerhouse of the cell.","tags":["bio"]}`,
	})
	require.True(t, created.Success, created.Error)

	var note library.Note
	require.NoError(t, json.Unmarshal(created.Output, &note))
	assert.NotEmpty(t, note.ID)

	searched := r.Execute(ctx, Invocation{
		Name:      "note_search",
		Arguments: `{"keyword":"powerhouse"}`,
	})
	require.True(t, searched.Success, searched.Error)

	var hits []*library.Note
	require.NoError(t, json.Unmarshal(searched.Output, &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, note.ID, hits[0].ID)

	deleted := r.Execute(ctx, Invocation{
		Name:      "note_delete",
		Arguments: `{"id":"` + note.ID + `"}`,
	})
	require.True(t, deleted.Success, deleted.Error)

	missing := r.Execute(ctx, Invocation{
		Name:      "note_get",
		Arguments: `{"id":"` + note.ID + `"}`,
	})
	assert.False(t, missing.Success)
}

func TestMoveItemToolMovesNote(t *testing.T) {
	f := newLibraryFixture(t)
	r := NewRegistry()
	RegisterLibraryTools(r, f.deps)
	ctx := context.Background()

	folder, err := f.deps.Folders.Create(ctx, nil, "Biology")
	require.NoError(t, err)

	note, err := f.deps.Notes.Create(ctx, library.CreateNoteParams{Title: "osmosis", Content: "water"})
	require.NoError(t, err)

	moved := r.Execute(ctx, Invocation{
		Name:      "move_item",
		Arguments: `{"item_type":"note","item_id":"` + note.ID + `","folder_id":"` + folder.ID + `"}`,
	})
	require.True(t, moved.Success, moved.Error)

	got, err := f.deps.Notes.Get(ctx, note.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FolderID)
	assert.Equal(t, folder.ID, *got.FolderID)
	assert.Equal(t, "Biology", got.FolderPath)

	badFolder := r.Execute(ctx, Invocation{
		Name:      "move_item",
		Arguments: `{"item_type":"note","item_id":"` + note.ID + `","folder_id":"missing"}`,
	})
	assert.False(t, badFolder.Success)
}

func TestIndexResourceToolMarksPending(t *testing.T) {
	f := newLibraryFixture(t)
	r := NewRegistry()
	RegisterLibraryTools(r, f.deps)
	RegisterIndexTools(r, f.registry, failingIndexer{})
	ctx := context.Background()

	note, err := f.deps.Notes.Create(ctx, library.CreateNoteParams{Title: "t", Content: "c"})
	require.NoError(t, err)

	queued := r.Execute(ctx, Invocation{
		Name:      "index_resource",
		Arguments: `{"resource_id":"` + note.ResourceID + `"}`,
	})
	require.True(t, queued.Success, queued.Error)

	entry, err := f.registry.Get(ctx, note.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, indexstate.StatePending, entry.State)
}

type failingIndexer struct{}

func (failingIndexer) IndexResource(ctx context.Context, resourceID string) error {
	return errors.Network("embedder offline", nil)
}
