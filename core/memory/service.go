// Package memory is the agent's long-term memory: a note subtree under a
// configured root folder, searched with time-decayed hybrid retrieval and
// written through plain or LLM-arbitrated paths.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/satchel-app/satchel/core/config"
	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/index"
	"github.com/satchel-app/satchel/core/indexstate"
	"github.com/satchel-app/satchel/core/library"
	"github.com/satchel-app/satchel/core/vector"
	"github.com/satchel-app/satchel/core/vfs"
)

const (
	// ProfileTitle is the reserved user-profile summary note. It is never
	// indexed and never listed.
	ProfileTitle = "__user_profile__"

	// reservedTitlePrefix marks system notes inside the memory subtree.
	reservedTitlePrefix = "__"

	defaultRootTitle = "Memories"
)

// Indexer is the synchronous indexing hook for the write-then-search path.
type Indexer interface {
	IndexResource(ctx context.Context, resourceID string) error
}

// Embedder produces the query vector for semantic search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Memory is one memory note.
type Memory struct {
	NoteID     string  `json:"note_id"`
	ResourceID string  `json:"resource_id"`
	Title      string  `json:"title"`
	Content    string  `json:"content,omitempty"`
	FolderID   *string `json:"folder_id,omitempty"`
	FolderPath string  `json:"folder_path,omitempty"`
	Score      float64 `json:"score,omitempty"`
	HitCount   int     `json:"hit_count,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// Deps wires the service. LLM may be nil, in which case smart writes
// degrade to plain creates.
type Deps struct {
	Pool      *database.Pool
	Resources *vfs.ResourceStore
	Items     *vfs.ItemStore
	Folders   *vfs.FolderStore
	Notes     *library.NoteRepo
	Registry  *indexstate.Registry
	Vectors   *vector.Manager
	Embedder  Embedder
	Settings  *config.Settings
	Indexer   Indexer
	LLM       LLM
	Logger    *slog.Logger
}

type Service struct {
	pool     *database.Pool
	res      *vfs.ResourceStore
	items    *vfs.ItemStore
	folders  *vfs.FolderStore
	notes    *library.NoteRepo
	registry *indexstate.Registry
	vectors  *vector.Manager
	embedder Embedder
	settings *config.Settings
	indexer  Indexer
	llm      LLM
	logger   *slog.Logger

	lastProfileRefresh atomic.Int64
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:     deps.Pool,
		res:      deps.Resources,
		items:    deps.Items,
		folders:  deps.Folders,
		notes:    deps.Notes,
		registry: deps.Registry,
		vectors:  deps.Vectors,
		embedder: deps.Embedder,
		settings: deps.Settings,
		indexer:  deps.Indexer,
		llm:      deps.LLM,
		logger:   logger.With("component", "memory"),
	}
}

// ServiceConfig is the runtime memory configuration, persisted as settings
// rows.
type ServiceConfig struct {
	RootFolderID   string `json:"root_folder_id"`
	AutoSubfolders bool   `json:"auto_subfolders"`
	PrivacyMode    bool   `json:"privacy_mode"`
}

func (s *Service) GetConfig(ctx context.Context) *ServiceConfig {
	return &ServiceConfig{
		RootFolderID:   s.settings.GetOr(ctx, config.KeyMemoryRootFolder, ""),
		AutoSubfolders: s.settings.GetBool(ctx, config.KeyAutoSubfolders),
		PrivacyMode:    s.settings.GetBool(ctx, config.KeyPrivacyMode),
	}
}

func (s *Service) SetConfig(ctx context.Context, cfg *ServiceConfig) error {
	if cfg.RootFolderID != "" {
		if _, err := s.folders.Get(ctx, cfg.RootFolderID); err != nil {
			return err
		}
	}
	if err := s.settings.Set(ctx, config.KeyMemoryRootFolder, cfg.RootFolderID); err != nil {
		return err
	}
	if err := s.settings.SetBool(ctx, config.KeyAutoSubfolders, cfg.AutoSubfolders); err != nil {
		return err
	}
	return s.settings.SetBool(ctx, config.KeyPrivacyMode, cfg.PrivacyMode)
}

func (s *Service) privacyMode(ctx context.Context) bool {
	return s.settings.GetBool(ctx, config.KeyPrivacyMode)
}

// RootFolderID resolves the memory root, creating and persisting a default
// one on first use or when the configured folder has been deleted.
func (s *Service) RootFolderID(ctx context.Context) (string, error) {
	if id, err := s.settings.Get(ctx, config.KeyMemoryRootFolder); err == nil && id != "" {
		if _, err := s.folders.Get(ctx, id); err == nil {
			return id, nil
		}
	}

	folder, err := s.folders.FindByTitle(ctx, nil, defaultRootTitle)
	if errors.IsKind(err, errors.KindNotFound) {
		folder, err = s.folders.Create(ctx, nil, defaultRootTitle)
	}
	if err != nil {
		return "", err
	}
	if err := s.settings.Set(ctx, config.KeyMemoryRootFolder, folder.ID); err != nil {
		return "", err
	}
	return folder.ID, nil
}

// resolveFolder maps a slash-separated path under the memory root to a
// folder id, creating missing segments when auto-subfolders is on.
// Without the flag everything lands in the root.
func (s *Service) resolveFolder(ctx context.Context, folderPath string) (*string, error) {
	rootID, err := s.RootFolderID(ctx)
	if err != nil {
		return nil, err
	}
	folderPath = strings.Trim(folderPath, "/")
	if folderPath == "" || !s.settings.GetBool(ctx, config.KeyAutoSubfolders) {
		return &rootID, nil
	}

	parent := rootID
	for _, segment := range strings.Split(folderPath, "/") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		folder, err := s.folders.FindByTitle(ctx, &parent, segment)
		if errors.IsKind(err, errors.KindNotFound) {
			folder, err = s.folders.Create(ctx, &parent, segment)
		}
		if err != nil {
			return nil, err
		}
		parent = folder.ID
	}
	return &parent, nil
}

// WriteMode selects how Write treats an existing note of the same title.
type WriteMode string

const (
	ModeCreate WriteMode = "create"
	ModeUpdate WriteMode = "update"
	ModeAppend WriteMode = "append"
)

type WriteParams struct {
	FolderPath string
	Title      string
	Content    string
	Mode       WriteMode
}

type WriteResult struct {
	NoteID     string `json:"note_id"`
	ResourceID string `json:"resource_id"`
	Created    bool   `json:"created"`
}

// Write stores a memory and synchronously indexes it, so it is searchable
// by the time the call returns. Update and append fall back to create when
// no note of the title exists in the subtree.
func (s *Service) Write(ctx context.Context, params WriteParams) (*WriteResult, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return nil, errors.InvalidArgument("memory title is empty")
	}
	if strings.HasPrefix(title, reservedTitlePrefix) {
		return nil, errors.InvalidArgument("memory title %q is reserved", title)
	}
	if strings.TrimSpace(params.Content) == "" {
		return nil, errors.InvalidArgument("memory content is empty")
	}

	mode := params.Mode
	if mode == "" {
		mode = ModeCreate
	}

	var existing *Memory
	if mode != ModeCreate {
		rootID, err := s.RootFolderID(ctx)
		if err != nil {
			return nil, err
		}
		existing, err = s.findByTitle(ctx, rootID, title)
		if err != nil && !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
	}

	var result *WriteResult
	switch {
	case existing == nil:
		folderID, err := s.resolveFolder(ctx, params.FolderPath)
		if err != nil {
			return nil, err
		}
		noteID, resourceID, err := s.createNote(ctx, folderID, title, params.Content, true)
		if err != nil {
			return nil, err
		}
		result = &WriteResult{NoteID: noteID, ResourceID: resourceID, Created: true}

	case mode == ModeUpdate:
		updated, err := s.notes.Update(ctx, existing.NoteID, library.UpdateNoteParams{Content: &params.Content})
		if err != nil {
			return nil, err
		}
		result = &WriteResult{NoteID: updated.ID, ResourceID: updated.ResourceID}

	default: // append
		current, err := s.notes.Get(ctx, existing.NoteID)
		if err != nil {
			return nil, err
		}
		combined := strings.TrimRight(current.Content, "\n") + "\n\n" + params.Content
		updated, err := s.notes.Update(ctx, existing.NoteID, library.UpdateNoteParams{Content: &combined})
		if err != nil {
			return nil, err
		}
		result = &WriteResult{NoteID: updated.ID, ResourceID: updated.ResourceID}
	}

	s.indexNow(ctx, result.ResourceID)
	return result, nil
}

// indexNow runs the synchronous indexing pass. The write has already
// committed, so an indexing failure is logged and left to the background
// worker's retry rather than surfaced.
func (s *Service) indexNow(ctx context.Context, resourceID string) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexResource(ctx, resourceID); err != nil {
		s.logger.Warn("synchronous memory indexing", "resource_id", resourceID, "error", err)
	}
}

// createNote inserts a memo-backed note row. enqueue=false keeps the
// resource out of the index queue, for system notes like the profile.
func (s *Service) createNote(ctx context.Context, folderID *string, title, content string, enqueue bool) (string, string, error) {
	noteID := uuid.NewString()
	var resourceID string
	now := vfs.NowISO()

	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		resourceID, _, err = s.res.CreateOrReuse(tx, vfs.TypeMemo, []byte(content), noteID, "")
		if err != nil {
			return err
		}
		tags, _ := json.Marshal([]string{})
		_, err = tx.Exec(`
INSERT INTO notes (id, resource_id, title, tags, is_favorite, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, ?)`,
			noteID, resourceID, title, string(tags), now, now)
		if err != nil {
			return errors.Database("insert memory note", err)
		}
		if err := s.items.Insert(tx, folderID, library.KindNote, noteID); err != nil {
			return err
		}
		if enqueue {
			if err := s.registry.MarkPendingTx(tx, resourceID); err != nil {
				return err
			}
		}
		_, err = tx.Exec(
			"INSERT INTO __change_log (entity_type, entity_id, op, created_at) VALUES (?, ?, ?, ?)",
			library.KindNote, noteID, "create", now)
		if err != nil {
			return errors.Database("append change log", err)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return noteID, resourceID, nil
}

// findByTitle locates a live note by exact title anywhere under the memory
// root.
func (s *Service) findByTitle(ctx context.Context, rootID, title string) (*Memory, error) {
	memories, err := s.listSubtree(ctx, rootID, true)
	if err != nil {
		return nil, err
	}
	for _, m := range memories {
		if m.Title == title {
			return m, nil
		}
	}
	return nil, errors.NotFound("memory %q", title)
}

// Read loads one memory with its content.
func (s *Service) Read(ctx context.Context, noteID string) (*Memory, error) {
	note, err := s.notes.Get(ctx, noteID)
	if err != nil {
		return nil, err
	}
	return &Memory{
		NoteID:     note.ID,
		ResourceID: note.ResourceID,
		Title:      note.Title,
		Content:    note.Content,
		FolderID:   note.FolderID,
		FolderPath: note.FolderPath,
		HitCount:   hitCount(note.Tags),
		CreatedAt:  note.CreatedAt,
		UpdatedAt:  note.UpdatedAt,
	}, nil
}

// List returns the live memories under the root, newest first. pattern,
// when non-empty, is a glob matched against each memory's folder path.
// Reserved system notes are never listed.
func (s *Service) List(ctx context.Context, pattern string) ([]*Memory, error) {
	rootID, err := s.RootFolderID(ctx)
	if err != nil {
		return nil, err
	}
	memories, err := s.listSubtree(ctx, rootID, false)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return memories, nil
	}

	matcher, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, errors.InvalidArgument("bad folder pattern %q: %v", pattern, err)
	}
	filtered := memories[:0]
	for _, m := range memories {
		if matcher.Match(strings.Trim(m.FolderPath, "/")) {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

func (s *Service) listSubtree(ctx context.Context, rootID string, includeReserved bool) ([]*Memory, error) {
	subtree, err := s.folders.SubtreeIDs(ctx, rootID)
	if err != nil {
		return nil, err
	}

	placeholders := make([]string, 0, len(subtree))
	args := make([]any, 0, len(subtree))
	for id := range subtree {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}

	rows, err := s.pool.Query(ctx, `
SELECT n.id, n.resource_id, n.title, n.tags, n.created_at, n.updated_at, fi.folder_id
FROM notes n
JOIN folder_items fi ON fi.item_type = 'note' AND fi.item_id = n.id AND fi.deleted_at IS NULL
WHERE n.deleted_at IS NULL AND fi.folder_id IN (`+strings.Join(placeholders, ",")+`)
ORDER BY n.updated_at DESC`, args...)
	if err != nil {
		return nil, errors.Database("list memories", err)
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		var m Memory
		var tagsJSON string
		var folderID sql.NullString
		if err := rows.Scan(&m.NoteID, &m.ResourceID, &m.Title, &tagsJSON, &m.CreatedAt, &m.UpdatedAt, &folderID); err != nil {
			return nil, errors.Database("scan memory", err)
		}
		if !includeReserved && strings.HasPrefix(m.Title, reservedTitlePrefix) {
			continue
		}
		if folderID.Valid {
			id := folderID.String
			m.FolderID = &id
			if path, perr := s.folders.Path(ctx, id); perr == nil {
				m.FolderPath = path
			}
		}
		var tags []string
		_ = json.Unmarshal([]byte(tagsJSON), &tags)
		m.HitCount = hitCount(tags)
		memories = append(memories, &m)
	}
	return memories, rows.Err()
}

// Delete removes a memory. Vectors go first, then the note soft-deletes,
// then index state is disabled. A concurrent search can therefore never
// return a memory whose metadata row is already gone.
func (s *Service) Delete(ctx context.Context, noteID string) error {
	note, err := s.notes.Get(ctx, noteID)
	if err != nil {
		return err
	}

	store, err := s.vectors.Get(index.LibraryTable)
	if err != nil {
		return err
	}
	if err := store.DeleteByResource(ctx, note.ResourceID); err != nil {
		return err
	}
	if err := s.notes.Delete(ctx, noteID); err != nil {
		return err
	}
	return s.registry.MarkDisabled(ctx, note.ResourceID, "note deleted")
}
