package index

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"github.com/satchel-app/satchel/core/chunking"
	"github.com/satchel-app/satchel/core/config"
	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/embedding"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/indexstate"
	"github.com/satchel-app/satchel/core/library"
	"github.com/satchel-app/satchel/core/vector"
	"github.com/satchel-app/satchel/core/vfs"
)

// LibraryTable is the vector table holding all library content. Memories
// live in the same table and are scoped by folder at query time.
const LibraryTable = "library"

// PageSource provides rendered page images by blob hash. The OCR page
// cache implements it; a nil source means pages embed from OCR text only.
type PageSource interface {
	Get(hash string) ([]byte, error)
}

// Service turns pending resources into vector records. It owns the
// type-specific handlers; the drain loop around it lives in Worker.
type Service struct {
	pool     *database.Pool
	res      *vfs.ResourceStore
	items    *vfs.ItemStore
	registry *indexstate.Registry
	vectors  *vector.Manager
	text     embedding.Embedder
	vl       *embedding.VLEmbedder
	pages    PageSource
	config   func() *config.Config
	counter  chunking.TokenCounter
	logger   *slog.Logger
}

// NewService wires the indexing service. vl may be nil when no vision
// model is configured; page embedding then falls back to OCR text.
func NewService(
	pool *database.Pool,
	res *vfs.ResourceStore,
	items *vfs.ItemStore,
	registry *indexstate.Registry,
	vectors *vector.Manager,
	text embedding.Embedder,
	vl *embedding.VLEmbedder,
	pages PageSource,
	cfg func() *config.Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		pool:     pool,
		res:      res,
		items:    items,
		registry: registry,
		vectors:  vectors,
		text:     text,
		vl:       vl,
		pages:    pages,
		config:   cfg,
		counter:  chunking.NewTiktokenCounter(),
		logger:   logger.With("component", "indexer"),
	}
}

// IndexResource claims one resource and indexes it synchronously, retrying
// transient failures in place. Callers on the write path use this to make
// new content searchable before returning.
func (s *Service) IndexResource(ctx context.Context, resourceID string) error {
	if err := s.registry.MarkIndexing(ctx, resourceID); err != nil {
		if errors.IsKind(err, errors.KindInvalidOperation) {
			// Already claimed or disabled; not this caller's problem.
			return nil
		}
		return err
	}

	var hash string
	err := errors.Retry(ctx, errors.IndexerRetryPolicy(), func() error {
		h, processErr := s.process(ctx, resourceID)
		if processErr == nil {
			hash = h
		}
		return processErr
	})
	if err != nil {
		if markErr := s.registry.MarkFailed(ctx, resourceID, err.Error()); markErr != nil {
			s.logger.Error("mark failed", "resource", resourceID, "error", markErr)
		}
		return err
	}
	return s.registry.MarkIndexed(ctx, resourceID, hash)
}

// DrainOnce indexes one batch of pending resources and reports how many it
// picked up. Per-resource failures are recorded in the registry and do not
// stop the batch.
func (s *Service) DrainOnce(ctx context.Context) (int, error) {
	batch := s.config().Indexing.BatchSize
	ids, err := s.registry.ListPending(ctx, batch)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.IndexResource(ctx, id); err != nil {
			s.logger.Warn("index resource", "resource", id, "error", err)
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	return len(ids), nil
}

// RequeueStale re-marks indexed resources whose content hash drifted from
// the recorded one. Run from the maintenance sweep.
func (s *Service) RequeueStale(ctx context.Context, limit int) (int, error) {
	ids, err := s.registry.ListStale(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.registry.MarkPending(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// process loads the resource, resolves its owning entity, and dispatches to
// the per-type handler. It returns the content hash the pass covered.
func (s *Service) process(ctx context.Context, resourceID string) (string, error) {
	var res *vfs.Resource
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		r, getErr := s.res.Get(tx, resourceID)
		if getErr != nil {
			return getErr
		}
		res = r
		return nil
	})
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			// Purged while pending. Drop whatever vectors remain.
			return "", s.dropVectors(ctx, resourceID)
		}
		return "", err
	}

	own, err := s.resolveOwner(ctx, resourceID, res.Type)
	if err != nil {
		return "", err
	}
	if own == nil || own.deleted {
		if err := s.dropVectors(ctx, resourceID); err != nil {
			return "", err
		}
		return res.Hash, nil
	}

	switch res.Type {
	case vfs.TypeNote, vfs.TypeMemo, vfs.TypeMindMap, vfs.TypeEssay:
		err = s.indexText(ctx, res, own)
	case vfs.TypeExam, vfs.TypeImage:
		err = s.indexPages(ctx, res, own)
	case vfs.TypeFile:
		if strings.HasPrefix(own.mimeType, "text/") {
			err = s.indexText(ctx, res, own)
		} else {
			err = s.indexPages(ctx, res, own)
		}
	default:
		return "", errors.InvalidOperation("no index handler for resource type %s", res.Type)
	}
	if err != nil {
		return "", err
	}
	return res.Hash, nil
}

func (s *Service) dropVectors(ctx context.Context, resourceID string) error {
	store, err := s.vectors.Get(LibraryTable)
	if err != nil {
		return err
	}
	if err := store.DeleteByResource(ctx, resourceID); err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, "DELETE FROM page_index_meta WHERE resource_id = ?", resourceID)
	if err != nil {
		return errors.Database("clear page index meta", err)
	}
	return nil
}

// indexText chunks the resource's text, embeds each chunk, and replaces the
// resource's records wholesale. Chunks that exceed the embedding model's
// token window are segmented and mean-pooled back to one vector.
func (s *Service) indexText(ctx context.Context, res *vfs.Resource, own *owner) error {
	payload, err := s.res.Payload(res)
	if err != nil {
		return err
	}
	content, err := extractText(res.Type, payload, own.title)
	if err != nil {
		return err
	}

	cfg := s.config()
	splitter, err := chunking.NewSplitter(chunking.Config{
		TargetSize: cfg.Indexing.ChunkSize,
		Overlap:    cfg.Indexing.ChunkOverlap,
		MinChunk:   cfg.Indexing.MinChunkSize,
	}, s.counter)
	if err != nil {
		return err
	}
	chunks, err := splitter.Split(content)
	if err != nil {
		return err
	}
	groups, err := splitter.SplitForModel(chunks, cfg.Embed.MaxModelToken)
	if err != nil {
		return err
	}

	records := make([]vector.Record, 0, len(chunks))
	now := vfs.NowMillis()
	for _, group := range groups {
		texts := make([]string, len(group))
		for i, sub := range group {
			texts[i] = sub.Content
		}
		vecs, embedErr := s.text.EmbedBatch(ctx, texts)
		if embedErr != nil {
			return embedErr
		}
		pooled, poolErr := embedding.MeanPool(vecs)
		if poolErr != nil {
			return poolErr
		}
		records = append(records, vector.Record{
			ResourceID: res.ID,
			ChunkIndex: group[0].Index,
			SourceType: string(res.Type),
			FolderID:   own.folderID,
			Text:       chunks[group[0].Index].Content,
			Tags:       own.tags,
			Vector:     pooled,
			CreatedAt:  now,
		})
	}

	store, err := s.vectors.Get(LibraryTable)
	if err != nil {
		return err
	}
	// Full replace so chunks past the new count do not linger.
	if err := store.DeleteByResource(ctx, res.ID); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	return store.Upsert(ctx, records)
}

// extractText produces the indexable text for a resource. Titles are
// prepended so short entities still match on their name.
func extractText(typ vfs.ResourceType, payload []byte, title string) (string, error) {
	body := string(payload)
	if typ == vfs.TypeMindMap {
		doc, err := library.NormalizeMindMap(payload)
		if err != nil {
			return "", err
		}
		body = flattenMindMap(doc)
	}
	if title == "" {
		return body, nil
	}
	if body == "" {
		return title, nil
	}
	return title + "\n\n" + body, nil
}

// flattenMindMap walks the tree depth-first, one line per node, indented by
// depth so sibling context survives chunking.
func flattenMindMap(doc *library.MindMapDocument) string {
	var b strings.Builder
	var walk func(node *library.MindMapNode, depth int)
	walk = func(node *library.MindMapNode, depth int) {
		if node == nil {
			return
		}
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(node.Text)
		if node.Note != "" {
			b.WriteString(" (")
			b.WriteString(node.Note)
			b.WriteString(")")
		}
		b.WriteString("\n")
		for _, child := range node.Children {
			walk(child, depth+1)
		}
	}
	walk(doc.Root, 0)
	return strings.TrimRight(b.String(), "\n")
}
