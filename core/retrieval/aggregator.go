// Package retrieval fans a query out over entity text search, vector
// search, memory, and the web, and hands the merged sources to the chat
// pipeline for block persistence.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/satchel-app/satchel/core/config"
	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/index"
	"github.com/satchel-app/satchel/core/library"
	"github.com/satchel-app/satchel/core/memory"
	"github.com/satchel-app/satchel/core/vector"
)

// Source tags where a retrieved item came from.
type Source string

const (
	SourceEntity Source = "entity"
	SourceVector Source = "vector"
	SourceMemory Source = "memory"
	SourceWeb    Source = "web"
)

// Item is one retrieved hit, normalized across sources.
type Item struct {
	Source     Source  `json:"source"`
	Kind       string  `json:"kind,omitempty"`
	ID         string  `json:"id,omitempty"`
	ResourceID string  `json:"resource_id,omitempty"`
	Title      string  `json:"title,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	Score      float64 `json:"score"`
	URL        string  `json:"url,omitempty"`
}

// Request scopes one retrieval round.
type Request struct {
	Query      string
	TopK       int
	FolderIDs  []string
	IncludeWeb bool
}

// Result groups the per-source hit lists. Sources that failed or were
// skipped come back empty; retrieval is best effort.
type Result struct {
	Query    string `json:"query"`
	Entities []Item `json:"entities,omitempty"`
	Chunks   []Item `json:"chunks,omitempty"`
	Memories []Item `json:"memories,omitempty"`
	Web      []Item `json:"web,omitempty"`
}

// Embedder produces the query vector for the semantic leg.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MemorySearcher is the memory service's search surface.
type MemorySearcher interface {
	Search(ctx context.Context, query string, topK int) ([]*memory.Memory, error)
}

// WebSearcher reaches an external search backend.
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]Item, error)
}

// Reranker rescores passages against the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) ([]float64, error)
}

const (
	cacheTTL          = 30 * time.Second
	defaultTopK       = 8
	entityMatchWeight = 0.5
)

// Deps wires the aggregator. Memories, Web, Embedder and Reranker are all
// optional; a nil dependency just leaves its leg empty.
type Deps struct {
	Pool     *database.Pool
	Vectors  *vector.Manager
	Embedder Embedder
	Memories MemorySearcher
	Web      WebSearcher
	Reranker Reranker
	Settings *config.Settings
	Logger   *slog.Logger
}

type Aggregator struct {
	pool     *database.Pool
	vectors  *vector.Manager
	embedder Embedder
	memories MemorySearcher
	web      WebSearcher
	reranker Reranker
	settings *config.Settings
	cache    *ristretto.Cache
	logger   *slog.Logger
}

func NewAggregator(deps Deps) (*Aggregator, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     16 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Configuration("retrieval cache: %v", err)
	}
	return &Aggregator{
		pool:     deps.Pool,
		vectors:  deps.Vectors,
		embedder: deps.Embedder,
		memories: deps.Memories,
		web:      deps.Web,
		reranker: deps.Reranker,
		settings: deps.Settings,
		cache:    cache,
		logger:   logger.With("component", "retrieval"),
	}, nil
}

func (a *Aggregator) Close() {
	a.cache.Close()
}

func (a *Aggregator) privacyMode(ctx context.Context) bool {
	return a.settings != nil && a.settings.GetBool(ctx, config.KeyPrivacyMode)
}

// Retrieve runs the four legs in parallel. A leg failure degrades to an
// empty list with a warning; repeated queries within the TTL are answered
// from cache.
func (a *Aggregator) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.InvalidArgument("empty retrieval query")
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}

	key := cacheKey(req)
	if cached, ok := a.cache.Get(key); ok {
		if result, ok := cached.(*Result); ok {
			return result, nil
		}
	}

	privacy := a.privacyMode(ctx)
	result := &Result{Query: req.Query}

	var wg sync.WaitGroup
	run := func(leg string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				a.logger.Warn("retrieval leg failed", "leg", leg, "error", err)
			}
		}()
	}

	run("entity", func() error {
		items, err := a.searchEntities(ctx, req)
		result.Entities = items
		return err
	})
	run("vector", func() error {
		items, err := a.searchVectors(ctx, req, privacy)
		result.Chunks = items
		return err
	})
	if a.memories != nil {
		run("memory", func() error {
			hits, err := a.memories.Search(ctx, req.Query, req.TopK)
			if err != nil {
				return err
			}
			for _, m := range hits {
				result.Memories = append(result.Memories, Item{
					Source:     SourceMemory,
					Kind:       library.KindNote,
					ID:         m.NoteID,
					ResourceID: m.ResourceID,
					Title:      m.Title,
					Snippet:    m.Content,
					Score:      m.Score,
				})
			}
			return nil
		})
	}
	if a.web != nil && req.IncludeWeb && !privacy {
		run("web", func() error {
			items, err := a.web.Search(ctx, req.Query, req.TopK)
			if err != nil {
				return err
			}
			for i := range items {
				items[i].Source = SourceWeb
			}
			result.Web = items
			return nil
		})
	}
	wg.Wait()

	if a.reranker != nil && !privacy {
		a.rerank(ctx, req.Query, result.Chunks)
	}

	a.cache.SetWithTTL(key, result, 1, cacheTTL)
	// Flush the write buffer so an immediate repeat query hits.
	a.cache.Wait()
	return result, nil
}

func cacheKey(req Request) string {
	var b strings.Builder
	b.WriteString(req.Query)
	b.WriteByte('|')
	b.WriteString(strings.Join(req.FolderIDs, ","))
	if req.IncludeWeb {
		b.WriteString("|web")
	}
	return b.String()
}

// Invalidate drops the whole cache. Called after writes that should be
// visible to the next retrieval immediately.
func (a *Aggregator) Invalidate() {
	a.cache.Clear()
}

var entityKinds = []struct {
	kind     string
	table    string
	titleCol string
}{
	{library.KindNote, "notes", "title"},
	{library.KindMindMap, "mindmaps", "title"},
	{library.KindEssay, "essays", "title"},
	{library.KindExam, "exam_sheets", "exam_name"},
	{library.KindFile, "files", "title"},
}

// searchEntities is the LIKE leg: title or payload match per entity table,
// newest first. Title matches outscore payload-only matches.
func (a *Aggregator) searchEntities(ctx context.Context, req Request) ([]Item, error) {
	pattern := "%" + escapeLike(req.Query) + "%"
	var items []Item

	for _, ek := range entityKinds {
		query := `
SELECT e.id, e.resource_id, e.` + ek.titleCol + `,
       e.` + ek.titleCol + ` LIKE ? ESCAPE '\' AS title_match
FROM ` + ek.table + ` e
JOIN resources res ON res.id = e.resource_id`
		args := []any{pattern}

		if len(req.FolderIDs) > 0 {
			query += `
JOIN folder_items fi ON fi.item_type = ? AND fi.item_id = e.id AND fi.deleted_at IS NULL`
			args = append(args, ek.kind)
		}

		query += `
WHERE e.deleted_at IS NULL
  AND (e.` + ek.titleCol + ` LIKE ? ESCAPE '\' OR res.data LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern)

		if len(req.FolderIDs) > 0 {
			placeholders := strings.Repeat("?,", len(req.FolderIDs))
			query += ` AND fi.folder_id IN (` + placeholders[:len(placeholders)-1] + `)`
			for _, id := range req.FolderIDs {
				args = append(args, id)
			}
		}
		query += ` ORDER BY e.updated_at DESC LIMIT ?`
		args = append(args, req.TopK)

		rows, err := a.pool.Query(ctx, query, args...)
		if err != nil {
			return items, errors.Database("entity search "+ek.table, err)
		}
		for rows.Next() {
			var item Item
			var titleMatch int
			if err := rows.Scan(&item.ID, &item.ResourceID, &item.Title, &titleMatch); err != nil {
				rows.Close()
				return items, errors.Database("scan entity hit", err)
			}
			item.Source = SourceEntity
			item.Kind = ek.kind
			item.Score = entityMatchWeight
			if titleMatch == 1 {
				item.Score = 1
			}
			items = append(items, item)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return items, errors.Database("iterate entity hits", err)
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > req.TopK {
		items = items[:req.TopK]
	}
	return items, nil
}

func (a *Aggregator) searchVectors(ctx context.Context, req Request, privacy bool) ([]Item, error) {
	store, err := a.vectors.Get(index.LibraryTable)
	if err != nil {
		return nil, err
	}

	var queryVec []float32
	if a.embedder != nil && !privacy {
		vec, err := a.embedder.Embed(ctx, req.Query)
		if err != nil {
			a.logger.Warn("query embedding, text-only fallback", "error", err)
		} else {
			queryVec = vec
		}
	}

	hits, err := store.HybridSearch(ctx, req.Query, queryVec, vector.SearchOptions{
		Limit:     req.TopK,
		FolderIDs: req.FolderIDs,
	})
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(hits))
	for _, hit := range hits {
		items = append(items, Item{
			Source:     SourceVector,
			Kind:       hit.SourceType,
			ResourceID: hit.ResourceID,
			Snippet:    hit.Text,
			Score:      hit.Score,
		})
	}
	return items, nil
}

// rerank rescores the chunk leg in place. Failures keep the fused order.
func (a *Aggregator) rerank(ctx context.Context, query string, chunks []Item) {
	if len(chunks) == 0 {
		return
	}
	passages := make([]string, len(chunks))
	for i, c := range chunks {
		passages[i] = c.Snippet
	}
	scores, err := a.reranker.Rerank(ctx, query, passages)
	if err != nil || len(scores) != len(chunks) {
		a.logger.Warn("rerank skipped", "error", err)
		return
	}
	for i := range chunks {
		chunks[i].Score = scores[i]
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
}

// escapeLike neutralizes LIKE wildcards in user queries.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
