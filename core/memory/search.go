package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/index"
	"github.com/satchel-app/satchel/core/vector"
	"github.com/satchel-app/satchel/core/vfs"
)

// Hit-stat tags live in the note's tag list under a reserved prefix so
// they survive exports and never collide with user tags.
const (
	tagHitCount = "__hits:"
	tagLastHit  = "__last_hit:"
)

// decayHalfLifeDays halves a memory's score every 60 days of age, so
// recent memories outrank stale ones of equal relevance.
const decayHalfLifeDays = 60.0

// Search embeds the query and runs the decayed subtree search. In privacy
// mode, or when no embedder is wired, it degrades to text-only matching.
func (s *Service) Search(ctx context.Context, query string, topK int) ([]*Memory, error) {
	var queryVec []float32
	if s.embedder != nil && !s.privacyMode(ctx) {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			s.logger.Warn("memory query embedding, falling back to text search", "error", err)
		} else {
			queryVec = vec
		}
	}
	return s.SearchWithEmbedding(ctx, query, queryVec, topK)
}

// SearchWithEmbedding runs the hybrid search with a caller-supplied query
// vector, restricted to the memory subtree. Results are deduplicated by
// note, reordered by time-decayed score, and hit stats are recorded off
// the request path.
func (s *Service) SearchWithEmbedding(ctx context.Context, query string, queryVec []float32, topK int) ([]*Memory, error) {
	if topK <= 0 {
		topK = 5
	}
	rootID, err := s.RootFolderID(ctx)
	if err != nil {
		return nil, err
	}
	subtree, err := s.folders.SubtreeIDs(ctx, rootID)
	if err != nil {
		return nil, err
	}
	folderIDs := make([]string, 0, len(subtree))
	for id := range subtree {
		folderIDs = append(folderIDs, id)
	}

	store, err := s.vectors.Get(index.LibraryTable)
	if err != nil {
		return nil, err
	}
	hits, err := store.HybridSearch(ctx, query, queryVec, vector.SearchOptions{
		Limit:     topK * 3,
		FolderIDs: folderIDs,
	})
	if err != nil {
		return nil, err
	}

	// Chunks collapse onto their note, keeping the best chunk score.
	byNote := map[string]*Memory{}
	var order []*Memory
	for _, hit := range hits {
		m, err := s.memoryByResource(ctx, hit.ResourceID)
		if err != nil {
			if errors.IsKind(err, errors.KindNotFound) {
				continue
			}
			return nil, err
		}
		if strings.HasPrefix(m.Title, reservedTitlePrefix) {
			continue
		}
		if seen, ok := byNote[m.NoteID]; ok {
			if hit.Score > seen.Score {
				seen.Score = hit.Score
			}
			continue
		}
		m.Score = hit.Score
		byNote[m.NoteID] = m
		order = append(order, m)
	}

	now := time.Now()
	for _, m := range order {
		m.Score *= decayFactor(m.UpdatedAt, now)
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].Score > order[j].Score })
	if len(order) > topK {
		order = order[:topK]
	}

	if len(order) > 0 {
		ids := make([]string, 0, len(order))
		for _, m := range order {
			ids = append(ids, m.NoteID)
		}
		go s.recordHits(ids)
	}
	return order, nil
}

func decayFactor(updatedAt string, now time.Time) float64 {
	t, err := vfs.ParseISO(updatedAt)
	if err != nil {
		return 1
	}
	ageDays := now.Sub(t).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	return math.Pow(0.5, ageDays/decayHalfLifeDays)
}

func (s *Service) memoryByResource(ctx context.Context, resourceID string) (*Memory, error) {
	var m Memory
	var tagsJSON string
	err := s.pool.QueryRow(ctx, `
SELECT id, resource_id, title, tags, created_at, updated_at
FROM notes WHERE resource_id = ? AND deleted_at IS NULL`, resourceID).
		Scan(&m.NoteID, &m.ResourceID, &m.Title, &tagsJSON, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("memory for resource %s", resourceID)
	}
	if err != nil {
		return nil, errors.Database("load memory", err)
	}
	var tags []string
	_ = json.Unmarshal([]byte(tagsJSON), &tags)
	m.HitCount = hitCount(tags)

	note, err := s.notes.Get(ctx, m.NoteID)
	if err != nil {
		return nil, err
	}
	m.Content = note.Content
	m.FolderID = note.FolderID
	m.FolderPath = note.FolderPath
	return &m, nil
}

// recordHits bumps each note's hit count and last-hit timestamp. The tags
// column is written directly so updated_at stays untouched and the decay
// ordering is not perturbed by reads.
func (s *Service) recordHits(noteIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range noteIDs {
		var tagsJSON string
		if err := s.pool.QueryRow(ctx, "SELECT tags FROM notes WHERE id = ?", id).Scan(&tagsJSON); err != nil {
			continue
		}
		var tags []string
		_ = json.Unmarshal([]byte(tagsJSON), &tags)
		tags = bumpHitTags(tags)
		encoded, _ := json.Marshal(tags)
		if _, err := s.pool.Exec(ctx, "UPDATE notes SET tags = ? WHERE id = ?", string(encoded), id); err != nil {
			s.logger.Warn("record memory hit", "note_id", id, "error", err)
		}
	}
}

func bumpHitTags(tags []string) []string {
	hits := hitCount(tags)
	kept := tags[:0]
	for _, tag := range tags {
		if strings.HasPrefix(tag, tagHitCount) || strings.HasPrefix(tag, tagLastHit) {
			continue
		}
		kept = append(kept, tag)
	}
	kept = append(kept,
		tagHitCount+strconv.Itoa(hits+1),
		tagLastHit+strconv.FormatInt(vfs.NowMillis(), 10))
	return kept
}

func hitCount(tags []string) int {
	for _, tag := range tags {
		if rest, ok := strings.CutPrefix(tag, tagHitCount); ok {
			if n, err := strconv.Atoi(rest); err == nil {
				return n
			}
		}
	}
	return 0
}
