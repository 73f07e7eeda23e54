package vector

import (
	"fmt"
	"sort"
)

// Record is one indexed chunk or page. ID is derived from the resource
// and chunk position so re-indexing overwrites instead of duplicating.
type Record struct {
	ResourceID string   `json:"resource_id"`
	ChunkIndex int      `json:"chunk_index"`
	PageIndex  int      `json:"page_index"`
	SourceType string   `json:"source_type"`
	FolderID   string   `json:"folder_id,omitempty"`
	Text       string   `json:"text"`
	Tags       []string `json:"tags,omitempty"`
	Vector     []float32
	CreatedAt  int64 `json:"created_at"`
}

// ID returns the stable point id for this record.
func (r Record) ID() string {
	return fmt.Sprintf("%s:%d", r.ResourceID, r.ChunkIndex)
}

// SearchOptions scope a hybrid search.
type SearchOptions struct {
	// Limit caps the fused result count. Zero means DefaultSearchLimit.
	Limit int

	// FolderIDs restricts matches to records in these folders.
	FolderIDs []string

	// SourceTypes restricts matches to these resource types.
	SourceTypes []string
}

const DefaultSearchLimit = 10

// SearchResult is one hit, either from text, vector, or both ranks.
type SearchResult struct {
	ResourceID  string  `json:"resource_id"`
	ChunkIndex  int     `json:"chunk_index"`
	PageIndex   int     `json:"page_index"`
	SourceType  string  `json:"source_type"`
	FolderID    string  `json:"folder_id,omitempty"`
	Text        string  `json:"text"`
	Score       float64 `json:"score"`
	TextScore   float64 `json:"text_score,omitempty"`
	VectorScore float64 `json:"vector_score,omitempty"`
	SourceCount int     `json:"source_count"`
}

// rrfConstant is the k constant for Reciprocal Rank Fusion. 60 is the
// standard choice in IR literature.
const rrfConstant = 60

// fuseRRF merges vector and text ranks by reciprocal rank. A hit present
// in both lists accumulates both contributions.
func fuseRRF(vectorHits, textHits []SearchResult, limit int) []SearchResult {
	merged := make(map[string]*SearchResult)
	scores := make(map[string]float64)

	key := func(r SearchResult) string {
		return fmt.Sprintf("%s:%d", r.ResourceID, r.ChunkIndex)
	}

	for rank, hit := range vectorHits {
		h := hit
		h.SourceCount = 1
		merged[key(hit)] = &h
		scores[key(hit)] = 1.0 / float64(rrfConstant+rank+1)
	}
	for rank, hit := range textHits {
		k := key(hit)
		rrf := 1.0 / float64(rrfConstant+rank+1)
		if existing, ok := merged[k]; ok {
			existing.TextScore = hit.TextScore
			existing.SourceCount = 2
			scores[k] += rrf
			continue
		}
		h := hit
		h.SourceCount = 1
		merged[k] = &h
		scores[k] = rrf
	}

	results := make([]SearchResult, 0, len(merged))
	for k, hit := range merged {
		hit.Score = scores[k]
		results = append(results, *hit)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return key(results[i]) < key(results[j])
	})

	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
