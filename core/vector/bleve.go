package vector

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/satchel-app/satchel/core/embedding"
	"github.com/satchel-app/satchel/core/errors"
)

// BleveStore is the default backend. Bleve carries the full-text side;
// vectors are stored alongside each document and mirrored in memory for
// brute-force cosine scoring, which is fine at single-user scale.
type BleveStore struct {
	path  string
	index bleve.Index

	mu      sync.RWMutex
	vectors map[string]storedVector
	closed  bool
}

type storedVector struct {
	vector     []float32
	resourceID string
	chunkIndex int
	pageIndex  int
	sourceType string
	folderID   string
	text       string
}

type bleveDoc struct {
	ResourceID string `json:"resource_id"`
	ChunkIndex int    `json:"chunk_index"`
	PageIndex  int    `json:"page_index"`
	SourceType string `json:"source_type"`
	FolderID   string `json:"folder_id"`
	Text       string `json:"text"`
	VectorB64  string `json:"vector_b64"`
	CreatedAt  int64  `json:"created_at"`
}

// OpenBleveStore opens or creates the index for one logical table and
// warms the in-memory vector mirror from stored documents.
func OpenBleveStore(dir, table string) (*BleveStore, error) {
	path := filepath.Join(dir, table+".bleve")

	var index bleve.Index
	if _, err := os.Stat(path); os.IsNotExist(err) {
		index, err = bleve.New(path, buildMapping())
		if err != nil {
			return nil, errors.Wrap(errors.KindDatabase, "create search index", err)
		}
	} else {
		var err error
		index, err = bleve.Open(path)
		if err != nil {
			return nil, errors.Wrap(errors.KindDatabase, "open search index", err)
		}
	}

	store := &BleveStore{
		path:    path,
		index:   index,
		vectors: make(map[string]storedVector),
	}
	if err := store.warm(); err != nil {
		index.Close()
		return nil, err
	}
	return store, nil
}

func buildMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Store = true
	doc.AddFieldMappingsAt("text", text)

	keyword := func() *mapping.FieldMapping {
		f := bleve.NewKeywordFieldMapping()
		f.Store = true
		return f
	}
	doc.AddFieldMappingsAt("resource_id", keyword())
	doc.AddFieldMappingsAt("source_type", keyword())
	doc.AddFieldMappingsAt("folder_id", keyword())

	vec := bleve.NewKeywordFieldMapping()
	vec.Store = true
	vec.Index = false
	doc.AddFieldMappingsAt("vector_b64", vec)

	num := bleve.NewNumericFieldMapping()
	num.Store = true
	doc.AddFieldMappingsAt("chunk_index", num)
	doc.AddFieldMappingsAt("page_index", num)
	doc.AddFieldMappingsAt("created_at", num)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// warm loads stored vectors into the mirror by paging over all docs.
func (s *BleveStore) warm() error {
	const pageSize = 1000
	from := 0
	for {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), pageSize, from, false)
		req.Fields = []string{"*"}
		res, err := s.index.Search(req)
		if err != nil {
			return errors.Wrap(errors.KindDatabase, "warm vector mirror", err)
		}
		for _, hit := range res.Hits {
			sv, ok := storedVectorFromFields(hit.Fields)
			if ok {
				s.vectors[hit.ID] = sv
			}
		}
		if len(res.Hits) < pageSize {
			return nil
		}
		from += pageSize
	}
}

func storedVectorFromFields(fields map[string]any) (storedVector, bool) {
	sv := storedVector{
		resourceID: stringField(fields, "resource_id"),
		sourceType: stringField(fields, "source_type"),
		folderID:   stringField(fields, "folder_id"),
		text:       stringField(fields, "text"),
		chunkIndex: intField(fields, "chunk_index"),
		pageIndex:  intField(fields, "page_index"),
	}
	b64 := stringField(fields, "vector_b64")
	if b64 == "" {
		return sv, sv.resourceID != ""
	}
	vec, err := decodeVector(b64)
	if err != nil {
		return sv, false
	}
	sv.vector = vec
	return sv, true
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func intField(fields map[string]any, key string) int {
	if v, ok := fields[key].(float64); ok {
		return int(v)
	}
	return 0
}

// Upsert writes records into both the text index and the vector mirror
// in one batch.
func (s *BleveStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.InvalidOperation("vector store is closed")
	}

	batch := s.index.NewBatch()
	for _, rec := range records {
		doc := bleveDoc{
			ResourceID: rec.ResourceID,
			ChunkIndex: rec.ChunkIndex,
			PageIndex:  rec.PageIndex,
			SourceType: rec.SourceType,
			FolderID:   rec.FolderID,
			Text:       rec.Text,
			VectorB64:  encodeVector(rec.Vector),
			CreatedAt:  rec.CreatedAt,
		}
		if err := batch.Index(rec.ID(), doc); err != nil {
			return errors.Wrap(errors.KindDatabase, "batch index record", err)
		}
	}
	if err := s.index.Batch(batch); err != nil {
		return errors.Wrap(errors.KindDatabase, "commit index batch", err)
	}

	for _, rec := range records {
		s.vectors[rec.ID()] = storedVector{
			vector:     rec.Vector,
			resourceID: rec.ResourceID,
			chunkIndex: rec.ChunkIndex,
			pageIndex:  rec.PageIndex,
			sourceType: rec.SourceType,
			folderID:   rec.FolderID,
			text:       rec.Text,
		}
	}
	return nil
}

// DeleteByResource removes every chunk of a resource.
func (s *BleveStore) DeleteByResource(ctx context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.InvalidOperation("vector store is closed")
	}

	batch := s.index.NewBatch()
	for id, sv := range s.vectors {
		if sv.resourceID == resourceID {
			batch.Delete(id)
			delete(s.vectors, id)
		}
	}
	if batch.Size() == 0 {
		return nil
	}
	if err := s.index.Batch(batch); err != nil {
		return errors.Wrap(errors.KindDatabase, "delete resource records", err)
	}
	return nil
}

// TextSearch runs a query-string search over chunk text.
func (s *BleveStore) TextSearch(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.InvalidOperation("vector store is closed")
	}
	if query == "" {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	textQuery := bleve.NewMatchQuery(query)
	textQuery.SetField("text")

	boolQuery := bleve.NewBooleanQuery()
	boolQuery.AddMust(textQuery)
	if cond := filterQuery("folder_id", opts.FolderIDs); cond != nil {
		boolQuery.AddMust(cond)
	}
	if cond := filterQuery("source_type", opts.SourceTypes); cond != nil {
		boolQuery.AddMust(cond)
	}

	req := bleve.NewSearchRequestOptions(boolQuery, limit*2, 0, false)
	req.Fields = []string{"*"}
	res, err := s.index.Search(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "text search", err)
	}

	results := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, SearchResult{
			ResourceID: stringField(hit.Fields, "resource_id"),
			ChunkIndex: intField(hit.Fields, "chunk_index"),
			PageIndex:  intField(hit.Fields, "page_index"),
			SourceType: stringField(hit.Fields, "source_type"),
			FolderID:   stringField(hit.Fields, "folder_id"),
			Text:       stringField(hit.Fields, "text"),
			TextScore:  hit.Score,
		})
	}
	return results, nil
}

// VectorSearch scores the query vector against the mirror.
func (s *BleveStore) VectorSearch(ctx context.Context, queryVec []float32, opts SearchOptions) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.InvalidOperation("vector store is closed")
	}
	if len(queryVec) == 0 {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	folderSet := toSet(opts.FolderIDs)
	typeSet := toSet(opts.SourceTypes)

	var results []SearchResult
	for _, sv := range s.vectors {
		if len(sv.vector) != len(queryVec) {
			continue
		}
		if folderSet != nil && !folderSet[sv.folderID] {
			continue
		}
		if typeSet != nil && !typeSet[sv.sourceType] {
			continue
		}
		score := float64(embedding.Cosine(queryVec, sv.vector))
		results = append(results, SearchResult{
			ResourceID:  sv.resourceID,
			ChunkIndex:  sv.chunkIndex,
			PageIndex:   sv.pageIndex,
			SourceType:  sv.sourceType,
			FolderID:    sv.folderID,
			Text:        sv.text,
			VectorScore: score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].VectorScore > results[j].VectorScore
	})
	if len(results) > limit*2 {
		results = results[:limit*2]
	}
	return results, nil
}

func (s *BleveStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.index.Close()
}

// filterQuery builds a disjunction of term matches, or nil when the
// filter is empty.
func filterQuery(field string, values []string) query.Query {
	if len(values) == 0 {
		return nil
	}
	disjunction := bleve.NewDisjunctionQuery()
	for _, v := range values {
		term := bleve.NewTermQuery(v)
		term.SetField(field)
		disjunction.AddQuery(term)
	}
	return disjunction
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func encodeVector(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeVector(b64 string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.InvalidArgument("corrupt stored vector: %v", err)
	}
	if len(buf)%4 != 0 {
		return nil, errors.InvalidArgument("corrupt stored vector length %d", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
