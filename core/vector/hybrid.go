package vector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/satchel-app/satchel/core/errors"
)

// VectorBackend is the similarity side of a hybrid store.
type VectorBackend interface {
	Upsert(ctx context.Context, records []Record) error
	DeleteByResource(ctx context.Context, resourceID string) error
	VectorSearch(ctx context.Context, queryVec []float32, opts SearchOptions) ([]SearchResult, error)
	Close() error
}

// Store is a hybrid text+vector index for one logical table. Bleve
// always serves the text side; the vector side is either the bleve
// mirror or an external qdrant collection.
type Store struct {
	table   string
	text    *BleveStore
	vectors VectorBackend
	logger  *slog.Logger
}

// NewStore wires a hybrid store. If backend is nil the bleve store
// doubles as the vector side.
func NewStore(table string, text *BleveStore, backend VectorBackend, logger *slog.Logger) *Store {
	if backend == nil {
		backend = text
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{table: table, text: text, vectors: backend, logger: logger}
}

func (s *Store) Table() string { return s.table }

// Upsert writes records to both sides. The text index is authoritative;
// a vector-side failure is returned after the text write so the caller
// can mark the resource failed and retry.
func (s *Store) Upsert(ctx context.Context, records []Record) error {
	if err := s.text.Upsert(ctx, records); err != nil {
		return err
	}
	if s.vectors != VectorBackend(s.text) {
		return s.vectors.Upsert(ctx, records)
	}
	return nil
}

// DeleteByResource removes a resource's chunks from both sides.
func (s *Store) DeleteByResource(ctx context.Context, resourceID string) error {
	textErr := s.text.DeleteByResource(ctx, resourceID)
	if s.vectors != VectorBackend(s.text) {
		if err := s.vectors.DeleteByResource(ctx, resourceID); err != nil {
			return err
		}
	}
	return textErr
}

// HybridSearch runs text and vector retrieval in parallel and fuses the
// ranks with RRF. Either side may be empty: a query without an embedding
// degrades to pure text search and vice versa.
func (s *Store) HybridSearch(ctx context.Context, query string, queryVec []float32, opts SearchOptions) ([]SearchResult, error) {
	var (
		wg         sync.WaitGroup
		textHits   []SearchResult
		vectorHits []SearchResult
		textErr    error
		vectorErr  error
	)

	if query != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			textHits, textErr = s.text.TextSearch(ctx, query, opts)
		}()
	}
	if len(queryVec) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vectorHits, vectorErr = s.vectors.VectorSearch(ctx, queryVec, opts)
		}()
	}
	wg.Wait()

	if textErr != nil && vectorErr != nil {
		return nil, errors.Join(textErr, vectorErr)
	}
	// One failing side degrades to the other rather than failing the
	// whole search.
	if textErr != nil {
		s.logger.Warn("text search failed, using vector results only", "table", s.table, "error", textErr)
	}
	if vectorErr != nil {
		s.logger.Warn("vector search failed, using text results only", "table", s.table, "error", vectorErr)
	}

	return fuseRRF(vectorHits, textHits, opts.Limit), nil
}

func (s *Store) Close() error {
	var errs []error
	if s.vectors != VectorBackend(s.text) {
		if err := s.vectors.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.text.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Manager opens hybrid stores addressed by table name and caches them.
type Manager struct {
	dir     string
	backend func(table string) (VectorBackend, error)
	logger  *slog.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager creates a store manager rooted at dir. backendFactory may
// be nil, in which case every table runs on bleve alone.
func NewManager(dir string, backendFactory func(table string) (VectorBackend, error), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:     dir,
		backend: backendFactory,
		logger:  logger,
		stores:  make(map[string]*Store),
	}
}

// Get returns the store for a table, opening it on first use.
func (m *Manager) Get(table string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if store, ok := m.stores[table]; ok {
		return store, nil
	}

	text, err := OpenBleveStore(m.dir, table)
	if err != nil {
		return nil, err
	}

	var backend VectorBackend
	if m.backend != nil {
		backend, err = m.backend(table)
		if err != nil {
			m.logger.Warn("vector backend unavailable, falling back to bleve", "table", table, "error", err)
			backend = nil
		}
	}

	store := NewStore(table, text, backend, m.logger)
	m.stores[table] = store
	return store, nil
}

func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for table, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.stores, table)
	}
	return errors.Join(errs...)
}
