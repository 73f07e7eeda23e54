package ocr

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/satchel-app/satchel/core/config"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/library"
)

// Manager tracks running sessions and owns the global OCR permit pool.
type Manager struct {
	renderer Renderer
	provider Provider
	cache    *PageCache
	config   func() *config.Config
	logger   *slog.Logger
	sem      chan struct{}

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(renderer Renderer, provider Provider, cache *PageCache, cfg func() *config.Config, logger *slog.Logger) *Manager {
	concurrency := cfg().OCR.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Manager{
		renderer: renderer,
		provider: provider,
		cache:    cache,
		config:   cfg,
		logger:   logger.With("component", "ocr"),
		sem:      make(chan struct{}, concurrency),
		sessions: map[string]*Session{},
	}
}

// Start launches a session over doc and returns it with its event stream
// already running. The session unregisters itself when it finishes, and a
// budget sweep runs on the cache afterwards.
func (m *Manager) Start(ctx context.Context, doc []byte) (*Session, error) {
	if len(doc) == 0 {
		return nil, errors.InvalidArgument("empty document")
	}
	cfg := m.config()
	session := NewSession(uuid.NewString(), doc, m.renderer, m.provider, m.cache, m.sem, SessionConfig{
		MaxAttempts: cfg.OCR.MaxAttempts,
		BackoffCap:  cfg.OCR.BackoffCap,
		RenderDPI:   cfg.OCR.RenderDPI,
	})

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	go func() {
		session.Run(ctx)
		m.mu.Lock()
		delete(m.sessions, session.ID)
		m.mu.Unlock()
		if m.cache != nil {
			if evicted, err := m.cache.Evict(); err != nil {
				m.logger.Warn("page cache eviction", "error", err)
			} else if evicted > 0 {
				m.logger.Info("page cache evicted", "pages", evicted)
			}
		}
	}()
	return session, nil
}

// Get returns a running session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, errors.NotFound("ocr session %s", id)
	}
	return session, nil
}

func (m *Manager) Pause(id string) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	session.Pause()
	return nil
}

func (m *Manager) Resume(id string) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	session.Resume()
	return nil
}

func (m *Manager) Cancel(id string) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	session.Cancel()
	return nil
}

// ExamOutcome converts a finished session's results into the exam preview
// and nullable per-page OCR array. Session pages are 1-based; preview page
// indexes are 0-based, and pages that failed stay nil in the OCR array.
func ExamOutcome(session *Session) (*library.ExamPreview, []*string) {
	summary := session.Summary()
	if summary == nil {
		return nil, nil
	}
	results, hashes := session.Results()

	preview := &library.ExamPreview{}
	ocrPages := make([]*string, summary.TotalPages)
	for page := 1; page <= summary.TotalPages; page++ {
		result, ok := results[page]
		if !ok {
			continue
		}
		cards := make([]library.ExamCard, 0, len(result.Blocks))
		for _, block := range result.Blocks {
			cards = append(cards, library.ExamCard{Text: block.Text})
		}
		preview.Pages = append(preview.Pages, library.ExamPreviewPage{
			PageIndex: page - 1,
			BlobHash:  hashes[page],
			Width:     result.Width,
			Height:    result.Height,
			MimeType:  "image/png",
			Cards:     cards,
		})
		text := result.Text()
		ocrPages[page-1] = &text
	}
	return preview, ocrPages
}

// FileOutcome converts a finished session into a PDF preview plus the
// nullable per-page OCR array for a library file.
func FileOutcome(session *Session) (*library.PDFPreview, []*string) {
	summary := session.Summary()
	if summary == nil {
		return nil, nil
	}
	results, hashes := session.Results()

	preview := &library.PDFPreview{TotalPages: summary.TotalPages}
	ocrPages := make([]*string, summary.TotalPages)
	for page := 1; page <= summary.TotalPages; page++ {
		result, ok := results[page]
		if !ok {
			continue
		}
		preview.Pages = append(preview.Pages, library.PDFPreviewPage{
			PageIndex: page - 1,
			BlobHash:  hashes[page],
			Width:     result.Width,
			Height:    result.Height,
			MimeType:  "image/png",
		})
		text := result.Text()
		ocrPages[page-1] = &text
	}
	return preview, ocrPages
}
