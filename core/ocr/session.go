package ocr

import (
	"context"
	"sync"
	"time"

	"github.com/satchel-app/satchel/core/errors"
)

// SessionConfig controls one session's retry and render behavior.
type SessionConfig struct {
	MaxAttempts int
	BackoffCap  time.Duration
	RenderDPI   int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 20 * time.Second
	}
	if c.RenderDPI <= 0 {
		c.RenderDPI = 144
	}
	return c
}

// Session OCRs one document page by page, streaming progress events.
// Pages are processed in order; the provider call itself goes through the
// shared semaphore so concurrent sessions cannot exceed the global OCR
// request budget. Pause and cancel are observed before every render,
// provider attempt, and backoff sleep.
type Session struct {
	ID string

	doc      []byte
	cfg      SessionConfig
	renderer Renderer
	provider Provider
	cache    *PageCache
	sem      chan struct{}
	events   chan Event

	mu      sync.Mutex
	paused  bool
	pauseCh chan struct{}

	cancelOnce sync.Once
	cancelCh   chan struct{}

	runCtx context.Context

	results map[int]*PageResult
	hashes  map[int]string
	summary *Summary
}

// NewSession wires a session. sem is the shared OCR permit channel; pass
// nil for an unshared 4-permit one.
func NewSession(id string, doc []byte, renderer Renderer, provider Provider, cache *PageCache, sem chan struct{}, cfg SessionConfig) *Session {
	if sem == nil {
		sem = make(chan struct{}, 4)
	}
	return &Session{
		ID:       id,
		doc:      doc,
		cfg:      cfg.withDefaults(),
		renderer: renderer,
		provider: provider,
		cache:    cache,
		sem:      sem,
		events:   make(chan Event, 128),
		cancelCh: make(chan struct{}),
		results:  map[int]*PageResult{},
		hashes:   map[int]string{},
	}
}

// Events is the session's progress stream. It closes after the completed
// event.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Pause suspends the session before its next suspend point. Idempotent.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.pauseCh = make(chan struct{})
	}
}

// Resume releases a paused session. Idempotent.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		close(s.pauseCh)
	}
}

// Cancel stops the session. The final completed event still arrives, with
// cancelled set.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// Results returns the recognized pages and their image hashes, keyed by
// 1-based page number. Valid once the completed event has been emitted.
func (s *Session) Results() (map[int]*PageResult, map[int]string) {
	return s.results, s.hashes
}

// Summary returns the final tallies, nil until the session completes.
func (s *Session) Summary() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Run processes the document. It owns the events channel and closes it on
// return; run it on its own goroutine and consume Events.
func (s *Session) Run(ctx context.Context) {
	defer close(s.events)
	s.runCtx = ctx

	summary := &Summary{}
	defer func() {
		s.mu.Lock()
		s.summary = summary
		s.mu.Unlock()
	}()

	total, err := s.renderer.PageCount(ctx, s.doc)
	if err != nil {
		summary.HasFailures = true
		s.emit(Event{Type: EventCompleted, Error: err.Error(), Summary: summary})
		return
	}
	summary.TotalPages = total
	s.emit(Event{Type: EventStarted, Total: total})

	rendered := 0
	for page := 1; page <= total; page++ {
		if s.interrupted(ctx) {
			summary.Cancelled = true
			break
		}
		if !s.waitIfPaused(ctx) {
			summary.Cancelled = true
			break
		}

		img, renderErr := s.renderer.RenderPage(ctx, s.doc, page, s.cfg.RenderDPI)
		if renderErr != nil {
			summary.RenderFailedCount++
			summary.RenderFailedPages = append(summary.RenderFailedPages, page)
			s.emit(Event{Type: EventPageRenderFailed, PageIndex: page, Error: renderErr.Error()})
			continue
		}
		rendered++
		s.emit(Event{Type: EventPageRendered, PageIndex: page, Rendered: rendered, Total: total})

		hash := ""
		if s.cache != nil {
			if h, putErr := s.cache.Put(img.Data, img.MimeType); putErr == nil {
				hash = h
			}
		}

		cached := false
		var result *PageResult
		if hash != "" {
			if got, getErr := s.cache.GetResult(hash); getErr == nil {
				result = got
				cached = true
			}
		}
		if result == nil {
			result, err = s.recognize(ctx, img)
			if err != nil {
				if s.interrupted(ctx) {
					summary.Cancelled = true
					break
				}
				summary.FailedCount++
				summary.FailedPages = append(summary.FailedPages, page)
				s.emit(Event{Type: EventPageFailed, PageIndex: page, Error: err.Error()})
				continue
			}
			if hash != "" {
				_ = s.cache.PutResult(hash, result)
			}
		}

		result.PageIndex = page
		if result.Width == 0 {
			result.Width = img.Width
			result.Height = img.Height
		}
		s.results[page] = result
		s.hashes[page] = hash
		summary.SuccessCount++
		s.emit(Event{
			Type:      EventPageCompleted,
			PageIndex: page,
			Completed: summary.SuccessCount,
			Total:     total,
			Cached:    cached,
			Page:      result,
		})
	}

	summary.HasFailures = summary.FailedCount > 0 || summary.RenderFailedCount > 0
	s.emit(Event{Type: EventCompleted, Summary: summary})
}

// recognize runs the provider with the per-page retry loop. Only
// rate-limit and network failures retry; anything else fails the page
// immediately.
func (s *Session) recognize(ctx context.Context, img *RenderedPage) (*PageResult, error) {
	policy := &errors.RetryPolicy{
		MaxAttempts:  s.cfg.MaxAttempts,
		InitialDelay: time.Second,
		MaxDelay:     s.cfg.BackoffCap,
		Multiplier:   2.0,
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if !s.waitIfPaused(ctx) {
			return nil, ctx.Err()
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.cancelCh:
			return nil, context.Canceled
		}
		result, err := s.provider.Recognize(ctx, img.Data, img.MimeType)
		<-s.sem
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) || attempt == policy.MaxAttempts {
			break
		}

		delay := errors.CalculateDelay(attempt-1, policy)
		var te *errors.Error
		if errors.As(err, &te) && te.RetryAfter > 0 && te.RetryAfter < delay {
			delay = te.RetryAfter
		}
		s.emit(Event{
			Type:        EventRetrying,
			Attempt:     attempt,
			MaxAttempts: policy.MaxAttempts,
			BackoffMS:   delay.Milliseconds(),
			Hint:        errors.UserMessage(err),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.cancelCh:
			return nil, context.Canceled
		}
	}
	return nil, lastErr
}

// waitIfPaused blocks while the session is paused. Returns false when the
// wait ended because of cancellation.
func (s *Session) waitIfPaused(ctx context.Context) bool {
	for {
		s.mu.Lock()
		paused := s.paused
		ch := s.pauseCh
		s.mu.Unlock()
		if !paused {
			return true
		}
		s.emit(Event{Type: EventPaused})
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		case <-s.cancelCh:
			return false
		}
	}
}

func (s *Session) interrupted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

func (s *Session) emit(ev Event) {
	ev.SessionID = s.ID
	select {
	case s.events <- ev:
		return
	default:
	}
	// Buffer full: block, but never past cancellation.
	select {
	case s.events <- ev:
	case <-s.runCtx.Done():
	case <-s.cancelCh:
	}
}
