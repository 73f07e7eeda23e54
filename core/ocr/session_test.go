package ocr

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/storage"
)

type fakeRenderer struct {
	pages    int
	failPage int
}

func (r *fakeRenderer) PageCount(ctx context.Context, doc []byte) (int, error) {
	return r.pages, nil
}

func (r *fakeRenderer) RenderPage(ctx context.Context, doc []byte, page, dpi int) (*RenderedPage, error) {
	if page == r.failPage {
		return nil, fmt.Errorf("render page %d", page)
	}
	return &RenderedPage{
		Data:     []byte(fmt.Sprintf("%s/page-%d", doc, page)),
		MimeType: "image/png",
		Width:    850,
		Height:   1100,
	}, nil
}

// fakeProvider consumes errs one per call, then succeeds. gate, when set,
// blocks each call until the channel closes.
type fakeProvider struct {
	calls atomic.Int64
	errs  []error
	gate  chan struct{}
}

func (p *fakeProvider) Recognize(ctx context.Context, image []byte, mimeType string) (*PageResult, error) {
	n := int(p.calls.Add(1))
	if p.gate != nil {
		<-p.gate
	}
	if n <= len(p.errs) && p.errs[n-1] != nil {
		return nil, p.errs[n-1]
	}
	return &PageResult{Blocks: []Block{{Text: "text of " + string(image)}}}, nil
}

func runSession(t *testing.T, session *Session) []Event {
	t.Helper()
	done := make(chan struct{})
	var events []Event
	go func() {
		defer close(done)
		for ev := range session.Events() {
			events = append(events, ev)
		}
	}()
	session.Run(context.Background())
	<-done
	return events
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestSessionEventOrder(t *testing.T) {
	renderer := &fakeRenderer{pages: 3, failPage: 2}
	provider := &fakeProvider{}
	session := NewSession("s1", []byte("doc"), renderer, provider, nil, nil, SessionConfig{})

	events := runSession(t, session)

	require.Equal(t, []EventType{
		EventStarted,
		EventPageRendered,
		EventPageCompleted,
		EventPageRenderFailed,
		EventPageRendered,
		EventPageCompleted,
		EventCompleted,
	}, eventTypes(events))

	assert.Equal(t, 3, events[0].Total)

	assert.Equal(t, 1, events[1].PageIndex)
	assert.Equal(t, 1, events[1].Rendered)
	assert.Equal(t, 1, events[2].PageIndex)
	assert.Equal(t, 1, events[2].Completed)
	require.NotNil(t, events[2].Page)
	assert.Equal(t, "text of doc/page-1", events[2].Page.Text())

	assert.Equal(t, 2, events[3].PageIndex)
	assert.NotEmpty(t, events[3].Error)

	assert.Equal(t, 3, events[4].PageIndex)
	assert.Equal(t, 2, events[4].Rendered)
	assert.Equal(t, 3, events[5].PageIndex)
	assert.Equal(t, 2, events[5].Completed)

	summary := events[6].Summary
	require.NotNil(t, summary)
	assert.Equal(t, 3, summary.TotalPages)
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 1, summary.RenderFailedCount)
	assert.Equal(t, []int{2}, summary.RenderFailedPages)
	assert.True(t, summary.HasFailures)
	assert.False(t, summary.Cancelled)

	results, _ := session.Results()
	assert.Len(t, results, 2)
	assert.Equal(t, 1, results[1].PageIndex)
	assert.Equal(t, 850, results[1].Width)
}

func TestSessionRetriesRateLimit(t *testing.T) {
	renderer := &fakeRenderer{pages: 1}
	provider := &fakeProvider{errs: []error{
		errors.RateLimited("slow down", 2*time.Millisecond),
		errors.RateLimited("slow down", 2*time.Millisecond),
	}}
	session := NewSession("s2", []byte("doc"), renderer, provider, nil, nil, SessionConfig{MaxAttempts: 3})

	events := runSession(t, session)

	var retries []Event
	for _, ev := range events {
		if ev.Type == EventRetrying {
			retries = append(retries, ev)
		}
	}
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 2, retries[1].Attempt)
	assert.Equal(t, 3, retries[0].MaxAttempts)
	assert.Equal(t, int64(2), retries[0].BackoffMS)
	assert.NotEmpty(t, retries[0].Hint)

	assert.EqualValues(t, 3, provider.calls.Load())
	summary := session.Summary()
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.False(t, summary.HasFailures)
}

func TestSessionFailsPageWithoutRetry(t *testing.T) {
	renderer := &fakeRenderer{pages: 1}
	provider := &fakeProvider{errs: []error{errors.LLM("model refused", nil)}}
	session := NewSession("s3", []byte("doc"), renderer, provider, nil, nil, SessionConfig{MaxAttempts: 3})

	events := runSession(t, session)

	assert.EqualValues(t, 1, provider.calls.Load(), "non-retryable errors must not retry")
	var failed *Event
	for i := range events {
		if events[i].Type == EventPageFailed {
			failed = &events[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, 1, failed.PageIndex)

	summary := session.Summary()
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.FailedCount)
	assert.Equal(t, []int{1}, summary.FailedPages)
	assert.True(t, summary.HasFailures)
}

func TestSessionCachedSecondRun(t *testing.T) {
	dirs := storage.DirsAt(t.TempDir())
	require.NoError(t, dirs.EnsureAll())
	cache, err := OpenPageCache(dirs, 0, 0)
	require.NoError(t, err)
	defer cache.Close()

	renderer := &fakeRenderer{pages: 2}
	provider := &fakeProvider{}

	first := NewSession("s4", []byte("doc"), renderer, provider, cache, nil, SessionConfig{})
	runSession(t, first)
	require.EqualValues(t, 2, provider.calls.Load())

	second := NewSession("s5", []byte("doc"), renderer, provider, cache, nil, SessionConfig{})
	events := runSession(t, second)

	assert.EqualValues(t, 2, provider.calls.Load(), "identical pages must hit the result cache")
	cachedPages := 0
	for _, ev := range events {
		if ev.Type == EventPageCompleted {
			assert.True(t, ev.Cached)
			cachedPages++
		}
	}
	assert.Equal(t, 2, cachedPages)

	summary := second.Summary()
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.SuccessCount)
}

func TestSessionPauseResume(t *testing.T) {
	renderer := &fakeRenderer{pages: 2}
	provider := &fakeProvider{}
	session := NewSession("s6", []byte("doc"), renderer, provider, nil, nil, SessionConfig{})
	session.Pause()

	done := make(chan []Event)
	go func() {
		var events []Event
		for ev := range session.Events() {
			events = append(events, ev)
			if ev.Type == EventPaused {
				session.Resume()
			}
		}
		done <- events
	}()
	session.Run(context.Background())
	events := <-done

	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, EventPaused, events[1].Type)
	assert.Equal(t, EventPageRendered, events[2].Type)

	summary := session.Summary()
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.SuccessCount)
	assert.False(t, summary.Cancelled)
}

func TestSessionCancel(t *testing.T) {
	renderer := &fakeRenderer{pages: 3}
	gate := make(chan struct{})
	provider := &fakeProvider{gate: gate}
	session := NewSession("s7", []byte("doc"), renderer, provider, nil, nil, SessionConfig{})

	go session.Run(context.Background())
	gate <- struct{}{} // release page 1

	var events []Event
	for ev := range session.Events() {
		events = append(events, ev)
		if ev.Type == EventPageCompleted && ev.PageIndex == 1 {
			session.Cancel()
			// Unblock any in-flight provider call; the cancel is already
			// visible, so page 3 never starts.
			close(gate)
		}
	}

	summary := session.Summary()
	require.NotNil(t, summary)
	assert.True(t, summary.Cancelled)
	assert.Less(t, summary.SuccessCount, 3)
	for _, ev := range events {
		assert.NotEqual(t, 3, ev.PageIndex, "no page 3 work after cancel")
	}
}

func TestExamOutcomeConversion(t *testing.T) {
	dirs := storage.DirsAt(t.TempDir())
	require.NoError(t, dirs.EnsureAll())
	cache, err := OpenPageCache(dirs, 0, 0)
	require.NoError(t, err)
	defer cache.Close()

	renderer := &fakeRenderer{pages: 3, failPage: 2}
	provider := &fakeProvider{}
	session := NewSession("s8", []byte("doc"), renderer, provider, cache, nil, SessionConfig{})
	runSession(t, session)

	preview, ocrPages := ExamOutcome(session)
	require.NotNil(t, preview)
	require.Len(t, preview.Pages, 2)
	assert.Equal(t, 0, preview.Pages[0].PageIndex)
	assert.Equal(t, 2, preview.Pages[1].PageIndex)
	assert.NotEmpty(t, preview.Pages[0].BlobHash)
	require.Len(t, preview.Pages[0].Cards, 1)
	assert.Equal(t, "text of doc/page-1", preview.Pages[0].Cards[0].Text)

	require.Len(t, ocrPages, 3)
	require.NotNil(t, ocrPages[0])
	assert.Nil(t, ocrPages[1], "failed page stays null")
	require.NotNil(t, ocrPages[2])
	assert.Equal(t, "text of doc/page-1", *ocrPages[0])

	// The cached images round-trip through the blob hashes.
	data, err := cache.Get(preview.Pages[0].BlobHash)
	require.NoError(t, err)
	assert.Equal(t, []byte("doc/page-1"), data)
}

func TestPageCacheEviction(t *testing.T) {
	dirs := storage.DirsAt(t.TempDir())
	require.NoError(t, dirs.EnsureAll())
	cache, err := OpenPageCache(dirs, 64, 128)
	require.NoError(t, err)
	defer cache.Close()

	var hashes []string
	for i := 0; i < 4; i++ {
		data := make([]byte, 48)
		for j := range data {
			data[j] = byte(i + 1)
		}
		hash, err := cache.Put(data, "image/png")
		require.NoError(t, err)
		require.NoError(t, cache.PutResult(hash, &PageResult{Blocks: []Block{{Text: "x"}}}))
		hashes = append(hashes, hash)
		time.Sleep(2 * time.Millisecond)
	}

	total, err := cache.TotalSize()
	require.NoError(t, err)
	assert.EqualValues(t, 192, total)

	evicted, err := cache.Evict()
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)

	assert.False(t, cache.Has(hashes[0]), "oldest pages evicted first")
	assert.False(t, cache.Has(hashes[1]))
	assert.True(t, cache.Has(hashes[2]))
	assert.True(t, cache.Has(hashes[3]))

	_, err = cache.GetResult(hashes[0])
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
	_, err = cache.GetResult(hashes[3])
	assert.NoError(t, err)

	// Under the hard cap nothing moves.
	evicted, err = cache.Evict()
	require.NoError(t, err)
	assert.Zero(t, evicted)
}
