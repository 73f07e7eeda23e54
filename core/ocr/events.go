package ocr

import "context"

// EventType identifies what a session event reports.
type EventType string

const (
	EventStarted          EventType = "started"
	EventPaused           EventType = "paused"
	EventRetrying         EventType = "retrying"
	EventPageRendered     EventType = "page_rendered"
	EventPageRenderFailed EventType = "page_render_failed"
	EventPageCompleted    EventType = "page_completed"
	EventPageFailed       EventType = "page_failed"
	EventCompleted        EventType = "completed"
)

// Event is one progress update from a running session. Pages are numbered
// from 1 in events, matching how readers count pages.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`

	// Page progress. Rendered and Completed are running counts.
	PageIndex int  `json:"page_index,omitempty"`
	Rendered  int  `json:"rendered,omitempty"`
	Completed int  `json:"completed,omitempty"`
	Total     int  `json:"total,omitempty"`
	Cached    bool `json:"cached,omitempty"`

	// Retry progress.
	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BackoffMS   int64  `json:"backoff_ms,omitempty"`
	Hint        string `json:"hint,omitempty"`

	Error string      `json:"error,omitempty"`
	Page  *PageResult `json:"page_result,omitempty"`

	// Final tallies, set on the completed event.
	Summary *Summary `json:"summary,omitempty"`
}

// Summary is the terminal accounting of a session.
type Summary struct {
	TotalPages        int   `json:"total_pages"`
	SuccessCount      int   `json:"success_count"`
	FailedCount       int   `json:"failed_count"`
	RenderFailedCount int   `json:"render_failed_count"`
	RenderFailedPages []int `json:"render_failed_pages,omitempty"`
	FailedPages       []int `json:"failed_pages,omitempty"`
	HasFailures       bool  `json:"has_failures"`
	Cancelled         bool  `json:"cancelled"`
}

// PageResult is the recognized content of one page.
type PageResult struct {
	PageIndex int     `json:"page_index"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	Blocks    []Block `json:"blocks"`
}

// Block is one recognized text region.
type Block struct {
	Text string    `json:"text"`
	BBox []float64 `json:"bbox,omitempty"`
}

// Text joins the page's block texts into one transcript.
func (r *PageResult) Text() string {
	out := ""
	for i, b := range r.Blocks {
		if i > 0 {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// RenderedPage is a page rasterized for OCR.
type RenderedPage struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// Renderer rasterizes document pages. Implementations wrap an external
// PDF renderer; images pass through as a single page.
type Renderer interface {
	PageCount(ctx context.Context, doc []byte) (int, error)
	RenderPage(ctx context.Context, doc []byte, pageNumber, dpi int) (*RenderedPage, error)
}

// Provider recognizes the text on one page image.
type Provider interface {
	Recognize(ctx context.Context, image []byte, mimeType string) (*PageResult, error)
}
