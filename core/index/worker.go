package index

import (
	"context"
	"log/slog"
	"time"
)

// Worker drains the pending queue on a single goroutine. Writers call
// Notify after marking a resource pending; the buffered channel collapses
// bursts into one wakeup, and the poll interval catches anything missed.
type Worker struct {
	service *Service
	wake    chan struct{}
	logger  *slog.Logger
}

func NewWorker(service *Service, logger *slog.Logger) *Worker {
	return &Worker{
		service: service,
		wake:    make(chan struct{}, 1),
		logger:  logger.With("component", "index-worker"),
	}
}

// Notify wakes the worker. Safe from any goroutine, never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run loops until the context is cancelled. While a drain pass picks up
// work it loops immediately; an empty pass goes back to waiting.
func (w *Worker) Run(ctx context.Context) {
	for {
		drained, err := w.service.DrainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("drain pass", "error", err)
		}
		if drained > 0 {
			continue
		}

		interval := w.service.config().Indexing.PollInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(interval):
		}
	}
}
