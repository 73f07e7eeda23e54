package providers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/satchel-app/satchel/core/errors"
)

// Watchdog limits.
const (
	DefaultChunkTimeout  = 60 * time.Second
	DefaultMaxStreamTime = 10 * time.Minute
)

// WatchdogConfig bounds a single stream: ChunkTimeout is the maximum gap
// between chunks, MaxStreamTime the total stream duration.
type WatchdogConfig struct {
	ChunkTimeout  time.Duration
	MaxStreamTime time.Duration
}

// DefaultWatchdogConfig returns a config with default limits.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		ChunkTimeout:  DefaultChunkTimeout,
		MaxStreamTime: DefaultMaxStreamTime,
	}
}

// WatchStream runs a streaming request under stall supervision. A monitor
// goroutine cancels the stream when no chunk has arrived within
// ChunkTimeout or the stream exceeds MaxStreamTime; the caller sees a
// network-kind error, which the retry policy treats as transient.
func WatchStream(ctx context.Context, p Provider, req *Request, cfg WatchdogConfig, handler StreamHandler) error {
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.MaxStreamTime <= 0 {
		cfg.MaxStreamTime = DefaultMaxStreamTime
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastChunk atomic.Int64
	lastChunk.Store(time.Now().UnixNano())
	var timedOut atomic.Bool

	done := make(chan struct{})
	defer close(done)

	go func() {
		deadline := time.NewTimer(cfg.MaxStreamTime)
		defer deadline.Stop()
		ticker := time.NewTicker(cfg.ChunkTimeout / 4)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-streamCtx.Done():
				return
			case <-deadline.C:
				timedOut.Store(true)
				cancel()
				return
			case <-ticker.C:
				last := time.Unix(0, lastChunk.Load())
				if time.Since(last) > cfg.ChunkTimeout {
					timedOut.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	err := p.Stream(streamCtx, req, func(chunk *StreamChunk) error {
		lastChunk.Store(time.Now().UnixNano())
		return handler(chunk)
	})

	if timedOut.Load() {
		return errors.Network("stream stalled", err)
	}
	return err
}
