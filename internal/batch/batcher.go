// Package batch accumulates change notifications over a short window so the
// broadcast rate is bounded regardless of upstream burst rate.
package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/clusterviz/clusterviz/internal/model"
	"github.com/clusterviz/clusterviz/internal/telemetry"
)

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultMaxSize  = 50
)

// FlushFunc receives each flushed batch in arrival order. It runs on the
// batcher goroutine, so it must not block indefinitely.
type FlushFunc func([]model.ChangeNotification)

type Batcher struct {
	in       chan model.ChangeNotification
	flush    FlushFunc
	interval time.Duration
	maxSize  int
	clock    clockwork.Clock
	tel      *telemetry.Telemetry
	logger   *slog.Logger
}

func New(interval time.Duration, maxSize int, flush FlushFunc, clock clockwork.Clock, tel *telemetry.Telemetry, logger *slog.Logger) *Batcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Batcher{
		in:       make(chan model.ChangeNotification, 4*maxSize),
		flush:    flush,
		interval: interval,
		maxSize:  maxSize,
		clock:    clock,
		tel:      tel,
		logger:   logger,
	}
}

// Add enqueues one notification for the next flush.
func (b *Batcher) Add(n model.ChangeNotification) {
	b.in <- n
}

// Run flushes the pending queue on every tick, or immediately when the size
// cap is reached. An empty queue at tick time produces no flush. Run returns
// when ctx is cancelled, flushing whatever is still pending.
func (b *Batcher) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	var pending []model.ChangeNotification
	for {
		select {
		case <-ctx.Done():
			b.drain(&pending)
			b.emit(&pending)
			return
		case n := <-b.in:
			pending = append(pending, n)
			if len(pending) >= b.maxSize {
				b.emit(&pending)
			}
		case <-ticker.Chan():
			b.emit(&pending)
		}
	}
}

func (b *Batcher) emit(pending *[]model.ChangeNotification) {
	if len(*pending) == 0 {
		return
	}
	batch := *pending
	*pending = nil
	b.tel.BatchFlushed(len(batch))
	b.logger.Debug("flushing batch", "size", len(batch))
	b.flush(batch)
}

// drain pulls anything buffered in the channel into the pending slice so a
// shutdown does not silently discard queued notifications.
func (b *Batcher) drain(pending *[]model.ChangeNotification) {
	for {
		select {
		case n := <-b.in:
			*pending = append(*pending, n)
		default:
			return
		}
	}
}
