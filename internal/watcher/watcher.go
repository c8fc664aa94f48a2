// Package watcher maintains one long-lived watch subscription per resource
// kind, translating upstream notifications into domain events and recovering
// transparently from transient stream failures.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/clusterviz/clusterviz/internal/kube"
	"github.com/clusterviz/clusterviz/internal/model"
	"github.com/clusterviz/clusterviz/internal/telemetry"
	"github.com/clusterviz/clusterviz/internal/translate"
)

// ErrExhausted is reported when a watcher gives up after its retry budget.
var ErrExhausted = errors.New("watcher retry budget exhausted")

const (
	// Linear backoff: delay = backoffBase * min(attempt, backoffCapAttempts).
	backoffBase        = 5 * time.Second
	backoffCapAttempts = 5
	// Consecutive failed subscribe attempts before the watcher stops for good.
	maxAttempts = 10
)

// Sink receives every translated event exactly once, in stream order.
type Sink func(model.WatchEvent)

type Watcher struct {
	source kube.Source
	sink   Sink
	clock  clockwork.Clock
	tel    *telemetry.Telemetry
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc

	exhausted   chan struct{}
	exhaustOnce sync.Once
	done        chan struct{}
}

func New(source kube.Source, sink Sink, clock clockwork.Clock, tel *telemetry.Telemetry, logger *slog.Logger) *Watcher {
	return &Watcher{
		source:    source,
		sink:      sink,
		clock:     clock,
		tel:       tel,
		logger:    logger.With("kind", source.Kind()),
		exhausted: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the watch loop. Calling it again while running, or after
// Stop, is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.stopped {
		return
	}
	w.running = true

	ctx, w.cancel = context.WithCancel(ctx)
	go func() {
		defer close(w.done)
		w.run(ctx)
	}()
}

// Stop cancels the in-flight watch and suppresses any further resubscription.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	cancel := w.cancel
	running := w.running
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if running {
		<-w.done
	}
}

// Exhausted is closed exactly once if the watcher gives up: either the retry
// budget ran out or the watch source rejected our credentials.
func (w *Watcher) Exhausted() <-chan struct{} {
	return w.exhausted
}

func (w *Watcher) Kind() model.Kind {
	return w.source.Kind()
}

func (w *Watcher) run(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := w.source.Watch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTerminal(err) {
				w.logger.Error("watch rejected, not retrying", "error", err)
				w.exhaust()
				return
			}

			attempts++
			w.logger.Warn("watch subscribe failed", "attempt", attempts, "error", err)
			if attempts >= maxAttempts {
				w.logger.Error("watch retry budget exhausted", "attempts", attempts)
				w.exhaust()
				return
			}
			if !w.backoff(ctx, attempts) {
				return
			}
			w.tel.WatcherResubscribed(string(w.source.Kind()))
			continue
		}

		attempts = 0
		w.logger.Info("watch stream established")
		w.consume(ctx, stream)
		stream.Stop()
		if ctx.Err() != nil {
			return
		}

		// Stream dropped after a successful subscribe. Back off once before
		// the next attempt so a flapping API server is not hammered.
		attempts++
		w.logger.Warn("watch stream ended, resubscribing", "attempt", attempts)
		if !w.backoff(ctx, attempts) {
			return
		}
		w.tel.WatcherResubscribed(string(w.source.Kind()))
	}
}

// consume drains one stream until it closes or the context is cancelled.
func (w *Watcher) consume(ctx context.Context, stream watch.Interface) {
	kind := w.source.Kind()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.ResultChan():
			if !ok {
				return
			}
			switch ev.Type {
			case watch.Added, watch.Modified, watch.Deleted:
				record, err := translate.FromObject(kind, ev.Object)
				if err != nil {
					w.logger.Warn("dropping untranslatable event", "action", ev.Type, "error", err)
					w.tel.EventMalformed(string(kind))
					continue
				}
				w.sink(model.WatchEvent{
					Kind:       kind,
					Action:     model.Action(ev.Type),
					Record:     record,
					ObservedAt: time.Now().UTC(),
				})
			case watch.Error:
				w.logger.Warn("watch stream reported error, reconnecting", "object", ev.Object)
				return
			case watch.Bookmark:
				// Progress marker only, nothing to apply.
			}
		}
	}
}

// backoff waits the capped linear delay for the given attempt. Returns false
// when the context was cancelled during the wait.
func (w *Watcher) backoff(ctx context.Context, attempt int) bool {
	capped := attempt
	if capped > backoffCapAttempts {
		capped = backoffCapAttempts
	}
	delay := backoffBase * time.Duration(capped)
	select {
	case <-ctx.Done():
		return false
	case <-w.clock.After(delay):
		return true
	}
}

func (w *Watcher) exhaust() {
	w.exhaustOnce.Do(func() {
		w.tel.WatcherExhausted(string(w.source.Kind()))
		close(w.exhausted)
	})
}

// isTerminal reports whether the watch source rejected us outright. Auth and
// permission failures never heal by retrying with the same credentials.
func isTerminal(err error) bool {
	return apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err)
}
