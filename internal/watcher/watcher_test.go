package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/clusterviz/clusterviz/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSource scripts the outcome of successive Watch calls.
type fakeSource struct {
	kind model.Kind

	mu      sync.Mutex
	calls   int
	watchFn func(call int) (watch.Interface, error)
}

func (f *fakeSource) Kind() model.Kind { return f.kind }

func (f *fakeSource) Watch(ctx context.Context) (watch.Interface, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.watchFn(call)
}

func (f *fakeSource) List(ctx context.Context) ([]model.ResourceRecord, error) {
	return nil, nil
}

func (f *fakeSource) watchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// eventCollector is a concurrency-safe sink.
type eventCollector struct {
	mu     sync.Mutex
	events []model.WatchEvent
}

func (c *eventCollector) sink(ev model.WatchEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *eventCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *eventCollector) at(i int) model.WatchEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[i]
}

func TestWatcher_DeliversTranslatedEvents(t *testing.T) {
	fw := watch.NewFake()
	source := &fakeSource{
		kind:    model.KindPod,
		watchFn: func(int) (watch.Interface, error) { return fw, nil },
	}
	collector := &eventCollector{}

	w := New(source, collector.sink, clockwork.NewFakeClock(), nil, testLogger())
	w.Start(context.Background())
	defer w.Stop()

	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{UID: "p1", Name: "web", Namespace: "default"}}
	go func() {
		fw.Add(pod)
		fw.Modify(pod)
		fw.Delete(pod)
	}()

	require.Eventually(t, func() bool { return collector.len() == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, model.ActionAdded, collector.at(0).Action)
	assert.Equal(t, model.ActionModified, collector.at(1).Action)
	assert.Equal(t, model.ActionDeleted, collector.at(2).Action)
	assert.Equal(t, model.KindPod, collector.at(0).Kind)
	assert.Equal(t, "p1", collector.at(0).Record.GetUID())
}

func TestWatcher_SkipsMalformedEvents(t *testing.T) {
	fw := watch.NewFake()
	source := &fakeSource{
		kind:    model.KindPod,
		watchFn: func(int) (watch.Interface, error) { return fw, nil },
	}
	collector := &eventCollector{}

	w := New(source, collector.sink, clockwork.NewFakeClock(), nil, testLogger())
	w.Start(context.Background())
	defer w.Stop()

	go func() {
		// No UID: untranslatable, must be dropped without killing the watcher.
		fw.Add(&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "broken", Namespace: "default"}})
		// Wrong type for the kind.
		fw.Add(&corev1.Node{ObjectMeta: metav1.ObjectMeta{UID: "n1", Name: "node"}})
		fw.Add(&corev1.Pod{ObjectMeta: metav1.ObjectMeta{UID: "p1", Name: "ok", Namespace: "default"}})
	}()

	require.Eventually(t, func() bool { return collector.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "p1", collector.at(0).Record.GetUID())
}

func TestWatcher_BackoffScheduleAndExhaustion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{
		kind:    model.KindNode,
		watchFn: func(int) (watch.Interface, error) { return nil, errors.New("connection refused") },
	}

	w := New(source, func(model.WatchEvent) {}, clock, nil, testLogger())
	w.Start(context.Background())
	defer w.Stop()

	// Attempts 1..9 back off linearly, capped at 5*base; attempt 10 exhausts
	// without waiting.
	for attempt := 1; attempt < maxAttempts; attempt++ {
		capped := attempt
		if capped > backoffCapAttempts {
			capped = backoffCapAttempts
		}
		clock.BlockUntil(1)
		clock.Advance(backoffBase * time.Duration(capped))
	}

	select {
	case <-w.Exhausted():
	case <-time.After(time.Second):
		t.Fatal("watcher did not exhaust after max attempts")
	}
	assert.Equal(t, maxAttempts, source.watchCalls())

	// The exhausted channel is closed once; reading again must not block.
	select {
	case <-w.Exhausted():
	default:
		t.Fatal("exhausted channel must stay closed")
	}
}

func TestWatcher_AuthFailureIsImmediatelyTerminal(t *testing.T) {
	source := &fakeSource{
		kind: model.KindPod,
		watchFn: func(int) (watch.Interface, error) {
			return nil, apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "", errors.New("rbac denied"))
		},
	}

	w := New(source, func(model.WatchEvent) {}, clockwork.NewFakeClock(), nil, testLogger())
	w.Start(context.Background())
	defer w.Stop()

	select {
	case <-w.Exhausted():
	case <-time.After(time.Second):
		t.Fatal("forbidden watch must exhaust without retrying")
	}
	assert.Equal(t, 1, source.watchCalls(), "auth failures must not be retried")
}

func TestWatcher_AttemptCounterResetsAfterSuccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	streams := make(chan *watch.FakeWatcher, 2)
	source := &fakeSource{kind: model.KindNode}
	source.watchFn = func(call int) (watch.Interface, error) {
		if call <= 2 {
			return nil, errors.New("transient")
		}
		fw := watch.NewFake()
		streams <- fw
		return fw, nil
	}

	w := New(source, func(model.WatchEvent) {}, clock, nil, testLogger())
	w.Start(context.Background())
	defer w.Stop()

	clock.BlockUntil(1)
	clock.Advance(backoffBase) // attempt 1
	clock.BlockUntil(1)
	clock.Advance(2 * backoffBase) // attempt 2

	require.Eventually(t, func() bool { return source.watchCalls() == 3 }, time.Second, 5*time.Millisecond)

	// Drop the established stream. The next delay must be backoffBase again:
	// if the counter had not reset it would be 3*backoffBase and this advance
	// would never release the watcher.
	(<-streams).Stop()
	clock.BlockUntil(1)
	clock.Advance(backoffBase)

	require.Eventually(t, func() bool { return source.watchCalls() == 4 }, time.Second, 5*time.Millisecond)
}

func TestWatcher_StartIsIdempotent(t *testing.T) {
	fw := watch.NewFake()
	source := &fakeSource{
		kind:    model.KindPod,
		watchFn: func(int) (watch.Interface, error) { return fw, nil },
	}

	w := New(source, func(model.WatchEvent) {}, clockwork.NewFakeClock(), nil, testLogger())
	w.Start(context.Background())
	w.Start(context.Background())

	require.Eventually(t, func() bool { return source.watchCalls() == 1 }, time.Second, 5*time.Millisecond)
	w.Stop()
	assert.Equal(t, 1, source.watchCalls(), "second Start must not open a second stream")
}

func TestWatcher_StopSuppressesResubscription(t *testing.T) {
	fw := watch.NewFake()
	source := &fakeSource{
		kind:    model.KindPod,
		watchFn: func(int) (watch.Interface, error) { return fw, nil },
	}

	w := New(source, func(model.WatchEvent) {}, clockwork.NewFakeClock(), nil, testLogger())
	w.Start(context.Background())

	require.Eventually(t, func() bool { return source.watchCalls() == 1 }, time.Second, 5*time.Millisecond)

	w.Stop() // must return promptly, cancelling the in-flight receive
	calls := source.watchCalls()

	w.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, source.watchCalls(), "Start after Stop must be a no-op")
}
