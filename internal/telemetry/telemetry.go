// Package telemetry exposes operational counters for the sync and broadcast
// pipeline as Prometheus metrics. All methods are nil-safe so components can
// run without a registry in tests.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Telemetry struct {
	registry *prometheus.Registry

	sessionsConnected  prometheus.Gauge
	eventsApplied      *prometheus.CounterVec
	eventsMalformed    *prometheus.CounterVec
	batchesFlushed     prometheus.Counter
	notificationsSent  prometheus.Counter
	sessionsEvicted    *prometheus.CounterVec
	watcherResubscribe *prometheus.CounterVec
	watcherExhausted   *prometheus.CounterVec
}

func New() *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		sessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clusterviz_sessions_connected",
			Help: "Number of currently connected viewer sessions.",
		}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterviz_events_applied_total",
			Help: "Watch events applied to the state store.",
		}, []string{"kind", "action"}),
		eventsMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterviz_events_malformed_total",
			Help: "Watch events dropped because the payload could not be translated.",
		}, []string{"kind"}),
		batchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterviz_batches_flushed_total",
			Help: "Notification batches flushed to the broker.",
		}),
		notificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterviz_notifications_sent_total",
			Help: "Individual notifications enqueued to sessions.",
		}),
		sessionsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterviz_sessions_evicted_total",
			Help: "Sessions forcibly removed, by reason.",
		}, []string{"reason"}),
		watcherResubscribe: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterviz_watcher_resubscribes_total",
			Help: "Watch stream resubscribe attempts, by kind.",
		}, []string{"kind"}),
		watcherExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterviz_watcher_exhausted_total",
			Help: "Watchers that gave up after exhausting their retry budget.",
		}, []string{"kind"}),
	}

	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		t.sessionsConnected,
		t.eventsApplied,
		t.eventsMalformed,
		t.batchesFlushed,
		t.notificationsSent,
		t.sessionsEvicted,
		t.watcherResubscribe,
		t.watcherExhausted,
	)
	return t
}

// Handler serves the metrics exposition endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func (t *Telemetry) SessionConnected() {
	if t != nil {
		t.sessionsConnected.Inc()
	}
}

func (t *Telemetry) SessionDisconnected() {
	if t != nil {
		t.sessionsConnected.Dec()
	}
}

func (t *Telemetry) EventApplied(kind, action string) {
	if t != nil {
		t.eventsApplied.WithLabelValues(kind, action).Inc()
	}
}

func (t *Telemetry) EventMalformed(kind string) {
	if t != nil {
		t.eventsMalformed.WithLabelValues(kind).Inc()
	}
}

func (t *Telemetry) BatchFlushed(size int) {
	if t != nil {
		t.batchesFlushed.Inc()
		t.notificationsSent.Add(float64(size))
	}
}

func (t *Telemetry) SessionEvicted(reason string) {
	if t != nil {
		t.sessionsEvicted.WithLabelValues(reason).Inc()
	}
}

func (t *Telemetry) WatcherResubscribed(kind string) {
	if t != nil {
		t.watcherResubscribe.WithLabelValues(kind).Inc()
	}
}

func (t *Telemetry) WatcherExhausted(kind string) {
	if t != nil {
		t.watcherExhausted.WithLabelValues(kind).Inc()
	}
}
