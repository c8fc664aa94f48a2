// Package broker owns the set of connected viewer sessions: fan-out of change
// batches with per-session namespace filtering, heartbeat liveness, and
// isolation of slow or broken consumers.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/clusterviz/clusterviz/internal/auth"
	"github.com/clusterviz/clusterviz/internal/model"
	"github.com/clusterviz/clusterviz/internal/protocol"
	"github.com/clusterviz/clusterviz/internal/telemetry"
)

const DefaultHeartbeatInterval = 30 * time.Second

type Broker struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}

	heartbeatInterval time.Duration
	sendBufferSize    int
	clock             clockwork.Clock
	tel               *telemetry.Telemetry
	logger            *slog.Logger
}

func New(heartbeatInterval time.Duration, sendBufferSize int, clock clockwork.Clock, tel *telemetry.Telemetry, logger *slog.Logger) *Broker {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if sendBufferSize <= 0 {
		sendBufferSize = 256
	}
	return &Broker{
		sessions:          make(map[*Session]struct{}),
		heartbeatInterval: heartbeatInterval,
		sendBufferSize:    sendBufferSize,
		clock:             clock,
		tel:               tel,
		logger:            logger,
	}
}

// NewSession builds a session that is not yet receiving broadcasts, so the
// caller can deliver the connect ack and initial snapshot before any batch
// can be interleaved. Subscribe attaches it to the fan-out set.
func (b *Broker) NewSession(ctx context.Context, conn *websocket.Conn, identity auth.Identity, namespaces []string) *Session {
	return newSession(ctx, conn, identity, namespaces, b.sendBufferSize, b.clock.Now())
}

// Subscribe registers the session for subsequent batch and metrics fan-out.
func (b *Broker) Subscribe(s *Session) {
	b.mu.Lock()
	b.sessions[s] = struct{}{}
	b.mu.Unlock()

	b.tel.SessionConnected()
	b.logger.Info("session subscribed",
		"session", s.ID, "subject", s.Identity.Subject, "filter", len(s.namespaces), "total", b.Len())
}

// Unregister removes the session and releases its send channel. Safe to call
// more than once.
func (b *Broker) Unregister(s *Session) {
	b.mu.Lock()
	_, existed := b.sessions[s]
	delete(b.sessions, s)
	b.mu.Unlock()

	s.close()
	if !existed {
		return
	}
	b.tel.SessionDisconnected()
	b.logger.Info("session removed", "session", s.ID, "total", b.Len())
}

// Terminate forcibly closes the session's connection and removes it.
func (b *Broker) Terminate(s *Session, code websocket.StatusCode, reason string) {
	if s.conn != nil {
		_ = s.conn.Close(code, reason)
	}
	b.Unregister(s)
}

func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Deliver enqueues one frame to a session. It works both before Subscribe
// (connect ack, initial snapshot) and after. False means the frame could not
// be queued and the session is unusable.
func (b *Broker) Deliver(s *Session, msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("failed to encode frame", "type", msg.Type, "error", err)
		return false
	}
	return s.enqueue(data)
}

// outFrame is a pre-encoded notification with enough metadata to apply
// per-session filters without re-marshaling.
type outFrame struct {
	data      []byte
	kind      model.Kind
	namespace string
}

// BroadcastBatch fans one flushed batch out to every session, preserving the
// batch order per session. Pod events are gated by the session's namespace
// filter; node and namespace events always deliver. A session whose buffer is
// full is removed; delivery to the others is unaffected.
func (b *Broker) BroadcastBatch(batch []model.ChangeNotification) {
	frames := make([]outFrame, 0, len(batch))
	for _, n := range batch {
		msg, err := protocol.ResourceEvent(n)
		if err != nil {
			b.logger.Error("skipping unencodable notification", "kind", n.Kind, "error", err)
			continue
		}
		data, err := protocol.Encode(msg)
		if err != nil {
			b.logger.Error("skipping unencodable notification", "kind", n.Kind, "error", err)
			continue
		}
		frame := outFrame{data: data, kind: n.Kind}
		if pod, ok := n.Record.(model.PodRecord); ok {
			frame.namespace = pod.Namespace
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return
	}

	var stalled []*Session
	b.mu.RLock()
	for s := range b.sessions {
		for _, f := range frames {
			if f.kind == model.KindPod && !s.wantsNamespace(f.namespace) {
				continue
			}
			if !s.enqueue(f.data) {
				stalled = append(stalled, s)
				break
			}
		}
	}
	b.mu.RUnlock()

	for _, s := range stalled {
		b.evictSlow(s)
	}
}

// BroadcastMetrics pushes a metrics frame to every session, unfiltered.
func (b *Broker) BroadcastMetrics(m model.Metrics) {
	msg, err := protocol.MetricsMessage(m)
	if err != nil {
		b.logger.Error("failed to build metrics frame", "error", err)
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("failed to encode metrics frame", "error", err)
		return
	}

	var stalled []*Session
	b.mu.RLock()
	for s := range b.sessions {
		if !s.enqueue(data) {
			stalled = append(stalled, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range stalled {
		b.evictSlow(s)
	}
}

// MarkActivity records inbound traffic on the session for liveness purposes.
func (b *Broker) MarkActivity(s *Session) {
	s.markActivity(b.clock.Now())
}

// RunHeartbeat pings all sessions every interval and evicts any session that
// showed no inbound activity for a full interval after being pinged. A silent
// session is therefore gone within two intervals.
func (b *Broker) RunHeartbeat(ctx context.Context) {
	ticker := b.clock.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			b.heartbeatTick()
		}
	}
}

func (b *Broker) heartbeatTick() {
	ping, err := protocol.Encode(protocol.Ping())
	if err != nil {
		b.logger.Error("failed to encode ping", "error", err)
		return
	}

	var dead, stalled []*Session
	b.mu.RLock()
	for s := range b.sessions {
		if !s.checkAndFlag() {
			dead = append(dead, s)
			continue
		}
		if !s.enqueue(ping) {
			stalled = append(stalled, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range dead {
		b.logger.Info("evicting unresponsive session", "session", s.ID, "last_activity", s.LastActivity())
		b.tel.SessionEvicted("heartbeat")
		b.Terminate(s, websocket.StatusGoingAway, "heartbeat timeout")
	}
	for _, s := range stalled {
		b.evictSlow(s)
	}
}

func (b *Broker) evictSlow(s *Session) {
	b.logger.Warn("evicting slow session, send buffer full", "session", s.ID)
	b.tel.SessionEvicted("slow_consumer")
	b.Terminate(s, websocket.StatusGoingAway, "send buffer overflow")
}

// CloseAll shuts every session down with a clean close code. Used on process
// shutdown.
func (b *Broker) CloseAll(reason string) {
	b.mu.RLock()
	sessions := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		b.Terminate(s, websocket.StatusGoingAway, reason)
	}
}
