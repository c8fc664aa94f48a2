package broker

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clusterviz/clusterviz/internal/auth"
)

// Session is one authenticated viewer connection. Frames are queued on a
// buffered send channel drained by the connection's write pump; the broker
// never writes to the socket directly.
type Session struct {
	ID       string
	Identity auth.Identity

	conn       *websocket.Conn
	namespaces map[string]struct{} // empty means no filter
	send       chan []byte
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once

	mu           sync.Mutex
	alive        bool
	closed       bool
	lastActivity time.Time
}

func newSession(ctx context.Context, conn *websocket.Conn, identity auth.Identity, namespaces []string, bufferSize int, now time.Time) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:           uuid.NewString(),
		Identity:     identity,
		conn:         conn,
		namespaces:   make(map[string]struct{}, len(namespaces)),
		send:         make(chan []byte, bufferSize),
		ctx:          sctx,
		cancel:       cancel,
		alive:        true,
		lastActivity: now,
	}
	for _, ns := range namespaces {
		if ns != "" {
			s.namespaces[ns] = struct{}{}
		}
	}
	return s
}

// wantsNamespace reports whether pod events for the given namespace pass this
// session's filter. An absent filter passes everything.
func (s *Session) wantsNamespace(namespace string) bool {
	if len(s.namespaces) == 0 {
		return true
	}
	_, ok := s.namespaces[namespace]
	return ok
}

// enqueue places a frame on the send buffer without blocking. False means the
// buffer is full (the session should be torn down) or the session is already
// closed.
func (s *Session) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// close releases the send channel exactly once. Enqueues observe the closed
// flag under the same lock, so a frame can never race the close.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()
	})
	s.cancel()
}

// Send exposes the outbound frame stream for the write pump.
func (s *Session) Send() <-chan []byte {
	return s.send
}

func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Conn() *websocket.Conn {
	return s.conn
}

// markActivity clears the provisional-dead flag. Any inbound frame counts.
func (s *Session) markActivity(now time.Time) {
	s.mu.Lock()
	s.alive = true
	s.lastActivity = now
	s.mu.Unlock()
}

// checkAndFlag returns whether the session showed activity since the last
// heartbeat tick, and re-arms the flag for the next interval.
func (s *Session) checkAndFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasAlive := s.alive
	s.alive = false
	return wasAlive
}

// LastActivity reports when the session last showed inbound activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
