package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/clusterviz/clusterviz/internal/auth"
	"github.com/clusterviz/clusterviz/internal/broker"
	"github.com/clusterviz/clusterviz/internal/protocol"
)

// authTimeout bounds the credential lookup during a handshake. The lookup may
// hit a remote issuer; it must not hold the connection open forever.
const authTimeout = 10 * time.Second

// handleStream upgrades the connection, gates it through authentication, and
// wires the session into the broadcast fan-out. The write pump runs on this
// goroutine; reads run on their own.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameSize)

	authCtx, cancel := context.WithTimeout(r.Context(), authTimeout)
	identity, err := s.gate.FromRequest(authCtx, r)
	cancel()
	if err != nil {
		if !errors.Is(err, auth.ErrRejected) {
			s.logger.Error("authentication error", "error", err)
		}
		s.rejectConn(r.Context(), conn, err)
		return
	}

	session := s.broker.NewSession(r.Context(), conn, *identity, namespaceFilter(r))
	defer s.broker.Unregister(session)

	connectAck, err := protocol.Connection(s.cfg.ClusterName, session.ID)
	if err != nil {
		s.logger.Error("failed to build connect ack", "error", err)
		return
	}
	initial, err := protocol.InitialState(s.store.Snapshot())
	if err != nil {
		s.logger.Error("failed to build initial state", "error", err)
		return
	}
	metrics, err := protocol.MetricsMessage(s.store.Metrics())
	if err != nil {
		s.logger.Error("failed to build metrics frame", "error", err)
		return
	}

	// The snapshot goes out before the session joins the fan-out set, so a
	// new client is never behind: every later event postdates its baseline.
	if !s.broker.Deliver(session, connectAck) ||
		!s.broker.Deliver(session, initial) ||
		!s.broker.Deliver(session, metrics) {
		s.logger.Warn("failed to queue handshake frames", "session", session.ID)
		return
	}
	s.broker.Subscribe(session)

	go s.readPump(session)
	s.writePump(session)
}

func (s *Server) rejectConn(ctx context.Context, conn *websocket.Conn, err error) {
	reason := "authentication rejected"
	frame, encErr := protocol.Encode(protocol.ErrorMessage(protocol.CodeAuthFailed, reason))
	if encErr == nil {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = conn.Write(writeCtx, websocket.MessageText, frame)
		cancel()
	}
	_ = conn.Close(websocket.StatusPolicyViolation, reason)
	s.logger.Info("connection rejected", "error", err)
}

// readPump consumes inbound frames. Every frame, recognized or not, counts as
// liveness activity.
func (s *Server) readPump(session *broker.Session) {
	defer session.Conn().CloseNow()
	for {
		_, data, err := session.Conn().Read(session.Context())
		if err != nil {
			return
		}
		s.broker.MarkActivity(session)

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring unparseable client frame", "session", session.ID)
			continue
		}
		switch msg.Type {
		case protocol.TypePing:
			s.broker.Deliver(session, protocol.Pong())
		case protocol.TypePong:
			// Pure liveness signal, already recorded.
		default:
			s.logger.Debug("ignoring unrecognized client frame", "session", session.ID, "type", msg.Type)
		}
	}
}

// writePump drains the session's send buffer to the socket. A write failure
// tears this session down only.
func (s *Server) writePump(session *broker.Session) {
	for {
		select {
		case data, ok := <-session.Send():
			if !ok {
				return
			}
			if err := session.Conn().Write(session.Context(), websocket.MessageText, data); err != nil {
				s.logger.Debug("session write failed", "session", session.ID, "error", err)
				return
			}
		case <-session.Context().Done():
			return
		}
	}
}

// namespaceFilter parses the optional comma-separated namespaces connection
// parameter. An absent or empty parameter means no filter.
func namespaceFilter(r *http.Request) []string {
	raw := r.URL.Query().Get("namespaces")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
