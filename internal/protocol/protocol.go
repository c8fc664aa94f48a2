// Package protocol defines the wire envelope spoken to viewer sessions. The
// frame layout is shared with the rendering client and must stay stable.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clusterviz/clusterviz/internal/model"
)

// Message is the envelope for every frame sent to a session.
type Message struct {
	Type      string          `json:"type"`
	Action    model.Action    `json:"action,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	TypeConnection     = "connection"
	TypeInitialState   = "initial_state"
	TypeNodeEvent      = "node_event"
	TypePodEvent       = "pod_event"
	TypeNamespaceEvent = "namespace_event"
	TypeMetrics        = "metrics"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeError          = "error"
)

// Machine-readable codes carried by error frames.
const (
	CodeAuthFailed     = "auth_failed"
	CodeInvalidMessage = "invalid_message"
	CodeInternalError  = "internal_error"
)

// ClientMessage is the shape of inbound frames. Only ping is recognized;
// anything else is logged and ignored.
type ClientMessage struct {
	Type string `json:"type"`
}

type connectionData struct {
	Cluster   string `json:"cluster"`
	SessionID string `json:"sessionId"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newMessage(msgType string, action model.Action, payload any) (Message, error) {
	msg := Message{
		Type:      msgType,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// Connection is the one-time connect acknowledgement carrying the cluster
// identity and the assigned session ID.
func Connection(cluster, sessionID string) (Message, error) {
	return newMessage(TypeConnection, "", connectionData{Cluster: cluster, SessionID: sessionID})
}

// InitialState carries the full snapshot a new session starts from.
func InitialState(snap model.ClusterSnapshot) (Message, error) {
	return newMessage(TypeInitialState, "", snap)
}

// ResourceEvent wraps one change notification in its kind-specific frame type.
func ResourceEvent(n model.ChangeNotification) (Message, error) {
	var msgType string
	switch n.Kind {
	case model.KindNode:
		msgType = TypeNodeEvent
	case model.KindPod:
		msgType = TypePodEvent
	case model.KindNamespace:
		msgType = TypeNamespaceEvent
	default:
		return Message{}, fmt.Errorf("no event type for kind %q", n.Kind)
	}
	return newMessage(msgType, n.Action, n.Record)
}

func MetricsMessage(m model.Metrics) (Message, error) {
	return newMessage(TypeMetrics, "", m)
}

func Ping() Message {
	msg, _ := newMessage(TypePing, "", nil)
	return msg
}

func Pong() Message {
	msg, _ := newMessage(TypePong, "", nil)
	return msg
}

func ErrorMessage(code, text string) Message {
	msg, _ := newMessage(TypeError, "", errorData{Code: code, Message: text})
	return msg
}

// Encode serializes a message to its wire form.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
