package model

import "time"

// Kind identifies the resource kinds mirrored from the cluster.
type Kind string

const (
	KindNode      Kind = "node"
	KindPod       Kind = "pod"
	KindNamespace Kind = "namespace"
)

// Action is the change type reported by a watch stream.
type Action string

const (
	ActionAdded    Action = "ADDED"
	ActionModified Action = "MODIFIED"
	ActionDeleted  Action = "DELETED"
)

// ResourceRecord is implemented by the three record types. Identity is the
// platform-assigned UID; names can be reused across recreations, UIDs cannot.
type ResourceRecord interface {
	GetUID() string
	GetName() string
	GetKind() Kind
}

type NodeRecord struct {
	UID            string            `json:"uid"`
	Name           string            `json:"name"`
	Status         string            `json:"status"`
	Ready          bool              `json:"ready"`
	CapacityCPU    string            `json:"capacityCPU"`
	CapacityMemory string            `json:"capacityMemory"`
	CapacityPods   string            `json:"capacityPods"`
	Labels         map[string]string `json:"labels,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

func (n NodeRecord) GetUID() string  { return n.UID }
func (n NodeRecord) GetName() string { return n.Name }
func (n NodeRecord) GetKind() Kind   { return KindNode }

type PodRecord struct {
	UID       string            `json:"uid"`
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	NodeName  string            `json:"nodeName,omitempty"`
	Phase     string            `json:"phase"`
	Status    string            `json:"status"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (p PodRecord) GetUID() string  { return p.UID }
func (p PodRecord) GetName() string { return p.Name }
func (p PodRecord) GetKind() Kind   { return KindPod }

type NamespaceRecord struct {
	UID       string            `json:"uid"`
	Name      string            `json:"name"`
	Phase     string            `json:"phase"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (n NamespaceRecord) GetUID() string  { return n.UID }
func (n NamespaceRecord) GetName() string { return n.Name }
func (n NamespaceRecord) GetKind() Kind   { return KindNamespace }

// WatchEvent is one translated upstream notification. Produced by a watcher,
// consumed exactly once by the state store.
type WatchEvent struct {
	Kind       Kind
	Action     Action
	Record     ResourceRecord
	ObservedAt time.Time
}

// ChangeNotification is emitted after a WatchEvent has been applied to the
// store. It is the unit batched and broadcast to sessions.
type ChangeNotification struct {
	Kind         Kind
	Action       Action
	Record       ResourceRecord
	StateVersion uint64
}

// ClusterSnapshot is a point-in-time copy of the mirrored state.
type ClusterSnapshot struct {
	Nodes      []NodeRecord      `json:"nodes"`
	Pods       []PodRecord       `json:"pods"`
	Namespaces []NamespaceRecord `json:"namespaces"`
}

// Metrics is derived from a snapshot on demand, never stored.
type Metrics struct {
	TotalNodes      int            `json:"totalNodes"`
	TotalPods       int            `json:"totalPods"`
	TotalNamespaces int            `json:"totalNamespaces"`
	NodesReady      int            `json:"nodesReady"`
	PodPhases       map[string]int `json:"podPhases"`
}
