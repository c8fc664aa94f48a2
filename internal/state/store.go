// Package state holds the canonical in-memory mirror of the cluster. All
// mutation goes through Apply or LoadInitial under a single write lock;
// readers get consistent copies.
package state

import (
	"log/slog"
	"sync"

	"github.com/clusterviz/clusterviz/internal/model"
)

type Store struct {
	mu         sync.RWMutex
	nodes      map[string]model.NodeRecord
	pods       map[string]model.PodRecord
	namespaces map[string]model.NamespaceRecord

	// Derived indices, pod UIDs bucketed by node name and namespace name.
	podsByNode      map[string]map[string]struct{}
	podsByNamespace map[string]map[string]struct{}

	version uint64
	loaded  bool
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Store {
	return &Store{
		nodes:           make(map[string]model.NodeRecord),
		pods:            make(map[string]model.PodRecord),
		namespaces:      make(map[string]model.NamespaceRecord),
		podsByNode:      make(map[string]map[string]struct{}),
		podsByNamespace: make(map[string]map[string]struct{}),
		logger:          logger,
	}
}

// LoadInitial atomically replaces all contents with the given baseline. It is
// meant to run once at startup, before any watcher starts delivering events.
func (s *Store) LoadInitial(nodes []model.NodeRecord, pods []model.PodRecord, namespaces []model.NamespaceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]model.NodeRecord, len(nodes))
	for _, n := range nodes {
		s.nodes[n.UID] = n
	}
	s.namespaces = make(map[string]model.NamespaceRecord, len(namespaces))
	for _, ns := range namespaces {
		s.namespaces[ns.UID] = ns
	}
	s.pods = make(map[string]model.PodRecord, len(pods))
	s.podsByNode = make(map[string]map[string]struct{})
	s.podsByNamespace = make(map[string]map[string]struct{})
	for _, p := range pods {
		s.pods[p.UID] = p
		s.indexPod(p)
	}
	s.version++
	s.loaded = true
	s.logger.Info("initial state loaded",
		"nodes", len(s.nodes), "pods", len(s.pods), "namespaces", len(s.namespaces))
}

// Apply folds one watch event into the state and reports the resulting change.
// The returned bool is false when the event was a no-op (a Deleted for an
// unknown UID) and no notification should be broadcast.
//
// Semantics: an Added for a known UID is an update; a Modified for an unknown
// UID is upgraded to an Added, tolerating watch catch-up races where the
// update arrives before the add.
func (s *Store) Apply(ev model.WatchEvent) (model.ChangeNotification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uid := ev.Record.GetUID()
	var action model.Action

	switch ev.Action {
	case model.ActionAdded, model.ActionModified:
		action = model.ActionModified
		if !s.exists(ev.Kind, uid) {
			action = model.ActionAdded
		}
		s.upsert(ev)
	case model.ActionDeleted:
		if !s.exists(ev.Kind, uid) {
			return model.ChangeNotification{}, false
		}
		s.remove(ev.Kind, uid)
		action = model.ActionDeleted
	default:
		s.logger.Warn("ignoring event with unknown action", "action", ev.Action, "kind", ev.Kind)
		return model.ChangeNotification{}, false
	}

	s.version++
	return model.ChangeNotification{
		Kind:         ev.Kind,
		Action:       action,
		Record:       ev.Record,
		StateVersion: s.version,
	}, true
}

func (s *Store) exists(kind model.Kind, uid string) bool {
	switch kind {
	case model.KindNode:
		_, ok := s.nodes[uid]
		return ok
	case model.KindPod:
		_, ok := s.pods[uid]
		return ok
	case model.KindNamespace:
		_, ok := s.namespaces[uid]
		return ok
	}
	return false
}

func (s *Store) upsert(ev model.WatchEvent) {
	switch rec := ev.Record.(type) {
	case model.NodeRecord:
		s.nodes[rec.UID] = rec
	case model.PodRecord:
		if prev, ok := s.pods[rec.UID]; ok {
			s.deindexPod(prev)
		}
		s.pods[rec.UID] = rec
		s.indexPod(rec)
	case model.NamespaceRecord:
		s.namespaces[rec.UID] = rec
	}
}

func (s *Store) remove(kind model.Kind, uid string) {
	switch kind {
	case model.KindNode:
		delete(s.nodes, uid)
	case model.KindPod:
		if prev, ok := s.pods[uid]; ok {
			s.deindexPod(prev)
			delete(s.pods, uid)
		}
	case model.KindNamespace:
		delete(s.namespaces, uid)
	}
}

func (s *Store) indexPod(p model.PodRecord) {
	if p.NodeName != "" {
		if s.podsByNode[p.NodeName] == nil {
			s.podsByNode[p.NodeName] = make(map[string]struct{})
		}
		s.podsByNode[p.NodeName][p.UID] = struct{}{}
	}
	if s.podsByNamespace[p.Namespace] == nil {
		s.podsByNamespace[p.Namespace] = make(map[string]struct{})
	}
	s.podsByNamespace[p.Namespace][p.UID] = struct{}{}
}

func (s *Store) deindexPod(p model.PodRecord) {
	if set := s.podsByNode[p.NodeName]; set != nil {
		delete(set, p.UID)
		if len(set) == 0 {
			delete(s.podsByNode, p.NodeName)
		}
	}
	if set := s.podsByNamespace[p.Namespace]; set != nil {
		delete(set, p.UID)
		if len(set) == 0 {
			delete(s.podsByNamespace, p.Namespace)
		}
	}
}

// Snapshot returns a point-in-time copy of the full state.
func (s *Store) Snapshot() model.ClusterSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := model.ClusterSnapshot{
		Nodes:      make([]model.NodeRecord, 0, len(s.nodes)),
		Pods:       make([]model.PodRecord, 0, len(s.pods)),
		Namespaces: make([]model.NamespaceRecord, 0, len(s.namespaces)),
	}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, p := range s.pods {
		snap.Pods = append(snap.Pods, p)
	}
	for _, ns := range s.namespaces {
		snap.Namespaces = append(snap.Namespaces, ns)
	}
	return snap
}

// Metrics derives counts from the current state.
func (s *Store) Metrics() model.Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := model.Metrics{
		TotalNodes:      len(s.nodes),
		TotalPods:       len(s.pods),
		TotalNamespaces: len(s.namespaces),
		PodPhases:       make(map[string]int),
	}
	for _, n := range s.nodes {
		if n.Ready {
			m.NodesReady++
		}
	}
	for _, p := range s.pods {
		m.PodPhases[p.Phase]++
	}
	return m
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Loaded reports whether the initial bulk load has completed.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// PodsOnNode returns the UIDs of pods currently assigned to the named node.
func (s *Store) PodsOnNode(nodeName string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.podsByNode[nodeName])
}

// PodsInNamespace returns the UIDs of pods in the named namespace.
func (s *Store) PodsInNamespace(namespace string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.podsByNamespace[namespace])
}

func keys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
