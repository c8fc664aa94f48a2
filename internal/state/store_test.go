package state

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/clusterviz/clusterviz/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func nodeEvent(action model.Action, uid, name string) model.WatchEvent {
	return model.WatchEvent{
		Kind:       model.KindNode,
		Action:     action,
		Record:     model.NodeRecord{UID: uid, Name: name, Ready: true},
		ObservedAt: time.Now(),
	}
}

func podEvent(action model.Action, uid, name, namespace, nodeName string) model.WatchEvent {
	return model.WatchEvent{
		Kind:       model.KindPod,
		Action:     action,
		Record:     model.PodRecord{UID: uid, Name: name, Namespace: namespace, NodeName: nodeName, Phase: "Running"},
		ObservedAt: time.Now(),
	}
}

func TestApply_AddedNode(t *testing.T) {
	s := New(testLogger())

	n, ok := s.Apply(nodeEvent(model.ActionAdded, "n1", "node-1"))
	if !ok {
		t.Fatal("expected notification for Added")
	}
	if n.Action != model.ActionAdded {
		t.Errorf("expected ADDED, got %s", n.Action)
	}

	snap := s.Snapshot()
	if len(snap.Nodes) != 1 || snap.Nodes[0].UID != "n1" {
		t.Fatalf("expected exactly node n1, got %+v", snap.Nodes)
	}
	if m := s.Metrics(); m.TotalNodes != 1 {
		t.Errorf("expected TotalNodes 1, got %d", m.TotalNodes)
	}
}

func TestApply_DuplicateAddedIsIdempotent(t *testing.T) {
	s := New(testLogger())

	s.Apply(nodeEvent(model.ActionAdded, "n1", "node-1"))
	n, ok := s.Apply(nodeEvent(model.ActionAdded, "n1", "node-1"))
	if !ok {
		t.Fatal("duplicate Added should still notify")
	}
	if n.Action != model.ActionModified {
		t.Errorf("duplicate Added should report MODIFIED, got %s", n.Action)
	}

	snap := s.Snapshot()
	if len(snap.Nodes) != 1 {
		t.Fatalf("expected 1 node after duplicate Added, got %d", len(snap.Nodes))
	}
}

func TestApply_ModifiedUnknownSynthesizesAdded(t *testing.T) {
	s := New(testLogger())

	n, ok := s.Apply(nodeEvent(model.ActionModified, "n1", "node-1"))
	if !ok {
		t.Fatal("expected notification")
	}
	if n.Action != model.ActionAdded {
		t.Errorf("Modified for unknown UID should report ADDED, got %s", n.Action)
	}
	if len(s.Snapshot().Nodes) != 1 {
		t.Fatal("expected node to be inserted")
	}
}

func TestApply_DeleteUnknownIsNoop(t *testing.T) {
	s := New(testLogger())

	_, ok := s.Apply(nodeEvent(model.ActionDeleted, "ghost", "ghost"))
	if ok {
		t.Error("Deleted for unknown UID must not notify")
	}
	if v := s.Version(); v != 0 {
		t.Errorf("no-op delete must not bump version, got %d", v)
	}
}

func TestApply_FullLifecycleLeavesAbsent(t *testing.T) {
	s := New(testLogger())

	s.Apply(nodeEvent(model.ActionAdded, "n1", "node-1"))
	s.Apply(nodeEvent(model.ActionModified, "n1", "node-1b"))
	n, ok := s.Apply(nodeEvent(model.ActionDeleted, "n1", "node-1b"))
	if !ok || n.Action != model.ActionDeleted {
		t.Fatalf("expected DELETED notification, got ok=%v action=%s", ok, n.Action)
	}
	if len(s.Snapshot().Nodes) != 0 {
		t.Error("node must be absent after delete")
	}
}

func TestApply_VersionIsMonotonic(t *testing.T) {
	s := New(testLogger())

	n1, _ := s.Apply(nodeEvent(model.ActionAdded, "n1", "a"))
	n2, _ := s.Apply(nodeEvent(model.ActionModified, "n1", "b"))
	n3, _ := s.Apply(nodeEvent(model.ActionDeleted, "n1", "b"))

	if !(n1.StateVersion < n2.StateVersion && n2.StateVersion < n3.StateVersion) {
		t.Errorf("versions must be strictly increasing: %d %d %d",
			n1.StateVersion, n2.StateVersion, n3.StateVersion)
	}
}

func TestIndices_PodByNodeAndNamespace(t *testing.T) {
	s := New(testLogger())

	s.Apply(podEvent(model.ActionAdded, "p1", "web", "default", "node-1"))

	if uids := s.PodsOnNode("node-1"); len(uids) != 1 || uids[0] != "p1" {
		t.Errorf("expected p1 on node-1, got %v", uids)
	}
	if uids := s.PodsInNamespace("default"); len(uids) != 1 || uids[0] != "p1" {
		t.Errorf("expected p1 in default, got %v", uids)
	}
}

func TestIndices_UnscheduledPodNotIndexedByNode(t *testing.T) {
	s := New(testLogger())

	s.Apply(podEvent(model.ActionAdded, "p1", "web", "default", ""))

	if uids := s.PodsOnNode(""); uids != nil {
		t.Errorf("pods with empty nodeName must not be indexed by node, got %v", uids)
	}
	if uids := s.PodsInNamespace("default"); len(uids) != 1 {
		t.Errorf("pod must still be indexed by namespace, got %v", uids)
	}
}

func TestIndices_ReassignmentMovesBuckets(t *testing.T) {
	s := New(testLogger())

	s.Apply(podEvent(model.ActionAdded, "p1", "web", "default", "node-1"))
	s.Apply(podEvent(model.ActionModified, "p1", "web", "default", "node-2"))

	if uids := s.PodsOnNode("node-1"); len(uids) != 0 {
		t.Errorf("expected node-1 bucket empty after reassignment, got %v", uids)
	}
	if uids := s.PodsOnNode("node-2"); len(uids) != 1 || uids[0] != "p1" {
		t.Errorf("expected p1 on node-2, got %v", uids)
	}
}

func TestIndices_DeleteRemovesFromBuckets(t *testing.T) {
	s := New(testLogger())

	s.Apply(podEvent(model.ActionAdded, "p1", "web", "default", "node-1"))
	s.Apply(podEvent(model.ActionDeleted, "p1", "web", "default", "node-1"))

	if uids := s.PodsOnNode("node-1"); len(uids) != 0 {
		t.Errorf("expected node bucket empty after delete, got %v", uids)
	}
	if uids := s.PodsInNamespace("default"); len(uids) != 0 {
		t.Errorf("expected namespace bucket empty after delete, got %v", uids)
	}
}

func TestLoadInitial_ReplacesEverything(t *testing.T) {
	s := New(testLogger())
	s.Apply(nodeEvent(model.ActionAdded, "stale", "stale-node"))

	s.LoadInitial(
		[]model.NodeRecord{{UID: "n1", Name: "node-1"}, {UID: "n2", Name: "node-2"}},
		[]model.PodRecord{
			{UID: "p1", Name: "a", Namespace: "default", NodeName: "node-1"},
			{UID: "p2", Name: "b", Namespace: "default"},
			{UID: "p3", Name: "c", Namespace: "kube-system", NodeName: "node-2"},
		},
		[]model.NamespaceRecord{{UID: "ns1", Name: "default"}},
	)

	snap := s.Snapshot()
	if len(snap.Nodes) != 2 || len(snap.Pods) != 3 || len(snap.Namespaces) != 1 {
		t.Fatalf("unexpected snapshot sizes: %d/%d/%d", len(snap.Nodes), len(snap.Pods), len(snap.Namespaces))
	}
	for _, n := range snap.Nodes {
		if n.UID == "stale" {
			t.Error("LoadInitial must discard pre-existing contents")
		}
	}
	if !s.Loaded() {
		t.Error("store must report loaded after LoadInitial")
	}
	if uids := s.PodsInNamespace("kube-system"); len(uids) != 1 {
		t.Errorf("indices must be rebuilt on load, got %v", uids)
	}
}

func TestMetrics_DerivedFromState(t *testing.T) {
	s := New(testLogger())

	s.LoadInitial(
		[]model.NodeRecord{{UID: "n1", Ready: true}, {UID: "n2", Ready: false}},
		[]model.PodRecord{
			{UID: "p1", Namespace: "default", Phase: "Running"},
			{UID: "p2", Namespace: "default", Phase: "Running"},
			{UID: "p3", Namespace: "default", Phase: "Pending"},
		},
		[]model.NamespaceRecord{{UID: "ns1", Name: "default"}},
	)

	m := s.Metrics()
	if m.TotalNodes != 2 || m.NodesReady != 1 {
		t.Errorf("unexpected node metrics: %+v", m)
	}
	if m.PodPhases["Running"] != 2 || m.PodPhases["Pending"] != 1 {
		t.Errorf("unexpected pod phases: %+v", m.PodPhases)
	}

	s.Apply(podEvent(model.ActionDeleted, "p3", "", "default", ""))
	if m := s.Metrics(); m.TotalPods != 2 {
		t.Errorf("metrics must track state, got %d pods", m.TotalPods)
	}
}
