// Package translate converts raw Kubernetes API objects into domain records.
// It is the single translation layer shared by the initial bulk load and the
// live watch path, and it fails closed: an object that cannot be converted
// yields an error wrapping ErrMalformed rather than a partial record.
package translate

import (
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/clusterviz/clusterviz/internal/model"
)

// ErrMalformed marks payloads that cannot be turned into a valid record.
var ErrMalformed = errors.New("malformed resource payload")

func Node(n *corev1.Node) (model.NodeRecord, error) {
	if n == nil {
		return model.NodeRecord{}, fmt.Errorf("%w: nil node", ErrMalformed)
	}
	if n.UID == "" {
		return model.NodeRecord{}, fmt.Errorf("%w: node %q has no uid", ErrMalformed, n.Name)
	}
	return model.NodeRecord{
		UID:            string(n.UID),
		Name:           n.Name,
		Status:         nodeStatus(n),
		Ready:          nodeReady(n),
		CapacityCPU:    n.Status.Capacity.Cpu().String(),
		CapacityMemory: n.Status.Capacity.Memory().String(),
		CapacityPods:   n.Status.Capacity.Pods().String(),
		Labels:         n.Labels,
		CreatedAt:      n.CreationTimestamp.Time,
	}, nil
}

func Pod(p *corev1.Pod) (model.PodRecord, error) {
	if p == nil {
		return model.PodRecord{}, fmt.Errorf("%w: nil pod", ErrMalformed)
	}
	if p.UID == "" {
		return model.PodRecord{}, fmt.Errorf("%w: pod %q has no uid", ErrMalformed, p.Name)
	}
	if p.Namespace == "" {
		return model.PodRecord{}, fmt.Errorf("%w: pod %q has no namespace", ErrMalformed, p.Name)
	}
	return model.PodRecord{
		UID:       string(p.UID),
		Name:      p.Name,
		Namespace: p.Namespace,
		NodeName:  p.Spec.NodeName,
		Phase:     string(p.Status.Phase),
		Status:    podStatus(p),
		Labels:    p.Labels,
		CreatedAt: p.CreationTimestamp.Time,
	}, nil
}

func Namespace(ns *corev1.Namespace) (model.NamespaceRecord, error) {
	if ns == nil {
		return model.NamespaceRecord{}, fmt.Errorf("%w: nil namespace", ErrMalformed)
	}
	if ns.UID == "" {
		return model.NamespaceRecord{}, fmt.Errorf("%w: namespace %q has no uid", ErrMalformed, ns.Name)
	}
	return model.NamespaceRecord{
		UID:       string(ns.UID),
		Name:      ns.Name,
		Phase:     string(ns.Status.Phase),
		Labels:    ns.Labels,
		CreatedAt: ns.CreationTimestamp.Time,
	}, nil
}

// FromObject translates a raw watch object for the given kind. The concrete
// type must match the kind; anything else is malformed.
func FromObject(kind model.Kind, obj runtime.Object) (model.ResourceRecord, error) {
	switch kind {
	case model.KindNode:
		n, ok := obj.(*corev1.Node)
		if !ok {
			return nil, fmt.Errorf("%w: expected *corev1.Node, got %T", ErrMalformed, obj)
		}
		return Node(n)
	case model.KindPod:
		p, ok := obj.(*corev1.Pod)
		if !ok {
			return nil, fmt.Errorf("%w: expected *corev1.Pod, got %T", ErrMalformed, obj)
		}
		return Pod(p)
	case model.KindNamespace:
		ns, ok := obj.(*corev1.Namespace)
		if !ok {
			return nil, fmt.Errorf("%w: expected *corev1.Namespace, got %T", ErrMalformed, obj)
		}
		return Namespace(ns)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, kind)
	}
}

// podStatus prefers a specific container reason (CrashLoopBackOff,
// ImagePullBackOff, ...) over the coarse pod phase.
func podStatus(p *corev1.Pod) string {
	for _, cs := range p.Status.ContainerStatuses {
		if cs.State.Waiting != nil && cs.State.Waiting.Reason != "" {
			return cs.State.Waiting.Reason
		}
		if cs.State.Terminated != nil && cs.State.Terminated.Reason != "" {
			return cs.State.Terminated.Reason
		}
	}
	return string(p.Status.Phase)
}

func nodeStatus(n *corev1.Node) string {
	if nodeReady(n) {
		return "Ready"
	}
	return "NotReady"
}

func nodeReady(n *corev1.Node) bool {
	for _, cond := range n.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
