// Package kube wraps the Kubernetes client: clientset construction, per-kind
// list/watch sources for the watchers, and the initial bulk load.
package kube

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/clusterviz/clusterviz/internal/model"
	"github.com/clusterviz/clusterviz/internal/translate"
)

// NewClientset builds a clientset from the in-cluster service account, falling
// back to the given kubeconfig path (or the recommended default when empty).
func NewClientset(kubeconfigPath string) (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfigPath == "" {
			kubeconfigPath = clientcmd.RecommendedHomeFile
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to build k8s config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s clientset: %w", err)
	}
	return clientset, nil
}

// Source is one kind's subscription capability: a bulk list and a long-lived
// watch. Records come out already translated; untranslatable items surface as
// errors for the caller to classify.
type Source interface {
	Kind() model.Kind
	Watch(ctx context.Context) (watch.Interface, error)
	List(ctx context.Context) ([]model.ResourceRecord, error)
}

type nodeSource struct{ cs kubernetes.Interface }
type podSource struct{ cs kubernetes.Interface }
type namespaceSource struct{ cs kubernetes.Interface }

func NewNodeSource(cs kubernetes.Interface) Source      { return nodeSource{cs} }
func NewPodSource(cs kubernetes.Interface) Source       { return podSource{cs} }
func NewNamespaceSource(cs kubernetes.Interface) Source { return namespaceSource{cs} }

func (s nodeSource) Kind() model.Kind { return model.KindNode }

func (s nodeSource) Watch(ctx context.Context) (watch.Interface, error) {
	return s.cs.CoreV1().Nodes().Watch(ctx, metav1.ListOptions{})
}

func (s nodeSource) List(ctx context.Context) ([]model.ResourceRecord, error) {
	list, err := s.cs.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	records := make([]model.ResourceRecord, 0, len(list.Items))
	for i := range list.Items {
		rec, err := translate.Node(&list.Items[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s podSource) Kind() model.Kind { return model.KindPod }

func (s podSource) Watch(ctx context.Context) (watch.Interface, error) {
	return s.cs.CoreV1().Pods("").Watch(ctx, metav1.ListOptions{})
}

func (s podSource) List(ctx context.Context) ([]model.ResourceRecord, error) {
	list, err := s.cs.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	records := make([]model.ResourceRecord, 0, len(list.Items))
	for i := range list.Items {
		rec, err := translate.Pod(&list.Items[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s namespaceSource) Kind() model.Kind { return model.KindNamespace }

func (s namespaceSource) Watch(ctx context.Context) (watch.Interface, error) {
	return s.cs.CoreV1().Namespaces().Watch(ctx, metav1.ListOptions{})
}

func (s namespaceSource) List(ctx context.Context) ([]model.ResourceRecord, error) {
	list, err := s.cs.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	records := make([]model.ResourceRecord, 0, len(list.Items))
	for i := range list.Items {
		rec, err := translate.Namespace(&list.Items[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// LoadSnapshot bulk-lists all three kinds for the one-time baseline load. Any
// error here is fatal to startup: without a baseline there is no valid state
// to serve.
func LoadSnapshot(ctx context.Context, cs kubernetes.Interface) (nodes []model.NodeRecord, pods []model.PodRecord, namespaces []model.NamespaceRecord, err error) {
	nodeRecs, err := NewNodeSource(cs).List(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	podRecs, err := NewPodSource(cs).List(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	nsRecs, err := NewNamespaceSource(cs).List(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	for _, r := range nodeRecs {
		nodes = append(nodes, r.(model.NodeRecord))
	}
	for _, r := range podRecs {
		pods = append(pods, r.(model.PodRecord))
	}
	for _, r := range nsRecs {
		namespaces = append(namespaces, r.(model.NamespaceRecord))
	}
	return nodes, pods, namespaces, nil
}
