// Package api holds the response shapes of the read-only query surface.
package api

import "github.com/clusterviz/clusterviz/internal/model"

type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services,omitempty"`
}

type ClusterSummary struct {
	Cluster        string        `json:"cluster"`
	NodeCount      int           `json:"nodeCount"`
	PodCount       int           `json:"podCount"`
	NamespaceCount int           `json:"namespaceCount"`
	StateVersion   uint64        `json:"stateVersion"`
	Sessions       int           `json:"sessions"`
	Metrics        model.Metrics `json:"metrics"`
}
