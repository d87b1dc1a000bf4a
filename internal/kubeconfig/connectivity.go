package kubeconfig

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ContextStatus reports the probe outcome for a single context.
type ContextStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	NodeCount int    `json:"node_count"`
	Error     string `json:"error,omitempty"`
}

// ValidationResult aggregates connectivity across all contexts. Valid is true
// only when every context is reachable.
type ValidationResult struct {
	Valid    bool            `json:"valid"`
	Contexts []ContextStatus `json:"contexts"`
}

// ValidateConnectivity probes every context in the document. Connectivity is
// decided by a namespace list; the node list is best effort and only feeds
// the reported node count — when it fails the count degrades to 1 without
// marking the context disconnected.
func (p *Parser) ValidateConnectivity(ctx context.Context, raw string) (ValidationResult, error) {
	doc, err := parseDocument(raw)
	if err != nil {
		return ValidationResult{}, err
	}
	result := ValidationResult{Valid: true}
	for _, entry := range doc.Contexts {
		status := p.probeContext(ctx, raw, entry.Name)
		if !status.Connected {
			result.Valid = false
		}
		result.Contexts = append(result.Contexts, status)
	}
	if len(result.Contexts) == 0 {
		result.Valid = false
	}
	return result, nil
}

func (p *Parser) probeContext(ctx context.Context, raw, contextName string) ContextStatus {
	status := ContextStatus{Name: contextName}
	minted, err := SingleContext(raw, contextName)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	client, err := p.clientFor([]byte(minted))
	if err != nil {
		status.Error = err.Error()
		return status
	}
	if _, err := client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		p.log.Warn("context connectivity probe failed", "context", contextName, "error", err)
		status.Error = err.Error()
		return status
	}
	status.Connected = true
	status.NodeCount = 1
	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		// Listing nodes often needs broader RBAC than the credential
		// carries; connectivity stands, the count stays conservative.
		p.log.Warn("node list failed, reporting minimum node count", "context", contextName, "error", err)
		return status
	}
	if len(nodes.Items) > 0 {
		status.NodeCount = len(nodes.Items)
	}
	return status
}
