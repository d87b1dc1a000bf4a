package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mrgoonie/devpocket-server/internal/domain"
	"github.com/mrgoonie/devpocket-server/internal/kubeconfig"
	"github.com/mrgoonie/devpocket-server/internal/repository"
	"github.com/mrgoonie/devpocket-server/pkg/crypto"
)

// Registry handles cluster registration and credential maintenance. The
// Manager consumes records the Registry writes.
type Registry struct {
	clusters repository.ClusterRepository
	cipher   *crypto.Cipher
	parser   *kubeconfig.Parser
	manager  *Manager
	log      *slog.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(clusters repository.ClusterRepository, cipher *crypto.Cipher, parser *kubeconfig.Parser, manager *Manager, log *slog.Logger) *Registry {
	return &Registry{clusters: clusters, cipher: cipher, parser: parser, manager: manager, log: log}
}

// RegisterInput captures a cluster registration request.
type RegisterInput struct {
	Name       string
	Kubeconfig string
	// Validate requires every context in the document to be reachable
	// before the record is persisted.
	Validate bool
}

// Register parses and encrypts the submitted kubeconfig and persists the
// credential record, inferring provider and region from the active context.
func (r *Registry) Register(ctx context.Context, input RegisterInput) (*domain.Cluster, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name required", repository.ErrInvalidArgument)
	}
	if !ValidFormat(input.Kubeconfig) {
		return nil, fmt.Errorf("%w: submitted content is not a kubeconfig", ErrBadKubeconfig)
	}
	contexts, err := r.parser.Parse(input.Kubeconfig)
	if err != nil {
		return nil, err
	}
	if len(contexts) == 0 {
		return nil, fmt.Errorf("%w: no resolvable contexts", ErrBadKubeconfig)
	}
	active := pickActiveContext(contexts)

	nodeCount := 1
	if input.Validate {
		result, err := r.parser.ValidateConnectivity(ctx, input.Kubeconfig)
		if err != nil {
			return nil, err
		}
		if !result.Valid {
			return nil, fmt.Errorf("%w: connectivity validation failed", ErrClusterUnavailable)
		}
		for _, status := range result.Contexts {
			if status.Name == active.Name && status.NodeCount > 0 {
				nodeCount = status.NodeCount
			}
		}
	}

	encrypted, err := r.cipher.Encrypt(input.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("encrypt kubeconfig: %w", err)
	}
	now := time.Now().UTC()
	record := &domain.Cluster{
		ID:         uuid.NewString(),
		Name:       name,
		Kubeconfig: encrypted,
		Status:     domain.ClusterStatusActive,
		Provider:   active.Provider,
		Region:     active.Region,
		NodeCount:  nodeCount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.clusters.CreateCluster(ctx, record); err != nil {
		return nil, err
	}
	r.log.Info("cluster registered", "cluster_id", record.ID, "name", record.Name,
		"provider", record.Provider, "region", record.Region)
	return record, nil
}

// List returns all registered clusters.
func (r *Registry) List(ctx context.Context) ([]domain.Cluster, error) {
	return r.clusters.ListClusters(ctx)
}

// Validate re-probes connectivity for a registered cluster and refreshes its
// stored node count.
func (r *Registry) Validate(ctx context.Context, clusterID string) (kubeconfig.ValidationResult, error) {
	record, err := r.clusters.GetClusterByID(ctx, clusterID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return kubeconfig.ValidationResult{}, fmt.Errorf("%w: cluster %s", ErrClusterUnavailable, clusterID)
		}
		return kubeconfig.ValidationResult{}, err
	}
	content, err := r.manager.ResolveKubeconfig(record)
	if err != nil {
		return kubeconfig.ValidationResult{}, err
	}
	result, err := r.parser.ValidateConnectivity(ctx, content)
	if err != nil {
		return kubeconfig.ValidationResult{}, err
	}
	for _, status := range result.Contexts {
		if status.Connected && status.NodeCount != record.NodeCount {
			record.NodeCount = status.NodeCount
			if err := r.clusters.UpdateCluster(ctx, record); err != nil {
				r.log.Warn("failed to refresh node count", "cluster_id", clusterID, "error", err)
			}
			break
		}
	}
	return result, nil
}

// Deactivate marks a cluster inactive and drops any cached client for it.
func (r *Registry) Deactivate(ctx context.Context, clusterID string) error {
	record, err := r.clusters.GetClusterByID(ctx, clusterID)
	if err != nil {
		return err
	}
	record.Status = domain.ClusterStatusInactive
	if err := r.clusters.UpdateCluster(ctx, record); err != nil {
		return err
	}
	r.manager.Invalidate(clusterID)
	r.log.Info("cluster deactivated", "cluster_id", clusterID)
	return nil
}

// Remove deletes the credential record and drops any cached client.
func (r *Registry) Remove(ctx context.Context, clusterID string) error {
	if err := r.clusters.DeleteCluster(ctx, clusterID); err != nil {
		return err
	}
	r.manager.Invalidate(clusterID)
	r.log.Info("cluster removed", "cluster_id", clusterID)
	return nil
}

func pickActiveContext(contexts []kubeconfig.ClusterContext) kubeconfig.ClusterContext {
	for _, c := range contexts {
		if c.IsCurrent {
			return c
		}
	}
	return contexts[0]
}
