package repository

import (
	"context"

	"github.com/mrgoonie/devpocket-server/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ClusterRepository persists registered cluster credentials.
type ClusterRepository interface {
	CreateCluster(ctx context.Context, cluster *domain.Cluster) error
	GetClusterByID(ctx context.Context, id string) (*domain.Cluster, error)
	ListClusters(ctx context.Context) ([]domain.Cluster, error)
	UpdateCluster(ctx context.Context, cluster *domain.Cluster) error
	DeleteCluster(ctx context.Context, id string) error
}

// EnvironmentRepository persists environment runtime state.
type EnvironmentRepository interface {
	CreateEnvironment(ctx context.Context, env *domain.Environment) error
	GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error)
	ListEnvironmentsByUser(ctx context.Context, userID string) ([]domain.Environment, error)
	UpdateEnvironmentStatus(ctx context.Context, update domain.EnvironmentStatusUpdate) error
	DeleteEnvironment(ctx context.Context, id string) error
}
