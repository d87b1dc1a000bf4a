package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mrgoonie/devpocket-server/internal/domain"
	"github.com/mrgoonie/devpocket-server/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository        = (*Repository)(nil)
	_ repository.ClusterRepository     = (*Repository)(nil)
	_ repository.EnvironmentRepository = (*Repository)(nil)
)

const uniqueViolation = "23505"

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: email already registered", repository.ErrConflict)
		}
		return err
	}
	return nil
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateCluster inserts a cluster credential record.
func (r *Repository) CreateCluster(ctx context.Context, cluster *domain.Cluster) error {
	const query = `INSERT INTO clusters (id, name, kubeconfig, status, provider, region, node_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := r.pool.Exec(ctx, query, cluster.ID, cluster.Name, cluster.Kubeconfig, cluster.Status,
		cluster.Provider, cluster.Region, cluster.NodeCount, cluster.CreatedAt, cluster.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: cluster name already registered", repository.ErrConflict)
		}
		return err
	}
	return nil
}

// GetClusterByID returns a cluster by identifier.
func (r *Repository) GetClusterByID(ctx context.Context, id string) (*domain.Cluster, error) {
	const query = `SELECT id, name, kubeconfig, status, provider, region, node_count, created_at, updated_at
		FROM clusters WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var c domain.Cluster
	if err := row.Scan(&c.ID, &c.Name, &c.Kubeconfig, &c.Status, &c.Provider, &c.Region,
		&c.NodeCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListClusters returns all registered clusters.
func (r *Repository) ListClusters(ctx context.Context) ([]domain.Cluster, error) {
	const query = `SELECT id, name, kubeconfig, status, provider, region, node_count, created_at, updated_at
		FROM clusters ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var clusters []domain.Cluster
	for rows.Next() {
		var c domain.Cluster
		if err := rows.Scan(&c.ID, &c.Name, &c.Kubeconfig, &c.Status, &c.Provider, &c.Region,
			&c.NodeCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// UpdateCluster overwrites mutable cluster fields.
func (r *Repository) UpdateCluster(ctx context.Context, cluster *domain.Cluster) error {
	const query = `UPDATE clusters
		SET name = $2, kubeconfig = $3, status = $4, provider = $5, region = $6, node_count = $7, updated_at = $8
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, cluster.ID, cluster.Name, cluster.Kubeconfig, cluster.Status,
		cluster.Provider, cluster.Region, cluster.NodeCount, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteCluster removes a cluster record.
func (r *Repository) DeleteCluster(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM clusters WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateEnvironment inserts an environment row.
func (r *Repository) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	const query = `INSERT INTO environments (id, user_id, cluster_id, name, status, namespace, image, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query, env.ID, env.UserID, env.ClusterID, env.Name, env.Status,
		env.Namespace, env.Image, env.LastError, env.CreatedAt, env.UpdatedAt)
	return err
}

// GetEnvironmentByID retrieves an environment row.
func (r *Repository) GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error) {
	const query = `SELECT id, user_id, cluster_id, name, status, namespace, image, last_error, created_at, updated_at
		FROM environments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var e domain.Environment
	if err := row.Scan(&e.ID, &e.UserID, &e.ClusterID, &e.Name, &e.Status, &e.Namespace,
		&e.Image, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ListEnvironmentsByUser returns a user's environments, newest first.
func (r *Repository) ListEnvironmentsByUser(ctx context.Context, userID string) ([]domain.Environment, error) {
	const query = `SELECT id, user_id, cluster_id, name, status, namespace, image, last_error, created_at, updated_at
		FROM environments WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var envs []domain.Environment
	for rows.Next() {
		var e domain.Environment
		if err := rows.Scan(&e.ID, &e.UserID, &e.ClusterID, &e.Name, &e.Status, &e.Namespace,
			&e.Image, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

// UpdateEnvironmentStatus records a lifecycle transition.
func (r *Repository) UpdateEnvironmentStatus(ctx context.Context, update domain.EnvironmentStatusUpdate) error {
	const query = `UPDATE environments SET status = $2, last_error = $3, updated_at = $4 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.EnvironmentID, update.Status, update.LastError, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteEnvironment removes an environment row.
func (r *Repository) DeleteEnvironment(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
