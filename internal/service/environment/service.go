package environment

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/utils/pointer"

	"github.com/mrgoonie/devpocket-server/internal/domain"
	"github.com/mrgoonie/devpocket-server/internal/repository"
	"github.com/mrgoonie/devpocket-server/internal/retry"
	"github.com/mrgoonie/devpocket-server/internal/service/cluster"
	"github.com/mrgoonie/devpocket-server/pkg/config"
)

// ErrInvalidTransition rejects lifecycle operations from an incompatible state.
var ErrInvalidTransition = fmt.Errorf("%w: invalid lifecycle transition", repository.ErrInvalidArgument)

// Conns resolves live cluster connections for environments.
type Conns interface {
	GetClient(ctx context.Context, clusterID string) (*cluster.Conn, error)
}

// Service drives environment lifecycle operations against remote clusters.
// Mutating operations always return an error on unrecoverable failure after
// a best-effort status write; the read-only probes Info and Logs degrade to a
// safe default instead.
type Service struct {
	envs   repository.EnvironmentRepository
	conns  Conns
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs an environment service.
func New(envs repository.EnvironmentRepository, conns Conns, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{envs: envs, conns: conns, logger: logger, cfg: cfg}
}

// CreateInput captures attributes for a new environment row.
type CreateInput struct {
	UserID    string
	ClusterID string
	Name      string
	Image     string
}

// Info is the read-only status snapshot for an environment. PodPhase and
// PodReady are populated best effort from the cluster.
type Info struct {
	EnvironmentID string `json:"environment_id"`
	ClusterID     string `json:"cluster_id,omitempty"`
	Name          string `json:"name,omitempty"`
	Status        string `json:"status"`
	Namespace     string `json:"namespace"`
	Image         string `json:"image,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	PodPhase      string `json:"pod_phase,omitempty"`
	PodReady      bool   `json:"pod_ready"`
}

// Create registers the environment row in CREATING state. The cluster-side
// resources are provisioned separately by Provision.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Environment, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return nil, fmt.Errorf("%w: user id required", repository.ErrInvalidArgument)
	}
	if strings.TrimSpace(input.ClusterID) == "" {
		return nil, fmt.Errorf("%w: cluster id required", repository.ErrInvalidArgument)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name required", repository.ErrInvalidArgument)
	}
	image := strings.TrimSpace(input.Image)
	if image == "" {
		image = s.cfg.EnvironmentImage
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	env := &domain.Environment{
		ID:        id,
		UserID:    input.UserID,
		ClusterID: input.ClusterID,
		Name:      name,
		Status:    domain.EnvironmentStatusCreating,
		Namespace: namespaceFor(s.cfg.EnvironmentNamespace, id),
		Image:     image,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.envs.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}
	s.logger.Info("environment registered", "environment_id", env.ID, "cluster_id", env.ClusterID)
	return env, nil
}

// Provision creates the environment's cluster-side resources and moves it to
// RUNNING. The environment row must already exist. Any failure, including one
// before the first remote call, marks the row ERROR with the failure message
// and is returned wrapped.
func (s Service) Provision(ctx context.Context, environmentID string) error {
	env, err := s.envs.GetEnvironmentByID(ctx, environmentID)
	if err != nil {
		s.markError(ctx, environmentID, err)
		return fmt.Errorf("provision environment %s: %w", environmentID, err)
	}
	conn, err := s.conns.GetClient(ctx, env.ClusterID)
	if err != nil {
		s.markError(ctx, environmentID, err)
		return fmt.Errorf("provision environment %s: %w", environmentID, err)
	}
	fields := s.opFields(env)
	err = retry.Do(ctx, s.logger, "environment.provision", fields, func(ctx context.Context) error {
		if err := s.applyNamespace(ctx, conn, env); err != nil {
			return err
		}
		if err := s.applyDeployment(ctx, conn, env, 1); err != nil {
			return err
		}
		if err := s.applyService(ctx, conn, env); err != nil {
			return err
		}
		_, err := s.waitForReadyPod(ctx, conn, env)
		return err
	})
	if err != nil {
		s.markError(ctx, environmentID, err)
		return fmt.Errorf("provision environment %s: %w", environmentID, err)
	}
	if err := s.setStatus(ctx, environmentID, domain.EnvironmentStatusRunning, ""); err != nil {
		return fmt.Errorf("provision environment %s: %w", environmentID, err)
	}
	s.logger.Info("environment provisioned", "environment_id", env.ID, "cluster_id", env.ClusterID)
	return nil
}

// Start scales the environment workload back up from STOPPED.
func (s Service) Start(ctx context.Context, environmentID string) error {
	env, err := s.envs.GetEnvironmentByID(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("start environment %s: %w", environmentID, err)
	}
	if env.Status != domain.EnvironmentStatusStopped && env.Status != domain.EnvironmentStatusError {
		return fmt.Errorf("start environment %s: %w: status %s", environmentID, ErrInvalidTransition, env.Status)
	}
	conn, err := s.conns.GetClient(ctx, env.ClusterID)
	if err != nil {
		s.markError(ctx, environmentID, err)
		return fmt.Errorf("start environment %s: %w", environmentID, err)
	}
	err = retry.Do(ctx, s.logger, "environment.start", s.opFields(env), func(ctx context.Context) error {
		return s.scaleWorkload(ctx, conn, env, 1)
	})
	if err != nil {
		s.markError(ctx, environmentID, err)
		return fmt.Errorf("start environment %s: %w", environmentID, err)
	}
	return s.setStatus(ctx, environmentID, domain.EnvironmentStatusRunning, "")
}

// Stop scales the environment workload to zero.
func (s Service) Stop(ctx context.Context, environmentID string) error {
	env, err := s.envs.GetEnvironmentByID(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("stop environment %s: %w", environmentID, err)
	}
	if env.Status != domain.EnvironmentStatusRunning {
		return fmt.Errorf("stop environment %s: %w: status %s", environmentID, ErrInvalidTransition, env.Status)
	}
	conn, err := s.conns.GetClient(ctx, env.ClusterID)
	if err != nil {
		s.markError(ctx, environmentID, err)
		return fmt.Errorf("stop environment %s: %w", environmentID, err)
	}
	err = retry.Do(ctx, s.logger, "environment.stop", s.opFields(env), func(ctx context.Context) error {
		return s.scaleWorkload(ctx, conn, env, 0)
	})
	if err != nil {
		s.markError(ctx, environmentID, err)
		return fmt.Errorf("stop environment %s: %w", environmentID, err)
	}
	return s.setStatus(ctx, environmentID, domain.EnvironmentStatusStopped, "")
}

// Delete tears down the environment namespace and marks the row TERMINATED.
// A namespace that is already gone is not an error.
func (s Service) Delete(ctx context.Context, environmentID string) error {
	env, err := s.envs.GetEnvironmentByID(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("delete environment %s: %w", environmentID, err)
	}
	if err := s.setStatus(ctx, environmentID, domain.EnvironmentStatusDeleting, ""); err != nil {
		return fmt.Errorf("delete environment %s: %w", environmentID, err)
	}
	conn, err := s.conns.GetClient(ctx, env.ClusterID)
	if err != nil {
		s.markError(ctx, environmentID, err)
		return fmt.Errorf("delete environment %s: %w", environmentID, err)
	}
	err = retry.Do(ctx, s.logger, "environment.delete", s.opFields(env), func(ctx context.Context) error {
		err := conn.Clientset.CoreV1().Namespaces().Delete(ctx, env.Namespace, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil {
		s.markError(ctx, environmentID, err)
		return fmt.Errorf("delete environment %s: %w", environmentID, err)
	}
	if err := s.setStatus(ctx, environmentID, domain.EnvironmentStatusTerminated, ""); err != nil {
		return fmt.Errorf("delete environment %s: %w", environmentID, err)
	}
	s.logger.Info("environment deleted", "environment_id", env.ID, "cluster_id", env.ClusterID)
	return nil
}

// Info is the fail-soft status probe: it never returns an error. Any internal
// failure is logged in full and reported as a degraded snapshot.
func (s Service) Info(ctx context.Context, environmentID string) Info {
	env, err := s.envs.GetEnvironmentByID(ctx, environmentID)
	if err != nil {
		s.logger.Error("environment info lookup failed",
			"environment_id", environmentID, "error", err, "detail", fmt.Sprintf("%+v", err))
		return Info{EnvironmentID: environmentID, Status: domain.EnvironmentStatusError, Namespace: "unknown"}
	}
	info := Info{
		EnvironmentID: env.ID,
		ClusterID:     env.ClusterID,
		Name:          env.Name,
		Status:        env.Status,
		Namespace:     env.Namespace,
		Image:         env.Image,
		LastError:     env.LastError,
	}
	conn, err := s.conns.GetClient(ctx, env.ClusterID)
	if err != nil {
		s.logger.Warn("environment info cluster probe skipped",
			"environment_id", environmentID, "cluster_id", env.ClusterID, "error", err)
		return info
	}
	pod, err := s.podForEnvironment(ctx, conn, env)
	if err != nil {
		s.logger.Warn("environment pod probe failed",
			"environment_id", environmentID, "namespace", env.Namespace, "error", err)
		return info
	}
	info.PodPhase = string(pod.Status.Phase)
	info.PodReady = isPodReady(pod)
	return info
}

// Get returns the stored environment row.
func (s Service) Get(ctx context.Context, environmentID string) (*domain.Environment, error) {
	return s.envs.GetEnvironmentByID(ctx, environmentID)
}

// List returns the environments owned by a user.
func (s Service) List(ctx context.Context, userID string) ([]domain.Environment, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", repository.ErrInvalidArgument)
	}
	return s.envs.ListEnvironmentsByUser(ctx, userID)
}

// Logs fetches recent container output. Like Info it is fail-soft: on any
// failure it logs the cause and returns an empty string.
func (s Service) Logs(ctx context.Context, environmentID string, tailLines int) string {
	env, err := s.envs.GetEnvironmentByID(ctx, environmentID)
	if err != nil {
		s.logger.Error("environment log lookup failed", "environment_id", environmentID, "error", err)
		return ""
	}
	conn, err := s.conns.GetClient(ctx, env.ClusterID)
	if err != nil {
		s.logger.Error("environment log client failed", "environment_id", environmentID, "error", err)
		return ""
	}
	if tailLines <= 0 {
		tailLines = s.cfg.LogTailLines
	}
	logs, err := retry.DoValue(ctx, s.logger, "environment.logs", s.opFields(env), func(ctx context.Context) (string, error) {
		pod, err := s.podForEnvironment(ctx, conn, env)
		if err != nil {
			return "", err
		}
		stream, err := conn.Clientset.CoreV1().Pods(env.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			TailLines: pointer.Int64(int64(tailLines)),
		}).Stream(ctx)
		if err != nil {
			return "", err
		}
		defer stream.Close()
		data, err := io.ReadAll(stream)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		s.logger.Error("environment log fetch failed", "environment_id", environmentID, "error", err)
		return ""
	}
	return logs
}

// Exec runs a command inside the environment's pod, streaming stdin and
// stdout/stderr over the supplied pipes. Used by the websocket terminal.
func (s Service) Exec(ctx context.Context, environmentID string, command []string, stdin io.Reader, stdout, stderr io.Writer) error {
	env, err := s.envs.GetEnvironmentByID(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("exec in environment %s: %w", environmentID, err)
	}
	if env.Status != domain.EnvironmentStatusRunning {
		return fmt.Errorf("exec in environment %s: %w: status %s", environmentID, ErrInvalidTransition, env.Status)
	}
	conn, err := s.conns.GetClient(ctx, env.ClusterID)
	if err != nil {
		return fmt.Errorf("exec in environment %s: %w", environmentID, err)
	}
	pod, err := retry.DoValue(ctx, s.logger, "environment.exec.lookup", s.opFields(env), func(ctx context.Context) (*corev1.Pod, error) {
		return s.podForEnvironment(ctx, conn, env)
	})
	if err != nil {
		return fmt.Errorf("exec in environment %s: %w", environmentID, err)
	}
	if len(command) == 0 {
		command = []string{"/bin/sh"}
	}
	req := conn.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(env.Namespace).
		Name(pod.Name).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: workloadContainerName,
			Command:   command,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
			TTY:       true,
		}, scheme.ParameterCodec)
	executor, err := remotecommand.NewSPDYExecutor(conn.REST, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("exec in environment %s: %w", environmentID, err)
	}
	if err := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Tty:    true,
	}); err != nil {
		return fmt.Errorf("exec in environment %s: %w", environmentID, err)
	}
	return nil
}

// markError writes the ERROR state with the failure message. It is best
// effort: a secondary write failure is logged but never replaces the
// original error on the call path.
func (s Service) markError(ctx context.Context, environmentID string, cause error) {
	update := domain.EnvironmentStatusUpdate{
		EnvironmentID: environmentID,
		Status:        domain.EnvironmentStatusError,
		LastError:     cause.Error(),
	}
	if err := s.envs.UpdateEnvironmentStatus(ctx, update); err != nil {
		s.logger.Error("failed to record environment error state",
			"environment_id", environmentID, "cause", cause, "error", err)
	}
}

func (s Service) setStatus(ctx context.Context, environmentID, status, lastError string) error {
	return s.envs.UpdateEnvironmentStatus(ctx, domain.EnvironmentStatusUpdate{
		EnvironmentID: environmentID,
		Status:        status,
		LastError:     lastError,
	})
}

func (s Service) opFields(env *domain.Environment) retry.Fields {
	return retry.Fields{"environment_id": env.ID, "cluster_id": env.ClusterID}
}

func namespaceFor(prefix, environmentID string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "devpocket-env"
	}
	suffix := strings.ReplaceAll(environmentID, "-", "")
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return prefix + "-" + suffix
}
