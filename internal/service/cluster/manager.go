package cluster

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/mrgoonie/devpocket-server/internal/domain"
	"github.com/mrgoonie/devpocket-server/internal/repository"
	"github.com/mrgoonie/devpocket-server/pkg/crypto"
)

// Conn bundles a clientset with the rest config it was built from. The rest
// config is needed separately for exec streams.
type Conn struct {
	Clientset kubernetes.Interface
	REST      *rest.Config
}

type connFactory func(kubeconfig []byte, timeout time.Duration) (*Conn, error)

// Manager resolves live API clients for registered clusters. Clients are
// memoized per cluster id and fingerprinted against the stored credential, so
// a credential rotation invalidates the cached client on the next lookup.
type Manager struct {
	clusters repository.ClusterRepository
	cipher   *crypto.Cipher
	log      *slog.Logger
	factory  connFactory

	// connectTimeout bounds every request made through a resolved client;
	// a hung remote call is cut off at the transport layer.
	connectTimeout time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	fingerprint [sha256.Size]byte
	conn        *Conn
}

// NewManager constructs a Manager. A non-positive connectTimeout falls back
// to 10 seconds.
func NewManager(clusters repository.ClusterRepository, cipher *crypto.Cipher, log *slog.Logger, connectTimeout time.Duration) *Manager {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Manager{
		clusters:       clusters,
		cipher:         cipher,
		log:            log,
		factory:        buildConn,
		connectTimeout: connectTimeout,
		cache:          make(map[string]cacheEntry),
	}
}

// GetClient loads the cluster's credential record, recovers the kubeconfig
// and returns a client bound to its current context. Missing or inactive
// clusters fail with ErrClusterUnavailable; unusable credential content with
// ErrBadKubeconfig.
func (m *Manager) GetClient(ctx context.Context, clusterID string) (*Conn, error) {
	record, err := m.clusters.GetClusterByID(ctx, clusterID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: cluster %s", ErrClusterUnavailable, clusterID)
		}
		return nil, fmt.Errorf("load cluster %s: %w", clusterID, err)
	}
	if record.Status != domain.ClusterStatusActive {
		return nil, fmt.Errorf("%w: cluster %s has status %s", ErrClusterUnavailable, clusterID, record.Status)
	}

	fingerprint := sha256.Sum256([]byte(record.Kubeconfig))
	m.mu.Lock()
	if entry, ok := m.cache[clusterID]; ok && entry.fingerprint == fingerprint {
		m.mu.Unlock()
		return entry.conn, nil
	}
	m.mu.Unlock()

	content, err := m.ResolveKubeconfig(record)
	if err != nil {
		return nil, err
	}
	conn, err := m.factory([]byte(content), m.connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect cluster %s: %w", clusterID, err)
	}

	m.mu.Lock()
	m.cache[clusterID] = cacheEntry{fingerprint: fingerprint, conn: conn}
	m.mu.Unlock()
	return conn, nil
}

// ResolveKubeconfig recovers plaintext kubeconfig content from a credential
// record: decrypt first, then a plaintext-compatibility fallback for records
// that predate encryption. The fallback still has to look like a kubeconfig.
func (m *Manager) ResolveKubeconfig(record *domain.Cluster) (string, error) {
	content, err := m.tryDecrypt(record)
	if err == nil {
		return content, nil
	}
	return m.tryPlaintext(record, err)
}

func (m *Manager) tryDecrypt(record *domain.Cluster) (string, error) {
	return m.cipher.Decrypt(record.Kubeconfig)
}

func (m *Manager) tryPlaintext(record *domain.Cluster, decryptErr error) (string, error) {
	if !ValidFormat(record.Kubeconfig) {
		return "", fmt.Errorf("%w: cluster %s credential is neither decryptable nor plaintext kubeconfig: %v",
			ErrBadKubeconfig, record.ID, decryptErr)
	}
	m.log.Warn("credential decrypt failed, using plaintext fallback",
		"cluster_id", record.ID, "error", decryptErr)
	return record.Kubeconfig, nil
}

// Invalidate drops the cached client for a cluster. Called on credential
// updates and deregistration.
func (m *Manager) Invalidate(clusterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, clusterID)
}

// ValidFormat is a cheap static pre-check for kubeconfig content, used to
// short-circuit obviously invalid input before a full parse.
func ValidFormat(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	for _, marker := range []string{"apiVersion", "clusters", "contexts", "users"} {
		if !strings.Contains(trimmed, marker) {
			return false
		}
	}
	return true
}

func buildConn(kubeconfig []byte, timeout time.Duration) (*Conn, error) {
	restConfig, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKubeconfig, err)
	}
	restConfig.Timeout = timeout
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return &Conn{Clientset: clientset, REST: restConfig}, nil
}
