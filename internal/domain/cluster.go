package domain

import "time"

// Cluster status values. Only ACTIVE clusters accept connections.
const (
	ClusterStatusActive   = "ACTIVE"
	ClusterStatusInactive = "INACTIVE"
)

// Cluster is a registered Kubernetes cluster. Kubeconfig holds the encrypted
// credential payload (or plaintext for records predating encryption).
type Cluster struct {
	ID         string
	Name       string
	Kubeconfig string
	Status     string
	Provider   string
	Region     string
	NodeCount  int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
