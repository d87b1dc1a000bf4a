package domain

import "time"

// Environment lifecycle states.
//
//	CREATING → RUNNING, RUNNING ↔ STOPPED,
//	any non-terminal → ERROR,
//	any → DELETING → TERMINATED.
const (
	EnvironmentStatusCreating   = "CREATING"
	EnvironmentStatusRunning    = "RUNNING"
	EnvironmentStatusStopped    = "STOPPED"
	EnvironmentStatusError      = "ERROR"
	EnvironmentStatusDeleting   = "DELETING"
	EnvironmentStatusTerminated = "TERMINATED"
)

// Environment is a user-owned containerized workspace hosted on a cluster.
type Environment struct {
	ID        string
	UserID    string
	ClusterID string
	Name      string
	Status    string
	Namespace string
	Image     string
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnvironmentStatusUpdate carries a lifecycle transition to persistence.
type EnvironmentStatusUpdate struct {
	EnvironmentID string
	Status        string
	LastError     string
}
