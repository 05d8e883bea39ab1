// Package driver defines the narrow container-engine abstraction Bay's
// SessionManager depends on, following the teacher's internal/docker client
// split between container lifecycle and workspace volumes (generalized here
// into one interface per spec.md section 4.1.1).
package driver

import (
	"context"
	"time"
)

// Status is the observed lifecycle state of a driver-managed container.
type Status string

const (
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusRemoving Status = "removing"
	StatusNotFound Status = "not_found"
)

// CreateSpec is everything the Driver needs to create a runtime container
// for one session.
type CreateSpec struct {
	SandboxID   string
	SessionID   string
	WorkspaceID string
	ProfileID   string
	Image       string
	RuntimePort int
	CPUCores    float64
	MemoryMB    int
	PidsLimit   int
	Env         map[string]string
	WorkspaceRef string // driver_ref of the workspace volume to mount at /workspace
	Labels      map[string]string
}

// ContainerInfo is the Driver's view of one container's current state.
type ContainerInfo struct {
	ContainerID string
	Status      Status
	Endpoint    string // empty unless Status == StatusRunning and an endpoint resolved
	ExitCode    int
}

// Driver is the container-engine abstraction spec.md section 4.1.1 names:
// create without starting, start and resolve an endpoint, stop, destroy,
// inspect status, fetch logs, and manage workspace volumes.
type Driver interface {
	// Create creates (but does not start) a container for spec, returning its
	// driver-assigned container ID.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start starts a created container and resolves its runtime endpoint
	// using the driver's configured connectivity mode.
	Start(ctx context.Context, containerID string, runtimePort int) (string, error)

	// Stop stops a running container, leaving it inspectable.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error

	// Destroy force-removes a container.
	Destroy(ctx context.Context, containerID string) error

	// Status inspects a container's current lifecycle state and, if running,
	// re-resolves its endpoint.
	Status(ctx context.Context, containerID string, runtimePort int) (ContainerInfo, error)

	// Logs returns the tail of a container's combined stdout/stderr. Operator
	// use only; not reachable through the HTTP API (spec.md section 4.1.1).
	Logs(ctx context.Context, containerID string, tail int) (string, error)

	// ListManaged returns all containers this driver created, for reaper
	// reconciliation at startup.
	ListManaged(ctx context.Context) ([]ManagedContainer, error)

	CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error)
	DeleteVolume(ctx context.Context, name string) error
	VolumeExists(ctx context.Context, name string) (bool, error)
}

// ManagedContainer is a minimal record used by reaper reconciliation to map
// a live container back to the session/sandbox it belongs to.
type ManagedContainer struct {
	ContainerID string
	SandboxID   string
	SessionID   string
}
