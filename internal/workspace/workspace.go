// Package workspace manages persistent storage volumes, generalizing the
// teacher's pure-volume internal/workspace.Manager (sandkasten) into the
// store-row-plus-driver-volume model spec.md section 4.2 names: a Workspace
// is owned directly by a caller, or implicitly managed on behalf of one
// sandbox and cascade-deleted with it.
package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baysandbox/bay/internal/bayerr"
	"github.com/baysandbox/bay/internal/driver"
	"github.com/baysandbox/bay/internal/store"
)

// VolumeNamePrefix namespaces Bay's driver volumes from unrelated ones on
// the same Docker host.
const VolumeNamePrefix = "bay-workspace-"

// Manager owns Workspace rows and their backing driver volumes.
type Manager struct {
	store  *store.Store
	driver driver.Driver
}

func NewManager(st *store.Store, drv driver.Driver) *Manager {
	return &Manager{store: st, driver: drv}
}

func volumeName(workspaceID string) string {
	return VolumeNamePrefix + workspaceID
}

// Create provisions a new workspace volume and persists its row. When
// managedBySandboxID is non-empty, the workspace is implicitly owned by that
// sandbox and will be cascade-deleted with it.
func (m *Manager) Create(ctx context.Context, owner string, managedBySandboxID string) (*store.Workspace, error) {
	id := "ws-" + uuid.New().String()[:12]
	ref := volumeName(id)

	if _, err := m.driver.CreateVolume(ctx, ref, map[string]string{
		"bay.owner":        owner,
		"bay.workspace_id": id,
	}); err != nil {
		return nil, bayerr.Wrap(bayerr.CodeInternal, "creating workspace volume", err)
	}

	ws := &store.Workspace{
		ID:                 id,
		Owner:              owner,
		Managed:            managedBySandboxID != "",
		ManagedBySandboxID: managedBySandboxID,
		DriverRef:          ref,
		CreatedAt:          time.Now().UTC(),
	}
	if err := m.store.CreateWorkspace(ws); err != nil {
		_ = m.driver.DeleteVolume(ctx, ref)
		return nil, fmt.Errorf("storing workspace: %w", err)
	}
	return ws, nil
}

// Get returns a workspace by ID, verifying it belongs to owner.
func (m *Manager) Get(id, owner string) (*store.Workspace, error) {
	ws, err := m.store.GetWorkspace(id)
	if err == store.ErrNotFound {
		return nil, bayerr.NotFound("workspace", id)
	}
	if err != nil {
		return nil, err
	}
	if ws.Owner != owner {
		return nil, bayerr.NotFound("workspace", id)
	}
	return ws, nil
}

// GetByID returns a workspace by ID without an ownership check, for internal
// callers (e.g. SandboxManager.EnsureRunning) that already hold the sandbox.
func (m *Manager) GetByID(id string) (*store.Workspace, error) {
	ws, err := m.store.GetWorkspace(id)
	if err == store.ErrNotFound {
		return nil, bayerr.NotFound("workspace", id)
	}
	return ws, err
}

// Delete removes a workspace's volume and row. Unmanaged (externally owned)
// workspaces may only be deleted directly by their owner; managed workspaces
// are only deleted via the owning sandbox's cascade (force=true).
func (m *Manager) Delete(ctx context.Context, id, owner string, force bool) error {
	ws, err := m.Get(id, owner)
	if err != nil {
		return err
	}
	if ws.Managed && !force {
		return bayerr.New(bayerr.CodeConflict, "workspace is managed by a sandbox and cannot be deleted directly")
	}

	if err := m.driver.DeleteVolume(ctx, ws.DriverRef); err != nil {
		return bayerr.Wrap(bayerr.CodeInternal, "deleting workspace volume", err)
	}
	if err := m.store.DeleteWorkspace(id); err != nil && err != store.ErrNotFound {
		return fmt.Errorf("deleting workspace row: %w", err)
	}
	return nil
}
