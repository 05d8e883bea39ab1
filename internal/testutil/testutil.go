// Package testutil provides shared test fixtures, kept from the teacher's
// internal/testutil (sandkasten) and retargeted at Bay's config/store shapes.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/baysandbox/bay/internal/config"
	"github.com/baysandbox/bay/internal/driver"
	"github.com/baysandbox/bay/internal/profile"
	"github.com/baysandbox/bay/internal/store"
)

// TestConfig returns a Config with sensible test defaults.
func TestConfig() *config.Config {
	return &config.Config{
		Listen:         "127.0.0.1:0",
		DBPath:         ":memory:",
		DBMaxOpenConns: 1,
		Driver: config.DriverConfig{
			NetworkMode:  "auto",
			NetworkName:  "bay-test",
			HostAddress:  "127.0.0.1",
			PublishPorts: true,
		},
		Idempotency: config.IdempotencyConfig{Enabled: true, TTLSeconds: 3600},
		Reaper:      config.ReaperConfig{IntervalSeconds: 30},
		Profiles:    profile.Defaults(),
	}
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 1)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// FakeDriver is an in-memory driver.Driver for exercising SessionManager/
// SandboxManager/CapabilityRouter without a real container engine. Start
// always resolves to Endpoint, so tests typically point it at an
// httptest.Server standing in for the in-container runtime.
type FakeDriver struct {
	Endpoint string

	CreateCalls atomic.Int32
	StartCalls  atomic.Int32

	mu         sync.Mutex
	containers map[string]driver.Status
	sessionIDs map[string]string
	volumes    map[string]bool

	// StartErr, when set, is returned by Start instead of succeeding.
	StartErr error
	// CreateErr, when set, is returned by Create instead of succeeding.
	CreateErr error
}

// NewFakeDriver constructs a FakeDriver whose Start calls resolve to endpoint.
func NewFakeDriver(endpoint string) *FakeDriver {
	return &FakeDriver{
		Endpoint:   endpoint,
		containers: make(map[string]driver.Status),
		sessionIDs: make(map[string]string),
		volumes:    make(map[string]bool),
	}
}

func (d *FakeDriver) Create(ctx context.Context, spec driver.CreateSpec) (string, error) {
	d.CreateCalls.Add(1)
	if d.CreateErr != nil {
		return "", d.CreateErr
	}
	id := fmt.Sprintf("container-%d", d.CreateCalls.Load())
	d.mu.Lock()
	d.containers[id] = driver.StatusCreated
	d.sessionIDs[id] = spec.SessionID
	d.mu.Unlock()
	return id, nil
}

func (d *FakeDriver) Start(ctx context.Context, containerID string, runtimePort int) (string, error) {
	d.StartCalls.Add(1)
	if d.StartErr != nil {
		return "", d.StartErr
	}
	d.mu.Lock()
	d.containers[containerID] = driver.StatusRunning
	d.mu.Unlock()
	return d.Endpoint, nil
}

func (d *FakeDriver) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containers[containerID] = driver.StatusExited
	return nil
}

func (d *FakeDriver) Destroy(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, containerID)
	delete(d.sessionIDs, containerID)
	return nil
}

func (d *FakeDriver) Status(ctx context.Context, containerID string, runtimePort int) (driver.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, ok := d.containers[containerID]
	if !ok {
		return driver.ContainerInfo{ContainerID: containerID, Status: driver.StatusNotFound}, nil
	}
	info := driver.ContainerInfo{ContainerID: containerID, Status: status}
	if status == driver.StatusRunning {
		info.Endpoint = d.Endpoint
	}
	return info, nil
}

// SetContainerStatus forces a container's observed status, for exercising
// RefreshStatus's reconciliation of states Start/Stop never produce on their
// own (e.g. driver.StatusRemoving).
func (d *FakeDriver) SetContainerStatus(containerID string, status driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containers[containerID] = status
}

func (d *FakeDriver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	return "", nil
}

func (d *FakeDriver) ListManaged(ctx context.Context) ([]driver.ManagedContainer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []driver.ManagedContainer
	for id, status := range d.containers {
		if status != driver.StatusRunning {
			continue
		}
		out = append(out, driver.ManagedContainer{
			ContainerID: id,
			SessionID:   d.sessionIDs[id],
		})
	}
	return out, nil
}

func (d *FakeDriver) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volumes[name] = true
	return name, nil
}

func (d *FakeDriver) DeleteVolume(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.volumes, name)
	return nil
}

func (d *FakeDriver) VolumeExists(ctx context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volumes[name], nil
}

var _ driver.Driver = (*FakeDriver)(nil)
