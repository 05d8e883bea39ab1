// Package session manages the lifecycle of a Session: the one runtime
// container backing a Sandbox (spec.md section 4.3). ensure_running is the
// idempotent startup path every capability dispatch and explicit start goes
// through; its create-then-start-then-probe structure, and the per-session
// lock serializing concurrent callers, are grounded on the original
// implementation's SessionManager (original_source/pkgs/bay/app/managers/
// session/session.py), adapted to the teacher's sync.Mutex-map idiom
// (internal/session.Manager.sessionLock in sandkasten).
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baysandbox/bay/internal/bayerr"
	"github.com/baysandbox/bay/internal/driver"
	"github.com/baysandbox/bay/internal/profile"
	"github.com/baysandbox/bay/internal/runtimeclient"
	"github.com/baysandbox/bay/internal/store"
)

const (
	StateRunning  = "running"
	StatePending  = "pending"
	StateStarting = "starting"
	StateStopping = "stopping"
	StateStopped  = "stopped"
	StateFailed   = "failed"
)

// ReadinessBudget bounds the total time ensure_running will wait for a
// newly started runtime to answer /health (spec.md section 4.3.1).
const ReadinessBudget = 120 * time.Second

// Manager owns Session rows and drives their container through the driver.
type Manager struct {
	store  *store.Store
	driver driver.Driver
	log    *slog.Logger

	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

func NewManager(st *store.Store, drv driver.Driver, log *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		driver: drv,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	return mu
}

func (m *Manager) removeSessionLock(id string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, id)
}

// Create inserts a new pending session row without creating a container.
func (m *Manager) Create(sandboxID string, prof profile.Profile) (*store.Session, error) {
	now := time.Now().UTC()
	sess := &store.Session{
		ID:            "sess-" + uuid.New().String()[:12],
		SandboxID:     sandboxID,
		RuntimeType:   prof.RuntimeType,
		ProfileID:     prof.ID,
		DesiredState:  StateRunning,
		ObservedState: StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

func (m *Manager) Get(id string) (*store.Session, error) {
	sess, err := m.store.GetSession(id)
	if err == store.ErrNotFound {
		return nil, bayerr.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// EnsureRunning is the idempotent startup path: already-running sessions
// return immediately, starting sessions signal the caller to retry, and
// pending sessions have their container created, started, and probed for
// readiness here.
func (m *Manager) EnsureRunning(ctx context.Context, sess *store.Session, prof profile.Profile, workspaceID, workspaceRef string) (*store.Session, error) {
	mu := m.sessionLock(sess.ID)
	mu.Lock()
	defer mu.Unlock()

	fresh, err := m.store.GetSession(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("re-reading session: %w", err)
	}
	sess = fresh

	if sess.ObservedState == StateRunning && sess.Endpoint != "" {
		return sess, nil
	}

	if sess.ObservedState == StateStarting {
		return nil, bayerr.SessionNotReady(sess.SandboxID, 1000)
	}

	// A previously failed session's container, if any, is stale: destroy it
	// and create fresh rather than attempting a restart (SPEC_FULL.md
	// section 10's decision on failed-session restart policy).
	if sess.ObservedState == StateFailed && sess.ContainerID != "" {
		_ = m.driver.Destroy(ctx, sess.ContainerID)
		if err := m.store.UpdateSessionState(sess.ID, "", "", StateRunning, StatePending); err != nil {
			return nil, err
		}
		sess.ContainerID = ""
		sess.Endpoint = ""
		sess.ObservedState = StatePending
	}

	if sess.ContainerID == "" {
		if err := m.store.UpdateSessionState(sess.ID, "", "", StateRunning, StateStarting); err != nil {
			return nil, err
		}

		containerID, err := m.driver.Create(ctx, driver.CreateSpec{
			SandboxID:    sess.SandboxID,
			SessionID:    sess.ID,
			WorkspaceID:  workspaceID,
			ProfileID:    prof.ID,
			Image:        prof.Image,
			RuntimePort:  prof.RuntimePort,
			CPUCores:     prof.Resources.CPUCores,
			MemoryMB:     prof.Resources.MemoryMB,
			PidsLimit:    prof.Resources.PidsLimit,
			Env:          prof.Env,
			WorkspaceRef: workspaceRef,
		})
		if err != nil {
			m.store.UpdateSessionObservedState(sess.ID, StateFailed)
			return nil, bayerr.Wrap(bayerr.CodeInternal, "creating session container", err)
		}

		if err := m.store.UpdateSessionState(sess.ID, containerID, "", StateRunning, StateStarting); err != nil {
			return nil, err
		}
		sess.ContainerID = containerID
	}

	endpoint, err := m.driver.Start(ctx, sess.ContainerID, prof.RuntimePort)
	if err != nil {
		m.store.UpdateSessionObservedState(sess.ID, StateFailed)
		return nil, bayerr.Wrap(bayerr.CodeInternal, "starting session container", err)
	}

	if err := m.waitForReady(ctx, sess.SandboxID, endpoint); err != nil {
		m.store.UpdateSessionObservedState(sess.ID, StateFailed)
		return nil, err
	}

	if err := m.store.UpdateSessionState(sess.ID, sess.ContainerID, endpoint, StateRunning, StateRunning); err != nil {
		return nil, err
	}
	sess.Endpoint = endpoint
	sess.ObservedState = StateRunning

	return sess, nil
}

// waitForReady polls /health with exponential backoff up to ReadinessBudget,
// matching the original implementation's _wait_for_ready (0.5s initial
// interval, 1s cap, factor 2).
func (m *Manager) waitForReady(ctx context.Context, sandboxID, endpoint string) error {
	client := runtimeclient.New(endpoint)
	deadline := time.Now().Add(ReadinessBudget)
	interval := 500 * time.Millisecond
	const maxInterval = time.Second

	attempt := 0
	for {
		attempt++
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Health(probeCtx)
		cancel()
		if err == nil {
			m.log.Info("session.runtime_ready", "endpoint", endpoint, "attempts", attempt)
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.log.Error("session.runtime_not_ready", "endpoint", endpoint, "attempts", attempt)
			return bayerr.New(bayerr.CodeSessionNotReady, "runtime failed to become ready").WithDetails(map[string]any{
				"sandbox_id":     sandboxID,
				"retry_after_ms": 1000,
			})
		}

		wait := interval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

// Stop stops a session's container, reclaiming compute while keeping the row.
func (m *Manager) Stop(ctx context.Context, sess *store.Session) error {
	m.store.UpdateSessionObservedState(sess.ID, StateStopping)

	if sess.ContainerID != "" {
		if err := m.driver.Stop(ctx, sess.ContainerID, 10*time.Second); err != nil {
			return fmt.Errorf("stopping container: %w", err)
		}
	}

	return m.store.UpdateSessionState(sess.ID, sess.ContainerID, "", sess.DesiredState, StateStopped)
}

// Destroy removes a session's container and deletes its row.
func (m *Manager) Destroy(ctx context.Context, sess *store.Session) error {
	if sess.ContainerID != "" {
		if err := m.driver.Destroy(ctx, sess.ContainerID); err != nil {
			return fmt.Errorf("destroying container: %w", err)
		}
	}
	if err := m.store.DeleteSession(sess.ID); err != nil && err != store.ErrNotFound {
		return err
	}
	m.removeSessionLock(sess.ID)
	return nil
}

// RefreshStatus reconciles a session's observed_state with the driver's
// live container status, for the reaper and operator status endpoints.
func (m *Manager) RefreshStatus(ctx context.Context, sess *store.Session, runtimePort int) (*store.Session, error) {
	if sess.ContainerID == "" {
		return sess, nil
	}

	info, err := m.driver.Status(ctx, sess.ContainerID, runtimePort)
	if err != nil {
		return nil, fmt.Errorf("inspecting container status: %w", err)
	}

	// A container mid-removal is a transient state: leave observed_state
	// unchanged rather than collapsing it into stopped (spec.md section
	// 4.3.1's RefreshStatus table).
	if info.Status == driver.StatusRemoving {
		return sess, nil
	}

	var observed string
	switch info.Status {
	case driver.StatusRunning:
		observed = StateRunning
	case driver.StatusCreated:
		observed = StatePending
	case driver.StatusExited:
		observed = StateStopped
	case driver.StatusNotFound:
		observed = StateStopped
	default:
		observed = StateStopped
	}

	containerID := sess.ContainerID
	if info.Status == driver.StatusNotFound {
		containerID = ""
	}

	if err := m.store.UpdateSessionState(sess.ID, containerID, info.Endpoint, sess.DesiredState, observed); err != nil {
		return nil, err
	}
	sess.ContainerID = containerID
	sess.Endpoint = info.Endpoint
	sess.ObservedState = observed
	return sess, nil
}
