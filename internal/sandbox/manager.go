// Package sandbox implements SandboxManager, the external-facing aggregate
// of Workspace + Profile + Session spec.md section 4.4 describes. Its
// ensure_running flow — per-sandbox in-memory lock, re-read after acquiring
// it, create-session-if-absent, delegate to SessionManager — is grounded on
// the original implementation's SandboxManager (original_source/pkgs/bay/
// app/managers/sandbox/sandbox.py), with the in-memory lock map adapted from
// the teacher's per-session sync.Mutex map (internal/session.Manager in
// sandkasten).
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baysandbox/bay/internal/bayerr"
	"github.com/baysandbox/bay/internal/profile"
	"github.com/baysandbox/bay/internal/session"
	"github.com/baysandbox/bay/internal/store"
	"github.com/baysandbox/bay/internal/workspace"
)

// Manager owns Sandbox rows and coordinates their Workspace and Session.
type Manager struct {
	store     *store.Store
	profiles  *profile.Set
	workspace *workspace.Manager
	session   *session.Manager
	log       *slog.Logger

	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

func NewManager(st *store.Store, profiles *profile.Set, ws *workspace.Manager, sess *session.Manager, log *slog.Logger) *Manager {
	return &Manager{
		store:     st,
		profiles:  profiles,
		workspace: ws,
		session:   sess,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (m *Manager) sandboxLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	return mu
}

func (m *Manager) cleanupLock(id string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, id)
}

// CreateOpts are the caller-supplied parameters for Create.
type CreateOpts struct {
	ProfileID   string
	WorkspaceID string // reuse an existing workspace instead of creating a managed one
	TTLSeconds  int    // 0 means no absolute expiry
}

// Create provisions a new sandbox, creating a managed workspace unless an
// existing one was supplied.
func (m *Manager) Create(ctx context.Context, owner string, opts CreateOpts) (*store.Sandbox, error) {
	prof, ok := m.profiles.Get(opts.ProfileID)
	if !ok {
		return nil, bayerr.Newf(bayerr.CodeValidation, "invalid profile: %s", opts.ProfileID)
	}

	id := "sandbox-" + uuid.New().String()[:12]

	var ws *store.Workspace
	var err error
	if opts.WorkspaceID != "" {
		ws, err = m.workspace.Get(opts.WorkspaceID, owner)
	} else {
		ws, err = m.workspace.Create(ctx, owner, id)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(100 * 365 * 24 * time.Hour) // effectively unbounded when TTLSeconds is 0
	if opts.TTLSeconds > 0 {
		expiresAt = now.Add(time.Duration(opts.TTLSeconds) * time.Second)
	}

	sb := &store.Sandbox{
		ID:            id,
		Owner:         owner,
		ProfileID:     prof.ID,
		WorkspaceID:   ws.ID,
		ExpiresAt:     expiresAt,
		IdleExpiresAt: now.Add(time.Duration(prof.IdleTimeout) * time.Second),
		LastActiveAt:  now,
		CreatedAt:     now,
	}
	if err := m.store.CreateSandbox(sb); err != nil {
		return nil, fmt.Errorf("storing sandbox: %w", err)
	}
	return sb, nil
}

func (m *Manager) Get(owner, id string) (*store.Sandbox, error) {
	sb, err := m.store.GetSandbox(owner, id)
	if err == store.ErrNotFound {
		return nil, bayerr.NotFound("sandbox", id)
	}
	return sb, err
}

// List returns up to limit sandboxes for owner after afterID (keyset
// pagination per spec.md section 6.1).
func (m *Manager) List(owner, afterID string, limit int) ([]*store.Sandbox, error) {
	return m.store.ListSandboxes(owner, afterID, limit)
}

// EnsureRunning starts the sandbox's current session if needed, creating one
// first if none exists, and returns it once ready.
func (m *Manager) EnsureRunning(ctx context.Context, sb *store.Sandbox) (*store.Session, error) {
	prof, ok := m.profiles.Get(sb.ProfileID)
	if !ok {
		return nil, bayerr.Newf(bayerr.CodeValidation, "invalid profile: %s", sb.ProfileID)
	}

	lock := m.sandboxLock(sb.ID)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := m.store.GetSandbox(sb.Owner, sb.ID)
	if err != nil {
		return nil, fmt.Errorf("re-reading sandbox: %w", err)
	}
	sb = fresh

	ws, err := m.workspace.GetByID(sb.WorkspaceID)
	if err != nil {
		return nil, err
	}

	var sess *store.Session
	if sb.CurrentSessionID != "" {
		sess, err = m.session.Get(sb.CurrentSessionID)
		if err != nil && !isNotFound(err) {
			return nil, err
		}
	}

	if sess == nil {
		sess, err = m.session.Create(sb.ID, prof)
		if err != nil {
			return nil, err
		}
		if err := m.store.UpdateSandboxCurrentSession(sb.ID, sess.ID); err != nil {
			return nil, err
		}
	}

	sess, err = m.session.EnsureRunning(ctx, sess, prof, ws.ID, ws.DriverRef)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	idleExpiresAt := now.Add(time.Duration(prof.IdleTimeout) * time.Second)
	if err := m.store.UpdateSandboxKeepalive(sb.ID, now, idleExpiresAt); err != nil {
		return nil, err
	}

	return sess, nil
}

func (m *Manager) GetCurrentSession(sb *store.Sandbox) (*store.Session, error) {
	if sb.CurrentSessionID == "" {
		return nil, nil
	}
	sess, err := m.session.Get(sb.CurrentSessionID)
	if isNotFound(err) {
		return nil, nil
	}
	return sess, err
}

// Keepalive extends the sandbox's idle timeout without starting compute.
func (m *Manager) Keepalive(sb *store.Sandbox) error {
	prof, ok := m.profiles.Get(sb.ProfileID)
	idleTimeout := 1800
	if ok {
		idleTimeout = prof.IdleTimeout
	}
	now := time.Now().UTC()
	return m.store.UpdateSandboxKeepalive(sb.ID, now, now.Add(time.Duration(idleTimeout)*time.Second))
}

// Stop reclaims the sandbox's compute while keeping its workspace and row.
// Idempotent: repeated calls are safe.
func (m *Manager) Stop(ctx context.Context, sb *store.Sandbox) error {
	sess, err := m.GetCurrentSession(sb)
	if err != nil {
		return err
	}
	if sess != nil {
		if err := m.session.Stop(ctx, sess); err != nil {
			return err
		}
	}
	return m.store.ClearSandboxSession(sb.ID)
}

// Delete destroys the sandbox's session(s), cascade-deletes its managed
// workspace, and soft-deletes the sandbox row.
func (m *Manager) Delete(ctx context.Context, sb *store.Sandbox) error {
	sess, err := m.GetCurrentSession(sb)
	if err != nil {
		return err
	}
	if sess != nil {
		if err := m.session.Destroy(ctx, sess); err != nil {
			return err
		}
	}

	ws, err := m.workspace.GetByID(sb.WorkspaceID)
	if err != nil && !isNotFound(err) {
		return err
	}

	if err := m.store.SoftDeleteSandbox(sb.ID, time.Now().UTC()); err != nil {
		return err
	}
	_ = m.store.UpdateSandboxCurrentSession(sb.ID, "")

	if ws != nil && ws.Managed {
		if err := m.workspace.Delete(ctx, ws.ID, sb.Owner, true); err != nil {
			return err
		}
	}

	m.cleanupLock(sb.ID)
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	be, ok := bayerr.As(err)
	return ok && be.Code == bayerr.CodeNotFound
}
