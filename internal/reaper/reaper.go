// Package reaper runs background housekeeping: startup reconciliation of
// driver-managed containers against persisted sessions, a periodic idle/TTL
// sweep over sandboxes, and idempotency-key expiry. Structure (reconcile
// once at startup, then tick reapExpired on an interval) kept from the
// teacher's internal/reaper (sandkasten); the idle-vs-absolute-TTL
// distinction and who acts on each field is supplemented from
// SPEC_FULL.md section 5, resolving spec.md section 9's open question.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/baysandbox/bay/internal/driver"
	"github.com/baysandbox/bay/internal/idempotency"
	"github.com/baysandbox/bay/internal/sandbox"
	"github.com/baysandbox/bay/internal/session"
	"github.com/baysandbox/bay/internal/store"
)

// Reaper owns Bay's background sweeps.
type Reaper struct {
	store       *store.Store
	driver      driver.Driver
	sessions    *session.Manager
	sandboxes   *sandbox.Manager
	idempotency *idempotency.Service
	interval    time.Duration
	log         *slog.Logger
}

func New(st *store.Store, drv driver.Driver, sessions *session.Manager, sandboxes *sandbox.Manager, idem *idempotency.Service, interval time.Duration, log *slog.Logger) *Reaper {
	return &Reaper{
		store:       st,
		driver:      drv,
		sessions:    sessions,
		sandboxes:   sandboxes,
		idempotency: idem,
		interval:    interval,
		log:         log,
	}
}

// Run starts the reaper loop. It blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.log.Info("reaper started", "interval", r.interval)

	r.reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweepIdle(ctx)
			r.sweepTTL(ctx)
			r.sweepIdempotency()
		}
	}
}

// sweepIdle stops sandboxes whose idle_expires_at has passed, reclaiming
// compute but keeping the sandbox and its workspace (spec.md section 9).
func (r *Reaper) sweepIdle(ctx context.Context) {
	idle, err := r.store.ListSandboxesPastIdle(time.Now().UTC())
	if err != nil {
		r.log.Error("reaper: list idle-expired sandboxes", "error", err)
		return
	}
	for _, sb := range idle {
		if sb.CurrentSessionID == "" {
			continue
		}
		r.log.Info("reaper: stopping idle sandbox", "sandbox_id", sb.ID)
		if err := r.sandboxes.Stop(ctx, sb); err != nil {
			r.log.Error("reaper: stop idle sandbox", "sandbox_id", sb.ID, "error", err)
		}
	}
}

// sweepTTL deletes sandboxes whose absolute expires_at has passed.
func (r *Reaper) sweepTTL(ctx context.Context) {
	expired, err := r.store.ListSandboxesPastTTL(time.Now().UTC())
	if err != nil {
		r.log.Error("reaper: list ttl-expired sandboxes", "error", err)
		return
	}
	for _, sb := range expired {
		r.log.Info("reaper: deleting ttl-expired sandbox", "sandbox_id", sb.ID)
		if err := r.sandboxes.Delete(ctx, sb); err != nil {
			r.log.Error("reaper: delete ttl-expired sandbox", "sandbox_id", sb.ID, "error", err)
		}
	}
}

func (r *Reaper) sweepIdempotency() {
	n, err := r.idempotency.CleanupExpired()
	if err != nil {
		r.log.Error("reaper: cleanup idempotency keys", "error", err)
		return
	}
	if n > 0 {
		r.log.Info("reaper: purged expired idempotency keys", "count", n)
	}
}

// reconcile syncs DB session state with what the driver reports running,
// destroying orphan containers that have no matching session and marking
// sessions "failed" when their container has disappeared.
func (r *Reaper) reconcile(ctx context.Context) {
	r.log.Info("reconciliation starting")

	managed, err := r.driver.ListManaged(ctx)
	if err != nil {
		r.log.Error("reconcile: list managed containers", "error", err)
		return
	}

	containersBySession := make(map[string]string, len(managed))
	for _, c := range managed {
		containersBySession[c.SessionID] = c.ContainerID
	}

	sandboxes, err := r.store.ListAllSandboxes()
	if err != nil {
		r.log.Error("reconcile: list sandboxes", "error", err)
		return
	}

	for _, sb := range sandboxes {
		if sb.CurrentSessionID == "" {
			continue
		}
		sess, err := r.sessions.Get(sb.CurrentSessionID)
		if err != nil {
			continue
		}
		if sess.ObservedState != session.StateRunning {
			continue
		}
		if _, exists := containersBySession[sess.ID]; !exists {
			r.log.Warn("reconcile: container missing for running session, marking failed", "session_id", sess.ID)
			r.store.UpdateSessionState(sess.ID, "", "", sess.DesiredState, session.StateFailed)
		}
		delete(containersBySession, sess.ID)
	}

	for sessionID, containerID := range containersBySession {
		r.log.Warn("reconcile: orphan container, removing", "session_id", sessionID, "container_id", containerID)
		if err := r.driver.Destroy(ctx, containerID); err != nil {
			r.log.Error("reconcile: destroy orphan container", "container_id", containerID, "error", err)
		}
	}

	r.log.Info("reconciliation complete")
}
