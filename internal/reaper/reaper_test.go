package reaper

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baysandbox/bay/internal/config"
	"github.com/baysandbox/bay/internal/idempotency"
	"github.com/baysandbox/bay/internal/profile"
	"github.com/baysandbox/bay/internal/sandbox"
	"github.com/baysandbox/bay/internal/session"
	"github.com/baysandbox/bay/internal/testutil"
	"github.com/baysandbox/bay/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func fakeShip(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newHarness(t *testing.T) (*sandbox.Manager, *Reaper) {
	t.Helper()
	st := testutil.NewTestStore(t)
	ship := fakeShip(t)
	drv := testutil.NewFakeDriver(ship.URL)
	profiles := profile.NewSet(profile.Defaults())
	ws := workspace.NewManager(st, drv)
	sessions := session.NewManager(st, drv, discardLogger())
	sandboxes := sandbox.NewManager(st, profiles, ws, sessions, discardLogger())
	idem := idempotency.NewService(st, config.IdempotencyConfig{Enabled: true, TTLSeconds: 3600})
	r := New(st, drv, sessions, sandboxes, idem, time.Minute, discardLogger())
	return sandboxes, r
}

func TestSweepIdleStopsPastIdleSandboxes(t *testing.T) {
	sandboxes, r := newHarness(t)

	sb, err := sandboxes.Create(context.Background(), "owner-1", sandbox.CreateOpts{ProfileID: "python-default"})
	require.NoError(t, err)
	_, err = sandboxes.EnsureRunning(context.Background(), sb)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, r.store.UpdateSandboxKeepalive(sb.ID, past, past))

	r.sweepIdle(context.Background())

	got, err := sandboxes.Get("owner-1", sb.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CurrentSessionID)
}

func TestSweepTTLDeletesExpiredSandboxes(t *testing.T) {
	sandboxes, r := newHarness(t)

	sb, err := sandboxes.Create(context.Background(), "owner-1", sandbox.CreateOpts{ProfileID: "python-default", TTLSeconds: 1})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	r.sweepTTL(context.Background())

	_, err = sandboxes.Get("owner-1", sb.ID)
	assert.Error(t, err)
}

func TestReconcileMarksSessionFailedWhenContainerMissing(t *testing.T) {
	sandboxes, r := newHarness(t)

	sb, err := sandboxes.Create(context.Background(), "owner-1", sandbox.CreateOpts{ProfileID: "python-default"})
	require.NoError(t, err)
	_, err = sandboxes.EnsureRunning(context.Background(), sb)
	require.NoError(t, err)

	fakeDrv := r.driver.(*testutil.FakeDriver)
	// Simulate the driver losing track of the container backing this running
	// session: ListManaged will no longer report it.
	require.NoError(t, fakeDrv.Destroy(context.Background(), "container-1"))

	r.reconcile(context.Background())

	// sb is the value Create returned; its CurrentSessionID was set in the
	// store by EnsureRunning, so re-read the row before looking it up.
	fresh, err := sandboxes.Get("owner-1", sb.ID)
	require.NoError(t, err)
	got, err := sandboxes.GetCurrentSession(fresh)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, session.StateFailed, got.ObservedState)
}
