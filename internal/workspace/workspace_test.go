package workspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baysandbox/bay/internal/testutil"
)

func TestCreateProvisionsVolumeAndRow(t *testing.T) {
	st := testutil.NewTestStore(t)
	drv := testutil.NewFakeDriver("http://127.0.0.1:0")
	mgr := NewManager(st, drv)

	ws, err := mgr.Create(context.Background(), "owner-1", "")
	require.NoError(t, err)
	assert.False(t, ws.Managed)

	exists, err := drv.VolumeExists(context.Background(), ws.DriverRef)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := mgr.Get(ws.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, ws.ID, got.ID)
}

func TestGetHidesOtherOwnersWorkspace(t *testing.T) {
	st := testutil.NewTestStore(t)
	drv := testutil.NewFakeDriver("http://127.0.0.1:0")
	mgr := NewManager(st, drv)

	ws, err := mgr.Create(context.Background(), "owner-1", "")
	require.NoError(t, err)

	_, err = mgr.Get(ws.ID, "owner-2")
	assert.Error(t, err)
}

func TestManagedWorkspaceRequiresForceToDelete(t *testing.T) {
	st := testutil.NewTestStore(t)
	drv := testutil.NewFakeDriver("http://127.0.0.1:0")
	mgr := NewManager(st, drv)

	ws, err := mgr.Create(context.Background(), "owner-1", "sandbox-1")
	require.NoError(t, err)
	assert.True(t, ws.Managed)

	err = mgr.Delete(context.Background(), ws.ID, "owner-1", false)
	assert.Error(t, err)

	require.NoError(t, mgr.Delete(context.Background(), ws.ID, "owner-1", true))

	exists, err := drv.VolumeExists(context.Background(), ws.DriverRef)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUnmanagedWorkspaceDeletesDirectly(t *testing.T) {
	st := testutil.NewTestStore(t)
	drv := testutil.NewFakeDriver("http://127.0.0.1:0")
	mgr := NewManager(st, drv)

	ws, err := mgr.Create(context.Background(), "owner-1", "")
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(context.Background(), ws.ID, "owner-1", false))

	_, err = mgr.Get(ws.ID, "owner-1")
	assert.Error(t, err)
}
