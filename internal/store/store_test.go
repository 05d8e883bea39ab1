package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testSandbox(id, owner string) *Sandbox {
	now := time.Now().UTC()
	return &Sandbox{
		ID:            id,
		Owner:         owner,
		ProfileID:     "python",
		WorkspaceID:   "ws-" + id,
		ExpiresAt:     now.Add(time.Hour),
		IdleExpiresAt: now.Add(10 * time.Minute),
		LastActiveAt:  now,
		CreatedAt:     now,
	}
}

func testSession(id, sandboxID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:            id,
		SandboxID:     sandboxID,
		RuntimeType:   "ship",
		ProfileID:     "python",
		DesiredState:  "running",
		ObservedState: "pending",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestCreateAndGetSandbox(t *testing.T) {
	st := newTestStore(t)
	sb := testSandbox("sandbox-1", "alice")
	require.NoError(t, st.CreateSandbox(sb))

	got, err := st.GetSandbox("alice", "sandbox-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sb.ID, got.ID)
	assert.Equal(t, sb.ProfileID, got.ProfileID)
	assert.Equal(t, sb.WorkspaceID, got.WorkspaceID)
	assert.Nil(t, got.DeletedAt)
}

func TestGetSandboxWrongOwnerNotFound(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-1", "alice")))

	got, err := st.GetSandbox("bob", "sandbox-1")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, got)
}

func TestListSandboxesKeysetPagination(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-1", "alice")))
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-2", "alice")))
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-3", "alice")))

	page1, err := st.ListSandboxes("alice", "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "sandbox-1", page1[0].ID)
	assert.Equal(t, "sandbox-2", page1[1].ID)

	page2, err := st.ListSandboxes("alice", page1[len(page1)-1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "sandbox-3", page2[0].ID)
}

func TestListSandboxesExcludesOtherOwners(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-1", "alice")))
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-2", "bob")))

	got, err := st.ListSandboxes("alice", "", 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sandbox-1", got[0].ID)
}

func TestSoftDeleteSandboxHidesFromQueries(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-1", "alice")))

	require.NoError(t, st.SoftDeleteSandbox("sandbox-1", time.Now().UTC()))

	got, err := st.GetSandbox("alice", "sandbox-1")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, got)

	all, err := st.ListAllSandboxes()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSoftDeleteSandboxNotFound(t *testing.T) {
	st := newTestStore(t)
	err := st.SoftDeleteSandbox("nonexistent", time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSandboxesPastIdleAndTTL(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	idleExpired := testSandbox("idle-expired", "alice")
	idleExpired.IdleExpiresAt = now.Add(-time.Minute)
	require.NoError(t, st.CreateSandbox(idleExpired))

	ttlExpired := testSandbox("ttl-expired", "alice")
	ttlExpired.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, st.CreateSandbox(ttlExpired))

	fresh := testSandbox("fresh", "alice")
	require.NoError(t, st.CreateSandbox(fresh))

	idleList, err := st.ListSandboxesPastIdle(now)
	require.NoError(t, err)
	require.Len(t, idleList, 1)
	assert.Equal(t, "idle-expired", idleList[0].ID)

	ttlList, err := st.ListSandboxesPastTTL(now)
	require.NoError(t, err)
	require.Len(t, ttlList, 1)
	assert.Equal(t, "ttl-expired", ttlList[0].ID)
}

func TestUpdateSandboxCurrentSession(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-1", "alice")))

	require.NoError(t, st.UpdateSandboxCurrentSession("sandbox-1", "sess-1"))

	got, err := st.GetSandbox("alice", "sandbox-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.CurrentSessionID)
}

func TestUpdateSandboxKeepalive(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-1", "alice")))

	newIdle := time.Now().UTC().Add(20 * time.Minute)
	require.NoError(t, st.UpdateSandboxKeepalive("sandbox-1", time.Now().UTC(), newIdle))

	got, err := st.GetSandbox("alice", "sandbox-1")
	require.NoError(t, err)
	assert.WithinDuration(t, newIdle, got.IdleExpiresAt, time.Second)
}

func TestClearSandboxSession(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-1", "alice")))
	require.NoError(t, st.UpdateSandboxCurrentSession("sandbox-1", "sess-1"))
	require.NoError(t, st.UpdateSandboxKeepalive("sandbox-1", time.Now().UTC(), time.Now().UTC().Add(20*time.Minute)))

	require.NoError(t, st.ClearSandboxSession("sandbox-1"))

	got, err := st.GetSandbox("alice", "sandbox-1")
	require.NoError(t, err)
	assert.Empty(t, got.CurrentSessionID)
	assert.True(t, got.IdleExpiresAt.IsZero())
}

func TestCreateAndGetSession(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-1", "alice")))
	sess := testSession("sess-1", "sandbox-1")
	require.NoError(t, st.CreateSession(sess))

	got, err := st.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.SandboxID, got.SandboxID)
	assert.Equal(t, sess.RuntimeType, got.RuntimeType)
	assert.Equal(t, "pending", got.ObservedState)
}

func TestGetSessionBySandboxReturnsMostRecent(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-1", "alice")))

	old := testSession("sess-1", "sandbox-1")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.CreateSession(old))

	newer := testSession("sess-2", "sandbox-1")
	require.NoError(t, st.CreateSession(newer))

	got, err := st.GetSessionBySandbox("sandbox-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", got.ID)
}

func TestUpdateSessionState(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-1", "alice")))
	require.NoError(t, st.CreateSession(testSession("sess-1", "sandbox-1")))

	require.NoError(t, st.UpdateSessionState("sess-1", "container-abc", "http://10.0.0.1:9000", "running", "running"))

	got, err := st.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "container-abc", got.ContainerID)
	assert.Equal(t, "http://10.0.0.1:9000", got.Endpoint)
	assert.Equal(t, "running", got.ObservedState)
}

func TestUpdateSessionObservedState(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-1", "alice")))
	require.NoError(t, st.CreateSession(testSession("sess-1", "sandbox-1")))

	require.NoError(t, st.UpdateSessionObservedState("sess-1", "failed"))

	got, err := st.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.ObservedState)
}

func TestDeleteSession(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateSandbox(testSandbox("sandbox-1", "alice")))
	require.NoError(t, st.CreateSession(testSession("sess-1", "sandbox-1")))

	require.NoError(t, st.DeleteSession("sess-1"))

	_, err := st.GetSession("sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSessionNotFound(t *testing.T) {
	st := newTestStore(t)
	err := st.DeleteSession("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAndGetWorkspace(t *testing.T) {
	st := newTestStore(t)
	ws := &Workspace{ID: "ws-1", Owner: "alice", Managed: true, ManagedBySandboxID: "sandbox-1", DriverRef: "vol-abc", CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateWorkspace(ws))

	got, err := st.GetWorkspace("ws-1")
	require.NoError(t, err)
	assert.Equal(t, ws.DriverRef, got.DriverRef)
	assert.True(t, got.Managed)
}

func TestDeleteWorkspace(t *testing.T) {
	st := newTestStore(t)
	ws := &Workspace{ID: "ws-1", Owner: "alice", DriverRef: "vol-abc", CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateWorkspace(ws))

	require.NoError(t, st.DeleteWorkspace("ws-1"))

	_, err := st.GetWorkspace("ws-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveIdempotencyKeyFirstWriterWins(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	k := &IdempotencyKey{Owner: "alice", Key: "req-1", RequestFingerprint: "abc", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	reserved, err := st.SaveIdempotencyKey(k)
	require.NoError(t, err)
	assert.True(t, reserved)

	k2 := &IdempotencyKey{Owner: "alice", Key: "req-1", RequestFingerprint: "different", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	reserved2, err := st.SaveIdempotencyKey(k2)
	require.NoError(t, err)
	assert.False(t, reserved2, "a concurrent reserve of the same (owner, key) must lose the race")
}

func TestUpdateIdempotencyResponseAndGet(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	k := &IdempotencyKey{Owner: "alice", Key: "req-1", RequestFingerprint: "abc", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	reserved, err := st.SaveIdempotencyKey(k)
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, st.UpdateIdempotencyResponse("alice", "req-1", 201, []byte(`{"id":"sandbox-1"}`)))

	got, err := st.GetIdempotencyKey("alice", "req-1")
	require.NoError(t, err)
	assert.Equal(t, 201, got.StatusCode)
	assert.Equal(t, []byte(`{"id":"sandbox-1"}`), got.ResponseSnapshot)
}

func TestGetIdempotencyKeyExpiredTreatedAsAbsent(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	k := &IdempotencyKey{Owner: "alice", Key: "req-1", RequestFingerprint: "abc", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	_, err := st.SaveIdempotencyKey(k)
	require.NoError(t, err)

	_, err = st.GetIdempotencyKey("alice", "req-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Get must have deleted the stale row outright, not merely filtered it
	// out of the SELECT: a retry reserving the same key before the next
	// reaper sweep must not collide with it via INSERT ... ON CONFLICT.
	reserved, err := st.SaveIdempotencyKey(&IdempotencyKey{
		Owner: "alice", Key: "req-1", RequestFingerprint: "new", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, reserved, "re-reserving a key whose stale row was deleted on Get must succeed")
}

func TestDeleteExpiredIdempotencyKeys(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	expired := &IdempotencyKey{Owner: "alice", Key: "old", RequestFingerprint: "a", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	fresh := &IdempotencyKey{Owner: "alice", Key: "new", RequestFingerprint: "b", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	_, err := st.SaveIdempotencyKey(expired)
	require.NoError(t, err)
	_, err = st.SaveIdempotencyKey(fresh)
	require.NoError(t, err)

	n, err := st.DeleteExpiredIdempotencyKeys(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
