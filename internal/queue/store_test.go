package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st, err := New(db)
	require.NoError(t, err)
	return st
}

func TestAppendLogsAccumulates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	id := uuid.New()
	require.NoError(t, st.Enqueue(ctx, Job{ID: id, WorkspaceID: "ws"}))

	require.NoError(t, st.AppendLogs(ctx, id, "\nhello"))
	require.NoError(t, st.AppendLogs(ctx, id, "\nworld"))
	require.NoError(t, st.AppendLogs(ctx, id, "")) // no-op

	var logs string
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT logs FROM queue WHERE id = ?`, id.String()).Scan(&logs))
	assert.Equal(t, "\nhello\nworld", logs)
}

func TestUpdateMemPeakAndPingReturnsCancelStatus(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	id := uuid.New()
	require.NoError(t, st.Enqueue(ctx, Job{ID: id, WorkspaceID: "ws"}))

	status, err := st.UpdateMemPeakAndPing(ctx, id, 1024)
	require.NoError(t, err)
	assert.False(t, status.Canceled)

	require.NoError(t, st.Cancel(ctx, id, "alice", "oops"))
	status, err = st.UpdateMemPeakAndPing(ctx, id, 2048)
	require.NoError(t, err)
	assert.True(t, status.Canceled)
	require.NotNil(t, status.CanceledBy)
	assert.Equal(t, "alice", *status.CanceledBy)
	require.NotNil(t, status.CanceledReason)
	assert.Equal(t, "oops", *status.CanceledReason)
}

func TestSetTimeoutCancelWritesInstanceTimeoutReason(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	id := uuid.New()
	require.NoError(t, st.Enqueue(ctx, Job{ID: id, WorkspaceID: "ws"}))

	require.NoError(t, st.SetTimeoutCancel(ctx, id, 300))

	status, err := st.PollCancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, status.Canceled)
	require.NotNil(t, status.CanceledBy)
	assert.Equal(t, "timeout", *status.CanceledBy)
	require.NotNil(t, status.CanceledReason)
	assert.Equal(t, "duration > 300", *status.CanceledReason)
}

func TestSaveCacheUpsertOverwritesValue(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	require.NoError(t, st.SaveCache(ctx, "ws", "p/cached", 60, []byte(`{"a":1}`)))
	require.NoError(t, st.SaveCache(ctx, "ws", "p/cached", 60, []byte(`{"a":2}`)))

	var value string
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT value FROM resource WHERE workspace_id = ? AND path = ?`, "ws", "p/cached").Scan(&value))
	assert.Contains(t, value, `"a":2`)
}

func TestClaimQueuedClaimsUnassignedJobsOnce(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	id1, id2 := uuid.New(), uuid.New()
	require.NoError(t, st.Enqueue(ctx, Job{ID: id1, WorkspaceID: "ws", ScriptPath: "f/a"}))
	require.NoError(t, st.Enqueue(ctx, Job{ID: id2, WorkspaceID: "ws", ScriptPath: "f/b"}))

	claimed, err := st.ClaimQueued(ctx, "worker-1", 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	// A second claim attempt finds nothing left queued.
	again, err := st.ClaimQueued(ctx, "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimQueuedRespectsLimit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.Enqueue(ctx, Job{ID: uuid.New(), WorkspaceID: "ws", ScriptPath: "f/x"}))
	}

	claimed, err := st.ClaimQueued(ctx, "worker-1", 2)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestParentScriptPath(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	parent := uuid.New()
	require.NoError(t, st.Enqueue(ctx, Job{ID: parent, WorkspaceID: "ws", ScriptPath: "f/parent"}))

	path, err := st.ParentScriptPath(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, "f/parent", path)

	path, err = st.ParentScriptPath(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, "", path)
}
