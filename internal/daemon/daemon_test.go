package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popqq/windmill/internal/config"
	"github.com/popqq/windmill/internal/pool"
	"github.com/popqq/windmill/internal/queue"
	"github.com/popqq/windmill/internal/supervisor"
)

func newTestStore(t *testing.T) *queue.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := queue.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st, err := queue.New(db)
	require.NoError(t, err)
	return st
}

func TestPollAndDispatchClaimsAndFillsPool(t *testing.T) {
	st := newTestStore(t)
	cfg := &config.Config{
		WorkerName:      "worker-1",
		RootCacheDir:    t.TempDir(),
		CommandTemplate: "echo {{.ScriptPath}}",
		TimeoutDuration: config.Duration{Duration: 5 * time.Second},
		PollInterval:    config.Duration{Duration: 10 * time.Millisecond},
	}
	require.NoError(t, config.Validate(cfg))

	id := mustEnqueue(t, st)

	sup := supervisor.New(st)
	dispatched := make(chan struct{}, 1)
	p := pool.New(2, sup, st, func(job queue.Job, outcome supervisor.Outcome, err error) {
		dispatched <- struct{}{}
	})

	d := New(cfg, st, p, nil)
	d.pollAndDispatch()

	select {
	case <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("job was never dispatched/completed")
	}
	_ = id
}

func TestPollAndDispatchSkipsWhenPoolFull(t *testing.T) {
	st := newTestStore(t)
	cfg := &config.Config{WorkerName: "w1", RootCacheDir: t.TempDir(), CommandTemplate: "echo x"}
	require.NoError(t, config.Validate(cfg))
	mustEnqueue(t, st)

	sup := supervisor.New(st)
	p := pool.New(1, sup, st, nil)
	// Fill the only slot with a fake running record by dispatching a
	// long-lived job first.
	longJob := mustEnqueueWithPath(t, st, "f/long")
	claimed, err := st.ClaimQueued(context.Background(), "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.True(t, p.Dispatch(claimed[0], supervisor.Options{Argv: []string{"/bin/sh", "-c", "sleep 1"}, JobID: claimed[0].ID, InstanceTimeout: 5 * time.Second, MaxWaitForSigterm: time.Second}))

	d := New(cfg, st, p, nil)
	d.pollAndDispatch() // should be a no-op: pool already full

	assert.Equal(t, 1, p.ActiveCount())
	_ = longJob
}

func TestBuildOptionsAppliesEnvVarsAndMaterializesJobFiles(t *testing.T) {
	st := newTestStore(t)
	cfg := &config.Config{
		WorkerName:      "worker-1",
		RootCacheDir:    t.TempDir(),
		CommandTemplate: "echo {{.ScriptPath}} {{.ArgsPath}} {{.ResultPath}}",
		TimeoutDuration: config.Duration{Duration: 5 * time.Second},
	}
	require.NoError(t, config.Validate(cfg))
	cfg.WorkerConfig.EnvVars = map[string]string{"FOO": "bar"}

	d := New(cfg, st, pool.New(1, supervisor.New(st), st, nil), nil)

	id := uuid.New()
	job := queue.Job{ID: id, WorkspaceID: "ws", ScriptPath: "f/demo"}
	opts, err := d.buildOptions(job)
	require.NoError(t, err)

	assert.Contains(t, opts.Env, "FOO=bar")

	jobDir := filepath.Join(cfg.RootCacheDir, "jobs", id.String())
	assert.FileExists(t, filepath.Join(jobDir, "args.json"))
	assert.FileExists(t, filepath.Join(jobDir, "result.json"))
}

func mustEnqueue(t *testing.T, st *queue.Store) string {
	return mustEnqueueWithPath(t, st, "f/demo")
}

func mustEnqueueWithPath(t *testing.T, st *queue.Store, path string) string {
	t.Helper()
	id := uuid.New()
	require.NoError(t, st.Enqueue(context.Background(), queue.Job{ID: id, WorkspaceID: "ws", ScriptPath: path}))
	return id.String()
}
