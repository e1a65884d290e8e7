// Package daemon runs the queue-poll dispatch loop: on every tick it claims
// as many queued jobs as the pool has free slots for, renders each job's
// script into an argv, and hands it to the pool for supervision.
package daemon

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/popqq/windmill/internal/config"
	"github.com/popqq/windmill/internal/pool"
	"github.com/popqq/windmill/internal/queue"
	"github.com/popqq/windmill/internal/supervisor"
)

// Daemon drives the poll-claim-dispatch loop.
type Daemon struct {
	cfg    *config.Config
	store  *queue.Store
	pool   *pool.Pool
	hub    supervisor.Broadcaster
	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Daemon. It does not start the loop. hub may be nil, in
// which case supervised jobs log only to the store and never broadcast.
func New(cfg *config.Config, st *queue.Store, p *pool.Pool, hub supervisor.Broadcaster) *Daemon {
	return &Daemon{
		cfg:    cfg,
		store:  st,
		pool:   p,
		hub:    hub,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the poll loop in its own goroutine.
func (d *Daemon) Start() {
	d.ticker = time.NewTicker(d.cfg.PollInterval.Duration)
	go d.run()
}

// Stop signals the loop to stop and waits for it to exit.
func (d *Daemon) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Daemon) run() {
	defer close(d.doneCh)
	d.pollAndDispatch()
	for {
		select {
		case <-d.ticker.C:
			d.pollAndDispatch()
		case <-d.stopCh:
			d.ticker.Stop()
			return
		}
	}
}

func (d *Daemon) pollAndDispatch() {
	slots := d.pool.Size() - d.pool.ActiveCount()
	if slots <= 0 {
		return
	}

	ctx := context.Background()
	jobs, err := d.store.ClaimQueued(ctx, d.cfg.WorkerName, slots)
	if err != nil {
		log.Printf("[daemon] claim: %v", err)
		return
	}

	for _, job := range jobs {
		opts, err := d.buildOptions(job)
		if err != nil {
			log.Printf("[daemon] build options for %s: %v", job.ID, err)
			continue
		}
		if !d.pool.Dispatch(job, opts) {
			log.Printf("[daemon] dispatch %s: pool rejected", job.ID)
		}
	}
}

func (d *Daemon) buildOptions(job queue.Job) (supervisor.Options, error) {
	jobDir := filepath.Join(d.cfg.RootCacheDir, "jobs", job.ID.String())
	argsPath := filepath.Join(jobDir, "args.json")
	resultPath := filepath.Join(jobDir, "result.json")

	argv, err := pool.RenderArgv(d.cfg.CommandTemplate, pool.ArgvData{
		ScriptPath: filepath.Join(d.cfg.RootCacheDir, job.ScriptPath),
		JobDir:     jobDir,
		ArgsPath:   argsPath,
		ResultPath: resultPath,
	})
	if err != nil {
		return supervisor.Options{}, err
	}
	if err := materializeJobFiles(jobDir, argsPath, resultPath); err != nil {
		return supervisor.Options{}, err
	}

	var customTimeout *time.Duration
	if job.CustomTimeoutSecs != nil {
		secs := time.Duration(*job.CustomTimeoutSecs) * time.Second
		customTimeout = &secs
	}

	maxLogChars := 0
	if d.cfg.CloudHosted {
		maxLogChars = d.cfg.MaxResultSize
	}

	return supervisor.Options{
		Argv:              argv,
		Env:               envSlice(d.cfg.WorkerConfig.EnvVars),
		Dir:               jobDir,
		JobID:             job.ID,
		Worker:            d.cfg.WorkerName,
		InstanceTimeout:   d.cfg.TimeoutDuration.Duration,
		CustomTimeout:     customTimeout,
		Enterprise:        d.cfg.Enterprise,
		CloudHosted:       d.cfg.CloudHosted,
		MaxLogChars:       maxLogChars,
		WriteDelay:        500 * time.Millisecond,
		MaxWaitForSigterm: time.Duration(d.cfg.MaxWaitForSigterm) * time.Second,
		OOMScoreAdj:       d.cfg.OOMScoreAdjust,
		Hub:               d.hub,
	}, nil
}

// materializeJobFiles ensures the paths the command template interpolates
// into {{.ArgsPath}}/{{.ResultPath}} exist and are readable JSON before the
// child is spawned. Interpolating a job's stored arguments against
// variables/resources happens upstream of this queue (see internal/interp);
// nothing here has those values to fill in, so args.json is written as an
// empty object rather than left absent.
func materializeJobFiles(jobDir, argsPath, resultPath string) error {
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(argsPath, []byte("{}"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(resultPath, []byte("{}"), 0o644)
}

// envSlice converts a config env-var map into "KEY=VALUE" pairs suitable
// for appending to a child's environment.
func envSlice(vars map[string]string) []string {
	if len(vars) == 0 {
		return nil
	}
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	return out
}

// OnComplete builds the pool.OnCompleteFunc that logs a finished
// supervision's outcome. It writes nothing back onto the queue row.
func OnComplete(st *queue.Store) pool.OnCompleteFunc {
	return func(job queue.Job, outcome supervisor.Outcome, err error) {
		if err != nil && outcome.Kind == supervisor.KindIOError {
			log.Printf("[daemon] job %s failed to start: %v", job.ID, err)
			return
		}
		log.Printf("[daemon] job %s finished: %s", job.ID, outcome.Kind)
	}
}
