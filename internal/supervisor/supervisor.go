// Package supervisor launches one external job script, drains its combined
// output, enforces a wall-clock timeout, watches for cooperative
// cancellation, and reports a typed Outcome describing how the process
// ended. It is the Timeout & Kill Orchestrator and the top-level Supervisor.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/popqq/windmill/internal/cancel"
	"github.com/popqq/windmill/internal/logstream"
	"github.com/popqq/windmill/internal/memprobe"
)

// Kind identifies how a supervision ended.
type Kind int

const (
	// KindSuccess: the process exited with status 0.
	KindSuccess Kind = iota
	// KindExitCode: the process exited with a nonzero status.
	KindExitCode
	// KindSignaled: the process was terminated by a signal it did not
	// itself request (e.g. a segfault).
	KindSignaled
	// KindKilled: the orchestrator killed the process, either because of a
	// timeout or because the job was canceled.
	KindKilled
	// KindLogLimitExceeded: the process was killed because its combined
	// output exceeded the character budget.
	KindLogLimitExceeded
	// KindIOError: the process could not be started, or waiting on it
	// failed. Errors reading its pipes do not produce this kind.
	KindIOError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindExitCode:
		return "exit_code"
	case KindSignaled:
		return "signaled"
	case KindKilled:
		return "killed"
	case KindLogLimitExceeded:
		return "log_limit_exceeded"
	case KindIOError:
		return "io_error"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of one supervision.
type Outcome struct {
	Kind       Kind
	ExitCode   int           // valid for KindExitCode
	Signal     string        // valid for KindSignaled
	KilledBy   string        // "timeout" | an external actor name; valid for KindKilled
	KillReason string        // valid for KindKilled and KindLogLimitExceeded
	MemPeakKB  int           // high-water-mark resident memory observed, best effort
	Duration   time.Duration // wall-clock time from spawn to exit
	Err        error         // the underlying error for KindIOError
}

// Store is the subset of the durable job store a supervision depends on.
type Store interface {
	cancel.Store
	AppendLogs(ctx context.Context, jobID uuid.UUID, text string) error
	SetTimeoutCancel(ctx context.Context, jobID uuid.UUID, instanceTimeoutSecs int) error
}

// Broadcaster publishes raw bytes to whatever is subscribed to a job's live
// log feed (e.g. the admin API's websocket hub). A nil Broadcaster on
// Options is a valid no-op — supervisions outside an HTTP-fronted worker
// never need one.
type Broadcaster interface {
	Broadcast(data []byte)
}

// Options configures one supervision.
type Options struct {
	Argv []string
	Env  []string // appended to the inherited environment
	Dir  string

	JobID  uuid.UUID // uuid.Nil disables DB-backed logging, polling, and ping
	Worker string

	InstanceTimeout   time.Duration // outer bound; spec default is 300s
	CustomTimeout     *time.Duration
	Enterprise        bool
	PremiumWorkspace  bool
	CloudHosted       bool
	MaxLogChars       int // 0 = unbounded
	WriteDelay        time.Duration
	MaxWaitForSigterm time.Duration
	Sandboxed         bool
	OOMScoreAdj       *int // nil skips the write
	Hub               Broadcaster
}

// enterpriseMultiplier is the slack given to premium, cloud-hosted
// workspaces on the enterprise edition: their effective instance timeout is
// stretched 6x before being capped by any custom per-script timeout.
const enterpriseMultiplier = 6

// Supervisor runs job scripts against a Store.
type Supervisor struct {
	store Store
}

// New builds a Supervisor backed by store.
func New(store Store) *Supervisor {
	return &Supervisor{store: store}
}

// Supervise spawns opts.Argv, drains its output, and blocks until it exits,
// is killed for exceeding its timeout or log budget, or is canceled. It
// never returns before the child process has been fully reaped.
func (s *Supervisor) Supervise(ctx context.Context, opts Options) (Outcome, error) {
	start := time.Now()

	if len(opts.Argv) == 0 {
		return Outcome{Kind: KindIOError, Err: errors.New("supervisor: empty argv")}, errors.New("supervisor: empty argv")
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{Kind: KindIOError, Err: err}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{Kind: KindIOError, Err: err}, err
	}

	if err := cmd.Start(); err != nil {
		return Outcome{Kind: KindIOError, Err: err, Duration: time.Since(start)}, err
	}

	pid := cmd.Process.Pid
	if opts.OOMScoreAdj != nil {
		writeOOMScoreAdj(pid, *opts.OOMScoreAdj)
	}
	workloadPID := memprobe.WorkloadPID(pid, opts.Sandboxed)

	superCtx, stopSuper := context.WithCancel(ctx)
	defer stopSuper()

	lines := logstream.Merge(stdout, stderr)
	appender := logstream.NewAppender(opts.MaxLogChars, flusher{store: s.store, hub: opts.Hub, jobID: opts.JobID}, opts.WriteDelay)

	appenderDone := make(chan appenderResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				appenderDone <- appenderResult{panicVal: r}
			}
		}()
		err := appender.Run(ctx, lines)
		appenderDone <- appenderResult{err: err}
	}()

	childDone := make(chan error, 1)
	go func() { childDone <- cmd.Wait() }()

	// The cancellation poller also owns memory sampling: every tick it
	// samples workloadPID, folds the new peak and a liveness timestamp into
	// one statement against the queue row, and watches that same
	// statement's returned cancellation triple.
	cancelCh, peakKB := cancel.Run(superCtx, s.store, opts.JobID, opts.Worker, workloadPID)

	effectiveTimeout := opts.InstanceTimeout
	if opts.Enterprise && opts.PremiumWorkspace && opts.CloudHosted {
		effectiveTimeout *= enterpriseMultiplier
	}
	if opts.CustomTimeout != nil && *opts.CustomTimeout < effectiveTimeout {
		effectiveTimeout = *opts.CustomTimeout
	}
	timeoutTimer := time.NewTimer(effectiveTimeout)
	defer timeoutTimer.Stop()

	outcome := s.race(ctx, cmd, childDone, appender.Overflowed(), timeoutTimer.C, cancelCh, opts)
	outcome.MemPeakKB = int(peakKB.Load())
	outcome.Duration = time.Since(start)

	stopSuper()

	res := <-appenderDone
	if res.panicVal != nil {
		panic(res.panicVal)
	}

	log.Printf("[supervisor] job %s took %s, mem_peak %dKB, outcome=%s", opts.JobID, outcome.Duration, outcome.MemPeakKB, outcome.Kind)
	return outcome, outcome.Err
}

type appenderResult struct {
	err      error
	panicVal any
}

// race is the biased select: a child that has already exited is always
// preferred over a newly-observed overflow, timeout, or cancellation, so a
// fast-finishing job is never mistakenly reported as killed.
func (s *Supervisor) race(ctx context.Context, cmd *exec.Cmd, childDone chan error, overflow <-chan struct{}, timeout <-chan time.Time, cancelCh <-chan cancel.Record, opts Options) Outcome {
	select {
	case res := <-childDone:
		return classifyChildResult(res)
	default:
	}

	select {
	case res := <-childDone:
		return classifyChildResult(res)

	case <-overflow:
		res := s.terminate(cmd, childDone, opts.MaxWaitForSigterm)
		out := classifyChildResult(res)
		out.Kind = KindLogLimitExceeded
		out.KillReason = fmt.Sprintf("log output exceeded %d characters", opts.MaxLogChars)
		return out

	case <-timeout:
		if opts.JobID != uuid.Nil {
			if err := s.store.SetTimeoutCancel(ctx, opts.JobID, int(opts.InstanceTimeout.Seconds())); err != nil {
				log.Printf("[supervisor] set timeout cancel %s: %v", opts.JobID, err)
			}
		}
		res := s.terminate(cmd, childDone, opts.MaxWaitForSigterm)
		out := classifyChildResult(res)
		out.Kind = KindKilled
		out.KilledBy = "timeout"
		out.KillReason = fmt.Sprintf("duration > %d", int(opts.InstanceTimeout.Seconds()))
		return out

	case rec := <-cancelCh:
		res := s.terminate(cmd, childDone, opts.MaxWaitForSigterm)
		out := classifyChildResult(res)
		out.Kind = KindKilled
		out.KilledBy = rec.By
		out.KillReason = rec.Reason
		return out
	}
}

// terminate sends SIGTERM to the process group, gives it grace to exit, and
// escalates to SIGKILL if it ignores the signal.
func (s *Supervisor) terminate(cmd *exec.Cmd, childDone <-chan error, grace time.Duration) error {
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case err := <-childDone:
		return err
	case <-time.After(grace):
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return <-childDone
}

func classifyChildResult(err error) Outcome {
	if err == nil {
		return Outcome{Kind: KindSuccess}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return Outcome{Kind: KindSignaled, Signal: status.Signal().String()}
		}
		return Outcome{Kind: KindExitCode, ExitCode: exitErr.ExitCode()}
	}
	return Outcome{Kind: KindIOError, Err: err}
}

// writeOOMScoreAdj nudges the kernel's OOM killer to prefer this child over
// the worker process itself; failures are ignored.
func writeOOMScoreAdj(pid, score int) {
	path := fmt.Sprintf("/proc/%d/oom_score_adj", pid)
	_ = os.WriteFile(path, []byte(strconv.Itoa(score)), 0o644)
}

// logMessage is the wire shape broadcast to websocket subscribers for each
// appended batch of output.
type logMessage struct {
	JobID string `json:"job_id"`
	Text  string `json:"text"`
}

// flusher adapts a Store into a logstream.Flusher bound to one job. It both
// persists each batch durably and, if a Broadcaster was supplied, pushes the
// same batch out live to whoever is watching the job's /ws feed.
type flusher struct {
	store Store
	hub   Broadcaster
	jobID uuid.UUID
}

func (f flusher) Flush(ctx context.Context, text string) error {
	if f.jobID == uuid.Nil || text == "" {
		return nil
	}
	if f.hub != nil {
		if raw, err := json.Marshal(logMessage{JobID: f.jobID.String(), Text: text}); err == nil {
			f.hub.Broadcast(raw)
		}
	}
	return f.store.AppendLogs(ctx, f.jobID, text)
}
