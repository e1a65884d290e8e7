// Package pool dispatches queued jobs onto a bounded number of concurrent
// supervisions. Cancellation is never done by directly reaching into a
// running supervision: Cancel only writes the queue row, and the
// supervision's own cancellation poller is what actually kills the child.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/popqq/windmill/internal/queue"
	"github.com/popqq/windmill/internal/supervisor"
)

// OnCompleteFunc is called, from its own goroutine, after a dispatched
// job's supervision returns.
type OnCompleteFunc func(job queue.Job, outcome supervisor.Outcome, err error)

// Status is a snapshot of one running supervision.
type Status struct {
	JobID      uuid.UUID
	ScriptPath string
	StartedAt  time.Time
}

type record struct {
	job       queue.Job
	startedAt time.Time
	cancel    context.CancelFunc
}

// Pool bounds how many supervisions run at once.
type Pool struct {
	mu         sync.Mutex
	size       int
	active     map[uuid.UUID]*record
	sup        *supervisor.Supervisor
	store      *queue.Store
	onComplete OnCompleteFunc
}

// New creates a Pool with room for size concurrent supervisions.
func New(size int, sup *supervisor.Supervisor, store *queue.Store, onComplete OnCompleteFunc) *Pool {
	return &Pool{
		size:       size,
		active:     make(map[uuid.UUID]*record),
		sup:        sup,
		store:      store,
		onComplete: onComplete,
	}
}

// Size returns the configured concurrency limit.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Resize changes the concurrency limit. Jobs already running are never
// preempted by a shrink; it only affects future Dispatch calls.
func (p *Pool) Resize(size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.size = size
}

// ActiveCount returns the number of supervisions currently running.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Statuses returns a snapshot of every running supervision.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.active))
	for _, r := range p.active {
		out = append(out, Status{JobID: r.job.ID, ScriptPath: r.job.ScriptPath, StartedAt: r.startedAt})
	}
	return out
}

// Dispatch starts a supervision for job if a slot is free. It returns false
// without starting anything if the pool is at capacity or job is already
// running.
func (p *Pool) Dispatch(job queue.Job, opts supervisor.Options) bool {
	p.mu.Lock()
	if len(p.active) >= p.size {
		p.mu.Unlock()
		return false
	}
	if _, running := p.active[job.ID]; running {
		p.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{job: job, startedAt: time.Now(), cancel: cancel}
	p.active[job.ID] = rec
	p.mu.Unlock()

	go p.run(ctx, job, opts, rec)
	return true
}

func (p *Pool) run(ctx context.Context, job queue.Job, opts supervisor.Options, rec *record) {
	outcome, err := p.sup.Supervise(ctx, opts)

	p.mu.Lock()
	delete(p.active, job.ID)
	p.mu.Unlock()
	rec.cancel()

	if p.onComplete != nil {
		p.onComplete(job, outcome, err)
	}
}

// Cancel marks job canceled in the durable store. It does not kill anything
// itself — a running supervision's cancellation poller observes the flag
// and terminates its own child. Returns nil even if job is not currently
// running locally, matching the at-least-once nature of external cancel
// requests.
func (p *Pool) Cancel(ctx context.Context, jobID uuid.UUID, by, reason string) error {
	return p.store.Cancel(ctx, jobID, by, reason)
}

// Shutdown cancels every supervision's local context and waits up to
// timeout for them to finish, for use at process exit.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	recs := make([]*record, 0, len(p.active))
	for _, r := range p.active {
		recs = append(recs, r)
	}
	p.mu.Unlock()

	for _, r := range recs {
		r.cancel()
	}

	deadline := time.Now().Add(timeout)
	for {
		if p.ActiveCount() == 0 || time.Now().After(deadline) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
