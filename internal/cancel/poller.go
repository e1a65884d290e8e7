// Package cancel is the Cancellation Poller: on every tick it samples the
// supervised child's resident memory, folds the new peak and a liveness
// timestamp into a single update against the job's queue row, and watches
// that same statement's returned cancellation triple for an externally- or
// timeout-requested cancellation.
package cancel

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/popqq/windmill/internal/memprobe"
	"github.com/popqq/windmill/internal/queue"
)

// Interval is the polling period. A var, not a const, so tests can shrink
// it instead of waiting out the real-world cadence.
var Interval = 500 * time.Millisecond

// PingEvery is how many ticks elapse between worker_ping refreshes; at the
// default Interval that's one ping roughly every 5s.
const PingEvery = 10

// Store is the subset of queue.Store the poller depends on.
type Store interface {
	UpdateMemPeakAndPing(ctx context.Context, jobID uuid.UUID, memPeakKB int) (queue.CancelStatus, error)
	TouchWorkerPing(ctx context.Context, worker string) error
}

// Record reports a single observed cancellation.
type Record struct {
	By     string
	Reason string
}

// Run starts the combined sample/update/cancel-check loop in its own
// goroutine. It returns a channel that receives exactly one Record if and
// when the job is canceled, and a pointer to the running peak memory (in
// KB) observed for pid so far — safe to read concurrently with atomic.Load,
// and still being updated until ctx is done or a cancellation is observed.
// The channel is never sent to if ctx is canceled first. pid may be
// memprobe.NoPID if there is nothing to sample yet. jobID == uuid.Nil is the
// no-op mode for ad-hoc runs outside the job queue: memory is still
// sampled, but no DB write or cancellation check ever happens.
func Run(ctx context.Context, store Store, jobID uuid.UUID, worker string, pid int) (<-chan Record, *atomic.Int64) {
	out := make(chan Record, 1)
	peak := new(atomic.Int64)
	go poll(ctx, store, jobID, worker, pid, out, peak)
	return out, peak
}

func poll(ctx context.Context, store Store, jobID uuid.UUID, worker string, pid int, out chan<- Record, peak *atomic.Int64) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++

			if kb := memprobe.Sample(pid); kb > 0 && int64(kb) > peak.Load() {
				peak.Store(int64(kb))
			}

			if jobID == uuid.Nil {
				continue
			}

			if worker != "" && tick%PingEvery == 0 {
				if err := store.TouchWorkerPing(ctx, worker); err != nil {
					log.Printf("[cancel] touch ping %s: %v", worker, err)
				}
			}

			status, err := store.UpdateMemPeakAndPing(ctx, jobID, int(peak.Load()))
			if err != nil {
				log.Printf("[cancel] update mem/ping %s: %v", jobID, err)
				continue
			}
			if !status.Canceled {
				continue
			}

			rec := Record{}
			if status.CanceledBy != nil {
				rec.By = *status.CanceledBy
			}
			if status.CanceledReason != nil {
				rec.Reason = *status.CanceledReason
			}
			out <- rec
			return
		}
	}
}
