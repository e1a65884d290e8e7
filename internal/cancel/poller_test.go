package cancel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/popqq/windmill/internal/memprobe"
	"github.com/popqq/windmill/internal/queue"
)

type fakeStore struct {
	mu        sync.Mutex
	status    queue.CancelStatus
	lastPeak  int
	pingCount int
}

func (f *fakeStore) setCanceled(by, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = queue.CancelStatus{Canceled: true, CanceledBy: &by, CanceledReason: &reason}
}

func (f *fakeStore) UpdateMemPeakAndPing(ctx context.Context, jobID uuid.UUID, memPeakKB int) (queue.CancelStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPeak = memPeakKB
	return f.status, nil
}

func (f *fakeStore) TouchWorkerPing(ctx context.Context, worker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCount++
	return nil
}

func TestRunNoOpForNilJobID(t *testing.T) {
	origInterval := Interval
	setInterval(t, 5*time.Millisecond)
	defer setInterval(t, origInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &fakeStore{}
	ch, _ := Run(ctx, store, uuid.Nil, "w1", memprobe.NoPID)
	select {
	case <-ch:
		t.Fatal("expected no record from nil-UUID poller")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunSignalsOnceCanceled(t *testing.T) {
	origInterval := Interval
	setInterval(t, 5*time.Millisecond)
	defer setInterval(t, origInterval)

	store := &fakeStore{}
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	ch, _ := Run(ctx, store, uuid.New(), "w1", memprobe.NoPID)
	time.Sleep(10 * time.Millisecond)
	store.setCanceled("alice", "manual stop")

	select {
	case rec := <-ch:
		assert.Equal(t, "alice", rec.By)
		assert.Equal(t, "manual stop", rec.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected cancellation record")
	}
}

func TestRunStopsWhenContextCanceled(t *testing.T) {
	origInterval := Interval
	setInterval(t, 5*time.Millisecond)
	defer setInterval(t, origInterval)

	store := &fakeStore{}
	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, _ := Run(ctx, store, uuid.New(), "w1", memprobe.NoPID)
	cancelCtx()

	select {
	case <-ch:
		t.Fatal("canceled context should never yield a Record")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestRunTracksPeakMemory(t *testing.T) {
	origInterval := Interval
	setInterval(t, 5*time.Millisecond)
	defer setInterval(t, origInterval)

	store := &fakeStore{}
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	// memprobe.Sample on a PID of 1 (init) resolves via /proc/1/status, which
	// always exists on Linux; the exact peak value doesn't matter here, only
	// that Run surfaces the same running value the store observed.
	_, peak := Run(ctx, store, uuid.New(), "w1", 1)
	time.Sleep(20 * time.Millisecond)

	store.mu.Lock()
	lastPeak := store.lastPeak
	store.mu.Unlock()
	assert.Equal(t, int64(lastPeak), peak.Load())
}

// setInterval swaps the package-level polling interval for the duration of
// a test; tests never run this in parallel so a shared var is safe.
func setInterval(t *testing.T, d time.Duration) {
	t.Helper()
	Interval = d
}
