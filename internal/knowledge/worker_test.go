package knowledge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cockpit/api/internal/logging"
	"cockpit/api/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanJobs chan queue.Job

func (c chanJobs) Dequeue(ctx context.Context, timeout time.Duration) (queue.Job, error) {
	select {
	case job := <-c:
		return job, nil
	case <-time.After(timeout):
		return queue.Job{}, queue.ErrEmpty
	case <-ctx.Done():
		return queue.Job{}, ctx.Err()
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	seen   []string
	sweeps atomic.Int32
	fail   string
}

func (h *recordingHandler) HandleJob(_ context.Context, job queue.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, job.SourceID)
	if job.SourceID == h.fail {
		return errors.New("boom")
	}
	return nil
}

func (h *recordingHandler) RecoverStale(context.Context, time.Duration) (int, error) {
	h.sweeps.Add(1)
	return 0, nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestWorkerDrainsQueueUntilCancelled(t *testing.T) {
	jobs := make(chanJobs, 10)
	for _, id := range []string{"src_a", "src_b", "src_c", "src_d"} {
		jobs <- queue.Job{SourceID: id}
	}
	handler := &recordingHandler{fail: "src_b"}
	w := NewWorker(WorkerConfig{Concurrency: 2, PollTimeout: 10 * time.Millisecond, StaleAfter: 20 * time.Millisecond}, jobs, handler, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return handler.count() == 4 && handler.sweeps.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.ElementsMatch(t, []string{"src_a", "src_b", "src_c", "src_d"}, handler.seen)
}

func TestWorkerProcessesQueuedSourceEndToEnd(t *testing.T) {
	f := newFixture(t)
	src := f.addText(t, playbook)

	jobs := make(chanJobs, 1)
	jobs <- f.queue.all()[0]
	w := NewWorker(WorkerConfig{PollTimeout: 10 * time.Millisecond}, jobs, f.svc, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.store.GetSource(context.Background(), src.ID)
		return err == nil && got.Status == string(StatusReady)
	}, 2*time.Second, 5*time.Millisecond)
}
