package knowledge

import (
	"context"
	"errors"
	"time"

	"cockpit/api/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (queue.Job, error)
}

type JobHandler interface {
	HandleJob(ctx context.Context, job queue.Job) error
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type WorkerConfig struct {
	Concurrency int
	PollTimeout time.Duration
	// StaleAfter enables the recovery sweep when positive.
	StaleAfter time.Duration
}

// Worker drains the ingestion queue with a fixed number of goroutines.
type Worker struct {
	cfg     WorkerConfig
	jobs    JobSource
	handler JobHandler
	log     *zap.SugaredLogger
}

func NewWorker(cfg WorkerConfig, jobs JobSource, handler JobHandler, log *zap.SugaredLogger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	return &Worker{cfg: cfg, jobs: jobs, handler: handler, log: log}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			w.loop(ctx, id)
			return nil
		})
	}
	if w.cfg.StaleAfter > 0 {
		g.Go(func() error {
			w.sweep(ctx)
			return nil
		})
	}
	w.log.Infow("kb ingestion worker started", "concurrency", w.cfg.Concurrency)
	err := g.Wait()
	w.log.Info("kb ingestion worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, id int) {
	log := w.log.With("worker", id)
	for ctx.Err() == nil {
		job, err := w.jobs.Dequeue(ctx, w.cfg.PollTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnw("dequeue failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}

		started := time.Now()
		if err := w.handler.HandleJob(ctx, job); err != nil {
			log.Warnw("kb job failed", "source", job.SourceID, "attempt", job.Attempt, "error", err)
			continue
		}
		log.Debugw("kb job done", "source", job.SourceID, "duration", time.Since(started))
	}
}

func (w *Worker) sweep(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StaleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.handler.RecoverStale(ctx, w.cfg.StaleAfter); err != nil && ctx.Err() == nil {
				w.log.Warnw("recover stale kb sources", "error", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
