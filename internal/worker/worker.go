// Package worker runs the stateless pull loop: claim a job, invoke the
// external generator under a soft deadline, heartbeat the lease, and
// report the outcome back through the queue manager.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/project-queue/internal/config"
	"github.com/fairyhunter13/project-queue/internal/domain"
	"github.com/fairyhunter13/project-queue/internal/queue"
)

// Worker is one pull loop. Workers are interchangeable; the id only
// serves lease ownership checks and observability.
type Worker struct {
	id      string
	manager *queue.Manager
	gen     domain.Generator
	cfg     config.Config
	rng     *rand.Rand
}

// New constructs a worker.
func New(id string, manager *queue.Manager, gen domain.Generator, cfg config.Config) *Worker {
	return &Worker{
		id:      id,
		manager: manager,
		gen:     gen,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
	}
}

// Run loops until ctx is done: claim, process, or back off briefly when
// nothing is claimable.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("worker started", slog.String("worker_id", w.id))
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping", slog.String("worker_id", w.id))
			return
		default:
		}
		job, ok, err := w.manager.ClaimNext(ctx, w.id)
		if err != nil {
			slog.Error("claim failed", slog.String("worker_id", w.id), slog.Any("error", err))
			w.idle(ctx)
			continue
		}
		if !ok {
			w.idle(ctx)
			continue
		}
		w.process(ctx, job)
	}
}

// idle sleeps the configured backoff plus up to one second of jitter.
func (w *Worker) idle(ctx context.Context) {
	d := w.cfg.WorkerIdleSleep + time.Duration(w.rng.Int63n(int64(time.Second)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs the generator for one claimed job. The soft deadline
// stays under the lease TTL so the worker always gives up before the
// reaper can presume it dead.
func (w *Worker) process(ctx context.Context, job domain.Job) {
	genCtx, cancelGen := context.WithTimeout(ctx, w.cfg.SoftDeadline())
	defer cancelGen()

	var cancelled atomic.Bool
	hbDone := make(chan struct{})
	go w.heartbeat(genCtx, job.ID, cancelGen, &cancelled, hbDone)

	handle, err := w.gen.Generate(genCtx, job.ID, job.Payload)
	cancelGen()
	<-hbDone

	switch {
	case cancelled.Load():
		if ferr := w.manager.Fail(ctx, job.ID, "cancelled", false); ferr != nil {
			slog.Warn("cancel finalize failed", slog.String("job_id", job.ID), slog.Any("error", ferr))
		}
	case err != nil:
		retryable := !errors.Is(err, domain.ErrNonRetryable)
		if ferr := w.manager.Fail(ctx, job.ID, err.Error(), retryable); ferr != nil {
			slog.Warn("fail report rejected", slog.String("job_id", job.ID), slog.Any("error", ferr))
		}
	default:
		if cerr := w.manager.Complete(ctx, job.ID, handle); cerr != nil {
			slog.Error("complete failed", slog.String("job_id", job.ID), slog.Any("error", cerr))
		}
	}
}

// heartbeat refreshes the lease at most every TTL/3 and polls the
// cooperative cancel flag on each tick. Losing the lease means the
// reaper already presumed this worker dead; the generator is stopped
// and its outcome discarded.
func (w *Worker) heartbeat(ctx context.Context, jobID string, cancelGen context.CancelFunc, cancelled *atomic.Bool, done chan<- struct{}) {
	defer close(done)
	interval := w.cfg.JobTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		flagged, err := w.manager.CancelRequested(ctx, jobID)
		if err == nil && flagged {
			cancelled.Store(true)
			cancelGen()
			return
		}
		ok, err := w.manager.RefreshLease(ctx, jobID, w.id)
		if err != nil {
			slog.Warn("lease refresh error", slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		if !ok {
			slog.Warn("lease lost, abandoning job",
				slog.String("job_id", jobID), slog.String("worker_id", w.id))
			cancelGen()
			return
		}
	}
}
