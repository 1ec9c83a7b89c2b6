package queue

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/project-queue/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/project-queue/internal/config"
	"github.com/fairyhunter13/project-queue/internal/domain"
)

// Reaper is the background sweep recovering orphaned in-flight entries.
// Lease expiry is the sole authority on "worker presumed dead": any
// in-flight job whose lease key is gone is either cleaned up (terminal
// or half-requeued leftovers) or failed with retry semantics. The sweep
// is idempotent and safe to run concurrently with live workers.
type Reaper struct {
	store   *redisstore.Store
	manager *Manager
	cfg     config.Config
	now     func() time.Time
}

// NewReaper constructs a Reaper.
func NewReaper(store *redisstore.Store, manager *Manager, cfg config.Config) *Reaper {
	return &Reaper{
		store:   store,
		manager: manager,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately and then on every tick until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	r.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopping")
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce scans the in-flight list for expired leases and then runs
// the ghost-hash housekeeping pass.
func (r *Reaper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("queue.reaper")
	ctx, span := tracer.Start(ctx, "Reaper.SweepOnce")
	defer span.End()

	ids, err := r.store.LRange(ctx, redisstore.KeyInflight, 0, -1)
	if err != nil {
		span.RecordError(err)
		slog.Error("reaper failed to list in-flight jobs", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.inflight", len(ids)))

	recovered := 0
	for _, jobID := range ids {
		alive, err := r.store.Exists(ctx, redisstore.LeaseKey(jobID))
		if err != nil {
			slog.Error("reaper lease check failed", slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		if alive {
			continue
		}
		if r.reapOne(ctx, jobID) {
			recovered++
		}
	}
	span.SetAttributes(attribute.Int("jobs.recovered", recovered))

	r.sweepGhosts(ctx)
}

// reapOne handles a single in-flight entry whose lease has expired.
func (r *Reaper) reapOne(ctx context.Context, jobID string) bool {
	fields, err := r.store.HGetAll(ctx, redisstore.JobKey(jobID))
	if err != nil {
		slog.Error("reaper failed to read job", slog.String("job_id", jobID), slog.Any("error", err))
		return false
	}
	job, err := redisstore.DecodeJob(fields)
	if errors.Is(err, domain.ErrNotFound) {
		// Record gone (retention expiry); drop the dangling entry.
		_, _ = r.store.LRem(ctx, redisstore.KeyInflight, jobID)
		return false
	}
	if err != nil {
		// A corrupt record is not a vanished one; keep the entry and
		// surface the decode failure instead of dropping the job.
		slog.Error("reaper failed to decode job", slog.String("job_id", jobID), slog.Any("error", err))
		return false
	}

	switch {
	case job.Status.Terminal():
		// Completed or failed between the lease check and here.
		_, _ = r.store.LRem(ctx, redisstore.KeyInflight, jobID)
		return false
	case job.Status == domain.JobQueued:
		// Leftover of a crashed requeue: hash and pending are committed,
		// only the in-flight removal is missing. ZADD is idempotent at
		// the recomputed original score.
		score := domain.PriorityScore(job.Priority, job.CreatedAt)
		if err := r.store.ZAdd(ctx, redisstore.KeyPending, score, jobID); err != nil {
			slog.Error("reaper requeue repair failed", slog.String("job_id", jobID), slog.Any("error", err))
			return false
		}
		_, _ = r.store.LRem(ctx, redisstore.KeyInflight, jobID)
		return true
	default:
		// Worker presumed dead mid-processing.
		if err := r.manager.Fail(ctx, jobID, "timed out", true); err != nil {
			slog.Error("reaper failed to recover job", slog.String("job_id", jobID), slog.Any("error", err))
			return false
		}
		slog.Warn("reaper recovered expired job",
			slog.String("job_id", jobID),
			slog.String("worker_id", job.WorkerID),
			slog.Int("attempt", job.Attempt))
		return true
	}
}

// sweepGhosts deletes queued job hashes that never reached the pending
// commit point (a submit crashed between the hash write and the ZADD).
// Their monthly counter was never incremented, so deletion is clean.
func (r *Reaper) sweepGhosts(ctx context.Context) {
	keys, err := r.store.ScanKeys(ctx, "job:*")
	if err != nil {
		slog.Error("ghost sweep scan failed", slog.Any("error", err))
		return
	}

	cutoff := r.now().Add(-r.cfg.GhostAge)
	for _, key := range keys {
		if strings.HasSuffix(key, ":lease") {
			continue
		}
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil {
			continue
		}
		job, err := redisstore.DecodeJob(fields)
		if err != nil || job.Status != domain.JobQueued || !job.CreatedAt.Before(cutoff) {
			continue
		}
		// Index checks run fresh per candidate, pending before in-flight:
		// the claim moves a member between the two atomically, so a job
		// absent from both here cannot be mid-claim.
		if _, inPending, err := r.store.ZRank(ctx, redisstore.KeyPending, job.ID); err != nil || inPending {
			continue
		}
		inflight, err := r.store.LRange(ctx, redisstore.KeyInflight, 0, -1)
		if err != nil {
			continue
		}
		if slices.Contains(inflight, job.ID) {
			continue
		}
		// Re-read before deleting; a transition may have landed since the
		// scan snapshot.
		if fields, err = r.store.HGetAll(ctx, key); err != nil {
			continue
		}
		if job, err = redisstore.DecodeJob(fields); err != nil || job.Status != domain.JobQueued {
			continue
		}
		if err := r.store.Del(ctx, key); err == nil {
			slog.Warn("reaped ghost job hash", slog.String("job_id", job.ID))
		}
	}
}
