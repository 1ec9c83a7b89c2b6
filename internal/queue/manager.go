// Package queue implements the queue core: admission control, the
// queue manager owning all job state transitions, the timeout reaper,
// and the stats estimator.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/project-queue/internal/adapter/observability"
	"github.com/fairyhunter13/project-queue/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/project-queue/internal/config"
	"github.com/fairyhunter13/project-queue/internal/domain"
)

const (
	monthCounterTTL = 31 * 24 * time.Hour
	dailyBucketTTL  = 48 * time.Hour
	ewmaAlpha       = 0.1
)

// Manager owns every job state transition. Workers, the reaper and the
// HTTP layer all mutate jobs exclusively through it; the store adapter's
// atomic primitives keep concurrent callers from clobbering each other.
type Manager struct {
	store *redisstore.Store
	cfg   config.Config
	now   func() time.Time
}

// NewManager constructs a Manager over the given store.
func NewManager(store *redisstore.Store, cfg config.Config) *Manager {
	return &Manager{
		store: store,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// WithClock overrides the manager's clock. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Submit persists an admitted job and enqueues it. Write order: job
// hash first, then the pending ZADD (the commit point), then the
// monthly counter. A crashed submit therefore never consumes quota and
// leaves at worst an unindexed hash for the housekeeping pass.
func (m *Manager) Submit(ctx context.Context, job domain.Job) error {
	if err := m.store.HSet(ctx, redisstore.JobKey(job.ID), redisstore.EncodeJob(job)); err != nil {
		return err
	}
	score := domain.PriorityScore(job.Priority, job.CreatedAt)
	if err := m.store.ZAdd(ctx, redisstore.KeyPending, score, job.ID); err != nil {
		return err
	}
	if _, err := m.store.IncrWithTTL(ctx, redisstore.MonthKey(job.UserID, job.CreatedAt), monthCounterTTL); err != nil {
		// The job is already committed; quota drift here only favors the user.
		slog.Warn("monthly counter increment failed",
			slog.String("job_id", job.ID), slog.String("user_id", job.UserID), slog.Any("error", err))
	}
	observability.SubmitJob(string(job.Tier))
	slog.Info("job queued",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.String("tier", string(job.Tier)))
	return nil
}

// ClaimNext moves the highest-priority pending job in flight for
// workerID. The claim script also writes the processing fields and the
// lease, so a claimed job is never in flight without one. Returns
// ok=false when the in-flight list is at capacity or the queue is
// empty.
func (m *Manager) ClaimNext(ctx context.Context, workerID string) (domain.Job, bool, error) {
	for {
		jobID, err := m.store.ClaimNext(ctx, redisstore.KeyPending, redisstore.KeyInflight,
			m.cfg.MaxConcurrentJobs, workerID, m.now(), m.cfg.JobTimeout)
		if err != nil {
			return domain.Job{}, false, err
		}
		if jobID == "" {
			return domain.Job{}, false, nil
		}
		job, err := m.load(ctx, jobID)
		if errors.Is(err, domain.ErrNotFound) {
			// Record expired between the claim and this read; undo the
			// claim leftovers and try the next head.
			_, _ = m.store.LRem(ctx, redisstore.KeyInflight, jobID)
			_ = m.store.Del(ctx, redisstore.LeaseKey(jobID))
			slog.Warn("claimed job without record, skipping", slog.String("job_id", jobID))
			continue
		}
		if err != nil {
			// A read failure leaves the job leased in flight; the reaper
			// recovers it after lease expiry.
			return domain.Job{}, false, err
		}
		observability.ClaimJob()
		slog.Info("job claimed",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.Int("attempt", job.Attempt))
		return job, true, nil
	}
}

// Complete finalizes a processing job. Calling it again on an already
// terminal job is a no-op success.
func (m *Manager) Complete(ctx context.Context, jobID, resultHandle string) error {
	job, err := m.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.Status != domain.JobProcessing {
		return fmt.Errorf("%w: cannot complete job in status %q", domain.ErrConflict, job.Status)
	}
	now := m.now()
	job.Status = domain.JobCompleted
	job.CompletedAt = now
	job.ResultHandle = resultHandle
	job.ErrorMessage = ""

	if _, err := m.store.LRem(ctx, redisstore.KeyInflight, jobID); err != nil {
		return err
	}
	_, _ = m.store.DeleteIfValue(ctx, redisstore.LeaseKey(jobID), job.WorkerID)
	if err := m.store.HSet(ctx, redisstore.JobKey(jobID), redisstore.EncodeJob(job)); err != nil {
		return err
	}
	if err := m.store.PushRing(ctx, redisstore.KeyCompleted, jobID, m.cfg.RingCap); err != nil {
		return err
	}
	_ = m.store.Expire(ctx, redisstore.JobKey(jobID), m.cfg.JobRetention)
	if _, err := m.store.IncrWithTTL(ctx, redisstore.DailyCompletedKey(now), dailyBucketTTL); err != nil {
		slog.Warn("daily completed counter failed", slog.Any("error", err))
	}
	dur := now.Sub(job.StartedAt)
	if _, err := m.store.UpdateEWMA(ctx, redisstore.KeyAvgSeconds, dur.Seconds(), ewmaAlpha, m.cfg.AvgJobSecondsSeed); err != nil {
		slog.Warn("avg processing time update failed", slog.Any("error", err))
	}
	observability.CompleteJob(string(job.Tier), dur)
	slog.Info("job completed",
		slog.String("job_id", jobID),
		slog.Duration("duration", dur))
	m.notify(job, "completed", resultHandle)
	return nil
}

// Fail records a failed processing attempt. Retryable failures below
// the attempt cap requeue the job with its original priority score;
// anything else is terminal. A fail on a cancel-requested job finalizes
// the cancellation instead. No-op on already terminal jobs.
func (m *Manager) Fail(ctx context.Context, jobID, errMsg string, retryable bool) error {
	job, err := m.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.Status != domain.JobProcessing {
		return fmt.Errorf("%w: cannot fail job in status %q", domain.ErrConflict, job.Status)
	}
	now := m.now()
	if job.CancelRequested {
		return m.finalizeCancel(ctx, job, now)
	}
	if retryable && job.Attempt < m.cfg.MaxAttempts {
		return m.requeue(ctx, job, errMsg)
	}

	job.Status = domain.JobFailed
	job.CompletedAt = now
	job.ErrorMessage = errMsg
	prevWorker := job.WorkerID
	if err := m.store.HSet(ctx, redisstore.JobKey(jobID), redisstore.EncodeJob(job)); err != nil {
		return err
	}
	if _, err := m.store.LRem(ctx, redisstore.KeyInflight, jobID); err != nil {
		return err
	}
	_, _ = m.store.DeleteIfValue(ctx, redisstore.LeaseKey(jobID), prevWorker)
	if err := m.store.PushRing(ctx, redisstore.KeyFailed, jobID, m.cfg.RingCap); err != nil {
		return err
	}
	_ = m.store.Expire(ctx, redisstore.JobKey(jobID), m.cfg.JobRetention)
	if _, err := m.store.IncrWithTTL(ctx, redisstore.DailyFailedKey(now), dailyBucketTTL); err != nil {
		slog.Warn("daily failed counter failed", slog.Any("error", err))
	}
	observability.FailJob(string(job.Tier))
	slog.Error("job failed",
		slog.String("job_id", jobID),
		slog.Int("attempt", job.Attempt),
		slog.String("error", errMsg))
	m.notify(job, "failed", errMsg)
	return nil
}

// requeue returns a job to pending for another attempt, preserving its
// original priority score so it keeps its place among same-instant
// peers. ZADD before LREM: a crash in between leaves the job in both
// indexes, which the reaper resolves idempotently.
func (m *Manager) requeue(ctx context.Context, job domain.Job, errMsg string) error {
	prevWorker := job.WorkerID
	job.Attempt++
	job.Status = domain.JobQueued
	job.StartedAt = time.Time{}
	job.WorkerID = ""
	job.ErrorMessage = ""
	if err := m.store.HSet(ctx, redisstore.JobKey(job.ID), redisstore.EncodeJob(job)); err != nil {
		return err
	}
	score := domain.PriorityScore(job.Priority, job.CreatedAt)
	if err := m.store.ZAdd(ctx, redisstore.KeyPending, score, job.ID); err != nil {
		return err
	}
	if _, err := m.store.LRem(ctx, redisstore.KeyInflight, job.ID); err != nil {
		return err
	}
	_, _ = m.store.DeleteIfValue(ctx, redisstore.LeaseKey(job.ID), prevWorker)
	observability.RequeueJob()
	slog.Warn("job requeued for retry",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt),
		slog.String("error", errMsg))
	return nil
}

func (m *Manager) finalizeCancel(ctx context.Context, job domain.Job, now time.Time) error {
	prevWorker := job.WorkerID
	job.Status = domain.JobCancelled
	job.CompletedAt = now
	job.WorkerID = ""
	if err := m.store.HSet(ctx, redisstore.JobKey(job.ID), redisstore.EncodeJob(job)); err != nil {
		return err
	}
	if _, err := m.store.LRem(ctx, redisstore.KeyInflight, job.ID); err != nil {
		return err
	}
	_, _ = m.store.DeleteIfValue(ctx, redisstore.LeaseKey(job.ID), prevWorker)
	_ = m.store.Expire(ctx, redisstore.JobKey(job.ID), m.cfg.JobRetention)
	observability.CancelJob(string(job.Tier))
	slog.Info("job cancelled", slog.String("job_id", job.ID))
	m.notify(job, "cancelled", "")
	return nil
}

// Cancel cancels a queued or processing job. Queued jobs are removed
// from pending and finalized immediately; processing jobs get the
// cancel flag set and their lease dropped, and the worker abandons the
// work at its next heartbeat. Cancelling a terminal job is a conflict.
func (m *Manager) Cancel(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := m.load(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status.Terminal() {
		return domain.Job{}, fmt.Errorf("%w: cannot cancel job in status %q", domain.ErrConflict, job.Status)
	}
	now := m.now()
	if job.Status == domain.JobQueued {
		removed, err := m.store.ZRem(ctx, redisstore.KeyPending, jobID)
		if err != nil {
			return domain.Job{}, err
		}
		if removed {
			job.Status = domain.JobCancelled
			job.CompletedAt = now
			if err := m.store.HSet(ctx, redisstore.JobKey(jobID), redisstore.EncodeJob(job)); err != nil {
				return domain.Job{}, err
			}
			_ = m.store.Expire(ctx, redisstore.JobKey(jobID), m.cfg.JobRetention)
			observability.CancelQueuedJob(string(job.Tier))
			slog.Info("job cancelled from queue", slog.String("job_id", jobID))
			m.notify(job, "cancelled", "")
			return job, nil
		}
		// Lost the race to a concurrent claim; fall through to the
		// cooperative path.
	}
	if err := m.store.HSet(ctx, redisstore.JobKey(jobID), redisstore.CancelRequestedFields()); err != nil {
		return domain.Job{}, err
	}
	_ = m.store.Del(ctx, redisstore.LeaseKey(jobID))
	job.CancelRequested = true
	slog.Info("cancel requested for in-flight job", slog.String("job_id", jobID))
	return job, nil
}

// Status is a pure read: the job plus its 1-indexed pending position
// (0 when not queued).
func (m *Manager) Status(ctx context.Context, jobID string) (domain.Job, int, error) {
	job, err := m.load(ctx, jobID)
	if err != nil {
		return domain.Job{}, 0, err
	}
	position := 0
	if job.Status == domain.JobQueued {
		rank, ok, err := m.store.ZRank(ctx, redisstore.KeyPending, jobID)
		if err != nil {
			return domain.Job{}, 0, err
		}
		if ok {
			position = int(rank) + 1
		}
	}
	return job, position, nil
}

// CancelRequested reports the cooperative-cancel flag for a job.
func (m *Manager) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	v, ok, err := m.store.HGet(ctx, redisstore.JobKey(jobID), redisstore.FieldCancelRequested)
	if err != nil {
		return false, err
	}
	return ok && v == "1", nil
}

// RefreshLease extends the worker's lease; ok=false means the lease is
// gone or owned by someone else and the worker must abandon the job.
func (m *Manager) RefreshLease(ctx context.Context, jobID, workerID string) (bool, error) {
	return m.store.RefreshIfValue(ctx, redisstore.LeaseKey(jobID), workerID, m.cfg.JobTimeout)
}

func (m *Manager) load(ctx context.Context, jobID string) (domain.Job, error) {
	fields, err := m.store.HGetAll(ctx, redisstore.JobKey(jobID))
	if err != nil {
		return domain.Job{}, err
	}
	return redisstore.DecodeJob(fields)
}

// notify is the user-notification hook: fire-and-forget, never blocks a
// state transition. Downstream channels (webhook, email) subscribe to
// these structured events.
func (m *Manager) notify(job domain.Job, status, detail string) {
	slog.Info("notify_user",
		slog.String("user_id", job.UserID),
		slog.String("job_id", job.ID),
		slog.String("status", status),
		slog.String("detail", detail))
}
