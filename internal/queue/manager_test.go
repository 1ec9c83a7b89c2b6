package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/project-queue/internal/adapter/observability"
	"github.com/fairyhunter13/project-queue/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/project-queue/internal/config"
	"github.com/fairyhunter13/project-queue/internal/domain"
)

func testConfig() config.Config {
	return config.Config{
		MaxConcurrentJobs: 3,
		MaxQueueSize:      1000,
		JobTimeout:        time.Hour,
		MaxAttempts:       3,
		ReaperInterval:    30 * time.Second,
		ReaperMargin:      2 * time.Minute,
		AvgJobSecondsSeed: 600,
		JobRetention:      7 * 24 * time.Hour,
		RingCap:           10000,
		GhostAge:          time.Hour,
	}
}

func newTestQueue(t *testing.T, cfg config.Config) (*Manager, *Admission, *redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	st := redisstore.New(rdb)
	return NewManager(st, cfg), NewAdmission(st, cfg, domain.DefaultTiers()), st, mr
}

func submit(t *testing.T, mgr *Manager, adm *Admission, userID, tier string) domain.Job {
	t.Helper()
	job, err := adm.Admit(context.Background(), userID, tier, json.RawMessage(`{"name":"demo"}`))
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(context.Background(), job))
	return job
}

func TestSubmitAndStatus(t *testing.T) {
	ctx := context.Background()
	mgr, adm, _, _ := newTestQueue(t, testConfig())

	job := submit(t, mgr, adm, "u1", "pro")

	got, position, err := mgr.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Equal(t, 1, position)
	assert.Equal(t, 1, got.Attempt)

	_, _, err = mgr.Status(ctx, "no-such-job")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimOrder_PriorityBeatsArrival(t *testing.T) {
	ctx := context.Background()
	mgr, adm, _, _ := newTestQueue(t, testConfig())

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	clock := base
	adm.WithClock(func() time.Time { c := clock; clock = clock.Add(time.Second); return c })

	freeJob := submit(t, mgr, adm, "u-free", "free")
	indieJob := submit(t, mgr, adm, "u-indie", "indie")
	entJob := submit(t, mgr, adm, "u-ent", "enterprise")

	// The enterprise job arrived last but is claimed first.
	first, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entJob.ID, first.ID)
	assert.Equal(t, domain.JobProcessing, first.Status)
	assert.Equal(t, "w1", first.WorkerID)

	second, ok, err := mgr.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, indieJob.ID, second.ID)

	third, ok, err := mgr.ClaimNext(ctx, "w3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, freeJob.ID, third.ID)
}

func TestClaimOrder_FIFOWithinTier(t *testing.T) {
	ctx := context.Background()
	mgr, adm, _, _ := newTestQueue(t, testConfig())

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	clock := base
	adm.WithClock(func() time.Time { c := clock; clock = clock.Add(time.Millisecond); return c })

	a := submit(t, mgr, adm, "u1", "pro")
	b := submit(t, mgr, adm, "u2", "pro")

	first, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, first.ID)

	second, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.ID, second.ID)
}

func TestClaim_ConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	mgr, adm, st, _ := newTestQueue(t, testConfig())

	for i := 0; i < 4; i++ {
		submit(t, mgr, adm, "u1", "pro")
	}
	for i := 0; i < 3; i++ {
		_, ok, err := mgr.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Finishing one job frees a slot.
	jobs, err := st.LRange(ctx, redisstore.KeyInflight, 0, -1)
	require.NoError(t, err)
	require.NoError(t, mgr.Complete(ctx, jobs[0], "https://storage.local/projects/x.zip"))

	_, ok, err = mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimNext_ReadFailureSurfacesAndKeepsJobLeased(t *testing.T) {
	ctx := context.Background()
	mgr, adm, st, mr := newTestQueue(t, testConfig())

	job := submit(t, mgr, adm, "u1", "pro")
	// Corrupt one hash field so the post-claim read cannot decode.
	mr.HSet(redisstore.JobKey(job.ID), "created_at", "bogus")

	_, ok, err := mgr.ClaimNext(ctx, "w1")
	require.Error(t, err)
	assert.False(t, ok)

	// The job is not lost: it stays in flight under a live lease, and
	// the reaper takes over once that lease expires.
	inflight, err := st.LRange(ctx, redisstore.KeyInflight, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, inflight)

	exists, err := st.Exists(ctx, redisstore.LeaseKey(job.ID))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestClaimNext_SkipsVanishedRecord(t *testing.T) {
	ctx := context.Background()
	mgr, adm, st, mr := newTestQueue(t, testConfig())

	first := submit(t, mgr, adm, "u1", "enterprise")
	second := submit(t, mgr, adm, "u2", "free")

	// The head's record expired while it was still pending.
	mr.Del(redisstore.JobKey(first.ID))

	claimed, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, claimed.ID)

	inflight, err := st.LRange(ctx, redisstore.KeyInflight, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID}, inflight)

	n, err := st.ZCard(ctx, redisstore.KeyPending)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestComplete(t *testing.T) {
	ctx := context.Background()
	mgr, adm, st, _ := newTestQueue(t, testConfig())

	job := submit(t, mgr, adm, "u1", "pro")
	claimed, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, mgr.Complete(ctx, claimed.ID, "https://storage.local/projects/j.zip"))

	got, _, err := mgr.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, "https://storage.local/projects/j.zip", got.ResultHandle)
	assert.False(t, got.CompletedAt.IsZero())

	n, err := st.LLen(ctx, redisstore.KeyInflight)
	require.NoError(t, err)
	assert.Zero(t, n)

	ring, err := st.LRange(ctx, redisstore.KeyCompleted, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ring)

	today, err := st.GetInt(ctx, redisstore.DailyCompletedKey(time.Now().UTC()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), today)

	// Lease is released.
	exists, err := st.Exists(ctx, redisstore.LeaseKey(job.ID))
	require.NoError(t, err)
	assert.False(t, exists)

	// Completing again is a no-op, not an error.
	require.NoError(t, mgr.Complete(ctx, claimed.ID, "other"))
	got, _, err = mgr.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://storage.local/projects/j.zip", got.ResultHandle)
}

func TestComplete_QueuedJobIsConflict(t *testing.T) {
	ctx := context.Background()
	mgr, adm, _, _ := newTestQueue(t, testConfig())

	job := submit(t, mgr, adm, "u1", "pro")
	err := mgr.Complete(ctx, job.ID, "handle")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestFail_RetryableRequeuesWithOriginalScore(t *testing.T) {
	ctx := context.Background()
	mgr, adm, st, _ := newTestQueue(t, testConfig())

	job := submit(t, mgr, adm, "u1", "pro")
	wantScore := domain.PriorityScore(job.Priority, job.CreatedAt)

	_, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, mgr.Fail(ctx, job.ID, "transient blip", true))

	got, position, err := mgr.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, 1, position)
	assert.Empty(t, got.WorkerID)
	assert.True(t, got.StartedAt.IsZero())

	_, score, found, err := st.ZHead(ctx, redisstore.KeyPending)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, wantScore, score)
}

func TestFail_NonRetryableIsTerminal(t *testing.T) {
	ctx := context.Background()
	mgr, adm, st, _ := newTestQueue(t, testConfig())

	job := submit(t, mgr, adm, "u1", "pro")
	_, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, mgr.Fail(ctx, job.ID, "bad payload", false))

	got, _, err := mgr.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "bad payload", got.ErrorMessage)

	ring, err := st.LRange(ctx, redisstore.KeyFailed, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ring)

	today, err := st.GetInt(ctx, redisstore.DailyFailedKey(time.Now().UTC()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), today)

	// A second report after terminal is a no-op.
	require.NoError(t, mgr.Fail(ctx, job.ID, "again", true))
}

func TestFail_AttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxAttempts = 2
	mgr, adm, _, _ := newTestQueue(t, cfg)

	job := submit(t, mgr, adm, "u1", "pro")
	for attempt := 1; attempt <= 2; attempt++ {
		_, ok, err := mgr.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, mgr.Fail(ctx, job.ID, "boom", true))
	}

	got, _, err := mgr.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, 2, got.Attempt)
}

func TestCancel_QueuedJob(t *testing.T) {
	ctx := context.Background()
	mgr, adm, st, _ := newTestQueue(t, testConfig())

	job := submit(t, mgr, adm, "u1", "free")
	got, err := mgr.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)

	n, err := st.ZCard(ctx, redisstore.KeyPending)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The claim never sees it.
	_, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancel_ProcessingJobIsCooperative(t *testing.T) {
	ctx := context.Background()
	mgr, adm, st, _ := newTestQueue(t, testConfig())

	job := submit(t, mgr, adm, "u1", "pro")
	_, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := mgr.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, got.Status)
	assert.True(t, got.CancelRequested)

	flagged, err := mgr.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, flagged)

	// The lease is dropped so the reaper converges even if the worker
	// never observes the flag.
	exists, err := st.Exists(ctx, redisstore.LeaseKey(job.ID))
	require.NoError(t, err)
	assert.False(t, exists)

	// The worker reports the abort; the job finalizes as cancelled.
	require.NoError(t, mgr.Fail(ctx, job.ID, "cancelled", false))
	final, _, err := mgr.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, final.Status)
}

func TestCancel_CountsAsCancelledNotFailed(t *testing.T) {
	ctx := context.Background()
	mgr, adm, _, _ := newTestQueue(t, testConfig())

	job := submit(t, mgr, adm, "u1", "pro")
	_, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = mgr.Cancel(ctx, job.ID)
	require.NoError(t, err)

	failedBefore := testutil.ToFloat64(observability.JobsFailedTotal.WithLabelValues("pro"))
	cancelledBefore := testutil.ToFloat64(observability.JobsCancelledTotal.WithLabelValues("pro"))

	require.NoError(t, mgr.Fail(ctx, job.ID, "cancelled", false))

	assert.Equal(t, cancelledBefore+1, testutil.ToFloat64(observability.JobsCancelledTotal.WithLabelValues("pro")))
	assert.Equal(t, failedBefore, testutil.ToFloat64(observability.JobsFailedTotal.WithLabelValues("pro")))
}

func TestCancel_TerminalJobIsConflict(t *testing.T) {
	ctx := context.Background()
	mgr, adm, _, _ := newTestQueue(t, testConfig())

	job := submit(t, mgr, adm, "u1", "pro")
	claimed, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mgr.Complete(ctx, claimed.ID, "handle"))

	_, err = mgr.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRefreshLease_OwnershipEnforced(t *testing.T) {
	ctx := context.Background()
	mgr, adm, _, _ := newTestQueue(t, testConfig())

	job := submit(t, mgr, adm, "u1", "pro")
	_, ok, err := mgr.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.RefreshLease(ctx, job.ID, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mgr.RefreshLease(ctx, job.ID, "impostor")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubmit_MonthlyCounterIncrements(t *testing.T) {
	ctx := context.Background()
	mgr, adm, st, _ := newTestQueue(t, testConfig())

	job := submit(t, mgr, adm, "u1", "indie")
	used, err := st.GetInt(ctx, redisstore.MonthKey("u1", job.CreatedAt))
	require.NoError(t, err)
	assert.Equal(t, int64(1), used)
}
