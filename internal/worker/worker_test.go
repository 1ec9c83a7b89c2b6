package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/project-queue/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/project-queue/internal/config"
	"github.com/fairyhunter13/project-queue/internal/domain"
	"github.com/fairyhunter13/project-queue/internal/queue"
)

type genFunc func(ctx context.Context, jobID string, payload json.RawMessage) (string, error)

func (f genFunc) Generate(ctx context.Context, jobID string, payload json.RawMessage) (string, error) {
	return f(ctx, jobID, payload)
}

func testConfig() config.Config {
	return config.Config{
		MaxConcurrentJobs: 3,
		MaxQueueSize:      1000,
		JobTimeout:        time.Hour,
		MaxAttempts:       3,
		AvgJobSecondsSeed: 600,
		JobRetention:      7 * 24 * time.Hour,
		RingCap:           10000,
		WorkerIdleSleep:   10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg config.Config) (*queue.Manager, *queue.Admission, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	st := redisstore.New(rdb)
	return queue.NewManager(st, cfg), queue.NewAdmission(st, cfg, domain.DefaultTiers()), mr
}

func enqueue(t *testing.T, mgr *queue.Manager, adm *queue.Admission) domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := adm.Admit(ctx, "u1", "pro", json.RawMessage(`{"name":"demo"}`))
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, job))
	return job
}

func TestProcess_Success(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	mgr, adm, _ := newHarness(t, cfg)

	gen := genFunc(func(_ context.Context, jobID string, _ json.RawMessage) (string, error) {
		return "https://storage.local/projects/" + jobID + ".zip", nil
	})
	w := New("w1", mgr, gen, cfg)

	job := enqueue(t, mgr, adm)
	claimed, ok, err := mgr.ClaimNext(ctx, w.id)
	require.NoError(t, err)
	require.True(t, ok)

	w.process(ctx, claimed)

	got, _, err := mgr.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, "https://storage.local/projects/"+job.ID+".zip", got.ResultHandle)
}

func TestProcess_NonRetryableFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	mgr, adm, _ := newHarness(t, cfg)

	gen := genFunc(func(_ context.Context, _ string, _ json.RawMessage) (string, error) {
		return "", fmt.Errorf("%w: template does not exist", domain.ErrNonRetryable)
	})
	w := New("w1", mgr, gen, cfg)

	job := enqueue(t, mgr, adm)
	claimed, ok, err := mgr.ClaimNext(ctx, w.id)
	require.NoError(t, err)
	require.True(t, ok)

	w.process(ctx, claimed)

	got, _, err := mgr.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Contains(t, got.ErrorMessage, "template does not exist")
}

func TestProcess_RetryableFailureRequeues(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	mgr, adm, _ := newHarness(t, cfg)

	gen := genFunc(func(_ context.Context, _ string, _ json.RawMessage) (string, error) {
		return "", fmt.Errorf("upstream connection reset")
	})
	w := New("w1", mgr, gen, cfg)

	job := enqueue(t, mgr, adm)
	claimed, ok, err := mgr.ClaimNext(ctx, w.id)
	require.NoError(t, err)
	require.True(t, ok)

	w.process(ctx, claimed)

	got, _, err := mgr.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Equal(t, 2, got.Attempt)
}

func TestProcess_CooperativeCancel(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	// Short timeout so the heartbeat ticks fast enough to observe the flag.
	cfg.JobTimeout = 300 * time.Millisecond
	mgr, adm, _ := newHarness(t, cfg)

	gen := genFunc(func(ctx context.Context, _ string, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	w := New("w1", mgr, gen, cfg)

	job := enqueue(t, mgr, adm)
	claimed, ok, err := mgr.ClaimNext(ctx, w.id)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = mgr.Cancel(ctx, job.ID)
	require.NoError(t, err)

	w.process(ctx, claimed)

	got, _, err := mgr.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)
}

func TestRun_DrainsQueueAndStops(t *testing.T) {
	cfg := testConfig()
	mgr, adm, _ := newHarness(t, cfg)

	gen := genFunc(func(_ context.Context, jobID string, _ json.RawMessage) (string, error) {
		return "handle-" + jobID, nil
	})
	w := New("w1", mgr, gen, cfg)

	jobs := make([]domain.Job, 0, 3)
	for i := 0; i < 3; i++ {
		jobs = append(jobs, enqueue(t, mgr, adm))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, j := range jobs {
			got, _, err := mgr.Status(context.Background(), j.ID)
			if err != nil || got.Status != domain.JobCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}
