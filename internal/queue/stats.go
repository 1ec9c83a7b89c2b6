package queue

import (
	"context"
	"time"

	"github.com/fairyhunter13/project-queue/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/project-queue/internal/config"
)

// QueueStats is the queue-wide snapshot served by GET /queue/stats.
type QueueStats struct {
	Pending                  int64   `json:"pending"`
	Processing               int64   `json:"processing"`
	CompletedToday           int64   `json:"completed_today"`
	FailedToday              int64   `json:"failed_today"`
	AvgProcessingTimeMinutes float64 `json:"avg_processing_time_minutes"`
	EstimatedWaitMinutes     float64 `json:"estimated_wait_minutes"`
}

// Stats derives queue depth, processing averages and wait estimates.
// Reads are unsynchronized; an eventually consistent view is fine here.
type Stats struct {
	store *redisstore.Store
	cfg   config.Config
}

// NewStats constructs a Stats reader.
func NewStats(store *redisstore.Store, cfg config.Config) *Stats {
	return &Stats{store: store, cfg: cfg}
}

// AvgJobSeconds returns the rolling mean of completion durations,
// falling back to the configured seed before any job has completed.
func (s *Stats) AvgJobSeconds(ctx context.Context) (float64, error) {
	avg, ok, err := s.store.GetFloat(ctx, redisstore.KeyAvgSeconds)
	if err != nil {
		return 0, err
	}
	if !ok {
		return s.cfg.AvgJobSecondsSeed, nil
	}
	return avg, nil
}

// EstimateStart projects when the job at the given 1-indexed pending
// position will start, and the corresponding wait in minutes.
func (s *Stats) EstimateStart(ctx context.Context, position int, now time.Time) (time.Time, float64, error) {
	avg, err := s.AvgJobSeconds(ctx)
	if err != nil {
		return time.Time{}, 0, err
	}
	waitSeconds := float64(position) * avg / float64(s.cfg.MaxConcurrentJobs)
	return now.Add(time.Duration(waitSeconds * float64(time.Second))), waitSeconds / 60, nil
}

// Snapshot materializes the queue-wide stats view. Daily counters come
// from UTC date buckets, not ring lengths, so they really mean "today".
func (s *Stats) Snapshot(ctx context.Context, now time.Time) (QueueStats, error) {
	pending, err := s.store.ZCard(ctx, redisstore.KeyPending)
	if err != nil {
		return QueueStats{}, err
	}
	processing, err := s.store.LLen(ctx, redisstore.KeyInflight)
	if err != nil {
		return QueueStats{}, err
	}
	completedToday, err := s.store.GetInt(ctx, redisstore.DailyCompletedKey(now))
	if err != nil {
		return QueueStats{}, err
	}
	failedToday, err := s.store.GetInt(ctx, redisstore.DailyFailedKey(now))
	if err != nil {
		return QueueStats{}, err
	}
	avg, err := s.AvgJobSeconds(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{
		Pending:                  pending,
		Processing:               processing,
		CompletedToday:           completedToday,
		FailedToday:              failedToday,
		AvgProcessingTimeMinutes: avg / 60,
		EstimatedWaitMinutes:     float64(pending) / float64(s.cfg.MaxConcurrentJobs) * avg / 60,
	}, nil
}
