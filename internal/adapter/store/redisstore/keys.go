package redisstore

import "time"

// Key layout. Keys are hierarchical strings; everything the core shares
// lives under these prefixes.
const (
	// KeyPending is the sorted set of queued job ids, scored by the
	// priority-time composite.
	KeyPending = "queue:pending"
	// KeyInflight is the list of claimed job ids.
	KeyInflight = "queue:inflight"
	// KeyCompleted and KeyFailed are capped terminal rings.
	KeyCompleted = "queue:completed"
	KeyFailed    = "queue:failed"
	// KeyAvgSeconds holds the EWMA of recent completion durations.
	KeyAvgSeconds = "stats:avg_seconds"
)

// JobKey returns the hash key holding all attributes of a job.
func JobKey(jobID string) string { return "job:" + jobID }

// LeaseKey returns the TTL-bounded lease key asserting worker ownership.
func LeaseKey(jobID string) string { return "job:" + jobID + ":lease" }

// MonthKey returns the per-user monthly admission counter key.
func MonthKey(userID string, t time.Time) string {
	return "user:" + userID + ":jobs:" + t.UTC().Format("2006-01")
}

// DailyCompletedKey and DailyFailedKey return the UTC-date-bucketed
// outcome counters.
func DailyCompletedKey(t time.Time) string {
	return "stats:completed:" + t.UTC().Format("2006-01-02")
}

func DailyFailedKey(t time.Time) string {
	return "stats:failed:" + t.UTC().Format("2006-01-02")
}
