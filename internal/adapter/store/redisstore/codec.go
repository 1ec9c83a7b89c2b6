package redisstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fairyhunter13/project-queue/internal/domain"
)

// Hash field names for job records.
const (
	fieldJobID        = "job_id"
	fieldUserID       = "user_id"
	fieldTier         = "tier"
	fieldPriority     = "priority"
	fieldPayload      = "payload"
	fieldStatus       = "status"
	fieldCreatedAt    = "created_at"
	fieldStartedAt    = "started_at"
	fieldCompletedAt  = "completed_at"
	fieldWorkerID     = "worker_id"
	fieldErrorMessage = "error_message"
	fieldResultHandle = "result_handle"
	fieldAttempt      = "attempt"
	fieldCancel       = "cancel_requested"
)

// FieldCancelRequested is the hash field flipped by a cooperative
// cancel; workers poll it on each heartbeat tick.
const FieldCancelRequested = fieldCancel

// CancelRequestedFields is the partial hash write for marking a
// processing job as cancel-requested.
func CancelRequestedFields() map[string]any {
	return map[string]any{fieldCancel: "1"}
}

// EncodeJob flattens a job into hash fields. Timestamps are stored as
// UTC epoch milliseconds; unset instants encode as the empty string.
// The payload blob is stored untouched (it is already JSON).
func EncodeJob(j domain.Job) map[string]any {
	return map[string]any{
		fieldJobID:        j.ID,
		fieldUserID:       j.UserID,
		fieldTier:         string(j.Tier),
		fieldPriority:     strconv.Itoa(j.Priority),
		fieldPayload:      string(j.Payload),
		fieldStatus:       string(j.Status),
		fieldCreatedAt:    encodeMillis(j.CreatedAt),
		fieldStartedAt:    encodeMillis(j.StartedAt),
		fieldCompletedAt:  encodeMillis(j.CompletedAt),
		fieldWorkerID:     j.WorkerID,
		fieldErrorMessage: j.ErrorMessage,
		fieldResultHandle: j.ResultHandle,
		fieldAttempt:      strconv.Itoa(j.Attempt),
		fieldCancel:       encodeBool(j.CancelRequested),
	}
}

// DecodeJob rebuilds a job from hash fields.
func DecodeJob(fields map[string]string) (domain.Job, error) {
	if len(fields) == 0 || fields[fieldJobID] == "" {
		return domain.Job{}, fmt.Errorf("decode job: %w", domain.ErrNotFound)
	}
	priority, err := strconv.Atoi(fields[fieldPriority])
	if err != nil {
		return domain.Job{}, fmt.Errorf("decode job %s: priority: %w", fields[fieldJobID], err)
	}
	attempt, err := strconv.Atoi(fields[fieldAttempt])
	if err != nil {
		return domain.Job{}, fmt.Errorf("decode job %s: attempt: %w", fields[fieldJobID], err)
	}
	createdAt, err := decodeMillis(fields[fieldCreatedAt])
	if err != nil {
		return domain.Job{}, fmt.Errorf("decode job %s: created_at: %w", fields[fieldJobID], err)
	}
	startedAt, err := decodeMillis(fields[fieldStartedAt])
	if err != nil {
		return domain.Job{}, fmt.Errorf("decode job %s: started_at: %w", fields[fieldJobID], err)
	}
	completedAt, err := decodeMillis(fields[fieldCompletedAt])
	if err != nil {
		return domain.Job{}, fmt.Errorf("decode job %s: completed_at: %w", fields[fieldJobID], err)
	}
	return domain.Job{
		ID:              fields[fieldJobID],
		UserID:          fields[fieldUserID],
		Tier:            domain.Tier(fields[fieldTier]),
		Priority:        priority,
		Payload:         json.RawMessage(fields[fieldPayload]),
		Status:          domain.JobStatus(fields[fieldStatus]),
		CreatedAt:       createdAt,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
		WorkerID:        fields[fieldWorkerID],
		ErrorMessage:    fields[fieldErrorMessage],
		ResultHandle:    fields[fieldResultHandle],
		Attempt:         attempt,
		CancelRequested: fields[fieldCancel] == "1",
	}, nil
}

func encodeMillis(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UTC().UnixMilli(), 10)
}

func decodeMillis(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func encodeBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
