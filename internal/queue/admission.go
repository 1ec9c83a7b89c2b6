package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/project-queue/internal/adapter/observability"
	"github.com/fairyhunter13/project-queue/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/project-queue/internal/config"
	"github.com/fairyhunter13/project-queue/internal/domain"
)

// Admission gates submissions on queue saturation and per-user monthly
// quota, and derives the job's immutable priority from its tier.
type Admission struct {
	store *redisstore.Store
	cfg   config.Config
	tiers domain.TierTable
	now   func() time.Time
}

// NewAdmission constructs an Admission controller.
func NewAdmission(store *redisstore.Store, cfg config.Config, tiers domain.TierTable) *Admission {
	return &Admission{
		store: store,
		cfg:   cfg,
		tiers: tiers,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// WithClock overrides the admission clock. Test hook.
func (a *Admission) WithClock(now func() time.Time) *Admission {
	a.now = now
	return a
}

// Admit validates a submission and returns a fully populated job in
// queued state, or a rejection error. It does not persist anything;
// Manager.Submit owns the commit.
func (a *Admission) Admit(ctx context.Context, userID, tier string, payload json.RawMessage) (domain.Job, error) {
	if userID == "" {
		return domain.Job{}, fmt.Errorf("%w: user_id required", domain.ErrInvalidArgument)
	}
	t, err := a.tiers.ParseTier(tier)
	if err != nil {
		observability.RejectJob("INVALID_TIER")
		return domain.Job{}, err
	}
	if len(payload) == 0 || !json.Valid(payload) {
		observability.RejectJob("INVALID_PAYLOAD")
		return domain.Job{}, fmt.Errorf("%w: payload must be a JSON document", domain.ErrInvalidPayload)
	}

	pending, err := a.store.ZCard(ctx, redisstore.KeyPending)
	if err != nil {
		return domain.Job{}, err
	}
	if pending >= int64(a.cfg.MaxQueueSize) {
		observability.RejectJob("QUEUE_FULL")
		return domain.Job{}, fmt.Errorf("%w: %d pending", domain.ErrQueueFull, pending)
	}

	now := a.now()
	limits := a.tiers.Limits(t)
	if limits.MonthlyLimit != domain.MonthlyUnlimited {
		used, err := a.store.GetInt(ctx, redisstore.MonthKey(userID, now))
		if err != nil {
			return domain.Job{}, err
		}
		if used >= int64(limits.MonthlyLimit) {
			observability.RejectJob("QUOTA_EXCEEDED")
			return domain.Job{}, fmt.Errorf("%w: %d of %d this month", domain.ErrQuotaExceeded, used, limits.MonthlyLimit)
		}
	}

	return domain.Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		Tier:      t,
		Priority:  limits.Priority,
		Payload:   payload,
		Status:    domain.JobQueued,
		CreatedAt: now,
		Attempt:   1,
	}, nil
}
