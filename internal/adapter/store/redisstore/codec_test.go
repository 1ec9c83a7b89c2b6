package redisstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/project-queue/internal/domain"
)

func TestDecodeJob_MissingRecord(t *testing.T) {
	_, err := DecodeJob(nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = DecodeJob(map[string]string{"status": "queued"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCodec_UnsetTimestampsStayZero(t *testing.T) {
	in := domain.Job{
		ID:        "j1",
		UserID:    "u1",
		Tier:      domain.TierFree,
		Priority:  3,
		Payload:   json.RawMessage(`{"name":"demo"}`),
		Status:    domain.JobQueued,
		CreatedAt: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
		Attempt:   1,
	}

	fields := map[string]string{}
	for k, v := range EncodeJob(in) {
		fields[k] = v.(string)
	}
	out, err := DecodeJob(fields)
	require.NoError(t, err)

	assert.Equal(t, in.CreatedAt, out.CreatedAt)
	assert.True(t, out.StartedAt.IsZero())
	assert.True(t, out.CompletedAt.IsZero())
	assert.False(t, out.CancelRequested)
	assert.Equal(t, in.Payload, out.Payload)
	assert.Equal(t, in, out)
}
