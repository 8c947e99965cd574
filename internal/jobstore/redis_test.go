package jobstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHashLiveness(t *testing.T) {
	assert.False(t, hashIsLive(nil))
	assert.False(t, hashIsLive(map[string]string{}))

	// Identity claim only: an enqueue died between HSETNX and scheduling.
	// This must read as dead so a retry can schedule over it.
	assert.False(t, hashIsLive(map[string]string{"type": "escalate"}))

	assert.True(t, hashIsLive(map[string]string{
		"type":      "escalate",
		"run_at_ms": "1748779200000",
	}))
}

func TestJobFromHash(t *testing.T) {
	s := &RedisStore{}
	job := s.jobFromHash("escalation", "job-1", map[string]string{
		"type":         "escalate",
		"payload":      `{"incident_id":"inc-1"}`,
		"attempts":     "2",
		"max_attempts": "3",
		"backoff_ms":   "30000",
		"run_at_ms":    "1748779200000",
		"enqueued_ms":  "1748778900000",
		"last_error":   "smtp timeout",
	})

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "escalate", job.Type)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 30*time.Second, job.Backoff)
	assert.Equal(t, time.UnixMilli(1748779200000).UTC(), job.RunAt)
	assert.Equal(t, "smtp timeout", job.LastError)
}
