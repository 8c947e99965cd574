package jobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestEnqueueIdempotentIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Enqueue(ctx, "escalation", "escalate", []byte(`{"a":1}`), Options{ID: "job-1", Delay: time.Minute})
	require.NoError(t, err)

	second, err := s.Enqueue(ctx, "escalation", "escalate", []byte(`{"a":2}`), Options{ID: "job-1", Delay: time.Hour})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.RunAt, second.RunAt, "re-enqueue must not reschedule the live job")
	assert.Equal(t, []byte(`{"a":1}`), second.Payload)

	st, err := s.Stats(ctx, "escalation")
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Delayed)
}

func TestRemoveNotFoundIsNotAnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	found, err := s.Remove(ctx, "escalation", "never-scheduled")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = s.Enqueue(ctx, "escalation", "escalate", nil, Options{ID: "job-2", Delay: time.Minute})
	require.NoError(t, err)

	found, err = s.Remove(ctx, "escalation", "job-2")
	require.NoError(t, err)
	assert.True(t, found)

	// Second cancel of the same identity: still no error.
	found, err = s.Remove(ctx, "escalation", "job-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReserveHonorsDelay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now, clock := fakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.Now = clock

	_, err := s.Enqueue(ctx, "escalation", "escalate", nil, Options{ID: "job-3", Delay: 5 * time.Minute})
	require.NoError(t, err)

	job, err := s.Reserve(ctx, "escalation", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job, "job must not be due before its delay elapses")

	*now = now.Add(5 * time.Minute)
	job, err = s.Reserve(ctx, "escalation", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-3", job.ID)
	assert.Equal(t, 1, job.Attempts)
}

func TestFailRetriesThenParks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now, clock := fakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.Now = clock

	_, err := s.Enqueue(ctx, "workflow", "run", nil, Options{ID: "exec-1", Attempts: 2, Backoff: time.Second})
	require.NoError(t, err)

	job, err := s.Reserve(ctx, "workflow", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, s.Fail(ctx, job, errors.New("provider down")))
	st, _ := s.Stats(ctx, "workflow")
	assert.EqualValues(t, 1, st.Delayed, "first failure re-delays")

	*now = now.Add(10 * time.Second)
	job, err = s.Reserve(ctx, "workflow", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)

	require.NoError(t, s.Fail(ctx, job, errors.New("provider still down")))
	st, _ = s.Stats(ctx, "workflow")
	assert.EqualValues(t, 1, st.Failed, "exhausted attempts park the job")
	assert.EqualValues(t, 0, st.Delayed)
}

func TestReserveRedeliversExpiredReservation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now, clock := fakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.Now = clock
	s.VisibilityTimeout = time.Minute

	_, err := s.Enqueue(ctx, "escalation", "escalate", nil, Options{ID: "job-5", Attempts: 2})
	require.NoError(t, err)

	job, err := s.Reserve(ctx, "escalation", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)

	// Worker dies here: no Ack, no Fail. Before the timeout the job stays
	// reserved.
	*now = now.Add(30 * time.Second)
	held, err := s.Reserve(ctx, "escalation", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, held)

	*now = now.Add(time.Minute)
	again, err := s.Reserve(ctx, "escalation", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again, "an expired reservation must be redelivered")
	assert.Equal(t, "job-5", again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestExpiredReservationParksWhenAttemptsSpent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now, clock := fakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.Now = clock
	s.VisibilityTimeout = time.Minute

	_, err := s.Enqueue(ctx, "escalation", "escalate", nil, Options{ID: "job-6", Attempts: 1})
	require.NoError(t, err)

	job, err := s.Reserve(ctx, "escalation", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	// The only attempt is consumed and the worker never comes back. The job
	// must land in the failed set, visible to stats, not loop forever.
	*now = now.Add(2 * time.Minute)
	again, err := s.Reserve(ctx, "escalation", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, again)

	st, err := s.Stats(ctx, "escalation")
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Failed)
	assert.EqualValues(t, 0, st.Active)
}

func TestAckDeletesJob(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Enqueue(ctx, "escalation", "escalate", nil, Options{ID: "job-4"})
	require.NoError(t, err)

	job, err := s.Reserve(ctx, "escalation", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, s.Ack(ctx, job))

	got, err := s.GetJob(ctx, "escalation", "job-4")
	require.NoError(t, err)
	assert.Nil(t, got)

	// The identity is free again after the job is gone.
	fresh, err := s.Enqueue(ctx, "escalation", "escalate", nil, Options{ID: "job-4"})
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Attempts)
}
