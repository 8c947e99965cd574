package jobstore

import (
	"context"
	"sync"
	"time"
)

type memState int

const (
	memDelayed memState = iota
	memReady
	memActive
	memFailed
)

type memJob struct {
	job        Job
	state      memState
	reservedAt time.Time
}

// MemoryStore is an in-process Store with the same semantics as the Redis
// implementation. It backs unit tests and single-node development setups.
// Now is injectable so tests can drive the clock instead of sleeping.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]map[string]*memJob // queue -> id -> job

	Now func() time.Time

	// VisibilityTimeout bounds a reservation; a job not acked or failed
	// within it is redelivered, matching the Redis store.
	VisibilityTimeout time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:              make(map[string]map[string]*memJob),
		Now:               time.Now,
		VisibilityTimeout: 5 * time.Minute,
	}
}

func (s *MemoryStore) queue(name string) map[string]*memJob {
	q, ok := s.jobs[name]
	if !ok {
		q = make(map[string]*memJob)
		s.jobs[name] = q
	}
	return q
}

func (s *MemoryStore) Enqueue(_ context.Context, queue, jobType string, payload []byte, opts Options) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	if existing, ok := q[opts.ID]; ok && existing.state != memFailed {
		out := existing.job
		return &out, nil
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	now := s.Now().UTC()
	mj := &memJob{
		job: Job{
			ID:          opts.ID,
			Queue:       queue,
			Type:        jobType,
			Payload:     payload,
			MaxAttempts: attempts,
			Backoff:     opts.Backoff,
			RunAt:       now.Add(opts.Delay),
			EnqueuedAt:  now,
		},
		state: memDelayed,
	}
	if opts.Delay <= 0 {
		mj.state = memReady
	}
	q[opts.ID] = mj
	out := mj.job
	return &out, nil
}

func (s *MemoryStore) GetJob(_ context.Context, queue, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mj, ok := s.queue(queue)[id]; ok {
		out := mj.job
		return &out, nil
	}
	return nil, nil
}

func (s *MemoryStore) Remove(_ context.Context, queue, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queue)
	if _, ok := q[id]; !ok {
		return false, nil
	}
	delete(q, id)
	return true, nil
}

// Reserve returns the earliest due job, polling until wait elapses. The
// wait is bounded; a nil job means nothing came due.
func (s *MemoryStore) Reserve(ctx context.Context, queue string, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	for {
		if job := s.takeDue(queue); job != nil {
			return job, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *MemoryStore) takeDue(queue string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now().UTC()
	var pick *memJob
	for _, mj := range s.queue(queue) {
		switch mj.state {
		case memDelayed, memReady:
			if mj.job.RunAt.After(now) {
				continue
			}
		case memActive:
			// Expired reservation: the worker holding it died before
			// Ack/Fail. Redeliver, or park it once attempts are spent.
			if now.Sub(mj.reservedAt) < s.VisibilityTimeout {
				continue
			}
			if mj.job.Attempts >= mj.job.MaxAttempts {
				mj.state = memFailed
				continue
			}
		default:
			continue
		}
		if pick == nil || mj.job.RunAt.Before(pick.job.RunAt) {
			pick = mj
		}
	}
	if pick == nil {
		return nil
	}
	pick.state = memActive
	pick.reservedAt = now
	pick.job.Attempts++
	out := pick.job
	return &out
}

func (s *MemoryStore) Ack(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue(job.Queue), job.ID)
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, job *Job, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.queue(job.Queue)[job.ID]
	if !ok {
		return nil
	}
	if cause != nil {
		mj.job.LastError = cause.Error()
	}
	mj.job.Attempts = job.Attempts
	if job.Attempts < job.MaxAttempts {
		mj.state = memDelayed
		mj.job.RunAt = s.Now().UTC().Add(retryDelay(job.Backoff, job.Attempts))
	} else {
		mj.state = memFailed
	}
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, queue string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	now := s.Now().UTC()
	for _, mj := range s.queue(queue) {
		switch mj.state {
		case memActive:
			st.Active++
		case memFailed:
			st.Failed++
		default:
			if mj.job.RunAt.After(now) {
				st.Delayed++
			} else {
				st.Waiting++
			}
		}
	}
	return st, nil
}
