package jobstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store on top of a shared Redis client.
//
// Layout per queue:
//
//	jobs:{queue}:delayed  ZSET  job id scored by due time (unix ms)
//	jobs:{queue}:ready    LIST  due job ids, consumers BRPOP
//	jobs:{queue}:active   ZSET  reserved job ids scored by reservation time (unix ms)
//	jobs:{queue}:failed   ZSET  job ids whose attempts are exhausted
//	jobs:{queue}:job:{id} HASH  job body and counters
//
// The client is constructed at process start and passed in; the store never
// owns the connection lifecycle.
type RedisStore struct {
	client *redis.Client

	// VisibilityTimeout bounds how long a reservation may sit in the active
	// set before Reserve hands the job to another worker. It must exceed the
	// longest handler run, including channel send timeouts.
	VisibilityTimeout time.Duration
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, VisibilityTimeout: 5 * time.Minute}
}

func (s *RedisStore) delayedKey(queue string) string { return "jobs:" + queue + ":delayed" }
func (s *RedisStore) readyKey(queue string) string   { return "jobs:" + queue + ":ready" }
func (s *RedisStore) activeKey(queue string) string  { return "jobs:" + queue + ":active" }
func (s *RedisStore) failedKey(queue string) string  { return "jobs:" + queue + ":failed" }
func (s *RedisStore) jobKey(queue, id string) string { return "jobs:" + queue + ":job:" + id }

// Enqueue schedules a job. The identity claim is a HSETNX on the job hash:
// whoever sets the "type" field first owns the identity, later enqueues get
// the live job back.
func (s *RedisStore) Enqueue(ctx context.Context, queue, jobType string, payload []byte, opts Options) (*Job, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("jobstore: enqueue requires an explicit job id")
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	jobKey := s.jobKey(queue, opts.ID)
	created, err := s.client.HSetNX(ctx, jobKey, "type", jobType).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: claim identity %s: %w", opts.ID, err)
	}
	if !created {
		existing, err := s.GetJob(ctx, queue, opts.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		// The hash is either gone or a type-only leftover of an interrupted
		// enqueue. Neither holds live work; schedule over the identity.
	}

	now := time.Now().UTC()
	runAt := now.Add(opts.Delay)
	job := &Job{
		ID:          opts.ID,
		Queue:       queue,
		Type:        jobType,
		Payload:     payload,
		MaxAttempts: attempts,
		Backoff:     opts.Backoff,
		RunAt:       runAt,
		EnqueuedAt:  now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey, map[string]interface{}{
		"type":         jobType,
		"payload":      string(payload),
		"attempts":     0,
		"max_attempts": attempts,
		"backoff_ms":   opts.Backoff.Milliseconds(),
		"run_at_ms":    runAt.UnixMilli(),
		"enqueued_ms":  now.UnixMilli(),
	})
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, s.delayedKey(queue), &redis.Z{Score: float64(runAt.UnixMilli()), Member: opts.ID})
	} else {
		pipe.LPush(ctx, s.readyKey(queue), opts.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Release the claim: leaving a half-written hash behind would make
		// the caller's retry see a "live" job that is never promoted. Best
		// effort on a fresh context, since ctx may be the reason Exec failed.
		s.client.Del(context.Background(), jobKey)
		return nil, fmt.Errorf("jobstore: enqueue %s: %w", opts.ID, err)
	}
	return job, nil
}

func (s *RedisStore) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(queue, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: get job %s: %w", id, err)
	}
	if !hashIsLive(fields) {
		return nil, nil
	}
	return s.jobFromHash(queue, id, fields), nil
}

// hashIsLive reports whether a job hash holds scheduled work. A hash carrying
// only the identity claim ("type") is the residue of an enqueue that failed
// between claiming and scheduling; treating it as live would return a job
// that no worker will ever fire.
func hashIsLive(fields map[string]string) bool {
	return len(fields) > 0 && fields["run_at_ms"] != ""
}

func (s *RedisStore) jobFromHash(queue, id string, fields map[string]string) *Job {
	job := &Job{ID: id, Queue: queue, Type: fields["type"], Payload: []byte(fields["payload"])}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["backoff_ms"], 10, 64); err == nil {
		job.Backoff = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(fields["run_at_ms"], 10, 64); err == nil {
		job.RunAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["enqueued_ms"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	job.LastError = fields["last_error"]
	return job
}

// Remove cancels a live job by identity. A cancel crossing a fire in flight
// is fine: the fire handler re-validates state, so false here is advisory.
func (s *RedisStore) Remove(ctx context.Context, queue, id string) (bool, error) {
	pipe := s.client.TxPipeline()
	delCmd := pipe.Del(ctx, s.jobKey(queue, id))
	pipe.ZRem(ctx, s.delayedKey(queue), id)
	pipe.LRem(ctx, s.readyKey(queue), 0, id)
	pipe.ZRem(ctx, s.activeKey(queue), id)
	pipe.ZRem(ctx, s.failedKey(queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("jobstore: remove %s: %w", id, err)
	}
	return delCmd.Val() > 0, nil
}

// Reserve promotes due delayed jobs onto the ready list, re-queues stale
// reservations, then blocks on the list.
func (s *RedisStore) Reserve(ctx context.Context, queue string, wait time.Duration) (*Job, error) {
	if err := s.promoteDue(ctx, queue); err != nil {
		return nil, err
	}
	if err := s.reclaimStale(ctx, queue); err != nil {
		return nil, err
	}

	res, err := s.client.BRPop(ctx, wait, s.readyKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: reserve on %s: %w", queue, err)
	}
	id := res[1]

	jobKey := s.jobKey(queue, id)
	exists, err := s.client.Exists(ctx, jobKey).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: check job %s: %w", id, err)
	}
	if exists == 0 {
		// Cancelled after promotion; skip silently.
		return nil, nil
	}

	pipe := s.client.TxPipeline()
	attemptsCmd := pipe.HIncrBy(ctx, jobKey, "attempts", 1)
	pipe.ZAdd(ctx, s.activeKey(queue), &redis.Z{
		Score: float64(time.Now().UTC().UnixMilli()), Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("jobstore: activate %s: %w", id, err)
	}

	fields, err := s.client.HGetAll(ctx, jobKey).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: load %s: %w", id, err)
	}
	job := s.jobFromHash(queue, id, fields)
	job.Attempts = int(attemptsCmd.Val())
	return job, nil
}

// promoteDue moves jobs whose due time has passed from the delayed ZSET to
// the ready list. ZRem arbitrates between competing workers: only the caller
// that removes the member pushes it.
func (s *RedisStore) promoteDue(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, s.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 128,
	}).Result()
	if err != nil {
		return fmt.Errorf("jobstore: scan delayed on %s: %w", queue, err)
	}
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, s.delayedKey(queue), id).Result()
		if err != nil {
			return fmt.Errorf("jobstore: promote %s: %w", id, err)
		}
		if removed > 0 {
			if err := s.client.LPush(ctx, s.readyKey(queue), id).Err(); err != nil {
				return fmt.Errorf("jobstore: push ready %s: %w", id, err)
			}
		}
	}
	return nil
}

// reclaimStale re-queues reservations older than the visibility timeout: a
// worker that died between Reserve and Ack must not strand its job in the
// active set. The reservation already consumed an attempt, so a job that
// keeps killing its worker parks in the failed set instead of looping.
func (s *RedisStore) reclaimStale(ctx context.Context, queue string) error {
	cutoff := strconv.FormatInt(time.Now().UTC().Add(-s.VisibilityTimeout).UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, s.activeKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: cutoff, Count: 128,
	}).Result()
	if err != nil {
		return fmt.Errorf("jobstore: scan active on %s: %w", queue, err)
	}
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, s.activeKey(queue), id).Result()
		if err != nil {
			return fmt.Errorf("jobstore: reclaim %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		fields, err := s.client.HGetAll(ctx, s.jobKey(queue, id)).Result()
		if err != nil {
			return fmt.Errorf("jobstore: load stale %s: %w", id, err)
		}
		if len(fields) == 0 {
			// Acked or cancelled while we were scanning.
			continue
		}
		job := s.jobFromHash(queue, id, fields)
		if job.Attempts >= job.MaxAttempts {
			err = s.client.ZAdd(ctx, s.failedKey(queue), &redis.Z{
				Score: float64(time.Now().UTC().UnixMilli()), Member: id,
			}).Err()
		} else {
			err = s.client.LPush(ctx, s.readyKey(queue), id).Err()
		}
		if err != nil {
			return fmt.Errorf("jobstore: requeue stale %s: %w", id, err)
		}
	}
	return nil
}

func (s *RedisStore) Ack(ctx context.Context, job *Job) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.activeKey(job.Queue), job.ID)
	pipe.Del(ctx, s.jobKey(job.Queue, job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobstore: ack %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, job *Job, cause error) error {
	jobKey := s.jobKey(job.Queue, job.ID)
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.activeKey(job.Queue), job.ID)
	if cause != nil {
		pipe.HSet(ctx, jobKey, "last_error", cause.Error())
	}
	if job.Attempts < job.MaxAttempts {
		next := time.Now().UTC().Add(retryDelay(job.Backoff, job.Attempts))
		pipe.HSet(ctx, jobKey, "run_at_ms", next.UnixMilli())
		pipe.ZAdd(ctx, s.delayedKey(job.Queue), &redis.Z{Score: float64(next.UnixMilli()), Member: job.ID})
	} else {
		pipe.ZAdd(ctx, s.failedKey(job.Queue), &redis.Z{Score: float64(time.Now().UTC().UnixMilli()), Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobstore: fail %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context, queue string) (Stats, error) {
	pipe := s.client.TxPipeline()
	waiting := pipe.LLen(ctx, s.readyKey(queue))
	active := pipe.ZCard(ctx, s.activeKey(queue))
	delayed := pipe.ZCard(ctx, s.delayedKey(queue))
	failed := pipe.ZCard(ctx, s.failedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("jobstore: stats on %s: %w", queue, err)
	}
	return Stats{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}
