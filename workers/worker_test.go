package workers

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagemesh/pagemesh/internal/jobstore"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestPoolProcessesJobs(t *testing.T) {
	store := jobstore.NewMemoryStore()
	var handled int64
	pool := NewPool(store, "test", 2, func(_ context.Context, _ *jobstore.Job) error {
		atomic.AddInt64(&handled, 1)
		return nil
	}, testLogger())
	pool.ReserveWait = 50 * time.Millisecond

	for i := 0; i < 5; i++ {
		_, err := store.Enqueue(context.Background(), "test", "noop", nil,
			jobstore.Options{ID: fmt.Sprintf("job-%d", i)})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&handled) == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	pool.Wait()

	stats, err := store.Stats(context.Background(), "test")
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting+stats.Active, "completed jobs are acked away")
}

func TestPoolRetriesFailedJobs(t *testing.T) {
	store := jobstore.NewMemoryStore()

	var mu sync.Mutex
	attempts := 0
	pool := NewPool(store, "test", 1, func(_ context.Context, _ *jobstore.Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return fmt.Errorf("transient failure")
		}
		return nil
	}, testLogger())
	pool.ReserveWait = 50 * time.Millisecond

	_, err := store.Enqueue(context.Background(), "test", "flaky", nil, jobstore.Options{
		ID: "job-1", Attempts: 3, Backoff: time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	pool.Wait()
}

func TestPoolPanicBecomesFailure(t *testing.T) {
	store := jobstore.NewMemoryStore()
	pool := NewPool(store, "test", 1, func(_ context.Context, _ *jobstore.Job) error {
		panic("handler bug")
	}, testLogger())
	pool.ReserveWait = 50 * time.Millisecond

	_, err := store.Enqueue(context.Background(), "test", "buggy", nil,
		jobstore.Options{ID: "job-1", Attempts: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		stats, serr := store.Stats(context.Background(), "test")
		return serr == nil && stats.Failed == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	pool.Wait()
}
