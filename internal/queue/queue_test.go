package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trackproc/trackproc/internal/config"
	"github.com/trackproc/trackproc/pkg/utils"
)

func testConfig() *config.QueueConfig {
	return &config.QueueConfig{
		Workers:            4,
		MaxRetries:         3,
		BaseBackoff:        10 * time.Millisecond,
		RateLimit:          1000,
		RateBurst:          1000,
		RetainCompleted:    1000,
		RetainCompletedFor: 24 * time.Hour,
		RetainFailed:       5000,
	}
}

// nonRetriableError ошибка, которую очередь не должна повторять
type nonRetriableError struct{ msg string }

func (e *nonRetriableError) Error() string   { return e.msg }
func (e *nonRetriableError) Retriable() bool { return false }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestQueue_Dispatch(t *testing.T) {
	var processed int64
	q, err := New(testConfig(), utils.NewLogger("error", "text"), func(ctx context.Context, id string) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})
	require.NoError(t, err)
	defer q.Stop(context.Background())

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("raw-%d", i)))
	}

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt64(&processed) == 20 })
	waitFor(t, time.Second, func() bool { return q.Depth() == 0 })
}

func TestQueue_DedupInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int64

	q, err := New(testConfig(), utils.NewLogger("error", "text"), func(ctx context.Context, id string) error {
		atomic.AddInt64(&calls, 1)
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue("raw-1"))
	<-started

	// Повторные постановки пока задание в полете склеиваются
	require.NoError(t, q.Enqueue("raw-1"))
	require.NoError(t, q.Enqueue("raw-1"))
	close(release)

	waitFor(t, time.Second, func() bool { return q.Depth() == 0 })
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestQueue_DedupCompleted(t *testing.T) {
	var calls int64
	q, err := New(testConfig(), utils.NewLogger("error", "text"), func(ctx context.Context, id string) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})
	require.NoError(t, err)
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue("raw-1"))
	waitFor(t, time.Second, func() bool { return q.Depth() == 0 })

	// Завершенное задание удержано: повторная постановка - no-op
	require.NoError(t, q.Enqueue("raw-1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestQueue_RetryWithBackoff(t *testing.T) {
	var calls int64
	q, err := New(testConfig(), utils.NewLogger("error", "text"), func(ctx context.Context, id string) error {
		if atomic.AddInt64(&calls, 1) < 3 {
			return errors.New("transient storage failure")
		}
		return nil
	})
	require.NoError(t, err)
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue("raw-1"))

	waitFor(t, 2*time.Second, func() bool { return q.Depth() == 0 })
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
	assert.Equal(t, 0, q.FailedCount())
}

func TestQueue_DeadLetterAfterRetries(t *testing.T) {
	var calls int64
	q, err := New(testConfig(), utils.NewLogger("error", "text"), func(ctx context.Context, id string) error {
		atomic.AddInt64(&calls, 1)
		return errors.New("permanent storage failure")
	})
	require.NoError(t, err)
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue("raw-1"))

	waitFor(t, 3*time.Second, func() bool { return q.FailedCount() == 1 })
	// Первая попытка + 3 повтора
	assert.Equal(t, int64(4), atomic.LoadInt64(&calls))
	assert.Equal(t, 0, q.Depth())
}

func TestQueue_NonRetriableFailsImmediately(t *testing.T) {
	var calls int64
	q, err := New(testConfig(), utils.NewLogger("error", "text"), func(ctx context.Context, id string) error {
		atomic.AddInt64(&calls, 1)
		return &nonRetriableError{msg: "NaN in coords"}
	})
	require.NoError(t, err)
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue("raw-1"))

	waitFor(t, time.Second, func() bool { return q.FailedCount() == 1 })
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestQueue_ParallelWorkers(t *testing.T) {
	var running, peak int64
	var mu sync.Mutex

	q, err := New(testConfig(), utils.NewLogger("error", "text"), func(ctx context.Context, id string) error {
		cur := atomic.AddInt64(&running, 1)
		mu.Lock()
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&running, -1)
		return nil
	})
	require.NoError(t, err)
	defer q.Stop(context.Background())

	for i := 0; i < 16; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("raw-%d", i)))
	}

	waitFor(t, 2*time.Second, func() bool { return q.Depth() == 0 })

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, peak, int64(1), "jobs must run in parallel")
	assert.LessOrEqual(t, peak, int64(4), "parallelism is capped by worker count")
}

func TestQueue_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 50
	cfg.RateBurst = 1

	var calls int64
	q, err := New(cfg, utils.NewLogger("error", "text"), func(ctx context.Context, id string) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})
	require.NoError(t, err)
	defer q.Stop(context.Background())

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("raw-%d", i)))
	}
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt64(&calls) == 10 })

	// 10 стартов при 50/с и burst 1 занимают не меньше ~180 мс
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestQueue_StopDrainsCurrentJobs(t *testing.T) {
	release := make(chan struct{})
	var finished int64

	q, err := New(testConfig(), utils.NewLogger("error", "text"), func(ctx context.Context, id string) error {
		<-release
		atomic.AddInt64(&finished, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue("raw-1"))
	time.Sleep(50 * time.Millisecond)

	stopDone := make(chan error)
	go func() { stopDone <- q.Stop(context.Background()) }()

	// Новые задания не принимаются во время дренажа
	time.Sleep(20 * time.Millisecond)
	assert.Error(t, q.Enqueue("raw-2"))

	close(release)
	require.NoError(t, <-stopDone)
	assert.Equal(t, int64(1), atomic.LoadInt64(&finished))
}
