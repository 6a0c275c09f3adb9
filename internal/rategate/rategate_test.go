package rategate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfbridge/shelfbridge/internal/logger"
)

func testLogger() *logger.Logger {
	logger.ResetForTesting()
	return logger.Get()
}

func TestGateConcurrencyBound(t *testing.T) {
	gate := New("test", 2, 1000, testLogger())
	ctx := context.Background()

	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := gate.Do(ctx, func(ctx context.Context) error {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2),
		"no more than maxConcurrency calls may run at once")
	assert.Equal(t, 0, gate.InFlight())
}

func TestGateFIFOOrder(t *testing.T) {
	gate := New("test", 1, 1000, testLogger())
	ctx := context.Background()

	// occupy the only slot
	require.NoError(t, gate.Acquire(ctx))

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			require.NoError(t, gate.Acquire(ctx))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			gate.Release()
		}()
		// give each goroutine time to enqueue before the next starts
		time.Sleep(20 * time.Millisecond)
	}

	gate.Release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order,
		"waiters must be served in arrival order")
}

func TestGateWindowLimit(t *testing.T) {
	gate := New("test", 5, 3, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// first three pass immediately
	for i := 0; i < 3; i++ {
		require.NoError(t, gate.Acquire(ctx))
		gate.Release()
	}

	// the fourth must block until the window frees up, which outlives the ctx
	err := gate.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, gate.InFlight(), "slot must be returned when the window wait fails")
}

func TestGateAcquireCancelledWhileQueued(t *testing.T) {
	gate := New("test", 1, 1000, testLogger())

	require.NoError(t, gate.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- gate.Acquire(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	// the held slot must still be usable after the waiter gave up
	gate.Release()
	require.NoError(t, gate.Acquire(context.Background()))
	gate.Release()
	assert.Equal(t, 0, gate.InFlight())
}

func TestGateDoReleasesOnError(t *testing.T) {
	gate := New("test", 1, 1000, testLogger())

	err := gate.Do(context.Background(), func(ctx context.Context) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, gate.InFlight())
}
