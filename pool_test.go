package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionPoolBoundsConcurrency(t *testing.T) {
	pool := NewConnectionPool(ConnectionPoolConfig{MaxConcurrent: 3})

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Execute(context.Background(), func(ctx context.Context) (any, error) {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3), "no more than MaxConcurrent operations at once")
	assert.Equal(t, int64(20), pool.Stats().Executed)
}

func TestConnectionPoolContextCancelWhileWaiting(t *testing.T) {
	pool := NewConnectionPool(ConnectionPoolConfig{MaxConcurrent: 1})

	release := make(chan struct{})
	occupied := make(chan struct{})
	go func() {
		_, _ = pool.Execute(context.Background(), func(ctx context.Context) (any, error) {
			close(occupied)
			<-release
			return nil, nil
		})
	}()
	<-occupied
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := pool.Execute(ctx, func(ctx context.Context) (any, error) {
		t.Fatal("operation must not run after cancellation")
		return nil, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectionPoolTryExecute(t *testing.T) {
	pool := NewConnectionPool(ConnectionPoolConfig{Name: "sheets", MaxConcurrent: 1})

	release := make(chan struct{})
	occupied := make(chan struct{})
	go func() {
		_, _ = pool.Execute(context.Background(), func(ctx context.Context) (any, error) {
			close(occupied)
			<-release
			return nil, nil
		})
	}()
	<-occupied

	_, err := pool.TryExecute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	})
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "sheets", capErr.Resource)
	assert.Equal(t, int64(1), pool.Stats().Rejected)

	close(release)

	// A slot is free again shortly after
	assert.Eventually(t, func() bool {
		_, err := pool.TryExecute(context.Background(), func(ctx context.Context) (any, error) {
			return nil, nil
		})
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestConnectionPoolDefaults(t *testing.T) {
	pool := NewConnectionPool(ConnectionPoolConfig{})

	stats := pool.Stats()
	assert.Equal(t, "default", stats.Name)
	assert.Equal(t, 5, stats.MaxConcurrent)
}

func TestConnectionPoolPropagatesResult(t *testing.T) {
	pool := NewConnectionPool(ConnectionPoolConfig{})

	value, err := pool.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, value)
	assert.GreaterOrEqual(t, pool.Stats().Peak, int64(1))
}
