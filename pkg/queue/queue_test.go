package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddReturnsWorkResult(t *testing.T) {
	q := New(Config{Concurrency: 2})
	defer q.Close()

	v, err := q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "result", nil
	}, PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, "result", v)
}

func TestFailureIsolatedToOwnCaller(t *testing.T) {
	q := New(Config{Concurrency: 2})
	defer q.Close()

	boom := errors.New("boom")
	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
				if n == 3 {
					return nil, boom
				}
				return n, nil
			}, PriorityNormal)
			results[n] = err
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		if i == 3 {
			assert.ErrorIs(t, err, boom)
		} else {
			assert.NoError(t, err, "task %d should be unaffected", i)
		}
	}
}

func TestPanickingWorkReleasesSlot(t *testing.T) {
	q := New(Config{Concurrency: 1})
	defer q.Close()

	_, err := q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
		panic("kaboom")
	}, PriorityNormal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "work panicked")

	// The single slot must be free again.
	done := make(chan struct{})
	go func() {
		_, _ = q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, PriorityNormal)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("slot was not released after a panic")
	}
}

func TestHighRunsBeforeNormal(t *testing.T) {
	q := New(Config{Concurrency: 1, BulkShare: 0.25})
	defer q.Close()

	// Occupy the only slot so subsequent submissions queue up.
	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-block
			return nil, nil
		}, PriorityNormal)
	}()
	<-started

	var order []string
	var mu sync.Mutex
	record := func(name string) Work {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = q.Add(context.Background(), record("normal"), PriorityNormal)
	}()
	// Give the normal task time to enqueue first.
	time.Sleep(50 * time.Millisecond)
	go func() {
		defer wg.Done()
		_, _ = q.AddHighPriority(context.Background(), record("high"))
	}()
	time.Sleep(50 * time.Millisecond)

	close(block)
	wg.Wait()

	require.Len(t, order, 2)
	assert.Equal(t, "high", order[0], "high lane should preempt queued normal work")
}

// Bulk keeps its reserved slot even under sustained high-priority load.
func TestBulkNotStarvedUnderHighLoad(t *testing.T) {
	q := New(Config{Concurrency: 4, BulkShare: 0.25})
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Saturate the queue with short high-priority tasks resubmitting forever.
	var highWg sync.WaitGroup
	for i := 0; i < 8; i++ {
		highWg.Add(1)
		go func() {
			defer highWg.Done()
			for ctx.Err() == nil {
				_, _ = q.AddHighPriority(ctx, func(context.Context) (interface{}, error) {
					time.Sleep(time.Millisecond)
					return nil, nil
				})
			}
		}()
	}

	var bulkDone atomic.Int64
	var bulkWg sync.WaitGroup
	for i := 0; i < 5; i++ {
		bulkWg.Add(1)
		go func() {
			defer bulkWg.Done()
			_, err := q.AddBulk(context.Background(), func(context.Context) (interface{}, error) {
				time.Sleep(time.Millisecond)
				return nil, nil
			})
			if err == nil {
				bulkDone.Add(1)
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		bulkWg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatalf("bulk tasks starved: only %d of 5 completed", bulkDone.Load())
	}
	assert.Equal(t, int64(5), bulkDone.Load())

	cancel()
	highWg.Wait()
}

func TestConcurrencyBudgetRespected(t *testing.T) {
	const concurrency = 3
	q := New(Config{Concurrency: concurrency})
	defer q.Close()

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return nil, nil
			}, PriorityBulk)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(concurrency))
}

func TestAbandonedTaskLeavesLane(t *testing.T) {
	q := New(Config{Concurrency: 1})
	defer q.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-block
			return nil, nil
		}, PriorityNormal)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Add(ctx, func(context.Context) (interface{}, error) {
			return nil, nil
		}, PriorityNormal)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)

	stats := q.Stats()
	assert.Equal(t, 0, stats.WaitingNorm, "abandoned task should leave its lane")

	close(block)
}

func TestCloseFailsWaitingTasks(t *testing.T) {
	q := New(Config{Concurrency: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-block
			return nil, nil
		}, PriorityNormal)
	}()
	<-started

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Add(context.Background(), func(context.Context) (interface{}, error) {
			return nil, nil
		}, PriorityNormal)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	q.Close()
	assert.ErrorIs(t, <-errCh, ErrClosed)

	// Submissions after close fail immediately.
	_, err := q.Add(context.Background(), func(context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal)
	assert.ErrorIs(t, err, ErrClosed)

	close(block)
}

func TestInvalidPriorityRejected(t *testing.T) {
	q := New(Config{Concurrency: 1})
	defer q.Close()

	_, err := q.Add(context.Background(), func(context.Context) (interface{}, error) {
		return nil, nil
	}, Priority(9))
	assert.Error(t, err)
}

func TestBulkReserve(t *testing.T) {
	tests := []struct {
		concurrency int
		share       float64
		want        int
	}{
		{1, 0.25, 1},
		{2, 0.25, 1},
		{4, 0.25, 1},
		{8, 0.25, 2},
		{10, 0.5, 5},
	}
	for _, tt := range tests {
		q := New(Config{Concurrency: tt.concurrency, BulkShare: tt.share})
		assert.Equal(t, tt.want, q.bulkReserve(), "C=%d share=%v", tt.concurrency, tt.share)
		q.Close()
	}
}
