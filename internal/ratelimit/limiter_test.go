package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(cfg, clk, nil), clk
}

func TestLimiter_GlobalConcurrencyGate(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{GlobalMaxConcurrent: 2, PerSourceMaxConcurrent: 5, MaxPerWindow: 100})

	require.True(t, l.Reserve("t1", "s1"))
	require.True(t, l.Reserve("t2", "s2"))
	require.False(t, l.CanExecute("s3"))
	require.False(t, l.Reserve("t3", "s3"))

	l.OnTaskComplete("t1", "s1")
	require.True(t, l.CanExecute("s3"))
}

func TestLimiter_PerSourceExclusivity(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{MaxPerWindow: 100})

	require.True(t, l.Reserve("t1", "s1"))
	// Default per-source cap is 1: the same source is never admitted twice.
	require.False(t, l.CanExecute("s1"))
	require.False(t, l.Reserve("t2", "s1"))
	require.True(t, l.CanExecute("s2"))

	l.OnTaskComplete("t1", "s1")
	require.True(t, l.Reserve("t2", "s1"))
}

func TestLimiter_TimeWindowGate(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(Config{
		GlobalMaxConcurrent: 10,
		Window:              time.Minute,
		MaxPerWindow:        1,
	})

	require.True(t, l.Reserve("t1", "s1"))
	l.OnTaskComplete("t1", "s1")

	// Concurrency gates are open again, but the window blocks re-trigger.
	require.False(t, l.CanExecute("s1"))

	clk.advance(59 * time.Second)
	require.False(t, l.CanExecute("s1"))

	clk.advance(2 * time.Second)
	require.True(t, l.CanExecute("s1"))
}

func TestLimiter_ReserveIsAtomicUnderContention(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{GlobalMaxConcurrent: 3, PerSourceMaxConcurrent: 1, MaxPerWindow: 100})

	const attempts = 50
	var wg sync.WaitGroup
	granted := make(chan string, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			taskID := fmt.Sprintf("task-%d", n)
			if l.Reserve(taskID, "contended") {
				granted <- taskID
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	var winners []string
	for id := range granted {
		winners = append(winners, id)
	}
	require.Len(t, winners, 1, "per-source cap of 1 admits exactly one reservation")
	require.Equal(t, 1, l.Stats().GlobalRunning)
}

func TestLimiter_ReleaseFreesReservation(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{MaxPerWindow: 100})

	require.True(t, l.Reserve("t1", "s1"))
	l.Release("t1")

	// No execution history was recorded, so the source is admissible again.
	require.True(t, l.Reserve("t2", "s1"))
	require.Equal(t, 1, l.Stats().GlobalRunning)

	// Releasing an unknown task is a no-op.
	l.Release("missing")
	require.Equal(t, 1, l.Stats().GlobalRunning)
}

func TestLimiter_OnTaskStartIdempotentWithReserve(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{GlobalMaxConcurrent: 5, MaxPerWindow: 100})

	require.True(t, l.Reserve("t1", "s1"))
	l.OnTaskStart("t1", "s1")
	require.Equal(t, 1, l.Stats().GlobalRunning)
	require.Equal(t, 1, l.Stats().PerSourceRunning["s1"])

	// A manually triggered job may start without a prior reservation.
	l.OnTaskStart("t2", "s2")
	require.Equal(t, 2, l.Stats().GlobalRunning)
}

func TestLimiter_PruneDropsOldHistory(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(Config{
		GlobalMaxConcurrent: 10,
		Window:              time.Minute,
		MaxPerWindow:        1,
		HistoryRetention:    time.Hour,
	})

	require.True(t, l.Reserve("t1", "s1"))
	l.OnTaskComplete("t1", "s1")

	clk.advance(2 * time.Hour)
	l.Prune()

	require.True(t, l.CanExecute("s1"))
}
