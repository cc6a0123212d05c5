// SPDX-License-Identifier: MIT

package prep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTask(streamID, trackID string, prio Priority) *Task {
	return &Task{
		StreamID: streamID,
		TrackID:  trackID,
		Priority: prio,
	}
}

func TestPool_RunsTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(2)
	pool.Start(ctx)

	done := make(chan struct{})
	task := newTask("tr-1", "tr-1", PriorityHigh)
	_, isNew, err := pool.Queue(task, func(ctx context.Context, tk *Task) error {
		tk.SetTotalDuration(20)
		tk.ReportProgress(10)
		close(done)
		return nil
	})
	require.NoError(t, err)
	require.True(t, isNew)

	<-done
	require.Eventually(t, func() bool {
		v, ok := pool.Snapshot("tr-1")
		return ok && v.Status == StatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	v, _ := pool.Snapshot("tr-1")
	require.InDelta(t, 100, v.Percent(), 1e-9)

	cancel()
	pool.Wait()
}

func TestPool_CoalescesDuplicates(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(1)
	pool.Start(ctx)

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	prepare := func(ctx context.Context, tk *Task) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}

	first, isNew, err := pool.Queue(newTask("tr-1", "tr-1", PriorityHigh), prepare)
	require.NoError(t, err)
	require.True(t, isNew)
	<-started

	// Same stream id while non-terminal: coalesced onto the live task.
	second, isNew, err := pool.Queue(newTask("tr-1", "tr-1", PriorityHigh), prepare)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Same(t, first, second)

	// A different stream id is independent.
	_, isNew, err = pool.Queue(newTask("tr-2", "tr-2", PriorityHigh), prepare)
	require.NoError(t, err)
	require.True(t, isNew)

	close(release)
	require.Eventually(t, func() bool {
		v, ok := pool.Snapshot("tr-1")
		return ok && v.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	// Terminal task is replaced by a fresh enqueue.
	_, isNew, err = pool.Queue(newTask("tr-1", "tr-1", PriorityHigh), func(context.Context, *Task) error { return nil })
	require.NoError(t, err)
	require.True(t, isNew)

	cancel()
	pool.Wait()
}

func TestPool_CancelTrackDropsQueued(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(1)
	pool.Start(ctx)

	release := make(chan struct{})
	started := make(chan struct{})
	_, _, err := pool.Queue(newTask("busy", "busy", PriorityHigh), func(context.Context, *Task) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	// Queued behind the busy worker, then cancelled before it runs.
	_, _, err = pool.Queue(newTask("tr-1/voice-nova", "tr-1", PriorityHigh), func(context.Context, *Task) error {
		t.Error("cancelled task must not run")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, pool.CancelTrack("tr-1"))

	close(release)
	require.Eventually(t, func() bool {
		v, ok := pool.Snapshot("tr-1/voice-nova")
		return ok && v.Status == StatusError
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	pool.Wait()
}

func TestPool_PrunesTerminalTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(1)
	pool.SetTaskRetention(10 * time.Millisecond)
	pool.Start(ctx)

	done := make(chan struct{})
	_, _, err := pool.Queue(newTask("tr-1", "tr-1", PriorityHigh), func(context.Context, *Task) error {
		close(done)
		return nil
	})
	require.NoError(t, err)
	<-done

	// Past the retention window the terminal entry leaves the map.
	require.Eventually(t, func() bool {
		_, ok := pool.Snapshot("tr-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	pool.Wait()
}

func TestPool_HighPriorityFirst(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(1)

	var mu sync.Mutex
	var order []string
	record := func(ctx context.Context, tk *Task) error {
		mu.Lock()
		order = append(order, tk.StreamID)
		mu.Unlock()
		return nil
	}

	// Queue before starting workers so dispatch order is observable.
	_, _, err := pool.Queue(newTask("low", "low", PriorityLow), record)
	require.NoError(t, err)
	_, _, err = pool.Queue(newTask("high", "high", PriorityHigh), record)
	require.NoError(t, err)

	pool.Start(ctx)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, "high", order[0])
	mu.Unlock()

	cancel()
	pool.Wait()
}

func TestPriorityForSize(t *testing.T) {
	require.Equal(t, PriorityHigh, PriorityForSize(5<<20))
	require.Equal(t, PriorityMedium, PriorityForSize(50<<20))
	require.Equal(t, PriorityLow, PriorityForSize(500<<20))
}
