//go:build linux

package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, workers int, opts ...LoopOption) *ThreadPool {
	t.Helper()
	p, err := NewThreadPool(workers, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewThreadPool_InvalidWorkers(t *testing.T) {
	_, err := NewThreadPool(-1)
	assert.ErrorIs(t, err, ErrInvalidWorkers)
}

func TestThreadPool_RunStartBarrier(t *testing.T) {
	p := newTestPool(t, 4)
	assert.Equal(t, 5, p.Size())
	assert.Equal(t, 4, p.Workers())

	require.NoError(t, p.Run(context.Background(), nil))
	assert.ErrorIs(t, p.Run(context.Background(), nil), ErrPoolRunning)

	// every worker owns a distinct thread as soon as Run returns
	seen := make(map[int]bool)
	for i := 0; i < p.Workers(); i++ {
		id := p.At(i).RunnerID()
		assert.NotZero(t, id, "worker %d", i)
		assert.False(t, seen[id], "worker %d shares a thread", i)
		seen[id] = true
	}
	assert.Zero(t, p.At(4).RunnerID())

	for i := 0; i < p.Workers(); i++ {
		l := p.At(i)
		onLoop(t, l, func() {
			assert.True(t, l.IsOwner())
			assert.False(t, p.At((i+1)%p.Size()).IsOwner())
		})
	}

	require.NoError(t, p.Stop())
	assert.ErrorIs(t, p.Stop(), ErrPoolNotRunning)
	for i := 0; i < p.Workers(); i++ {
		assert.Equal(t, StateAwake, p.At(i).State())
	}
}

func TestThreadPool_NextRoundRobin(t *testing.T) {
	p := newTestPool(t, 3)
	for round := 0; round < 3; round++ {
		for i := 0; i < 3; i++ {
			assert.Same(t, p.At(i), p.Next())
		}
	}
}

func TestThreadPool_NextWithoutWorkers(t *testing.T) {
	p := newTestPool(t, 0)
	assert.Zero(t, p.Len())
	assert.Same(t, p.At(0), p.Next())
}

func TestThreadPool_GetInPool(t *testing.T) {
	p := newTestPool(t, 2)
	require.NoError(t, p.Run(context.Background(), nil))
	assert.Equal(t, 2, p.Len())

	errCh := make(chan error, 1)
	go func() { errCh <- p.GetInPool(context.Background(), nil) }()
	require.Eventually(t, func() bool { return p.Len() == 3 && p.At(2).RunnerID() != 0 }, testTimeout, time.Millisecond)
	assert.ErrorIs(t, p.GetInPool(context.Background(), nil), ErrPoolJoined)

	// the joined loop takes part in the rotation
	var picked bool
	for i := 0; i < 6; i++ {
		if p.Next() == p.At(2) {
			picked = true
		}
	}
	assert.True(t, picked)

	require.NoError(t, p.Stop())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("GetInPool did not return")
	}
	assert.Equal(t, 2, p.Len())
}

func TestThreadPool_AssignSpreadsAcrossWorkers(t *testing.T) {
	p := newTestPool(t, 3)
	require.NoError(t, p.Run(context.Background(), nil))

	var (
		mu     sync.Mutex
		owners = make(map[int]int)
		wg     sync.WaitGroup
	)
	const n = 9
	wg.Add(n)
	for i := 0; i < n; i++ {
		r, w, _ := testPipe(t)
		require.NoError(t, p.Assign(r, EventRead, func(ctx Context, events IOEvents) {
			if events&EventRead == 0 {
				return
			}
			drain(ctx.Descriptor().Fd())
			mu.Lock()
			owners[ctx.Loop().RunnerID()]++
			mu.Unlock()
			// one dispatch per entry, the write end closing must not count
			assert.NoError(t, ctx.Remove())
			wg.Done()
		}))
		writeByte(t, w)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	waitFor(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, owners, 3)
	for id, count := range owners {
		assert.Equal(t, 3, count, "thread %d", id)
	}
}

func TestThreadPool_ScheduleTiming(t *testing.T) {
	p := newTestPool(t, 2, WithTickInterval(10*time.Millisecond))
	require.NoError(t, p.Run(context.Background(), nil))

	var fired atomic.Int32
	firedAt := make(chan time.Duration, 1)
	var start time.Time
	onLoop(t, p.At(0), func() {
		start = time.Now()
		_, err := p.At(0).Schedule(50*time.Millisecond, func() {
			if fired.Add(1) == 1 {
				firedAt <- time.Since(start)
			}
		})
		assert.NoError(t, err)
	})

	time.Sleep(40*time.Millisecond - time.Since(start))
	assert.Zero(t, fired.Load(), "fired before 40ms")

	select {
	case elapsed := <-firedAt:
		assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
		assert.LessOrEqual(t, elapsed, 70*time.Millisecond)
	case <-time.After(testTimeout):
		t.Fatal("timer did not fire")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestThreadPool_InitStorages(t *testing.T) {
	p := newTestPool(t, 2)
	require.NoError(t, p.InitStorages(func(i int, _ *EventLoop) any { return i * 10 }))
	for i := 0; i < p.Size(); i++ {
		assert.Equal(t, i*10, p.At(i).Storage())
	}

	require.NoError(t, p.Run(context.Background(), nil))
	assert.ErrorIs(t, p.InitStorages(func(int, *EventLoop) any { return nil }), ErrPoolRunning)
}

func TestThreadPool_StopsOnContext(t *testing.T) {
	p := newTestPool(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Run(ctx, nil))
	cancel()
	require.Eventually(t, func() bool {
		return p.At(0).State() == StateAwake && p.At(1).State() == StateAwake
	}, testTimeout, time.Millisecond)
	assert.ErrorIs(t, p.Stop(), context.Canceled)
}

func TestThreadPool_Close(t *testing.T) {
	p, err := NewThreadPool(2)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), nil))
	require.NoError(t, p.Close())
	for i := 0; i < p.Size(); i++ {
		assert.Equal(t, StateTerminated, p.At(i).State())
	}
}
