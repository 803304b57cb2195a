package timerwheel

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWheel(t *testing.T, cfg Config) *Wheel {
	t.Helper()
	w, err := New(cfg)
	require.NoError(t, err)
	return w
}

func tickN(w *Wheel, n int) (fired int) {
	for i := 0; i < n; i++ {
		fired += w.Tick()
	}
	return fired
}

func TestNew_Defaults(t *testing.T) {
	w := newTestWheel(t, Config{})
	assert.Equal(t, DefaultTick, w.TickInterval())
	assert.Len(t, w.levels, 4)
	assert.Equal(t, uint64(1)<<26, w.horizon)
	assert.Equal(t, time.Duration(1<<26-1)*DefaultTick, w.Horizon())
	assert.Zero(t, w.Len())
	assert.Zero(t, w.Now())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Tick: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidTick)

	_, err = New(Config{Levels: []uint{8, 0}})
	assert.ErrorIs(t, err, ErrInvalidLevels)

	_, err = New(Config{Levels: []uint{17}})
	assert.ErrorIs(t, err, ErrInvalidLevels)

	_, err = New(Config{Levels: []uint{16, 16, 16, 16}})
	assert.ErrorIs(t, err, ErrInvalidLevels)
}

func TestWheel_AddRoundsUpAndNeverFiresEarly(t *testing.T) {
	w := newTestWheel(t, Config{Tick: 10 * time.Millisecond})

	var calls int
	h := w.Add(25*time.Millisecond, func() { calls++ })
	assert.True(t, w.Pending(h))
	assert.Equal(t, 40*time.Millisecond, w.Remaining(h))

	// ceil(25/10) = 3, plus one for the current partial tick
	assert.Zero(t, tickN(w, 3))
	assert.Zero(t, calls)
	assert.Equal(t, 1, w.Tick())
	assert.Equal(t, 1, calls)

	assert.False(t, w.Pending(h))
	assert.Zero(t, w.Len())
	assert.Zero(t, tickN(w, 1000))
	assert.Equal(t, 1, calls)
}

func TestWheel_NonPositiveDelayFiresNextTick(t *testing.T) {
	w := newTestWheel(t, Config{})
	var calls int
	w.Add(0, func() { calls++ })
	w.Add(-time.Hour, func() { calls++ })
	assert.Equal(t, 2, w.Tick())
	assert.Equal(t, 2, calls)
}

// TestWheel_ExactFiringTick checks every delay, across every level boundary
// and well past the horizon, fires on exactly the expected tick.
func TestWheel_ExactFiringTick(t *testing.T) {
	for _, offset := range []int{0, 1, 5, 37, 250} {
		w := newTestWheel(t, Config{Tick: time.Millisecond, Levels: []uint{2, 2, 2}})
		require.Equal(t, time.Duration(63)*time.Millisecond, w.Horizon())
		tickN(w, offset)

		const maxDelay = 300
		firedAt := make(map[int]uint64, maxDelay)
		for k := 1; k <= maxDelay; k++ {
			k := k
			w.Add(time.Duration(k)*time.Millisecond, func() {
				_, dup := firedAt[k]
				require.False(t, dup, "delay %d fired twice", k)
				firedAt[k] = w.Now()
			})
		}
		require.Equal(t, maxDelay, w.Len())

		tickN(w, maxDelay+1)
		require.Len(t, firedAt, maxDelay)
		for k := 1; k <= maxDelay; k++ {
			assert.Equal(t, uint64(offset+k+1), firedAt[k], "offset %d delay %d", offset, k)
		}
		assert.Zero(t, w.Len())
	}
}

func TestWheel_SingleDispatchPerFire(t *testing.T) {
	w := newTestWheel(t, Config{Tick: time.Millisecond})
	rng := rand.New(rand.NewSource(1))

	const n = 20000
	counts := make([]int, n)
	handles := make([]Handle, n)
	for i := range counts {
		i := i
		d := time.Duration(rng.Intn(5000)) * time.Millisecond
		handles[i] = w.Add(d, func() { counts[i]++ })
	}
	require.Equal(t, n, w.Len())

	assert.Equal(t, n, tickN(w, 5002))
	for i, c := range counts {
		assert.Equal(t, 1, c, "timer %d", i)
		assert.False(t, w.Pending(handles[i]))
	}
	assert.Zero(t, w.Len())
}

func TestWheel_RemoveBeforeFire(t *testing.T) {
	w := newTestWheel(t, Config{Tick: time.Millisecond})

	var fired bool
	h := w.Add(50*time.Millisecond, func() { fired = true })
	tickN(w, 20)
	assert.True(t, w.Remove(h))
	assert.False(t, w.Remove(h))
	assert.False(t, w.Pending(h))
	assert.Zero(t, w.Len())

	tickN(w, 100)
	assert.False(t, fired)
}

func TestWheel_RemoveZeroAndStaleHandles(t *testing.T) {
	w := newTestWheel(t, Config{})
	assert.False(t, w.Remove(Handle{}))
	assert.True(t, Handle{}.IsZero())

	h := w.Add(0, func() {})
	w.Tick()
	// the node is recycled by the next Add, the stale handle must not reach it
	var fired bool
	h2 := w.Add(time.Second, func() { fired = true })
	assert.Same(t, h.t, h2.t)
	assert.False(t, w.Remove(h))
	assert.True(t, w.Pending(h2))
	assert.False(t, fired)
}

func TestWheel_RemoveSelfDuringCallback(t *testing.T) {
	w := newTestWheel(t, Config{})
	var h Handle
	var removed bool
	var calls int
	h = w.Add(0, func() {
		calls++
		removed = w.Remove(h)
	})
	assert.Equal(t, 1, w.Tick())
	assert.False(t, removed)
	assert.Equal(t, 1, calls)
	assert.Zero(t, w.Len())
}

func TestWheel_RemoveSiblingDuringSweep(t *testing.T) {
	w := newTestWheel(t, Config{})
	var a, b Handle
	var aCalls, bCalls int
	a = w.Add(0, func() {
		aCalls++
		assert.True(t, w.Remove(b))
	})
	b = w.Add(0, func() {
		bCalls++
		w.Remove(a)
	})
	assert.Equal(t, 1, w.Tick())
	assert.Equal(t, 1, aCalls)
	assert.Zero(t, bCalls)
	assert.Zero(t, w.Len())
}

func TestWheel_AddDuringSweep(t *testing.T) {
	w := newTestWheel(t, Config{Tick: time.Millisecond})
	var order []string
	w.Add(0, func() {
		order = append(order, "first")
		w.Add(0, func() { order = append(order, "second") })
	})
	assert.Equal(t, 1, w.Tick())
	assert.Equal(t, []string{"first"}, order)
	assert.Equal(t, 1, w.Tick())
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestWheel_Reschedule(t *testing.T) {
	w := newTestWheel(t, Config{Tick: time.Millisecond})
	var calls int
	h := w.Add(10*time.Millisecond, func() { calls++ })
	tickN(w, 8)

	h = w.Reschedule(h, 10*time.Millisecond)
	require.False(t, h.IsZero())
	assert.Zero(t, tickN(w, 10))
	assert.Equal(t, 1, w.Tick())
	assert.Equal(t, 1, calls)

	// fired, nothing left to reschedule
	assert.True(t, w.Reschedule(h, time.Millisecond).IsZero())
	assert.Zero(t, w.Len())
}

func TestWheel_PanicRequeuesRemainder(t *testing.T) {
	w := newTestWheel(t, Config{})
	var calls []int
	w.Add(0, func() { calls = append(calls, 1); panic("boom") })
	w.Add(0, func() { calls = append(calls, 2) })
	w.Add(0, func() { calls = append(calls, 3) })

	assert.PanicsWithValue(t, "boom", func() { w.Tick() })
	assert.Equal(t, []int{1}, calls)
	assert.Equal(t, 2, w.Len())

	assert.Equal(t, 2, w.Tick())
	assert.Equal(t, []int{1, 2, 3}, calls)
	assert.Zero(t, w.Len())
}

func TestWheel_BeyondHorizon(t *testing.T) {
	w := newTestWheel(t, Config{Tick: time.Millisecond, Levels: []uint{4, 4}})
	require.Equal(t, 255*time.Millisecond, w.Horizon())

	var firedAt uint64
	w.Add(10*w.Horizon(), func() { firedAt = w.Now() })
	tickN(w, 2600)
	assert.Equal(t, uint64(2551), firedAt)
}

func BenchmarkWheel_AddRemove(b *testing.B) {
	w, err := New(Config{})
	if err != nil {
		b.Fatal(err)
	}
	fn := func() {}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h := w.Add(time.Duration(i%100000)*time.Millisecond, fn)
		w.Remove(h)
	}
}
