package timerwheel

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTick is the tick interval used when [Config.Tick] is zero.
const DefaultTick = 10 * time.Millisecond

// defaultLevels is 256 fine slots followed by three 64 slot levels, which at
// the default tick covers a little over 7.7 days before clamping kicks in.
var defaultLevels = [...]uint{8, 6, 6, 6}

// Maximum total bits across all levels, keeps the horizon well inside uint64.
const maxTotalBits = 48

var (
	// ErrInvalidTick is returned by [New] for a negative tick interval.
	ErrInvalidTick = errors.New("timerwheel: tick interval must be positive")
	// ErrInvalidLevels is returned by [New] for an unusable level layout.
	ErrInvalidLevels = errors.New("timerwheel: invalid level configuration")
)

// Config describes the shape of a [Wheel]. The zero value is valid.
type Config struct {
	// Tick is the duration of a single tick, defaults to [DefaultTick].
	Tick time.Duration
	// Levels is the number of slot bits per level, finest first. Each level
	// has 1<<bits slots. Defaults to 8, 6, 6, 6.
	Levels []uint
}

// Wheel is a hierarchical timing wheel.
//
// Add, Remove and expiry are O(1) amortized. Timers are kept in per-level
// buckets, finer levels covering nearer deadlines; each time a level's cursor
// wraps, the matching bucket of the next level is cascaded down.
//
// A Wheel is not safe for concurrent use. It is meant to be owned and ticked by
// a single goroutine, e.g. an event loop.
type Wheel struct {
	levels  []level
	batch   []*timer
	free    *timer
	tick    time.Duration
	now     uint64
	horizon uint64
	seq     uint64
	count   int
}

type level struct {
	slots []bucket
	shift uint
	mask  uint64
	span  uint64
}

// New builds a Wheel from cfg.
func New(cfg Config) (*Wheel, error) {
	if cfg.Tick < 0 {
		return nil, ErrInvalidTick
	}
	if cfg.Tick == 0 {
		cfg.Tick = DefaultTick
	}
	bits := cfg.Levels
	if len(bits) == 0 {
		bits = defaultLevels[:]
	}

	w := &Wheel{tick: cfg.Tick}
	var shift uint
	for i, b := range bits {
		if b == 0 || b > 16 {
			return nil, fmt.Errorf("%w: level %d has %d bits", ErrInvalidLevels, i, b)
		}
		if shift+b > maxTotalBits {
			return nil, fmt.Errorf("%w: more than %d bits in total", ErrInvalidLevels, maxTotalBits)
		}
		lv := level{
			slots: make([]bucket, 1<<b),
			shift: shift,
			mask:  1<<b - 1,
			span:  1 << (shift + b),
		}
		for j := range lv.slots {
			lv.slots[j].init()
		}
		w.levels = append(w.levels, lv)
		shift += b
	}
	w.horizon = 1 << shift

	return w, nil
}

// TickInterval returns the duration of one tick.
func (w *Wheel) TickInterval() time.Duration { return w.tick }

// Horizon returns the longest delay that is placed without clamping. Longer
// delays are still honored, they just get re-cascaded from the coarsest level.
func (w *Wheel) Horizon() time.Duration {
	return time.Duration(w.horizon-1) * w.tick
}

// Now returns the number of ticks processed so far.
func (w *Wheel) Now() uint64 { return w.now }

// Len returns the number of timers that have not fired or been removed.
func (w *Wheel) Len() int { return w.count }

// Add schedules fn to run after d.
//
// The delay is rounded up to whole ticks, plus one tick for the partially
// elapsed current tick, so a timer never fires early. A non-positive d fires
// on the next tick.
func (w *Wheel) Add(d time.Duration, fn func()) Handle {
	t := w.alloc()
	t.fn = fn
	t.expires = w.now + w.ticksFor(d)
	w.place(t)
	w.count++
	return Handle{t: t, id: t.id}
}

// Remove cancels the timer identified by h, reporting whether it was still
// pending. It is a no-op for timers that already fired, were removed, or are
// firing right now, which makes it safe to call from any timer callback.
// Removing a timer that is due in the same sweep as the running callback
// prevents it from firing.
func (w *Wheel) Remove(h Handle) bool {
	t := h.t
	if t == nil || t.id != h.id {
		return false
	}
	switch t.state {
	case statePending:
		t.bucket.unlink(t)
		w.count--
		w.release(t)
		return true
	case stateQueued:
		// detached by the running sweep, which releases it
		t.state = stateCancelled
		w.count--
		return true
	default:
		return false
	}
}

// Reschedule cancels h, if pending, and schedules its callback again after d.
// The returned handle replaces h. If h is no longer pending the zero Handle is
// returned, since there is nothing left to reschedule.
func (w *Wheel) Reschedule(h Handle, d time.Duration) Handle {
	t := h.t
	if t == nil || t.id != h.id {
		return Handle{}
	}
	fn := t.fn
	if !w.Remove(h) {
		return Handle{}
	}
	return w.Add(d, fn)
}

// Pending reports whether h is still waiting to fire.
func (w *Wheel) Pending(h Handle) bool {
	t := h.t
	return t != nil && t.id == h.id && (t.state == statePending || t.state == stateQueued)
}

// Remaining returns the time left until h fires, rounded to ticks, or zero if
// h is not pending.
func (w *Wheel) Remaining(h Handle) time.Duration {
	if !w.Pending(h) || h.t.expires <= w.now {
		return 0
	}
	return time.Duration(h.t.expires-w.now) * w.tick
}

// Tick advances the wheel by one tick and runs every timer that became due,
// returning the number of callbacks invoked.
//
// Due timers are unlinked from their bucket before any callback runs, so
// callbacks may freely add and remove timers, including themselves.
func (w *Wheel) Tick() int {
	w.now++

	for i := 1; i < len(w.levels); i++ {
		lv := &w.levels[i]
		if w.now&(uint64(1)<<lv.shift-1) != 0 {
			break
		}
		for t := lv.slots[(w.now>>lv.shift)&lv.mask].detach(); t != nil; {
			next := t.next
			w.place(t)
			t = next
		}
	}

	batch := w.batch[:0]
	w.batch = nil
	lv := &w.levels[0]
	for t := lv.slots[w.now&lv.mask].detach(); t != nil; {
		next := t.next
		if t.expires > w.now {
			// clamped beyond the horizon, not due yet
			w.place(t)
		} else {
			t.next = nil
			t.state = stateQueued
			batch = append(batch, t)
		}
		t = next
	}

	fired := w.fire(batch)

	clear(batch)
	w.batch = batch[:0]
	return fired
}

// fire invokes the batch in order. If a callback panics, the timers that did
// not get to run are put back on the wheel for the next tick before the panic
// continues up the stack.
func (w *Wheel) fire(batch []*timer) (fired int) {
	i := 0
	defer func() {
		if i == len(batch) {
			return
		}
		// batch[i] panicked
		w.release(batch[i])
		for _, t := range batch[i+1:] {
			if t.state == stateQueued {
				t.state = statePending
				t.expires = w.now + 1
				w.place(t)
			} else {
				w.release(t)
			}
		}
	}()
	for ; i < len(batch); i++ {
		t := batch[i]
		if t.state != stateQueued {
			w.release(t)
			continue
		}
		t.state = stateFiring
		w.count--
		t.fn()
		w.release(t)
		fired++
	}
	return fired
}

// ticksFor converts d to a tick count, see Add.
func (w *Wheel) ticksFor(d time.Duration) uint64 {
	if d <= 0 {
		return 1
	}
	n := uint64(d / w.tick)
	if d%w.tick != 0 {
		n++
	}
	return n + 1
}

// place links t into the bucket matching its distance from now.
func (w *Wheel) place(t *timer) {
	var delta uint64
	if t.expires > w.now {
		delta = t.expires - w.now
	}
	expires := t.expires
	if delta >= w.horizon {
		delta = w.horizon - 1
		expires = w.now + delta
	}
	lv := &w.levels[len(w.levels)-1]
	for i := range w.levels {
		if delta < w.levels[i].span {
			lv = &w.levels[i]
			break
		}
	}
	t.state = statePending
	lv.slots[(expires>>lv.shift)&lv.mask].push(t)
}

func (w *Wheel) alloc() *timer {
	t := w.free
	if t != nil {
		w.free = t.next
		t.next = nil
	} else {
		t = new(timer)
	}
	w.seq++
	t.id = w.seq
	return t
}

func (w *Wheel) release(t *timer) {
	t.fn = nil
	t.state = stateDone
	t.prev = nil
	t.bucket = nil
	t.next = w.free
	w.free = t
}
