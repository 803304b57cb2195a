package timerwheel

type timerState uint8

const (
	stateDone timerState = iota
	statePending
	stateQueued
	stateFiring
	stateCancelled
)

// Handle identifies a timer added to a [Wheel]. The zero value refers to no
// timer. Handles stay safe to use after the timer fired or was removed, since
// the underlying node is generation checked before any access.
type Handle struct {
	t  *timer
	id uint64
}

// IsZero reports whether h refers to no timer at all.
func (h Handle) IsZero() bool { return h.t == nil }

type timer struct {
	prev    *timer
	next    *timer
	bucket  *bucket
	fn      func()
	expires uint64
	id      uint64
	state   timerState
}

// bucket is a circular doubly linked list with a sentinel root.
type bucket struct {
	root timer
}

func (b *bucket) init() {
	b.root.next = &b.root
	b.root.prev = &b.root
}

func (b *bucket) push(t *timer) {
	t.prev = b.root.prev
	t.next = &b.root
	b.root.prev.next = t
	b.root.prev = t
	t.bucket = b
}

func (b *bucket) unlink(t *timer) {
	t.prev.next = t.next
	t.next.prev = t.prev
	t.prev = nil
	t.next = nil
	t.bucket = nil
}

// detach empties the bucket, returning its former contents as a nil
// terminated list linked through next.
func (b *bucket) detach() *timer {
	if b.root.next == &b.root {
		return nil
	}
	first := b.root.next
	b.root.prev.next = nil
	b.init()
	for t := first; t != nil; t = t.next {
		t.prev = nil
		t.bucket = nil
	}
	return first
}
