//go:build linux

package reactor

import (
	"strconv"
	"sync/atomic"

	"github.com/joeycumines/go-reactor/timerwheel"
)

// EntryID identifies a registration on one [EventLoop]. IDs are generation
// checked, so an ID kept past removal never refers to a later registration
// that happens to reuse the same slot. The zero value refers to nothing.
type EntryID struct {
	index uint32
	gen   uint32
}

// IsZero reports whether id refers to no entry.
func (id EntryID) IsZero() bool { return id.gen == 0 }

func (id EntryID) String() string {
	return strconv.FormatUint(uint64(id.index), 10) + "." + strconv.FormatUint(uint64(id.gen), 10)
}

// Handler is invoked on the loop thread with the fired events of its entry.
type Handler func(ctx Context, events IOEvents)

type entry struct {
	desc     Descriptor
	fd       int
	handler  Handler
	onEnd    func()
	timer    timerwheel.Handle
	events   IOEvents
	gen      uint32
	expire   func()
	version  uint32
	live     bool
	removing bool
	internal bool
}

// entryTable is a slot map of entries. Slots are pointers so an entry stays
// put while the table grows during a dispatch. The count excludes internal
// entries and is the only field safe to read off the loop thread.
type entryTable struct {
	slots []*entry
	free  []uint32
	count atomic.Int64
}

func (t *entryTable) insert(e *entry) EntryID {
	var index uint32
	if n := len(t.free); n != 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
		slot := t.slots[index]
		e.gen = slot.gen
		t.slots[index] = e
	} else {
		index = uint32(len(t.slots))
		e.gen = 1
		t.slots = append(t.slots, e)
	}
	e.live = true
	if !e.internal {
		t.count.Add(1)
	}
	return EntryID{index: index, gen: e.gen}
}

// get returns the live entry for id, or nil.
func (t *entryTable) get(id EntryID) *entry {
	if id.gen == 0 || int(id.index) >= len(t.slots) {
		return nil
	}
	e := t.slots[id.index]
	if !e.live || e.gen != id.gen {
		return nil
	}
	return e
}

// release frees the slot of id, bumping its generation. The entry value
// itself is left alone, callers may still hold it.
func (t *entryTable) release(id EntryID) {
	e := t.slots[id.index]
	e.live = false
	if !e.internal {
		t.count.Add(-1)
	}
	gen := e.gen + 1
	if gen == 0 {
		gen = 1
	}
	t.slots[id.index] = &entry{gen: gen}
	t.free = append(t.free, id.index)
}

// ids returns the IDs of all live entries, internal ones included if asked.
func (t *entryTable) ids(internal bool) []EntryID {
	var out []EntryID
	for i, e := range t.slots {
		if e.live && (internal || !e.internal) {
			out = append(out, EntryID{index: uint32(i), gen: e.gen})
		}
	}
	return out
}

func (t *entryTable) len() int { return int(t.count.Load()) }
