//go:build linux

package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIOEvents_String(t *testing.T) {
	assert.Equal(t, "none", IOEvents(0).String())
	assert.Equal(t, "read", EventRead.String())
	assert.Equal(t, "read|hangup", (EventRead | EventHangup).String())
	assert.Equal(t, "write|error|edge", (EventWrite | EventError | EventEdgeTriggered).String())
}

func TestLoopState_String(t *testing.T) {
	for state, name := range map[LoopState]string{
		StateAwake:       "Awake",
		StateRunning:     "Running",
		StateSleeping:    "Sleeping",
		StateTerminating: "Terminating",
		StateTerminated:  "Terminated",
		LoopState(99):    "Unknown",
	} {
		assert.Equal(t, name, state.String())
	}
}

func TestEntryID(t *testing.T) {
	assert.True(t, EntryID{}.IsZero())
	id := EntryID{index: 3, gen: 7}
	assert.False(t, id.IsZero())
	assert.Equal(t, "3.7", id.String())
}

func TestEntryTable_GenerationCheck(t *testing.T) {
	var tbl entryTable
	a := tbl.insert(&entry{})
	assert.Equal(t, 1, tbl.len())
	assert.NotNil(t, tbl.get(a))

	tbl.release(a)
	assert.Nil(t, tbl.get(a))
	assert.Zero(t, tbl.len())

	b := tbl.insert(&entry{})
	assert.Equal(t, a.index, b.index)
	assert.Equal(t, a.gen+1, b.gen)
	assert.Nil(t, tbl.get(a))
	assert.NotNil(t, tbl.get(b))

	internal := tbl.insert(&entry{internal: true})
	assert.Equal(t, 1, tbl.len())
	assert.Len(t, tbl.ids(false), 1)
	assert.Len(t, tbl.ids(true), 2)
	assert.Nil(t, tbl.get(EntryID{index: 99, gen: 1}))
	tbl.release(internal)
	assert.Equal(t, 1, tbl.len())
}

func TestPanicError(t *testing.T) {
	err := PanicError{Value: "boom"}
	assert.Contains(t, err.Error(), "boom")
	assert.NoError(t, err.Unwrap())

	cause := assert.AnError
	assert.ErrorIs(t, PanicError{Value: cause}, cause)
}
