package reactor

import (
	"strings"
)

// IOEvents is a set of readiness flags. As an interest set it selects what to
// wait for, as a fired set it is what the multiplexer reported.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is readable.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is writable.
	EventWrite
	// EventUrgent indicates urgent (out-of-band) data is readable.
	EventUrgent
	// EventHangup indicates the peer hung up. As interest, it additionally
	// requests notification of the peer shutting down its write side.
	EventHangup
	// EventError indicates an error condition. Always reported, regardless
	// of interest.
	EventError
	// EventEdgeTriggered is an interest modifier, requesting edge triggered
	// rather than level triggered notification. Never reported.
	EventEdgeTriggered
)

var eventNames = [...]string{"read", "write", "urgent", "hangup", "error", "edge"}

// String returns the flags joined by "|", e.g. "read|hangup".
func (e IOEvents) String() string {
	if e == 0 {
		return "none"
	}
	var b strings.Builder
	for i, name := range eventNames {
		if e&(1<<i) == 0 {
			continue
		}
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
	}
	return b.String()
}
