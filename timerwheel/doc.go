// Package timerwheel implements a hierarchical timing wheel, for managing very
// large numbers of coarse grained timeouts, e.g. connection idle timeouts.
//
// # Layout
//
// A [Wheel] is a stack of levels. Level 0 has one slot per tick, every
// following level has slots as wide as the whole level below it. With the
// default layout (8, 6, 6, 6 bits) and a 10ms tick:
//
//	level 0: 256 slots x 10ms   = 2.56s
//	level 1:  64 slots x 2.56s  = ~2.7m
//	level 2:  64 slots x ~2.7m  = ~2.9h
//	level 3:  64 slots x ~2.9h  = ~7.7d
//
// Delays past the horizon are clamped into the last slot of the coarsest level
// and re-evaluated each time that slot is cascaded, so arbitrarily long delays
// are supported, at the cost of a few extra cascades.
//
// # Usage
//
//	w, err := timerwheel.New(timerwheel.Config{Tick: 10 * time.Millisecond})
//	if err != nil {
//	    return err
//	}
//	h := w.Add(5*time.Second, func() { fmt.Println("idle") })
//	// ... on activity
//	h = w.Reschedule(h, 5*time.Second)
//	// ... every 10ms, from the owning goroutine
//	w.Tick()
package timerwheel
