package reactor

import (
	"sync/atomic"
)

// LoopState represents the current state of an EventLoop.
//
// State Machine:
//
//	StateAwake → StateRunning              [Run()]
//	StateRunning → StateSleeping           [blocking wait, via CAS]
//	StateSleeping → StateRunning           [wait returned, via CAS]
//	StateRunning → StateAwake              [Run() returned, loop reusable]
//	StateAwake/Running/Sleeping → StateTerminating  [Close()]
//	StateTerminating → StateTerminated     [teardown complete]
//	StateTerminated → (terminal)
//
// Use TryTransition (CAS) for the temporary states, Store only for
// StateTerminated.
type LoopState uint64

const (
	// StateAwake indicates the loop is not being run.
	StateAwake LoopState = 0
	// StateTerminated indicates the loop has been closed.
	StateTerminated LoopState = 1
	// StateSleeping indicates the loop is blocked waiting for readiness.
	StateSleeping LoopState = 2
	// StateRunning indicates the loop is dispatching.
	StateRunning LoopState = 3
	// StateTerminating indicates Close was requested but teardown is pending.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state holder with cache-line padding.
type fastState struct { // betteralign:ignore
	_ [64]byte      // Cache line padding (before value) //nolint:unused
	v atomic.Uint64 // State value
	_ [56]byte      // Pad to complete cache line (64 - 8 = 56) //nolint:unused
}

// Load returns the current state atomically.
func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state.
func (s *fastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
