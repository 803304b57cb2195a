package reactor

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrNotOwner is returned by loop-owned operations called from any
	// goroutine other than the one running the loop.
	ErrNotOwner = errors.New("reactor: operation must run on the loop thread")

	// ErrLoopTerminated is returned when operations are attempted on a closed loop.
	ErrLoopTerminated = errors.New("reactor: loop has been terminated")

	// ErrLoopAlreadyRunning is returned when Run is called on a running loop.
	ErrLoopAlreadyRunning = errors.New("reactor: loop is already running")

	// ErrReentrantRun is returned when Run is called from within the loop itself.
	ErrReentrantRun = errors.New("reactor: cannot call Run from within the loop")

	// ErrEntryNotFound is returned for an [EntryID] that is not (or no longer) registered.
	ErrEntryNotFound = errors.New("reactor: entry not found")

	// ErrInternalEntry is returned when attempting to modify one of the loop's own entries.
	ErrInternalEntry = errors.New("reactor: entry is internal to the loop")

	// ErrNilDescriptor is returned by Assign for a nil descriptor.
	ErrNilDescriptor = errors.New("reactor: nil descriptor")

	// ErrNilHandler is returned by Assign and Upgrade for a nil handler.
	ErrNilHandler = errors.New("reactor: nil handler")

	// ErrInvalidWorkers is returned by NewThreadPool for a negative worker count.
	ErrInvalidWorkers = errors.New("reactor: worker count must not be negative")

	// ErrPoolRunning is returned for operations that require a stopped pool.
	ErrPoolRunning = errors.New("reactor: pool is running")

	// ErrPoolNotRunning is returned by Stop on a pool that was never started.
	ErrPoolNotRunning = errors.New("reactor: pool is not running")

	// ErrPoolJoined is returned by GetInPool when the reserved loop is already in use.
	ErrPoolJoined = errors.New("reactor: pool already joined")
)

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("reactor: callback panicked: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func opError(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
