//go:build linux

package reactor

import (
	"time"

	"github.com/joeycumines/go-reactor/timerwheel"
)

// Context is passed to a [Handler] for one dispatch. It identifies the entry
// being dispatched and scopes loop operations to it. It is only meaningful on
// the loop thread, and should not be retained past the callback, although
// using a stale Context is safe, entry IDs being generation checked.
type Context struct {
	loop   *EventLoop
	id     EntryID
	events IOEvents
}

// ID returns the entry being dispatched.
func (c Context) ID() EntryID { return c.id }

// Loop returns the loop running the dispatch.
func (c Context) Loop() *EventLoop { return c.loop }

// Events returns the events that fired.
func (c Context) Events() IOEvents { return c.events }

// Descriptor returns the entry's descriptor, or nil if it was removed.
func (c Context) Descriptor() Descriptor {
	if c.loop == nil {
		return nil
	}
	if e := c.loop.entries.get(c.id); e != nil && !e.removing {
		return e.desc
	}
	return nil
}

// ListenFor changes the entry's interest set.
func (c Context) ListenFor(events IOEvents) error {
	return c.loop.ListenFor(c.id, events)
}

// Remove removes the entry, see [EventLoop.Remove]. The handler may keep
// running after the call, but the entry's descriptor is already closed.
func (c Context) Remove() error {
	return c.loop.Remove(c.id)
}

// Schedule runs fn on the loop after d, see [EventLoop.Schedule].
func (c Context) Schedule(d time.Duration, fn func()) (timerwheel.Handle, error) {
	return c.loop.Schedule(d, fn)
}

// Reschedule moves a pending timer, see [EventLoop.Reschedule].
func (c Context) Reschedule(h timerwheel.Handle, d time.Duration) (timerwheel.Handle, error) {
	return c.loop.Reschedule(h, d)
}

// SetTimeout (re)arms the entry's timeout, e.g. to implement an idle timeout
// that restarts on every read.
func (c Context) SetTimeout(d time.Duration) error {
	return c.loop.SetTimeout(c.id, d)
}

// ClearTimeout cancels the entry's timeout, if any.
func (c Context) ClearTimeout() error {
	return c.loop.RemoveTimer(c.id)
}

// Upgrade swaps the entry's handler and interest set, see [EventLoop.Upgrade].
func (c Context) Upgrade(events IOEvents, h Handler, opts ...EntryOption) error {
	return c.loop.Upgrade(c.id, events, h, opts...)
}
