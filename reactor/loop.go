//go:build linux

package reactor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-reactor/timerwheel"
	"github.com/joeycumines/logiface"
	uberatomic "go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

var loopIDs uberatomic.Uint64

// EventLoop is a single-owner reactor: one goroutine, locked to its OS thread
// for the duration of [EventLoop.Run], waits for readiness on the registered
// descriptors and dispatches their handlers, ticking a timing wheel from a
// periodic timer source.
//
// Entry and timer operations are owner only, they return an error wrapping
// [ErrNotOwner] from any other goroutine. [EventLoop.Assign],
// [EventLoop.Execute], [EventLoop.Enqueue], [EventLoop.Notify] and the
// accessors may be called from anywhere.
type EventLoop struct {
	// Prevent copying
	_ [0]func()

	state fastState

	logger  *logiface.Logger[logiface.Event]
	poller  *poller
	wheel   *timerwheel.Wheel
	done    chan struct{}
	pending *queue.Queue
	spare   *queue.Queue
	storage atomic.Pointer[any]

	entries entryTable
	stats   loopStats

	interruptID EntryID
	expireID    EntryID
	wakeBuf     [8]byte
	expireBuf   [8]byte

	id       uint64
	wakeFD   int
	expireFD int
	runner   atomic.Int64

	mu     sync.Mutex
	fdMu   sync.RWMutex
	hangup HangupPolicy

	wakePending atomic.Bool
	accepting   bool
	fdClosed    bool
}

// New creates an EventLoop, ready to [EventLoop.Run]. The loop holds an
// epoll instance, an eventfd and a timerfd until it is closed.
func New(opts ...LoopOption) (*EventLoop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wheel, err := timerwheel.New(timerwheel.Config{Tick: cfg.tick, Levels: cfg.levels})
	if err != nil {
		return nil, err
	}

	p, err := newPoller(cfg.maxEvents)
	if err != nil {
		return nil, err
	}

	wakeFD, err := createWakeFd()
	if err != nil {
		_ = p.close()
		return nil, err
	}

	expireFD, err := createExpireFd(cfg.tick)
	if err != nil {
		_ = unix.Close(wakeFD)
		_ = p.close()
		return nil, err
	}

	l := &EventLoop{
		logger:    cfg.logger,
		poller:    p,
		wheel:     wheel,
		done:      make(chan struct{}),
		pending:   queue.New(),
		spare:     queue.New(),
		id:        loopIDs.Inc(),
		wakeFD:    wakeFD,
		expireFD:  expireFD,
		hangup:    cfg.hangup,
		accepting: true,
	}

	if l.interruptID, err = l.addInternal(wakeFD, l.onInterrupt); err == nil {
		l.expireID, err = l.addInternal(expireFD, l.onExpire)
	}
	if err != nil {
		_ = unix.Close(expireFD)
		_ = unix.Close(wakeFD)
		_ = p.close()
		return nil, err
	}

	return l, nil
}

func (l *EventLoop) addInternal(fd int, h Handler) (EntryID, error) {
	e := &entry{desc: FD(fd), fd: fd, handler: h, events: EventRead, internal: true}
	id := l.entries.insert(e)
	if err := l.poller.add(fd, EventRead, id); err != nil {
		l.entries.release(id)
		return EntryID{}, err
	}
	return id, nil
}

// ID returns a process-unique identifier for the loop, used in log fields.
func (l *EventLoop) ID() uint64 { return l.id }

// State returns the current [LoopState].
func (l *EventLoop) State() LoopState { return l.state.Load() }

// Len returns the number of registered entries, excluding the loop's own.
func (l *EventLoop) Len() int { return l.entries.len() }

// RunnerID returns the OS thread id running the loop, or 0 if it is not
// being run.
func (l *EventLoop) RunnerID() int { return int(l.runner.Load()) }

// IsOwner reports whether the caller is the goroutine running the loop.
func (l *EventLoop) IsOwner() bool {
	runner := l.runner.Load()
	return runner != 0 && int64(unix.Gettid()) == runner
}

// Storage returns the value last passed to SetStorage.
func (l *EventLoop) Storage() any {
	if p := l.storage.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStorage attaches an arbitrary value to the loop, typically per-thread
// state shared by its handlers.
func (l *EventLoop) SetStorage(v any) { l.storage.Store(&v) }

// Wheel returns the loop's timing wheel. It must only be used from the loop
// thread.
func (l *EventLoop) Wheel() *timerwheel.Wheel { return l.wheel }

func (l *EventLoop) checkOwner(op string) error {
	if !l.IsOwner() {
		return opError(op, ErrNotOwner)
	}
	return nil
}

// Run runs the loop on the calling goroutine until ctx is done, keepRunning
// (if non-nil) returns false, or the loop is closed. The goroutine is locked
// to its OS thread for the duration.
//
// Returns ctx.Err() if the context ended the loop, nil otherwise. A loop that
// returned without being closed may be run again.
func (l *EventLoop) Run(ctx context.Context, keepRunning func() bool) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := l.acquire(); err != nil {
		return err
	}
	return l.runAcquired(ctx, keepRunning)
}

// acquire claims the loop for the calling thread, which must be locked.
func (l *EventLoop) acquire() error {
	if l.IsOwner() {
		return ErrReentrantRun
	}
	if !l.state.TryTransition(StateAwake, StateRunning) {
		switch l.state.Load() {
		case StateTerminating, StateTerminated:
			return ErrLoopTerminated
		default:
			return ErrLoopAlreadyRunning
		}
	}
	l.runner.Store(int64(unix.Gettid()))
	return nil
}

// release gives up the loop, finishing a pending Close.
func (l *EventLoop) release() {
	// an Awake loop has no owner, clear it before anyone can acquire
	runner := l.runner.Swap(0)
	if l.state.TryTransition(StateRunning, StateAwake) {
		return
	}
	l.runner.Store(runner)
	l.teardown()
	l.runner.Store(0)
}

func (l *EventLoop) runAcquired(ctx context.Context, keepRunning func() bool) error {
	defer l.release()

	if ctx == nil {
		ctx = context.Background()
	}
	stop := context.AfterFunc(ctx, func() { _ = l.Notify() })
	defer stop()

	l.logger.Debug().
		Uint64("loop", l.id).
		Int("runner", l.RunnerID()).
		Log("reactor: loop running")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.state.Load() == StateTerminating {
			return nil
		}
		if keepRunning != nil && !keepRunning() {
			return nil
		}
		if !l.state.TryTransition(StateRunning, StateSleeping) {
			continue
		}
		events, err := l.poller.wait(-1)
		l.state.TryTransition(StateSleeping, StateRunning)
		if err != nil {
			l.logger.Err().
				Err(err).
				Uint64("loop", l.id).
				Log("reactor: wait failed")
			return err
		}
		l.dispatch(events)
	}
}

func (l *EventLoop) dispatch(events []unix.EpollEvent) {
	for i := range events {
		ev := &events[i]
		id := EntryID{index: uint32(ev.Fd), gen: uint32(ev.Pad)}
		e := l.entries.get(id)
		if e == nil || e.removing {
			// removed earlier in this batch
			continue
		}
		fired := epollToEvents(ev.Events)

		if e.internal {
			e.handler(Context{}, fired)
			continue
		}

		l.stats.dispatches.Inc()
		version := e.version
		if !l.invoke(e, id, fired) {
			_ = l.removeHandler(id)
			continue
		}

		if l.hangup == HangupRemove && fired&(EventHangup|EventError) != 0 &&
			l.entries.get(id) == e && !e.removing && e.version == version {
			l.logger.Debug().
				Uint64("loop", l.id).
				Stringer("entry", id).
				Stringer("events", fired).
				Log("reactor: removing hung up entry")
			_ = l.removeHandler(id)
		}
	}
}

// invoke runs the entry's handler, reporting false if it panicked.
func (l *EventLoop) invoke(e *entry, id EntryID, fired IOEvents) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			l.stats.panics.Inc()
			l.logger.Err().
				Err(PanicError{Value: r}).
				Uint64("loop", l.id).
				Stringer("entry", id).
				Stringer("events", fired).
				Log("reactor: handler panicked, removing entry")
		}
	}()
	e.handler(Context{loop: l, id: id, events: fired}, fired)
	return true
}

// safeCall runs fn, recovering and logging any panic.
func (l *EventLoop) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.stats.panics.Inc()
			l.logger.Err().
				Err(PanicError{Value: r}).
				Uint64("loop", l.id).
				Str("callback", kind).
				Log("reactor: callback panicked")
		}
	}()
	fn()
}

// closeDescriptor closes d, recovering a panic as a [PanicError].
func (l *EventLoop) closeDescriptor(d Descriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.stats.panics.Inc()
			err = PanicError{Value: r}
			l.logger.Err().
				Err(err).
				Uint64("loop", l.id).
				Str("callback", "close").
				Log("reactor: callback panicked")
		}
	}()
	return d.Close()
}

func (l *EventLoop) onInterrupt(Context, IOEvents) {
	if _, err := readCounter(l.wakeFD, &l.wakeBuf); err != nil {
		l.logger.Err().Err(err).Uint64("loop", l.id).Log("reactor: interrupt read failed")
	}
	l.stats.wakeups.Inc()
	l.wakePending.Store(false)
	l.drainTasks()
}

func (l *EventLoop) onExpire(Context, IOEvents) {
	n, err := readCounter(l.expireFD, &l.expireBuf)
	if err != nil {
		l.logger.Err().Err(err).Uint64("loop", l.id).Log("reactor: expire read failed")
		return
	}
	for ; n != 0; n-- {
		l.stats.ticks.Inc()
		l.wheel.Tick()
	}
}

// drainTasks runs every queued task, in submission order. Tasks queued while
// draining wait for the next wake-up.
func (l *EventLoop) drainTasks() {
	l.mu.Lock()
	tasks := l.pending
	l.pending, l.spare = l.spare, tasks
	l.mu.Unlock()

	for tasks.Length() != 0 {
		fn := tasks.Remove().(func())
		l.stats.tasks.Inc()
		l.safeCall("task", fn)
	}
}

// Execute runs fn on the loop thread: inline if the caller is the owner,
// otherwise by queueing it, see Enqueue.
func (l *EventLoop) Execute(fn func()) error {
	if fn == nil {
		return nil
	}
	if l.IsOwner() {
		l.stats.tasks.Inc()
		l.safeCall("task", fn)
		return nil
	}
	return l.Enqueue(fn)
}

// Enqueue queues fn to run on the loop thread, waking the loop. Functions
// queued from one goroutine run in the order they were queued. Functions
// queued before Run wait for it. Returns ErrLoopTerminated once the loop has
// started tearing down.
func (l *EventLoop) Enqueue(fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if !l.accepting {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.pending.Add(fn)
	l.mu.Unlock()

	if l.wakePending.CompareAndSwap(false, true) {
		if err := l.wake(); err != nil {
			// still queued, drained by the next wake-up or teardown
			l.wakePending.Store(false)
		}
	}
	return nil
}

// Notify wakes the loop unconditionally, e.g. after changing the state
// observed by a keepRunning predicate.
func (l *EventLoop) Notify() error {
	return l.wake()
}

func (l *EventLoop) wake() error {
	l.fdMu.RLock()
	defer l.fdMu.RUnlock()
	if l.fdClosed {
		return ErrLoopTerminated
	}
	return writeWakeFd(l.wakeFD)
}

func (l *EventLoop) isAccepting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accepting
}

// Assign registers d with the loop, calling h with the fired events whenever
// d is ready for any of events. The loop takes ownership of d, closing it
// once the entry is removed.
//
// Safe to call from any goroutine. On the loop thread the registration is
// immediate and any error is returned. Otherwise it is queued, and a failure
// to register is logged. In every failure case d is closed and the end
// callback (see [WithEnd]) runs once.
func (l *EventLoop) Assign(d Descriptor, events IOEvents, h Handler, opts ...EntryOption) error {
	cfg := resolveEntryOptions(opts)
	if d == nil {
		l.abandon(nil, cfg)
		return opError("assign", ErrNilDescriptor)
	}
	if h == nil {
		l.abandon(d, cfg)
		return opError("assign", ErrNilHandler)
	}

	if l.IsOwner() {
		_, err := l.assign(d, events, h, cfg)
		return err
	}

	err := l.Enqueue(func() {
		if _, err := l.assign(d, events, h, cfg); err != nil {
			l.logger.Err().
				Err(err).
				Uint64("loop", l.id).
				Int("fd", d.Fd()).
				Log("reactor: assign failed")
		}
	})
	if err != nil {
		l.abandon(d, cfg)
		return opError("assign", err)
	}
	return nil
}

func (l *EventLoop) assign(d Descriptor, events IOEvents, h Handler, cfg entryOptions) (EntryID, error) {
	if !l.isAccepting() {
		l.abandon(d, cfg)
		return EntryID{}, opError("assign", ErrLoopTerminated)
	}

	e := &entry{desc: d, fd: d.Fd(), handler: h, events: events}
	id := l.entries.insert(e)
	if err := l.poller.add(e.fd, events, id); err != nil {
		l.entries.release(id)
		l.abandon(d, cfg)
		return EntryID{}, opError("assign", err)
	}
	e.onEnd = cfg.onEnd
	e.expire = func() { l.expireEntry(id) }
	if cfg.timeout > 0 {
		e.timer = l.wheel.Add(cfg.timeout, e.expire)
	}

	if cfg.onRegistered != nil {
		l.safeCall("registered", func() { cfg.onRegistered(id) })
	}
	return id, nil
}

// abandon disposes of a descriptor that never became an entry.
func (l *EventLoop) abandon(d Descriptor, cfg entryOptions) {
	if d != nil {
		if err := l.closeDescriptor(d); err != nil {
			l.logger.Debug().Err(err).Uint64("loop", l.id).Log("reactor: close failed")
		}
	}
	if cfg.onEnd != nil {
		l.safeCall("end", cfg.onEnd)
	}
}

// Upgrade replaces the handler and interest set of an entry, keeping its
// descriptor and ID. Any pending timeout is cancelled, and replaced if
// [WithTimeout] is given. [WithEnd] replaces the end callback, otherwise the
// existing one is kept. Owner only.
func (l *EventLoop) Upgrade(id EntryID, events IOEvents, h Handler, opts ...EntryOption) error {
	if err := l.checkOwner("upgrade"); err != nil {
		return err
	}
	if h == nil {
		return opError("upgrade", ErrNilHandler)
	}
	e, err := l.userEntry("upgrade", id)
	if err != nil {
		return err
	}
	cfg := resolveEntryOptions(opts)

	if events != e.events {
		if err := l.poller.modify(e.fd, events, id); err != nil {
			return opError("upgrade", err)
		}
		e.events = events
	}
	e.handler = h
	e.version++
	if cfg.hasEnd {
		e.onEnd = cfg.onEnd
	}
	if !e.timer.IsZero() {
		l.wheel.Remove(e.timer)
		e.timer = timerwheel.Handle{}
	}
	if cfg.timeout > 0 {
		e.timer = l.wheel.Add(cfg.timeout, e.expire)
	}

	if cfg.onRegistered != nil {
		l.safeCall("registered", func() { cfg.onRegistered(id) })
	}
	return nil
}

// userEntry returns the live, non-internal entry for id.
func (l *EventLoop) userEntry(op string, id EntryID) (*entry, error) {
	e := l.entries.get(id)
	if e == nil || e.removing {
		return nil, opError(op, ErrEntryNotFound)
	}
	if e.internal {
		return nil, opError(op, ErrInternalEntry)
	}
	return e, nil
}

// ListenFor changes the interest set of an entry. Owner only.
func (l *EventLoop) ListenFor(id EntryID, events IOEvents) error {
	if err := l.checkOwner("listen for"); err != nil {
		return err
	}
	e, err := l.userEntry("listen for", id)
	if err != nil {
		return err
	}
	if events == e.events {
		return nil
	}
	if err := l.poller.modify(e.fd, events, id); err != nil {
		return opError("listen for", err)
	}
	e.events = events
	return nil
}

// SetTimeout (re)arms the timeout of an entry, removing it after d unless
// pushed back again. Owner only.
func (l *EventLoop) SetTimeout(id EntryID, d time.Duration) error {
	if err := l.checkOwner("set timeout"); err != nil {
		return err
	}
	e, err := l.userEntry("set timeout", id)
	if err != nil {
		return err
	}
	if !e.timer.IsZero() {
		l.wheel.Remove(e.timer)
	}
	e.timer = l.wheel.Add(d, e.expire)
	return nil
}

// Schedule runs fn on the loop thread after d, rounded up to whole ticks.
// Owner only.
func (l *EventLoop) Schedule(d time.Duration, fn func()) (timerwheel.Handle, error) {
	if err := l.checkOwner("schedule"); err != nil {
		return timerwheel.Handle{}, err
	}
	if fn == nil {
		return timerwheel.Handle{}, opError("schedule", ErrNilHandler)
	}
	return l.wheel.Add(d, func() { l.safeCall("timer", fn) }), nil
}

// Reschedule moves a pending timer to fire after d, returning its new
// handle, or the zero handle if it already fired or was cancelled. Owner only.
func (l *EventLoop) Reschedule(h timerwheel.Handle, d time.Duration) (timerwheel.Handle, error) {
	if err := l.checkOwner("reschedule"); err != nil {
		return timerwheel.Handle{}, err
	}
	return l.wheel.Reschedule(h, d), nil
}

// Cancel stops a timer, reporting whether it was still pending. Owner only.
func (l *EventLoop) Cancel(h timerwheel.Handle) (bool, error) {
	if err := l.checkOwner("cancel"); err != nil {
		return false, err
	}
	return l.wheel.Remove(h), nil
}

// RemoveTimer cancels the timeout of an entry, if any. Owner only.
func (l *EventLoop) RemoveTimer(id EntryID) error {
	if err := l.checkOwner("remove timer"); err != nil {
		return err
	}
	e, err := l.userEntry("remove timer", id)
	if err != nil {
		return err
	}
	if !e.timer.IsZero() {
		l.wheel.Remove(e.timer)
		e.timer = timerwheel.Handle{}
	}
	return nil
}

// RemoveHandler removes an entry: the end callback runs, the descriptor is
// unregistered and closed, and the ID becomes stale. Any pending timeout is
// cancelled along the way. Owner only.
func (l *EventLoop) RemoveHandler(id EntryID) error {
	if err := l.checkOwner("remove handler"); err != nil {
		return err
	}
	if _, err := l.userEntry("remove handler", id); err != nil {
		return err
	}
	return l.removeHandler(id)
}

// Remove removes the timeout of an entry, then the entry itself. Owner only.
func (l *EventLoop) Remove(id EntryID) error {
	if err := l.RemoveTimer(id); err != nil {
		return err
	}
	return l.removeHandler(id)
}

func (l *EventLoop) removeHandler(id EntryID) error {
	e := l.entries.get(id)
	if e == nil || e.removing {
		return opError("remove", ErrEntryNotFound)
	}
	e.removing = true

	if !e.timer.IsZero() {
		l.wheel.Remove(e.timer)
		e.timer = timerwheel.Handle{}
	}
	if end := e.onEnd; end != nil {
		e.onEnd = nil
		l.safeCall("end", end)
	}

	if err := l.poller.remove(e.fd); err != nil {
		l.logger.Debug().Err(err).Uint64("loop", l.id).Int("fd", e.fd).Log("reactor: unregister failed")
	}
	l.entries.release(id)

	if err := l.closeDescriptor(e.desc); err != nil {
		return opError("close", err)
	}
	return nil
}

// expireEntry is the wheel callback of an entry timeout. The wheel drops the
// fired node itself, so only the handler side is removed.
func (l *EventLoop) expireEntry(id EntryID) {
	e := l.entries.get(id)
	if e == nil || e.removing {
		return
	}
	e.timer = timerwheel.Handle{}
	l.stats.timeouts.Inc()
	l.logger.Debug().Uint64("loop", l.id).Stringer("entry", id).Log("reactor: entry timed out")
	_ = l.removeHandler(id)
}

// Close shuts the loop down, removing every entry (each end callback runs
// once) and closing the loop's own descriptors. Tasks still queued are run
// first.
//
// If the loop is not running, teardown happens on the caller. From the loop
// thread, teardown is deferred until Run returns, which it does before the
// next wait. From any other goroutine, Close blocks until the running loop
// has torn down.
func (l *EventLoop) Close() error {
	for {
		state := l.state.Load()
		if state == StateTerminating || state == StateTerminated {
			return ErrLoopTerminated
		}
		if !l.state.TryTransition(state, StateTerminating) {
			continue
		}
		if state == StateAwake {
			l.teardown()
			return nil
		}
		if l.IsOwner() {
			return nil
		}
		_ = l.Notify()
		<-l.done
		return nil
	}
}

// Done is closed once the loop has been torn down.
func (l *EventLoop) Done() <-chan struct{} { return l.done }

func (l *EventLoop) teardown() {
	l.mu.Lock()
	l.accepting = false
	l.mu.Unlock()

	l.drainTasks()

	var errs []error
	for ids := l.entries.ids(false); len(ids) != 0; ids = l.entries.ids(false) {
		for _, id := range ids {
			if err := l.removeHandler(id); err != nil && !errors.Is(err, ErrEntryNotFound) {
				errs = append(errs, err)
			}
		}
	}
	for _, id := range l.entries.ids(true) {
		l.entries.release(id)
	}

	l.fdMu.Lock()
	l.fdClosed = true
	errs = append(errs, l.poller.close(), unix.Close(l.wakeFD), unix.Close(l.expireFD))
	l.fdMu.Unlock()

	if err := errors.Join(errs...); err != nil {
		l.logger.Warning().Err(err).Uint64("loop", l.id).Log("reactor: teardown errors")
	}
	l.logger.Debug().Uint64("loop", l.id).Log("reactor: loop terminated")

	l.state.Store(StateTerminated)
	close(l.done)
}
