// Package reactor provides a per-thread, single-owner I/O reactor and a fixed
// pool of such reactors forming a sharded server runtime.
//
// # Architecture
//
// An [EventLoop] owns an epoll instance, a [timerwheel.Wheel] and a slot map
// of registered entries. Each entry binds a [Descriptor] to a [Handler], an
// optional end callback and an optional timeout. Two internal entries are
// always present: an eventfd used to interrupt the blocking wait and drain
// the cross-thread task queue, and a timerfd whose periodic expiry ticks the
// wheel.
//
// A [ThreadPool] owns workers+1 loops. Worker loops each get a goroutine
// locked to its own OS thread; the last loop is reserved for the goroutine
// that joins the pool via [ThreadPool.GetInPool].
//
// # Thread Safety
//
// All entry state, the wheel and the epoll registrations are mutated only by
// the goroutine running the loop:
//   - [EventLoop.Assign], [EventLoop.Execute], [EventLoop.Enqueue] and
//     [EventLoop.Notify] are safe to call from any goroutine
//   - everything else ([EventLoop.Schedule], [EventLoop.Remove],
//     [EventLoop.Upgrade], ...) fails with [ErrNotOwner] when called from any
//     other goroutine
//   - a [Context] is only valid for the duration of the callback it was
//     passed to
//
// # Hang-up policy
//
// Readiness callbacks always receive the full fired set, including
// [EventHangup] and [EventError]. Once the callback returns, the loop removes
// the entry if either flag was set, unless configured otherwise with
// [WithHangupPolicy]. Protocol handlers therefore never need to duplicate
// the removal themselves.
//
// # Usage
//
//	pool, err := reactor.NewThreadPool(4, reactor.WithTickInterval(10*time.Millisecond))
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	if err := pool.Run(ctx, nil); err != nil {
//	    return err
//	}
//	defer pool.Stop()
//
//	err = pool.Assign(reactor.FD(fd), reactor.EventRead, func(c reactor.Context, ev reactor.IOEvents) {
//	    // read from fd, c.SetTimeout to extend the idle timeout, c.Remove when done
//	}, reactor.WithTimeout(30*time.Second))
package reactor
