//go:build linux

package reactor

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/joeycumines/logiface"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// ThreadPool is a fixed set of event loops forming a sharded server runtime.
// It holds workers+1 loops: the first workers are run by the pool's own
// goroutines, the last is reserved for a caller joining the pool with
// [ThreadPool.GetInPool].
type ThreadPool struct {
	logger  *logiface.Logger[logiface.Event]
	loops   []*EventLoop
	group   *errgroup.Group
	workers int

	next     atomic.Uint64
	running  atomic.Bool
	stopping atomic.Bool
	joined   atomic.Bool

	mu sync.Mutex
}

// NewThreadPool creates workers+1 loops, each configured with opts.
func NewThreadPool(workers int, opts ...LoopOption) (*ThreadPool, error) {
	if workers < 0 {
		return nil, ErrInvalidWorkers
	}
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	p := &ThreadPool{
		logger:  cfg.logger,
		loops:   make([]*EventLoop, 0, workers+1),
		workers: workers,
	}
	for i := 0; i <= workers; i++ {
		l, err := New(opts...)
		if err != nil {
			for _, l := range p.loops {
				_ = l.Close()
			}
			return nil, err
		}
		p.loops = append(p.loops, l)
	}
	return p, nil
}

func (p *ThreadPool) keepRunning(keepRunning func() bool) func() bool {
	return func() bool {
		return !p.stopping.Load() && (keepRunning == nil || keepRunning())
	}
}

// Run starts one goroutine per worker loop, returning once every worker
// has locked its thread and recorded its runner id, so [EventLoop.RunnerID]
// and owner checks are valid for all of them. Run does not block for the
// lifetime of the workers, see Stop.
//
// Workers exit when ctx is done, keepRunning (if non-nil) returns false, or
// the pool is stopped.
func (p *ThreadPool) Run(ctx context.Context, keepRunning func() bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running.CAS(false, true) {
		return ErrPoolRunning
	}
	p.stopping.Store(false)

	keep := p.keepRunning(keepRunning)
	gate := make(chan struct{})
	errs := make([]error, p.workers)
	var ready sync.WaitGroup
	p.group = new(errgroup.Group)
	for i, l := range p.loops[:p.workers] {
		i, l := i, l
		ready.Add(1)
		p.group.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			err := l.acquire()
			errs[i] = err
			ready.Done()
			if err != nil {
				return err
			}
			<-gate
			return l.runAcquired(ctx, keep)
		})
	}
	ready.Wait()

	if err := errors.Join(errs...); err != nil {
		p.stopping.Store(true)
		close(gate)
		_ = p.group.Wait()
		p.running.Store(false)
		return err
	}
	close(gate)

	p.logger.Info().
		Int("workers", p.workers).
		Log("reactor: pool running")
	return nil
}

// GetInPool runs the reserved loop on the calling goroutine, until ctx is
// done, keepRunning (if non-nil) returns false, or the pool is stopped.
// While it runs, [ThreadPool.Len] counts the reserved loop.
func (p *ThreadPool) GetInPool(ctx context.Context, keepRunning func() bool) error {
	if !p.joined.CAS(false, true) {
		return ErrPoolJoined
	}
	defer p.joined.Store(false)
	return p.loops[p.workers].Run(ctx, p.keepRunning(keepRunning))
}

// Stop stops the worker loops, waiting for their goroutines to exit. A
// goroutine in GetInPool returns too, although Stop does not wait for it.
// Must not be called from a worker loop.
func (p *ThreadPool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running.Load() {
		return ErrPoolNotRunning
	}
	p.stopping.Store(true)
	for _, l := range p.loops {
		_ = l.Notify()
	}
	err := p.group.Wait()
	p.running.Store(false)
	p.logger.Info().Log("reactor: pool stopped")
	return err
}

// Close stops the pool if running, then closes every loop.
func (p *ThreadPool) Close() error {
	var errs []error
	if err := p.Stop(); err != nil && !errors.Is(err, ErrPoolNotRunning) && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	for _, l := range p.loops {
		if err := l.Close(); err != nil && !errors.Is(err, ErrLoopTerminated) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// At returns loop i, 0 <= i <= Workers(). The last loop is the reserved one.
func (p *ThreadPool) At(i int) *EventLoop { return p.loops[i] }

// Size returns the number of loops, including the reserved one.
func (p *ThreadPool) Size() int { return len(p.loops) }

// Workers returns the number of loops run by the pool itself.
func (p *ThreadPool) Workers() int { return p.workers }

// Len returns the number of active loops: the workers, plus the reserved
// loop while a goroutine is in GetInPool.
func (p *ThreadPool) Len() int {
	if p.joined.Load() {
		return p.workers + 1
	}
	return p.workers
}

// Next picks the next active loop, round-robin. With no workers and nobody
// joined it returns the reserved loop, whose queue waits for GetInPool.
func (p *ThreadPool) Next() *EventLoop {
	n := p.Len()
	if n == 0 {
		return p.loops[p.workers]
	}
	return p.loops[(p.next.Inc()-1)%uint64(n)]
}

// Assign registers d on the next loop, see [EventLoop.Assign].
func (p *ThreadPool) Assign(d Descriptor, events IOEvents, h Handler, opts ...EntryOption) error {
	return p.Next().Assign(d, events, h, opts...)
}

// InitStorages sets the storage of every loop to fn's result. Must be called
// before Run.
func (p *ThreadPool) InitStorages(fn func(i int, l *EventLoop) any) error {
	if p.running.Load() || p.joined.Load() {
		return ErrPoolRunning
	}
	for i, l := range p.loops {
		l.SetStorage(fn(i, l))
	}
	return nil
}
