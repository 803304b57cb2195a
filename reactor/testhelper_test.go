//go:build linux

package reactor

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testTimeout = 5 * time.Second

// newTestLoop creates a loop that is closed when the test ends.
func newTestLoop(t *testing.T, opts ...LoopOption) *EventLoop {
	t.Helper()
	l, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// runLoop runs l on a new goroutine, returning once it has an owner. The
// returned func stops the loop and returns Run's result.
func runLoop(t *testing.T, l *EventLoop) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx, nil) }()
	require.Eventually(t, func() bool { return l.RunnerID() != 0 }, testTimeout, time.Millisecond)

	var (
		once sync.Once
		err  error
	)
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-errCh:
			case <-time.After(testTimeout):
				t.Error("timed out waiting for Run to return")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// onLoop runs fn on the loop thread and waits for it. Use assert, not
// require, inside fn.
func onLoop(t *testing.T, l *EventLoop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, l.Execute(func() {
		defer close(done)
		fn()
	}))
	waitFor(t, done)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatal("timed out")
	}
}

// testPipe creates a nonblocking pipe. The read end is meant to be handed to
// a loop, the write end is closed at the latest when the test ends.
func testPipe(t *testing.T) (r FD, w int, closeW func()) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	closeW = sync.OnceFunc(func() { _ = unix.Close(fds[1]) })
	t.Cleanup(closeW)
	return FD(fds[0]), fds[1], closeW
}

func writeByte(t *testing.T, fd int) {
	t.Helper()
	n, err := unix.Write(fd, []byte{'x'})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

// drain reads everything currently buffered on fd.
func drain(fd int) (n int) {
	var buf [256]byte
	for {
		m, err := unix.Read(fd, buf[:])
		if m <= 0 || err != nil {
			return n
		}
		n += m
	}
}

// trackedFD counts Close calls.
type trackedFD struct {
	FD
	closes *atomic.Int32
}

func (x trackedFD) Close() error {
	x.closes.Add(1)
	return x.FD.Close()
}

// counter returns a func incrementing the returned count, for end callbacks.
func counter() (*atomic.Int32, func()) {
	var n atomic.Int32
	return &n, func() { n.Add(1) }
}

// createTempFD returns a regular file descriptor, which epoll refuses.
func createTempFD(t *testing.T) (FD, error) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "fd")
	if err != nil {
		return -1, err
	}
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	return FD(fd), err
}
