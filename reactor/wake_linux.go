//go:build linux

package reactor

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// createWakeFd creates the eventfd backing the interrupt source.
func createWakeFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, opError("eventfd", err)
	}
	return fd, nil
}

// createExpireFd creates the timerfd backing the expire source, firing every
// interval starting one interval from now.
func createExpireFd(interval time.Duration) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return -1, opError("timerfd create", err)
	}
	ts := unix.NsecToTimespec(interval.Nanoseconds())
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		_ = unix.Close(fd)
		return -1, opError("timerfd settime", err)
	}
	return fd, nil
}

// writeWakeFd increments the eventfd counter. EAGAIN means the counter is
// saturated, which is still a pending wake-up.
func writeWakeFd(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(fd, buf[:]); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// readCounter reads the 8 byte counter of an eventfd or timerfd, returning 0
// if nothing is pending.
func readCounter(fd int, buf *[8]byte) (uint64, error) {
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n != len(buf) {
		return 0, nil
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}
