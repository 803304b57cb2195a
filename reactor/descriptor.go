//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

// Descriptor is a pollable resource handed over to an [EventLoop]. The loop
// takes ownership on [EventLoop.Assign] and closes it once the entry is
// removed.
type Descriptor interface {
	Fd() int
	Close() error
}

// FD adapts a raw file descriptor to [Descriptor].
type FD int

// Fd returns the descriptor number.
func (x FD) Fd() int { return int(x) }

// Close closes the descriptor.
func (x FD) Close() error { return unix.Close(int(x)) }
