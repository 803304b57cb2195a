//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

// poller is the readiness multiplexer, a thin epoll wrapper.
//
// Each registration carries the owning entry's slot index and generation in
// the epoll user data (the Fd and Pad fields), so events map straight back to
// entries and a stale event can be told apart from one for a reused slot.
type poller struct {
	events []unix.EpollEvent
	epfd   int
}

func newPoller(maxEvents int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, opError("epoll create", err)
	}
	return &poller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (p *poller) add(fd int, events IOEvents, id EntryID) error {
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(id.index), Pad: int32(id.gen)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return opError("epoll add", err)
	}
	return nil
}

func (p *poller) modify(fd int, events IOEvents, id EntryID) error {
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(id.index), Pad: int32(id.gen)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return opError("epoll modify", err)
	}
	return nil
}

func (p *poller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return opError("epoll remove", err)
	}
	return nil
}

// wait blocks for up to timeoutMs (-1 for no limit), returning the ready
// events. The slice is reused by the next call. An interrupted wait returns
// no events and no error.
func (p *poller) wait(timeoutMs int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, opError("epoll wait", err)
	}
	return p.events[:n], nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	if events&EventUrgent != 0 {
		epollEvents |= unix.EPOLLPRI
	}
	if events&EventHangup != 0 {
		epollEvents |= unix.EPOLLRDHUP
	}
	if events&EventEdgeTriggered != 0 {
		epollEvents |= unix.EPOLLET
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLPRI != 0 {
		events |= EventUrgent
	}
	if epollEvents&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventHangup
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	return events
}
