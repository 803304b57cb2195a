//go:build linux

package tcpserver

import (
	"errors"
	"net"

	"github.com/joeycumines/go-reactor/reactor"
	"golang.org/x/sys/unix"
)

// ErrConnClosed is returned by Conn methods once the connection is closed.
var ErrConnClosed = errors.New("tcpserver: connection closed")

const (
	readInterest  = reactor.EventRead | reactor.EventHangup
	writeInterest = readInterest | reactor.EventWrite
)

// Conn is an accepted connection. Its methods must be called on its loop,
// i.e. from the server callbacks or via [reactor.EventLoop.Execute].
type Conn struct {
	// Data is free for use by the server callbacks, e.g. handshake state.
	Data any

	server *Server
	loop   *reactor.EventLoop
	remote net.Addr
	out    []byte
	id     reactor.EntryID
	fd     int
	closed bool
}

// ID returns the connection's entry on its loop.
func (c *Conn) ID() reactor.EntryID { return c.id }

// Loop returns the loop owning the connection.
func (c *Conn) Loop() *reactor.EventLoop { return c.loop }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// Buffered returns the number of bytes waiting to be written.
func (c *Conn) Buffered() int { return len(c.out) }

// Write writes p, buffering whatever the socket does not accept right away.
// Buffered data is flushed as the socket becomes writable, in order.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrConnClosed
	}
	if len(c.out) != 0 {
		c.out = append(c.out, p...)
		return len(p), nil
	}

	n, err := c.write(p)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		c.out = append(c.out, p[n:]...)
		if err := c.loop.ListenFor(c.id, writeInterest); err != nil {
			return n, err
		}
	}
	return len(p), nil
}

// Close closes the connection, discarding any buffered data.
func (c *Conn) Close() error {
	if c.closed {
		return ErrConnClosed
	}
	return c.loop.Remove(c.id)
}

// write writes as much of p as the socket takes without blocking.
func (c *Conn) write(p []byte) (int, error) {
	var total int
	for total < len(p) {
		n, err := unix.Write(c.fd, p[total:])
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return total, nil
			case unix.EINTR:
				continue
			}
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *Conn) flush(ctx reactor.Context) {
	n, err := c.write(c.out)
	if err != nil {
		c.server.logger.Debug().Err(err).Any("remote", c.remote).Log("tcpserver: write failed")
		_ = ctx.Remove()
		return
	}
	rest := copy(c.out, c.out[n:])
	c.out = c.out[:rest]
	if rest == 0 {
		if err := ctx.ListenFor(readInterest); err != nil {
			c.server.logger.Debug().Err(err).Log("tcpserver: listen for read")
		}
	}
}

func (c *Conn) onRegistered(id reactor.EntryID) {
	c.id = id
	if fn := c.server.cfg.onOpen; fn != nil {
		fn(c)
	}
}

func (c *Conn) onEnd() {
	c.closed = true
	c.out = nil
	c.server.conns.Dec()
	if fn := c.server.cfg.onClose; fn != nil {
		fn(c)
	}
}

func (c *Conn) onReadable(ctx reactor.Context, events reactor.IOEvents) {
	if events&reactor.EventWrite != 0 {
		c.flush(ctx)
		if c.closed {
			return
		}
	}
	if events&^reactor.EventWrite == 0 {
		return
	}
	if c.read(ctx, c.server.onData) && c.server.cfg.idleTimeout > 0 {
		if err := ctx.SetTimeout(c.server.cfg.idleTimeout); err != nil {
			c.server.logger.Debug().Err(err).Log("tcpserver: set idle timeout")
		}
	}
}

func (c *Conn) onHandshake(ctx reactor.Context, events reactor.IOEvents) {
	if events&reactor.EventWrite != 0 {
		c.flush(ctx)
		if c.closed {
			return
		}
	}
	var rest []byte
	done := false
	c.read(ctx, func(c *Conn, data []byte) {
		if done {
			rest = append(rest, data...)
			return
		}
		n, ok, err := c.server.cfg.handshake(c, data)
		if err != nil {
			c.server.logger.Debug().Err(err).Any("remote", c.remote).Log("tcpserver: handshake failed")
			_ = c.Close()
			return
		}
		if ok {
			done = true
			rest = append(rest, data[n:]...)
		}
	})
	if !done || c.closed {
		return
	}

	var opts []reactor.EntryOption
	if c.server.cfg.idleTimeout > 0 {
		opts = append(opts, reactor.WithTimeout(c.server.cfg.idleTimeout))
	}
	interest := readInterest
	if len(c.out) != 0 {
		interest = writeInterest
	}
	if err := ctx.Upgrade(interest, c.onReadable, opts...); err != nil {
		c.server.logger.Err().Err(err).Log("tcpserver: upgrade after handshake")
		_ = ctx.Remove()
		return
	}
	if len(rest) != 0 {
		c.server.onData(c, rest)
	}
}

// read delivers available data to fn, removing the entry on end of stream or
// error. Reports whether any data was read with the connection still open.
func (c *Conn) read(ctx reactor.Context, fn DataFunc) bool {
	bufp := c.server.getBuffer()
	defer c.server.putBuffer(bufp)
	buf := *bufp

	var got bool
	for i := 0; i < maxReadsPerEvent && !c.closed; i++ {
		n, err := unix.Read(c.fd, buf)
		switch {
		case n > 0:
			got = true
			fn(c, buf[:n])
			continue
		case err == unix.EAGAIN:
			return got && !c.closed
		case err == unix.EINTR:
			continue
		case err != nil:
			c.server.logger.Debug().Err(err).Any("remote", c.remote).Log("tcpserver: read failed")
		}
		// end of stream, or a read error
		_ = ctx.Remove()
		return false
	}
	return got && !c.closed
}
