package tcpserver

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	defaultReadBufferSize   = 16 << 10
	defaultHandshakeTimeout = 10 * time.Second
	maxReadsPerEvent        = 16
)

// HandshakeFunc consumes data read before the connection is established,
// returning how many bytes it consumed and whether the handshake is done.
// Bytes left over once done are delivered to the data callback. An error
// closes the connection.
type HandshakeFunc func(c *Conn, data []byte) (n int, done bool, err error)

type config struct {
	logger           *logiface.Logger[logiface.Event]
	handshake        HandshakeFunc
	onOpen           func(c *Conn)
	onClose          func(c *Conn)
	idleTimeout      time.Duration
	handshakeTimeout time.Duration
	readBufferSize   int
	acceptLoop       int
}

// Option configures a [Server].
type Option func(*config) error

// WithLogger sets the logger used for accept and connection errors.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *config) error {
		c.logger = logger
		return nil
	}
}

// WithIdleTimeout closes connections that have not received data for d.
// Zero, the default, disables idle timeouts.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return errors.New("tcpserver: negative idle timeout")
		}
		c.idleTimeout = d
		return nil
	}
}

// WithHandshake enables a handshake phase, which must complete within
// timeout (10s if zero).
func WithHandshake(fn HandshakeFunc, timeout time.Duration) Option {
	return func(c *config) error {
		if fn == nil {
			return errors.New("tcpserver: nil handshake func")
		}
		if timeout <= 0 {
			timeout = defaultHandshakeTimeout
		}
		c.handshake = fn
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithReadBufferSize sets the size of the pooled read buffers, 16KiB by
// default.
func WithReadBufferSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return errors.New("tcpserver: read buffer size must be positive")
		}
		c.readBufferSize = n
		return nil
	}
}

// WithOnOpen sets a callback run on the connection's loop once it is
// registered.
func WithOnOpen(fn func(c *Conn)) Option {
	return func(c *config) error {
		c.onOpen = fn
		return nil
	}
}

// WithOnClose sets a callback run exactly once per accepted connection, when
// it is closed for any reason.
func WithOnClose(fn func(c *Conn)) Option {
	return func(c *config) error {
		c.onClose = fn
		return nil
	}
}

// WithAcceptLoop selects the pool loop the listener is registered on, by
// index. Negative values count from the end, the default -1 being the
// reserved loop.
func WithAcceptLoop(i int) Option {
	return func(c *config) error {
		c.acceptLoop = i
		return nil
	}
}
