//go:build linux

package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/joeycumines/go-reactor/reactor"
	"github.com/joeycumines/logiface"
	"github.com/wuyongjia/pool"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

var (
	// ErrListening is returned by Listen on a server that already listens.
	ErrListening = errors.New("tcpserver: already listening")
	// ErrNotListening is returned by Close on a server that never listened.
	ErrNotListening = errors.New("tcpserver: not listening")
)

// DataFunc receives data read from a connection. The slice is only valid for
// the duration of the call.
type DataFunc func(c *Conn, data []byte)

// Server accepts TCP connections onto a [reactor.ThreadPool].
type Server struct {
	logger  *logiface.Logger[logiface.Event]
	pool    *reactor.ThreadPool
	loop    *reactor.EventLoop
	buffers *pool.Pool
	onData  DataFunc
	addr    net.Addr
	cfg     config

	listener reactor.EntryID
	mu       sync.Mutex

	conns    atomic.Int64
	accepted atomic.Uint64
}

// New creates a server delivering connection data to onData.
func New(p *reactor.ThreadPool, onData DataFunc, opts ...Option) (*Server, error) {
	if p == nil || onData == nil {
		return nil, errors.New("tcpserver: nil pool or data func")
	}
	cfg := config{
		readBufferSize: defaultReadBufferSize,
		acceptLoop:     -1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	i := cfg.acceptLoop
	if i < 0 {
		i += p.Size()
	}
	if i < 0 || i >= p.Size() {
		return nil, fmt.Errorf("tcpserver: accept loop %d out of range", cfg.acceptLoop)
	}

	size := cfg.readBufferSize
	return &Server{
		logger: cfg.logger,
		pool:   p,
		loop:   p.At(i),
		onData: onData,
		cfg:    cfg,
		buffers: pool.New(4*p.Size(), func() interface{} {
			buf := make([]byte, size)
			return &buf
		}),
	}, nil
}

// Listen binds addr and starts accepting once the accept loop runs.
func (s *Server) Listen(addr string) error {
	s.mu.Lock()
	if s.addr != nil {
		s.mu.Unlock()
		return ErrListening
	}
	fd, bound, err := listenTCP(addr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.addr = bound
	s.mu.Unlock()

	// may register inline, when called on the accept loop, so not under mu
	if err := s.loop.Assign(reactor.FD(fd), reactor.EventRead, s.onAccept, reactor.WithRegistered(func(id reactor.EntryID) {
		s.mu.Lock()
		s.listener = id
		s.mu.Unlock()
	})); err != nil {
		s.mu.Lock()
		s.addr = nil
		s.mu.Unlock()
		return err
	}

	s.logger.Info().
		Str("addr", bound.String()).
		Uint64("loop", s.loop.ID()).
		Log("tcpserver: listening")
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Conns returns the number of open connections.
func (s *Server) Conns() int { return int(s.conns.Load()) }

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() uint64 { return s.accepted.Load() }

// Close stops accepting, closing the listening socket on its loop. Open
// connections are left alone, they go away with their loops.
func (s *Server) Close() error {
	s.mu.Lock()
	listening := s.addr != nil
	s.mu.Unlock()
	if !listening {
		return ErrNotListening
	}
	return s.loop.Execute(func() {
		s.mu.Lock()
		id := s.listener
		s.listener = reactor.EntryID{}
		s.mu.Unlock()
		if id.IsZero() {
			return
		}
		if err := s.loop.Remove(id); err != nil {
			s.logger.Warning().Err(err).Log("tcpserver: closing listener")
		}
	})
}

func (s *Server) onAccept(ctx reactor.Context, _ reactor.IOEvents) {
	lfd := ctx.Descriptor().Fd()
	for {
		nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EINTR:
				return
			case unix.ECONNABORTED:
				continue
			}
			s.logger.Err().Err(err).Log("tcpserver: accept failed")
			return
		}
		if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			s.logger.Debug().Err(err).Log("tcpserver: set nodelay")
		}
		s.accept(nfd, sockaddrToTCPAddr(sa))
	}
}

func (s *Server) accept(fd int, remote net.Addr) {
	loop := s.pool.Next()
	c := &Conn{server: s, loop: loop, fd: fd, remote: remote}
	s.conns.Inc()
	s.accepted.Inc()

	opts := []reactor.EntryOption{
		reactor.WithEnd(c.onEnd),
		reactor.WithRegistered(c.onRegistered),
	}
	handler := c.onReadable
	timeout := s.cfg.idleTimeout
	if s.cfg.handshake != nil {
		handler = c.onHandshake
		timeout = s.cfg.handshakeTimeout
	}
	if timeout > 0 {
		opts = append(opts, reactor.WithTimeout(timeout))
	}

	if err := loop.Assign(reactor.FD(fd), reactor.EventRead|reactor.EventHangup, handler, opts...); err != nil {
		s.logger.Err().
			Err(err).
			Any("remote", remote).
			Log("tcpserver: registering connection")
	}
}

func (s *Server) getBuffer() *[]byte {
	if v, err := s.buffers.Get(); err == nil {
		if buf, ok := v.(*[]byte); ok {
			return buf
		}
	}
	buf := make([]byte, s.cfg.readBufferSize)
	return &buf
}

func (s *Server) putBuffer(buf *[]byte) {
	s.buffers.Put(buf)
}

// listenTCP creates a nonblocking listening socket bound to addr.
func listenTCP(addr string) (int, net.Addr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, err
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, fmt.Errorf("tcpserver: socket: %w", err)
	}
	fail := func(op string, err error) (int, net.Addr, error) {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("tcpserver: %s: %w", op, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail("listen", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	return fd, sockaddrToTCPAddr(bound), nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]), Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	}
	return nil
}
