//go:build linux

// Command reactor-echo is a TCP echo server running on a reactor thread pool.
//
// The main goroutine joins the pool, running the loop that accepts
// connections; the workers carry the connections. SIGINT or SIGTERM shuts it
// down.
//
// Usage:
//
//	reactor-echo -addr 127.0.0.1:7000 -workers 4 -idle 30s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joeycumines/go-reactor/reactor"
	"github.com/joeycumines/go-reactor/tcpserver"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

type config struct {
	addr     string
	greeting string
	level    string
	workers  int
	tick     time.Duration
	idle     time.Duration
}

func main() {
	var cfg config
	flag.StringVar(&cfg.addr, "addr", "127.0.0.1:7000", "listen address")
	flag.IntVar(&cfg.workers, "workers", runtime.GOMAXPROCS(0)-1, "worker loops, besides the accepting one")
	flag.DurationVar(&cfg.tick, "tick", 10*time.Millisecond, "timing wheel tick")
	flag.DurationVar(&cfg.idle, "idle", 30*time.Second, "idle connection timeout, 0 to disable")
	flag.StringVar(&cfg.greeting, "greeting", "", "if set, clients must send this line before being echoed")
	flag.StringVar(&cfg.level, "log-level", "info", "log level: trace, debug, info, warning, err")
	flag.Parse()

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	level, err := parseLevel(cfg.level)
	if err != nil {
		return err
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	if cfg.workers < 0 {
		cfg.workers = 0
	}
	pool, err := reactor.NewThreadPool(cfg.workers,
		reactor.WithLogger(logger),
		reactor.WithTickInterval(cfg.tick),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Err().Err(err).Log("closing pool")
		}
	}()

	opts := []tcpserver.Option{
		tcpserver.WithLogger(logger),
		tcpserver.WithIdleTimeout(cfg.idle),
		tcpserver.WithOnClose(func(c *tcpserver.Conn) {
			logger.Debug().Any("remote", c.RemoteAddr()).Log("connection closed")
		}),
	}
	if cfg.greeting != "" {
		opts = append(opts, tcpserver.WithHandshake(greetingHandshake(cfg.greeting+"\n"), 0))
	}
	server, err := tcpserver.New(pool, func(c *tcpserver.Conn, data []byte) {
		if _, err := c.Write(data); err != nil {
			_ = c.Close()
		}
	}, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pool.Run(ctx, nil); err != nil {
		return err
	}
	if err := server.Listen(cfg.addr); err != nil {
		return err
	}

	err = pool.GetInPool(ctx, nil)
	logger.Info().
		Uint64("accepted", server.Accepted()).
		Int("open", server.Conns()).
		Log("shutting down")
	_ = server.Close()
	if err := pool.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// greetingHandshake accepts connections whose first line is greeting,
// replying with the same line. Anything else closes the connection.
func greetingHandshake(greeting string) tcpserver.HandshakeFunc {
	return func(c *tcpserver.Conn, data []byte) (int, bool, error) {
		matched, _ := c.Data.(int)
		want := greeting[matched:]
		n := min(len(data), len(want))
		if string(data[:n]) != want[:n] {
			return 0, false, errors.New("unexpected greeting")
		}
		if matched += n; matched < len(greeting) {
			c.Data = matched
			return n, false, nil
		}
		c.Data = nil
		_, err := c.Write([]byte(greeting))
		return n, true, err
	}
}

func parseLevel(s string) (logiface.Level, error) {
	switch s {
	case "trace":
		return logiface.LevelTrace, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "info":
		return logiface.LevelInformational, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "warning":
		return logiface.LevelWarning, nil
	case "err", "error":
		return logiface.LevelError, nil
	}
	return logiface.LevelDisabled, fmt.Errorf("unknown log level %q", s)
}
