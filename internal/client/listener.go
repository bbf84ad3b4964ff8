package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pmarget/httptun/internal/transport"
)

// Listener accepts local TCP connections and tunnels each one to the
// configured remote target through the transport.
type Listener struct {
	transport  transport.Transport
	remoteHost string
	remotePort int
	localPort  int
	keepalive  time.Duration
	logger     *slog.Logger

	wg sync.WaitGroup
}

type ListenerOptions struct {
	Transport  transport.Transport
	RemoteHost string
	RemotePort int
	LocalPort  int
	Keepalive  time.Duration
	Logger     *slog.Logger
}

func NewListener(opts ListenerOptions) *Listener {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = 25 * time.Second
	}
	return &Listener{
		transport:  opts.Transport,
		remoteHost: opts.RemoteHost,
		remotePort: opts.RemotePort,
		localPort:  opts.LocalPort,
		keepalive:  keepalive,
		logger:     logger,
	}
}

// Run listens on the loopback interface and serves until ctx is cancelled
// or the listening socket fails. In-flight sessions are drained before the
// transport is released.
func (l *Listener) Run(ctx context.Context) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(l.localPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	tcpLn := ln.(*net.TCPListener)

	l.logger.Info("local listener started",
		"listen", addr,
		"remote", net.JoinHostPort(l.remoteHost, strconv.Itoa(l.remotePort)))

	var acceptErr error
	for {
		if ctx.Err() != nil {
			break
		}
		// Short accept deadline so cancellation is noticed promptly.
		if err := tcpLn.SetDeadline(time.Now().Add(time.Second)); err != nil {
			acceptErr = err
			break
		}
		conn, err := tcpLn.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, conn)
		}()
	}

	ln.Close()
	l.logger.Info("draining local sessions")
	l.wg.Wait()
	l.transport.Stop()
	l.logger.Info("local listener stopped")
	return acceptErr
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	p := &pump{
		transport: l.transport,
		conn:      conn,
		host:      l.remoteHost,
		port:      l.remotePort,
		keepalive: l.keepalive,
		logger:    l.logger.With("local", conn.RemoteAddr().String()),
	}
	p.run(ctx)
}
