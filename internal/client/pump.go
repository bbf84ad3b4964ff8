package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pmarget/httptun/internal/transport"
)

const (
	openTimeout  = 15 * time.Second
	closeTimeout = 5 * time.Second
	readBufSize  = 32 * 1024
)

// pump owns one local connection and its remote session: an uplink copying
// local bytes out, a downlink copying remote bytes in, and a keepalive
// refreshing the session's idle deadline. The first side to fail tears the
// whole session down.
type pump struct {
	transport transport.Transport
	conn      net.Conn
	host      string
	port      int
	keepalive time.Duration
	logger    *slog.Logger

	id        string
	closeOnce sync.Once
}

func (p *pump) run(ctx context.Context) {
	openCtx, cancelOpen := context.WithTimeout(ctx, openTimeout)
	id, err := p.transport.Open(openCtx, p.host, p.port)
	cancelOpen()
	if err != nil {
		p.logger.Warn("session open failed", "error", err)
		p.conn.Close()
		return
	}
	p.id = id
	p.logger = p.logger.With("id", id)
	p.logger.Debug("session opened")

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		p.uplink(pctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		p.downlink(pctx)
	}()

	ticker := time.NewTicker(p.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-pctx.Done():
			p.teardown()
			wg.Wait()
			p.logger.Debug("session closed")
			return
		case <-ticker.C:
			if err := p.transport.Ping(pctx, p.id); err != nil {
				if pctx.Err() == nil && !errors.Is(err, transport.ErrSessionGone) {
					p.logger.Debug("keepalive failed", "error", err)
				}
			}
		}
	}
}

// uplink copies local bytes to the remote target.
func (p *pump) uplink(ctx context.Context) {
	buf := make([]byte, readBufSize)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			if serr := p.transport.Send(ctx, p.id, buf[:n]); serr != nil {
				if ctx.Err() == nil && !errors.Is(serr, transport.ErrSessionGone) {
					p.logger.Warn("uplink send failed", "error", serr)
				}
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.logger.Debug("local read ended", "error", err)
			}
			return
		}
	}
}

// downlink copies remote target bytes to the local connection.
func (p *pump) downlink(ctx context.Context) {
	for {
		data, err := p.transport.Receive(ctx, p.id)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.logger.Debug("remote closed session")
			case errors.Is(err, transport.ErrSessionGone):
				p.logger.Info("session evicted by server")
			case ctx.Err() != nil:
			default:
				p.logger.Warn("downlink receive failed", "error", err)
			}
			return
		}
		if len(data) == 0 {
			// Poll window elapsed without data.
			continue
		}
		if _, err := p.conn.Write(data); err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				p.logger.Debug("local write failed", "error", err)
			}
			return
		}
	}
}

// teardown closes the local connection and best-effort releases the remote
// session. Safe to call from any goroutine; runs once.
func (p *pump) teardown() {
	p.closeOnce.Do(func() {
		p.conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := p.transport.Close(ctx, p.id); err != nil {
			p.logger.Debug("remote close failed", "error", err)
		}
	})
}
