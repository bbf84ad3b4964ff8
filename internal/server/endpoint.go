package server

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// socketEndpoint is the production tracker.Endpoint: a live TCP connection
// to the tunneled target.
type socketEndpoint struct {
	conn net.Conn
	desc string

	closeOnce sync.Once
	closeErr  error
}

func newSocketEndpoint(conn net.Conn, host string, port int) *socketEndpoint {
	return &socketEndpoint{
		conn: conn,
		desc: fmt.Sprintf("%s via %s", net.JoinHostPort(host, strconv.Itoa(port)), conn.LocalAddr()),
	}
}

func (e *socketEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}

func (e *socketEndpoint) Description() string {
	return e.desc
}

func (e *socketEndpoint) Write(p []byte) (int, error) {
	return e.conn.Write(p)
}

// Read blocks until target bytes arrive or the connection closes. Used by
// the websocket bridge, which pumps continuously.
func (e *socketEndpoint) Read(p []byte) (int, error) {
	if err := e.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, err
	}
	return e.conn.Read(p)
}

// readWait reads available target bytes, waiting at most wait for the
// first byte. Used by the long-poll receive handler.
func (e *socketEndpoint) readWait(p []byte, wait time.Duration) (int, error) {
	if err := e.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return 0, err
	}
	return e.conn.Read(p)
}
