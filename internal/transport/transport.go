package transport

import (
	"context"
	"errors"
	"net"
)

// ErrSessionGone reports that the server no longer tracks the session,
// typically because its reaper evicted it for inactivity. Callers tear the
// local side down and do not retry.
var ErrSessionGone = errors.New("tunnel session no longer valid")

// Transport carries one tunneled TCP session's bytes across HTTP. Receive
// returns io.EOF once the remote target closed its side, and (nil, nil)
// when a poll window elapsed without data.
type Transport interface {
	// Open negotiates a new remote session to host:port and returns the
	// server-assigned session identifier.
	Open(ctx context.Context, host string, port int) (string, error)

	// Send forwards local bytes to the remote target.
	Send(ctx context.Context, id string, p []byte) error

	// Receive returns the next bytes delivered by the remote target.
	Receive(ctx context.Context, id string) ([]byte, error)

	// Ping refreshes the session's idle deadline without moving data.
	Ping(ctx context.Context, id string) error

	// Close tears down the remote session. Best effort; closing an
	// already-gone session is not an error.
	Close(ctx context.Context, id string) error

	// Stop releases resources shared across sessions (connections, idle
	// pools). No transport call may follow it.
	Stop()
}

// DialFunc opens the underlying TCP connections a transport uses, allowing
// an upstream SOCKS hop to be injected.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
