package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pmarget/httptun/internal/transport"
)

func dialTestWS(t *testing.T, baseURL, username, password string) *transport.WSTransport {
	t.Helper()
	tr, err := transport.DialWS(context.Background(), transport.WSOptions{
		BaseURL:  baseURL,
		Username: username,
		Password: password,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func TestWSTunnelRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, nil)
	host, port := startEcho(t)
	tr := dialTestWS(t, ts.URL, "tester", "pw")
	ctx := context.Background()

	id, err := tr.Open(ctx, host, port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	payload := []byte("websocket payload")
	if err := tr.Send(ctx, id, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var got []byte
	for len(got) < len(payload) {
		data, err := tr.Receive(recvCtx, id)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		got = append(got, data...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echoed %q, want %q", got, payload)
	}
	if err := tr.Close(ctx, id); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWSOpenDenied(t *testing.T) {
	_, ts := newTestServer(t, func(opts *Options, _ map[string]*userRecord) {
		opts.Allow = []string{`^allowed\.example:.*$`}
	})
	host, port := startEcho(t)
	tr := dialTestWS(t, ts.URL, "tester", "pw")

	if _, err := tr.Open(context.Background(), host, port); err == nil {
		t.Fatal("expected open to be denied by acl")
	}
}

func TestWSRemoteCloseDeliversEOF(t *testing.T) {
	s, ts := newTestServer(t, nil)
	host, port := startEcho(t)
	tr := dialTestWS(t, ts.URL, "tester", "pw")
	ctx := context.Background()

	id, err := tr.Open(ctx, host, port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// The server removing the session closes the target socket; the bridge
	// then tells the client the session is gone.
	s.tracker.Remove(id)

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		data, err := tr.Receive(recvCtx, id)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrSessionGone) {
				return
			}
			t.Fatalf("Receive: unexpected error %v", err)
		}
		if recvCtx.Err() != nil {
			t.Fatal("no terminal event before timeout")
		}
		_ = data
	}
}

func TestWSDisconnectDropsSession(t *testing.T) {
	s, ts := newTestServer(t, nil)
	host, port := startEcho(t)
	tr := dialTestWS(t, ts.URL, "tester", "pw")
	ctx := context.Background()

	id, err := tr.Open(ctx, host, port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tr.Close(ctx, id); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.tracker.Get(id); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session still tracked after close frame")
}

func TestWSPingAfterCloseIsGone(t *testing.T) {
	_, ts := newTestServer(t, nil)
	host, port := startEcho(t)
	tr := dialTestWS(t, ts.URL, "tester", "pw")
	ctx := context.Background()

	id, err := tr.Open(ctx, host, port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tr.Ping(ctx, id); err != nil {
		t.Fatalf("Ping on live session: %v", err)
	}
	if err := tr.Close(ctx, id); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Matches the HTTP transport: pinging a torn-down session fails fast
	// instead of silently writing a control frame.
	if err := tr.Ping(ctx, id); !errors.Is(err, transport.ErrSessionGone) {
		t.Fatalf("Ping after close: got %v, want ErrSessionGone", err)
	}
}

func TestWSTeardownRemovesSessions(t *testing.T) {
	s, ts := newTestServer(t, nil)
	host, port := startEcho(t)
	tr := dialTestWS(t, ts.URL, "tester", "pw")
	ctx := context.Background()

	if _, err := tr.Open(ctx, host, port); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := tr.Open(ctx, host, port); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Dropping the websocket must clean up every session it opened.
	tr.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.tracker.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%d sessions still tracked after websocket teardown", s.tracker.Len())
}
