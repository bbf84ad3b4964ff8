package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pmarget/httptun/internal/tracker"
	"github.com/pmarget/httptun/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, mutate func(*Options, map[string]*userRecord)) (*Server, *httptest.Server) {
	t.Helper()
	opts := Options{
		Listen:      "127.0.0.1:0",
		MaxIdle:     time.Minute,
		ReceiveWait: 250 * time.Millisecond,
		MaxPayload:  32 * 1024,
		DialTimeout: 5 * time.Second,
	}
	users := map[string]*userRecord{
		"tester": {Login: "tester", Password: "pw"},
	}
	if mutate != nil {
		mutate(&opts, users)
	}
	s, err := newWithUsers(quietLogger(), opts, users)
	if err != nil {
		t.Fatalf("newWithUsers: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

// startEcho runs a TCP server that echoes everything back and closes when
// the peer does.
func startEcho(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	host, portRaw, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portRaw)
	return host, port
}

func newHTTPTransport(t *testing.T, ts *httptest.Server, username, password string) *transport.HTTPTransport {
	t.Helper()
	tr, err := transport.NewHTTP(transport.HTTPOptions{
		BaseURL:  ts.URL,
		Username: username,
		Password: password,
	})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func TestHTTPTunnelRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, nil)
	host, port := startEcho(t)
	tr := newHTTPTransport(t, ts, "tester", "pw")
	ctx := context.Background()

	id, err := tr.Open(ctx, host, port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	payload := []byte("the quick brown fox")
	if err := tr.Send(ctx, id, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(payload) && time.Now().Before(deadline) {
		data, err := tr.Receive(ctx, id)
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
	if err := tr.Ping(ctx, id); !errors.Is(err, transport.ErrSessionGone) {
		t.Fatalf("Ping after close: got %v, want ErrSessionGone", err)
	}
}

func TestUnknownSessionIsGone(t *testing.T) {
	_, ts := newTestServer(t, nil)
	tr := newHTTPTransport(t, ts, "tester", "pw")
	ctx := context.Background()

	if err := tr.Send(ctx, "no-such-id", []byte("x")); !errors.Is(err, transport.ErrSessionGone) {
		t.Errorf("Send: got %v, want ErrSessionGone", err)
	}
	if _, err := tr.Receive(ctx, "no-such-id"); !errors.Is(err, transport.ErrSessionGone) {
		t.Errorf("Receive: got %v, want ErrSessionGone", err)
	}
	if err := tr.Ping(ctx, "no-such-id"); !errors.Is(err, transport.ErrSessionGone) {
		t.Errorf("Ping: got %v, want ErrSessionGone", err)
	}
	// Disconnecting a never-registered session is a no-op.
	if err := tr.Close(ctx, "no-such-id"); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestAuthRejected(t *testing.T) {
	s, ts := newTestServer(t, nil)
	host, port := startEcho(t)
	tr := newHTTPTransport(t, ts, "tester", "wrong")

	_, err := tr.Open(context.Background(), host, port)
	if err == nil || !strings.Contains(err.Error(), "authentication rejected") {
		t.Fatalf("Open with bad password: got %v", err)
	}
	if s.counters.authFailures.Load() == 0 {
		t.Error("auth failure counter not incremented")
	}
}

func TestTargetDeniedByUserACL(t *testing.T) {
	_, ts := newTestServer(t, func(_ *Options, users map[string]*userRecord) {
		acl, err := compileACLs([]string{`^allowed\.example:.*$`})
		if err != nil {
			t.Fatalf("compileACLs: %v", err)
		}
		users["tester"].ACL = acl
	})
	host, port := startEcho(t)
	tr := newHTTPTransport(t, ts, "tester", "pw")

	_, err := tr.Open(context.Background(), host, port)
	if err == nil || !strings.Contains(err.Error(), "authentication rejected") {
		t.Fatalf("Open against denied target: got %v", err)
	}
}

func TestTargetDeniedByGlobalACL(t *testing.T) {
	_, ts := newTestServer(t, func(opts *Options, _ map[string]*userRecord) {
		opts.Allow = []string{`^allowed\.example:.*$`}
	})
	host, port := startEcho(t)
	tr := newHTTPTransport(t, ts, "tester", "pw")

	if _, err := tr.Open(context.Background(), host, port); err == nil {
		t.Fatal("expected Open to be denied")
	}
}

func TestReceiveReportsEOF(t *testing.T) {
	_, ts := newTestServer(t, nil)

	// Target sends a greeting then closes.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("bye"))
		conn.Close()
	}()
	host, portRaw, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portRaw)

	tr := newHTTPTransport(t, ts, "tester", "pw")
	ctx := context.Background()
	id, err := tr.Open(ctx, host, port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var got []byte
	var final error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := tr.Receive(ctx, id)
		if err != nil {
			final = err
			break
		}
		got = append(got, data...)
	}
	if string(got) != "bye" {
		t.Errorf("received %q, want %q", got, "bye")
	}
	if !errors.Is(final, io.EOF) {
		t.Errorf("final receive error %v, want io.EOF", final)
	}
	// Session was removed when the target closed.
	if err := tr.Ping(ctx, id); !errors.Is(err, transport.ErrSessionGone) {
		t.Errorf("Ping after EOF: got %v, want ErrSessionGone", err)
	}
}

func TestReceivePollTimeout(t *testing.T) {
	_, ts := newTestServer(t, func(opts *Options, _ map[string]*userRecord) {
		opts.ReceiveWait = 50 * time.Millisecond
	})
	host, port := startEcho(t)
	tr := newHTTPTransport(t, ts, "tester", "pw")
	ctx := context.Background()

	id, err := tr.Open(ctx, host, port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := tr.Receive(ctx, id)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if data != nil {
		t.Errorf("poll without data returned %q", data)
	}
	// The session must survive an empty poll window.
	if err := tr.Ping(ctx, id); err != nil {
		t.Errorf("Ping after empty poll: %v", err)
	}
}

func TestReaperEvictsIdleSession(t *testing.T) {
	_, ts := newTestServer(t, func(opts *Options, _ map[string]*userRecord) {
		opts.MaxIdle = 50 * time.Millisecond
		opts.EvictionFrequency = 10 * time.Millisecond
	})
	host, port := startEcho(t)
	tr := newHTTPTransport(t, ts, "tester", "pw")
	ctx := context.Background()

	id, err := tr.Open(ctx, host, port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := tr.Ping(ctx, id); errors.Is(err, transport.ErrSessionGone) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("idle session never evicted")
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)
	host, port := startEcho(t)
	tr := newHTTPTransport(t, ts, "tester", "pw")
	ctx := context.Background()

	id, err := tr.Open(ctx, host, port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	resp, err := http.Get(ts.URL + "/status.json")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}

	var payload struct {
		Sessions []tracker.EndpointInfo `json:"sessions"`
		Events   []tracker.Event        `json:"events"`
		Metrics  struct {
			ActiveSessions int `json:"activeSessions"`
		} `json:"metrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.Metrics.ActiveSessions != 1 {
		t.Errorf("activeSessions = %d, want 1", payload.Metrics.ActiveSessions)
	}
	if len(payload.Sessions) != 1 || payload.Sessions[0].ID != id {
		t.Errorf("sessions = %+v, want the open session %s", payload.Sessions, id)
	}
	if len(payload.Events) == 0 {
		t.Error("expected at least a connect event")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)
	host, port := startEcho(t)
	tr := newHTTPTransport(t, ts, "tester", "pw")
	ctx := context.Background()

	id, err := tr.Open(ctx, host, port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tr.Send(ctx, id, []byte("abc")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"httptun_sessions_active 1",
		"httptun_bytes_in_total 3",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestSendPayloadTooLarge(t *testing.T) {
	_, ts := newTestServer(t, func(opts *Options, _ map[string]*userRecord) {
		opts.MaxPayload = 16
	})

	// Target records everything it receives so a refused request leaking
	// bytes into the stream is detectable.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	var (
		sinkMu sync.Mutex
		sunk   []byte
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 256)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						sinkMu.Lock()
						sunk = append(sunk, buf[:n]...)
						sinkMu.Unlock()
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	host, portRaw, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portRaw)

	tr := newHTTPTransport(t, ts, "tester", "pw")
	ctx := context.Background()

	id, err := tr.Open(ctx, host, port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = tr.Send(ctx, id, bytes.Repeat([]byte("x"), 64))
	if err == nil || !strings.Contains(err.Error(), "413") {
		t.Fatalf("oversize send: got %v, want 413", err)
	}

	// The refused payload must not have reached the target, not even a
	// prefix, and the session must still carry data afterwards.
	if err := tr.Send(ctx, id, []byte("ok")); err != nil {
		t.Fatalf("send after refusal: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sinkMu.Lock()
		got := string(sunk)
		sinkMu.Unlock()
		if got == "ok" {
			return
		}
		if strings.Contains(got, "x") {
			t.Fatalf("refused payload leaked to target: %q", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	t.Fatalf("target received %q, want %q", sunk, "ok")
}
