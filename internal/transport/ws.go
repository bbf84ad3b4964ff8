package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pmarget/httptun/internal/protocol"
	"github.com/pmarget/httptun/internal/version"
)

// WSOptions configures the websocket transport.
type WSOptions struct {
	BaseURL  string // http(s) base of the tunnel server
	Username string
	Password string
	Dial     DialFunc
	Logger   *slog.Logger
}

// WSTransport multiplexes all of a client's sessions over one websocket
// connection: JSON control frames negotiate sessions, binary frames carry
// their payload bytes.
type WSTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan protocol.Frame
	sessions map[string]*wsSession

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type wsSession struct {
	data chan []byte
	done chan struct{}
	err  error
	once sync.Once
}

func (s *wsSession) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// DialWS connects and upgrades to the server's websocket tunnel endpoint.
func DialWS(ctx context.Context, opts WSOptions) (*WSTransport, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return nil, fmt.Errorf("proxy url must use http or https scheme, got %q", base.Scheme)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/tunnel/ws"

	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  15 * time.Second,
		EnableCompression: false,
	}
	if opts.Dial != nil {
		dialer.NetDialContext = opts.Dial
	}
	if base.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: base.Hostname(),
		}
	}

	header := http.Header{
		"User-Agent": {"httptun-client/" + version.Version},
	}
	if opts.Username != "" {
		raw := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		header.Set("Authorization", "Basic "+raw)
	}

	conn, resp, err := dialer.DialContext(ctx, base.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial tunnel websocket: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &WSTransport{
		conn:     conn,
		logger:   logger.With("transport", "ws"),
		pending:  make(map[string]chan protocol.Frame),
		sessions: make(map[string]*wsSession),
		closed:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) Open(ctx context.Context, host string, port int) (string, error) {
	ref := uuid.NewString()
	ack := make(chan protocol.Frame, 1)
	t.mu.Lock()
	t.pending[ref] = ack
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, ref)
		t.mu.Unlock()
	}()

	if err := t.writeControl(&protocol.Frame{
		Type: protocol.FrameTypeOpen,
		Ref:  ref,
		Host: host,
		Port: port,
	}); err != nil {
		return "", fmt.Errorf("send open: %w", err)
	}

	select {
	case f := <-ack:
		if f.Error != "" {
			return "", fmt.Errorf("open session: %s", f.Error)
		}
		if f.SessionID == "" {
			return "", errors.New("open ack missing session id")
		}
		s := &wsSession{
			data: make(chan []byte, 32),
			done: make(chan struct{}),
		}
		t.mu.Lock()
		t.sessions[f.SessionID] = s
		t.mu.Unlock()
		return f.SessionID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.closed:
		return "", t.closeErr
	}
}

func (t *WSTransport) Send(ctx context.Context, id string, p []byte) error {
	if s := t.session(id); s != nil {
		select {
		case <-s.done:
			return s.err
		default:
		}
	} else {
		return ErrSessionGone
	}

	frame, release, err := protocol.EncodeDataFramePooled(id, p)
	if err != nil {
		return err
	}
	defer release()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(20 * time.Second)); err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	return t.conn.SetWriteDeadline(time.Time{})
}

func (t *WSTransport) Receive(ctx context.Context, id string) ([]byte, error) {
	s := t.session(id)
	if s == nil {
		return nil, ErrSessionGone
	}
	select {
	case data := <-s.data:
		return data, nil
	case <-s.done:
		// Deliver buffered bytes before surfacing the terminal state.
		select {
		case data := <-s.data:
			return data, nil
		default:
		}
		t.removeSession(id)
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, t.closeErr
	}
}

func (t *WSTransport) Ping(ctx context.Context, id string) error {
	s := t.session(id)
	if s == nil {
		return ErrSessionGone
	}
	select {
	case <-s.done:
		return s.err
	default:
	}
	return t.writeControl(&protocol.Frame{
		Type:      protocol.FrameTypePing,
		SessionID: id,
	})
}

func (t *WSTransport) Close(ctx context.Context, id string) error {
	s := t.session(id)
	if s == nil {
		return nil
	}
	err := t.writeControl(&protocol.Frame{
		Type:      protocol.FrameTypeClose,
		SessionID: id,
	})
	s.finish(io.EOF)
	t.removeSession(id)
	return err
}

func (t *WSTransport) Stop() {
	t.fail(errors.New("transport stopped"))
}

func (t *WSTransport) readLoop() {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			t.fail(err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			id, payload, err := protocol.DecodeDataFrame(data)
			if err != nil {
				t.logger.Warn("data frame decode failed", "error", err)
				continue
			}
			if len(payload) == 0 {
				continue
			}
			if s := t.session(id); s != nil {
				select {
				case s.data <- payload:
				case <-s.done:
				}
			}
		case websocket.TextMessage:
			var f protocol.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.logger.Warn("control frame decode failed", "error", err)
				continue
			}
			t.handleControl(f)
		}
	}
}

func (t *WSTransport) handleControl(f protocol.Frame) {
	switch f.Type {
	case protocol.FrameTypeOpenAck:
		t.mu.Lock()
		ack := t.pending[f.Ref]
		delete(t.pending, f.Ref)
		t.mu.Unlock()
		if ack != nil {
			ack <- f
		}
	case protocol.FrameTypeClose:
		if s := t.session(f.SessionID); s != nil {
			s.finish(io.EOF)
		}
	case protocol.FrameTypeError:
		err := errors.New(f.Error)
		if f.Error == protocol.ErrorSessionGone {
			err = ErrSessionGone
		}
		if s := t.session(f.SessionID); s != nil {
			s.finish(err)
		}
	default:
		t.logger.Warn("unexpected control frame", "type", f.Type)
	}
}

func (t *WSTransport) writeControl(f *protocol.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(20 * time.Second)); err != nil {
		return err
	}
	if err := t.conn.WriteJSON(f); err != nil {
		return err
	}
	return t.conn.SetWriteDeadline(time.Time{})
}

func (t *WSTransport) session(id string) *wsSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[id]
}

func (t *WSTransport) removeSession(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

func (t *WSTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.closeErr = err
		t.mu.Lock()
		for _, s := range t.sessions {
			s.finish(err)
		}
		t.mu.Unlock()
		close(t.closed)
		t.conn.Close()
	})
}
