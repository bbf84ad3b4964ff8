package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pmarget/httptun/internal/protocol"
)

// wsBridge serves one client's multiplexed websocket: control frames open,
// ping, and close sessions, binary frames carry payload in both directions.
type wsBridge struct {
	server *Server
	conn   *websocket.Conn
	user   *userRecord

	writeMu sync.Mutex

	mu    sync.Mutex
	owned map[string]struct{}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	b := &wsBridge{
		server: s,
		conn:   conn,
		user:   userFromRequest(r),
		owned:  make(map[string]struct{}),
	}
	s.logger.Info("websocket tunnel attached", "remote", r.RemoteAddr, "user", userLogin(b.user))
	b.run()
}

func (b *wsBridge) run() {
	defer b.teardown()
	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				b.server.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			b.handleData(data)
		case websocket.TextMessage:
			var f protocol.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				b.server.logger.Warn("control frame decode failed", "error", err)
				continue
			}
			b.handleControl(f)
		}
	}
}

func (b *wsBridge) handleControl(f protocol.Frame) {
	s := b.server
	switch f.Type {
	case protocol.FrameTypeOpen:
		target := net.JoinHostPort(f.Host, strconv.Itoa(f.Port))
		if f.Host == "" || f.Port < 1 || f.Port > 65535 {
			b.writeFrame(&protocol.Frame{Type: protocol.FrameTypeOpenAck, Ref: f.Ref, Error: "invalid target"})
			return
		}
		if !s.authorizeTarget(b.user, target) {
			s.logger.Warn("target denied by acl", "target", target, "user", userLogin(b.user))
			b.writeFrame(&protocol.Frame{Type: protocol.FrameTypeOpenAck, Ref: f.Ref, Error: "target not allowed"})
			return
		}
		conn, err := net.DialTimeout("tcp", target, s.opts.DialTimeout)
		if err != nil {
			s.metrics.dialErrors.Inc()
			s.counters.dialErrors.Add(1)
			s.logger.Warn("target dial failed", "target", target, "error", err)
			b.writeFrame(&protocol.Frame{Type: protocol.FrameTypeOpenAck, Ref: f.Ref, Error: err.Error()})
			return
		}
		ep := newSocketEndpoint(conn, f.Host, f.Port)
		id := s.tracker.Add(ep)
		b.mu.Lock()
		b.owned[id] = struct{}{}
		b.mu.Unlock()
		s.logger.Info("session opened", "id", id, "target", target, "user", userLogin(b.user))
		b.writeFrame(&protocol.Frame{Type: protocol.FrameTypeOpenAck, Ref: f.Ref, SessionID: id})
		go b.pumpEndpoint(id, ep)

	case protocol.FrameTypePing:
		if !s.tracker.Refresh(f.SessionID) {
			b.writeFrame(&protocol.Frame{
				Type:      protocol.FrameTypeError,
				SessionID: f.SessionID,
				Error:     protocol.ErrorSessionGone,
			})
		}

	case protocol.FrameTypeClose:
		b.forget(f.SessionID)
		s.tracker.Remove(f.SessionID)

	default:
		s.logger.Warn("unexpected control frame", "type", f.Type)
	}
}

func (b *wsBridge) handleData(data []byte) {
	s := b.server
	id, payload, err := protocol.DecodeDataFrame(data)
	if err != nil {
		s.logger.Warn("data frame decode failed", "error", err)
		return
	}
	ep, ok := s.endpointFor(id)
	if !ok {
		b.writeFrame(&protocol.Frame{
			Type:      protocol.FrameTypeError,
			SessionID: id,
			Error:     protocol.ErrorSessionGone,
		})
		return
	}
	if len(payload) == 0 {
		return
	}
	if _, err := ep.Write(payload); err != nil {
		s.logger.Warn("session write failed", "id", id, "error", err)
		b.forget(id)
		s.tracker.Remove(id)
		b.writeFrame(&protocol.Frame{
			Type:      protocol.FrameTypeError,
			SessionID: id,
			Error:     "target write failed",
		})
		return
	}
	s.tracker.Refresh(id)
	s.metrics.bytesIn.Add(float64(len(payload)))
	s.counters.bytesIn.Add(int64(len(payload)))
}

// pumpEndpoint streams target bytes to the client until the target closes,
// the session is evicted, or the websocket dies.
func (b *wsBridge) pumpEndpoint(id string, ep *socketEndpoint) {
	s := b.server
	buf := make([]byte, s.opts.MaxPayload)
	for {
		n, err := ep.Read(buf)
		if n > 0 {
			frame, release, encErr := protocol.EncodeDataFramePooled(id, buf[:n])
			if encErr != nil {
				s.logger.Warn("data frame encode failed", "id", id, "error", encErr)
				release()
				return
			}
			werr := b.writeBinary(frame)
			release()
			if werr != nil {
				b.forget(id)
				s.tracker.Remove(id)
				return
			}
			s.tracker.Refresh(id)
			s.metrics.bytesOut.Add(float64(n))
			s.counters.bytesOut.Add(int64(n))
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, io.EOF):
			s.logger.Info("target closed session", "id", id)
			s.tracker.ReceiveComplete(id)
			b.forget(id)
			s.tracker.Remove(id)
			b.writeFrame(&protocol.Frame{Type: protocol.FrameTypeClose, SessionID: id})
		case errors.Is(err, net.ErrClosed):
			// Reaper eviction or a concurrent close already tore the socket down.
			b.forget(id)
			b.writeFrame(&protocol.Frame{
				Type:      protocol.FrameTypeError,
				SessionID: id,
				Error:     protocol.ErrorSessionGone,
			})
		default:
			s.logger.Warn("session read failed", "id", id, "error", err)
			s.tracker.ReceiveError(id)
			b.forget(id)
			s.tracker.Remove(id)
			b.writeFrame(&protocol.Frame{
				Type:      protocol.FrameTypeError,
				SessionID: id,
				Error:     "target read failed",
			})
		}
		return
	}
}

func (b *wsBridge) writeFrame(f *protocol.Frame) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.SetWriteDeadline(time.Now().Add(20 * time.Second)); err != nil {
		return
	}
	if err := b.conn.WriteJSON(f); err != nil {
		b.server.logger.Debug("control frame write failed", "error", err)
	}
	b.conn.SetWriteDeadline(time.Time{})
}

func (b *wsBridge) writeBinary(frame []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.SetWriteDeadline(time.Now().Add(20 * time.Second)); err != nil {
		return err
	}
	if err := b.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	return b.conn.SetWriteDeadline(time.Time{})
}

func (b *wsBridge) forget(id string) {
	b.mu.Lock()
	delete(b.owned, id)
	b.mu.Unlock()
}

// teardown closes the websocket and removes every session it opened.
func (b *wsBridge) teardown() {
	b.conn.Close()
	b.mu.Lock()
	ids := make([]string, 0, len(b.owned))
	for id := range b.owned {
		ids = append(ids, id)
	}
	b.owned = make(map[string]struct{})
	b.mu.Unlock()
	for _, id := range ids {
		b.server.tracker.Remove(id)
	}
	if len(ids) > 0 {
		b.server.logger.Info("websocket tunnel detached", "sessions_closed", len(ids))
	}
}
