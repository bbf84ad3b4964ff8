package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/pmarget/httptun/internal/transport"
)

type contextKey string

const userContextKey contextKey = "httptun.user"

// requireAuth enforces HTTP basic auth against the configured users and
// stores the matched record in the request context for ACL checks.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		login, password, ok := r.BasicAuth()
		if ok {
			if user, found := s.users[login]; found {
				if subtle.ConstantTimeCompare([]byte(password), []byte(user.Password)) == 1 {
					ctx := context.WithValue(r.Context(), userContextKey, user)
					next(w, r.WithContext(ctx))
					return
				}
			}
		}
		s.metrics.authFailures.Inc()
		s.counters.authFailures.Add(1)
		s.logger.Warn("authentication rejected", "login", login, "remote", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", `Basic realm="httptun"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
	}
}

func userFromRequest(r *http.Request) *userRecord {
	user, _ := r.Context().Value(userContextKey).(*userRecord)
	return user
}

// authorizeTarget applies the per-user ACL when one exists, otherwise the
// server-wide allow list. An empty allow list permits every target.
func (s *Server) authorizeTarget(user *userRecord, target string) bool {
	acls := s.acl
	if user != nil && len(user.ACL) > 0 {
		acls = user.ACL
	}
	if len(acls) == 0 {
		return true
	}
	for _, re := range acls {
		if re.MatchString(target) {
			return true
		}
	}
	return false
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := strings.TrimSpace(r.URL.Query().Get("host"))
	portRaw := strings.TrimSpace(r.URL.Query().Get("port"))
	if host == "" || portRaw == "" {
		http.Error(w, "host and port are required", http.StatusBadRequest)
		return
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil || port < 1 || port > 65535 {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}

	target := net.JoinHostPort(host, portRaw)
	user := userFromRequest(r)
	if !s.authorizeTarget(user, target) {
		s.logger.Warn("target denied by acl", "target", target, "user", userLogin(user))
		http.Error(w, "target not allowed", http.StatusForbidden)
		return
	}

	conn, err := net.DialTimeout("tcp", target, s.opts.DialTimeout)
	if err != nil {
		s.metrics.dialErrors.Inc()
		s.counters.dialErrors.Add(1)
		s.logger.Warn("target dial failed", "target", target, "error", err)
		http.Error(w, fmt.Sprintf("dial %s: %v", target, err), http.StatusBadGateway)
		return
	}

	id := s.tracker.Add(newSocketEndpoint(conn, host, port))
	s.logger.Info("session opened", "id", id, "target", target, "user", userLogin(user))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, id)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	ep, ok := s.endpointFor(id)
	if !ok {
		http.Error(w, "session no longer valid", http.StatusGone)
		return
	}

	// Buffer the whole payload before touching the target so a refused
	// request never leaks a prefix into the byte stream.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.opts.MaxPayload)))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read payload", http.StatusBadRequest)
		return
	}

	if len(body) > 0 {
		if _, err := ep.Write(body); err != nil {
			s.logger.Warn("session write failed", "id", id, "error", err)
			s.tracker.Remove(id)
			http.Error(w, "target write failed", http.StatusBadGateway)
			return
		}
	}

	s.tracker.Refresh(id)
	s.metrics.bytesIn.Add(float64(len(body)))
	s.counters.bytesIn.Add(int64(len(body)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	ep, ok := s.endpointFor(id)
	if !ok {
		http.Error(w, "session no longer valid", http.StatusGone)
		return
	}

	buf := make([]byte, s.opts.MaxPayload)
	n, err := ep.readWait(buf, s.opts.ReceiveWait)
	if n > 0 {
		s.tracker.Refresh(id)
		s.metrics.bytesOut.Add(float64(n))
		s.counters.bytesOut.Add(int64(n))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		if _, werr := w.Write(buf[:n]); werr != nil {
			s.logger.Debug("receive response write failed", "id", id, "error", werr)
		}
		return
	}
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		// Nothing arrived within the poll window; the session stays live.
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, io.EOF):
		s.logger.Info("target closed session", "id", id)
		s.tracker.ReceiveComplete(id)
		s.tracker.Remove(id)
		w.Header().Set(transport.HeaderTunnelEvent, "eof")
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, net.ErrClosed):
		// The reaper or a concurrent disconnect closed the socket under us.
		http.Error(w, "session no longer valid", http.StatusGone)
	default:
		s.logger.Warn("session read failed", "id", id, "error", err)
		s.tracker.ReceiveError(id)
		s.tracker.Remove(id)
		http.Error(w, "target read failed", http.StatusBadGateway)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if !s.tracker.Refresh(id) {
		http.Error(w, "session no longer valid", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	s.tracker.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.collectStatus()); err != nil {
		s.logger.Debug("status encode failed", "error", err)
	}
}

// endpointFor resolves a tracked socket endpoint by session id.
func (s *Server) endpointFor(id string) (*socketEndpoint, bool) {
	if id == "" {
		return nil, false
	}
	ep, ok := s.tracker.Get(id)
	if !ok {
		return nil, false
	}
	sock, ok := ep.(*socketEndpoint)
	return sock, ok
}

func userLogin(user *userRecord) string {
	if user == nil {
		return ""
	}
	return user.Login
}
