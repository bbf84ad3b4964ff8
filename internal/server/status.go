package server

import (
	"time"

	"github.com/pmarget/httptun/internal/tracker"
)

type statusPayload struct {
	GeneratedAt time.Time              `json:"generatedAt"`
	Listen      string                 `json:"listen"`
	Sessions    []tracker.EndpointInfo `json:"sessions"`
	Events      []tracker.Event        `json:"events"`
	Metrics     statusMetrics          `json:"metrics"`
	Resources   resourceSnapshot       `json:"resources"`
}

type statusMetrics struct {
	ActiveSessions  int   `json:"activeSessions"`
	ExpiredSessions int64 `json:"expiredSessions"`
	BytesIn         int64 `json:"bytesIn"`
	BytesOut        int64 `json:"bytesOut"`
	DialErrors      int64 `json:"dialErrors"`
	AuthFailures    int64 `json:"authFailures"`
}

func (s *Server) collectStatus() statusPayload {
	sessions, events := s.tracker.Snapshot()
	return statusPayload{
		GeneratedAt: time.Now(),
		Listen:      s.opts.Listen,
		Sessions:    sessions,
		Events:      events,
		Metrics: statusMetrics{
			ActiveSessions:  s.tracker.Len(),
			ExpiredSessions: s.tracker.Expired(),
			BytesIn:         s.counters.bytesIn.Load(),
			BytesOut:        s.counters.bytesOut.Load(),
			DialErrors:      s.counters.dialErrors.Load(),
			AuthFailures:    s.counters.authFailures.Load(),
		},
		Resources: s.resources.snapshot(),
	}
}
