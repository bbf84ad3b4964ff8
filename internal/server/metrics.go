package server

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pmarget/httptun/internal/tracker"
)

type serverMetrics struct {
	bytesIn      prometheus.Counter
	bytesOut     prometheus.Counter
	dialErrors   prometheus.Counter
	authFailures prometheus.Counter
}

// serverCounters mirrors the counters for the status surface, which wants
// raw values rather than scraped samples.
type serverCounters struct {
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	dialErrors   atomic.Int64
	authFailures atomic.Int64
}

func newServerMetrics(reg prometheus.Registerer, t *tracker.Tracker) *serverMetrics {
	m := &serverMetrics{
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httptun_bytes_in_total",
			Help: "Total bytes forwarded from tunnel clients to targets",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httptun_bytes_out_total",
			Help: "Total bytes forwarded from targets to tunnel clients",
		}),
		dialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httptun_dial_errors_total",
			Help: "Number of failed dials to tunnel targets",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httptun_auth_failures_total",
			Help: "Number of failed authentication attempts",
		}),
	}

	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "httptun_sessions_active",
		Help: "Number of live tunnel sessions",
	}, func() float64 { return float64(t.Len()) })

	expired := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "httptun_sessions_expired_total",
		Help: "Number of sessions reaped for inactivity",
	}, func() float64 { return float64(t.Expired()) })

	reg.MustRegister(
		active,
		expired,
		m.bytesIn,
		m.bytesOut,
		m.dialErrors,
		m.authFailures,
	)

	return m
}
