package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/pmarget/httptun/internal/observability"
	"github.com/pmarget/httptun/internal/tracker"
)

// Options configures the tunnel server.
type Options struct {
	Listen    string
	UsersFile string
	Allow     []string

	MaxIdle           time.Duration
	EvictionFrequency time.Duration
	SessionIDMode     string

	ReceiveWait time.Duration
	MaxPayload  int
	DialTimeout time.Duration

	ACMEHosts    []string
	ACMEEmail    string
	ACMECache    string
	ACMEHTTPAddr string
}

// Server owns the endpoint tracker and terminates the tunnel's HTTP side:
// it dials targets, registers them as endpoints, and moves bytes between
// tracked connections and tunnel clients.
type Server struct {
	logger    *slog.Logger
	opts      Options
	tracker   *tracker.Tracker
	users     map[string]*userRecord
	acl       []*regexp.Regexp
	metrics   *serverMetrics
	counters  serverCounters
	registry  *prometheus.Registry
	resources *resourceMonitor
	upgrader  websocket.Upgrader

	httpSrv     *http.Server
	acmeSrv     *http.Server
	acmeManager *autocert.Manager
}

func New(logger *slog.Logger, opts Options) (*Server, error) {
	if opts.UsersFile == "" {
		return nil, errors.New("a users file is required")
	}
	users, err := loadUsers(opts.UsersFile)
	if err != nil {
		return nil, err
	}
	return newWithUsers(logger, opts, users)
}

func newWithUsers(logger *slog.Logger, opts Options, users map[string]*userRecord) (*Server, error) {
	if len(users) == 0 {
		return nil, errors.New("at least one user must be defined")
	}
	acl, err := compileACLs(opts.Allow)
	if err != nil {
		return nil, err
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = 32 * 1024
	}
	if opts.ReceiveWait <= 0 {
		opts.ReceiveWait = 30 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	trk, err := tracker.New(tracker.Options{
		MaxIdle:           opts.MaxIdle,
		EvictionFrequency: opts.EvictionFrequency,
		IDMode:            opts.SessionIDMode,
		Logger:            logger.With("component", "tracker"),
	})
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	s := &Server{
		logger:   logger,
		opts:     opts,
		tracker:  trk,
		users:    users,
		acl:      acl,
		metrics:  newServerMetrics(registry, trk),
		registry: registry,
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: false,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.resources = newResourceMonitor(trk.Len)

	if len(opts.ACMEHosts) > 0 {
		if opts.ACMECache != "" {
			if err := os.MkdirAll(opts.ACMECache, 0o750); err != nil {
				trk.Shutdown()
				return nil, fmt.Errorf("create acme cache: %w", err)
			}
		}
		s.acmeManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(opts.ACMEHosts...),
			Email:      opts.ACMEEmail,
		}
		if opts.ACMECache != "" {
			s.acmeManager.Cache = autocert.DirCache(opts.ACMECache)
		}
	}

	return s, nil
}

// Handler returns the complete HTTP surface: tunnel operations, websocket
// bridge, status, and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tunnel/connect", s.requireAuth(s.handleConnect))
	mux.HandleFunc("POST /tunnel/send", s.requireAuth(s.handleSend))
	mux.HandleFunc("GET /tunnel/receive", s.requireAuth(s.handleReceive))
	mux.HandleFunc("PUT /tunnel/ping", s.requireAuth(s.handlePing))
	mux.HandleFunc("POST /tunnel/disconnect", s.requireAuth(s.handleDisconnect))
	mux.HandleFunc("GET /tunnel/ws", s.requireAuth(s.handleWS))
	mux.HandleFunc("GET /status.json", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return observability.HTTPMiddleware(mux, "httptun/server")
}

// Run serves until ctx is cancelled or the listener fails, then drains the
// HTTP server and force-closes every session still registered.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.resources.start(ctx)

	errCh := make(chan error, 1)
	sendErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	if s.acmeManager != nil && s.opts.ACMEHTTPAddr != "" {
		s.acmeSrv = &http.Server{
			Addr:              s.opts.ACMEHTTPAddr,
			Handler:           s.acmeManager.HTTPHandler(nil),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.logger.Info("acme http listening", "addr", s.opts.ACMEHTTPAddr)
			if err := s.acmeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sendErr(fmt.Errorf("acme http: %w", err))
			}
		}()
	}

	s.httpSrv = &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if s.acmeManager != nil {
			ln, err := net.Listen("tcp", s.opts.Listen)
			if err != nil {
				sendErr(fmt.Errorf("listen: %w", err))
				return
			}
			s.logger.Info("tunnel listening (tls)", "addr", s.opts.Listen, "hosts", s.opts.ACMEHosts)
			s.httpSrv.TLSConfig = s.acmeManager.TLSConfig()
			tlsListener := tls.NewListener(ln, s.httpSrv.TLSConfig)
			if err := s.httpSrv.Serve(tlsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sendErr(fmt.Errorf("serve: %w", err))
			}
			return
		}
		s.logger.Info("tunnel listening", "addr", s.opts.Listen)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("serve: %w", err))
		}
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if errShutdown := s.httpSrv.Shutdown(shutdownCtx); errShutdown != nil {
		s.logger.Warn("http shutdown", "error", errShutdown)
	}
	if s.acmeSrv != nil {
		if errShutdown := s.acmeSrv.Shutdown(shutdownCtx); errShutdown != nil {
			s.logger.Warn("acme http shutdown", "error", errShutdown)
		}
	}

	closed := s.tracker.Shutdown()
	s.logger.Info("server stopped", "sessions_closed", closed)
	return err
}

// Close tears the server down outside of Run; used by tests driving the
// handler directly.
func (s *Server) Close() {
	s.tracker.Shutdown()
}
