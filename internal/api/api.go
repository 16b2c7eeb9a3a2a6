// Package api exposes the worker over HTTP: the control-message channel for
// pages, the push and notification-click inputs, connectivity signals, a
// status report, and fetch interception for everything else.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/BTreeMap/QuoteRelay/internal/clients"
	"github.com/BTreeMap/QuoteRelay/internal/delivery"
	"github.com/BTreeMap/QuoteRelay/internal/metrics"
	"github.com/BTreeMap/QuoteRelay/internal/store"
	"github.com/BTreeMap/QuoteRelay/internal/util"
	"github.com/BTreeMap/QuoteRelay/internal/worker"
)

// Server defaults.
const (
	DefaultAddr              = ":8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultHandlerTimeout    = 30 * time.Second
	MaxBodyBytes             = 64 << 10
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	OriginPatterns  []string
	ShutdownTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithOriginPatterns sets the extra page origins allowed to open the websocket channel.
func WithOriginPatterns(patterns ...string) Option {
	return func(o *Opts) { o.OriginPatterns = patterns }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// ProcessorState reports whether a delivery pass is running.
type ProcessorState interface {
	State() delivery.State
}

// Connectivity reports the last known reachability of the remote endpoint.
type Connectivity interface {
	Online() bool
}

// Deps are the components served by the API.
type Deps struct {
	Worker    *worker.Worker
	Clients   *clients.Registry
	Store     store.SubmissionRepo
	Processor ProcessorState
	Monitor   Connectivity
	Metrics   *metrics.Metrics
}

// Server is the HTTP front of the worker.
type Server struct {
	deps       Deps
	opts       Opts
	acceptOpts *websocket.AcceptOptions
	mux        *http.ServeMux
	started    time.Time
}

// NewServer wires the routes.
func NewServer(deps Deps, opts ...Option) (*Server, error) {
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if deps.Worker == nil || deps.Clients == nil || deps.Store == nil {
		return nil, fmt.Errorf("api server requires worker, clients and store")
	}
	deps.Metrics = metrics.OrNew(deps.Metrics)

	s := &Server{
		deps:       deps,
		opts:       cfg,
		acceptOpts: &websocket.AcceptOptions{OriginPatterns: cfg.OriginPatterns},
		mux:        http.NewServeMux(),
		started:    time.Now(),
	}
	s.mux.HandleFunc("/sw/messages", s.messagesHandler)
	s.mux.HandleFunc("/sw/push", s.pushHandler)
	s.mux.HandleFunc("/sw/notificationclick", s.notificationClickHandler)
	s.mux.HandleFunc("/sw/connectivity", s.connectivityHandler)
	s.mux.HandleFunc("/sw/status", s.statusHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.Handle("/", deps.Worker)
	return s, nil
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// logRequests logs each request at debug level. The writer is passed through
// untouched so websocket upgrades can still hijack it.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := util.GenerateRequestID()
		start := time.Now()
		slog.Debug("Server: request started", "request_id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
		slog.Debug("Server: request finished", "request_id", id, "duration", time.Since(start))
	})
}
