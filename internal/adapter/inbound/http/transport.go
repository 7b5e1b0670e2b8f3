package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentward/agentward/internal/domain/node"
	"github.com/agentward/agentward/internal/port/inbound"
	"github.com/agentward/agentward/internal/service"
)

// Server is the operator-plane HTTP listener: health, metrics, and the
// admin REST mount. It implements the inbound transport contract.
type Server struct {
	registry  *node.Registry
	approvals *service.ApprovalService
	health    *HealthChecker
	admin     http.Handler
	addr      string
	certFile  string
	keyFile   string
	logger    *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	server *http.Server
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8787".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithTLS enables TLS with the provided certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithAdminHandler mounts the admin REST API under /api/.
func WithAdminHandler(h http.Handler) Option {
	return func(s *Server) { s.admin = h }
}

// WithHealthChecker sets the checker behind /healthz.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) { s.health = hc }
}

// NewServer creates the operator-plane server. Registry and approvals
// feed the live gauges and may be nil in reduced deployments.
func NewServer(registry *node.Registry, approvals *service.ApprovalService, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:  registry,
		approvals: approvals,
		addr:      "127.0.0.1:8787",
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile-time check that Server implements the inbound port.
var _ inbound.Transport = (*Server)(nil)

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start begins serving. It blocks until the context is cancelled or a
// fatal server error occurs; graceful shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(reg)
	RegisterGauges(reg, s.registry, s.approvals)

	// Count approval lifecycle events off the broadcast hub.
	countDone := make(chan struct{})
	if s.approvals != nil {
		events, unsubscribe := s.approvals.Subscribe(16)
		defer func() {
			unsubscribe()
			<-countDone
		}()
		go func() {
			defer close(countDone)
			for ev := range events {
				metrics.ApprovalEvents.WithLabelValues(ev.Topic).Inc()
			}
		}()
	} else {
		close(countDone)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.routes(metrics, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.certFile != "" && s.keyFile != "" {
		server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	s.mu.Lock()
	s.ln = ln
	s.server = server
	s.mu.Unlock()

	s.logger.Info("operator plane listening",
		"addr", ln.Addr().String(),
		"tls", s.certFile != "",
		"admin_api", s.admin != nil)

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if s.certFile != "" && s.keyFile != "" {
			serveErr = server.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			serveErr = server.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// routes builds the mux and wraps it in the middleware chain.
func (s *Server) routes(metrics *Metrics, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	if s.admin != nil {
		mux.Handle("/api/", s.admin)
	}
	if s.health != nil {
		mux.Handle("/healthz", s.health.Handler())
	} else {
		mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		}))
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	var handler http.Handler = mux
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(metrics)(handler)
	return handler
}

// shutdown drains in-flight requests with a bounded grace period.
func (s *Server) shutdown() error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Error("operator plane shutdown failed", "error", err)
		return err
	}
	s.logger.Info("operator plane shutdown complete")
	return nil
}

// Close gracefully shuts the server down.
func (s *Server) Close() error {
	return s.shutdown()
}
