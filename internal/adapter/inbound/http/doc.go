// Package http serves the AgentWard operator plane over HTTP.
//
// This listener is for humans and scrapers, never for agents: the
// agent-facing enforcement front has its own socket. It binds to
// loopback unless configured otherwise.
//
// # Usage
//
// Create and start a server:
//
//	srv := http.NewServer(registry, approvals, logger,
//	    http.WithAddr("127.0.0.1:8787"),
//	    http.WithAdminHandler(adminAPI),
//	    http.WithHealthChecker(checker),
//	)
//	err := srv.Start(ctx)
//
// # Endpoints
//
//	GET /healthz  - component health, 200 when healthy, 503 otherwise
//	GET /metrics  - Prometheus registry for this process
//	/api/...      - admin REST API when an admin handler is mounted
//
// # Metrics
//
// Request totals and durations are recorded by middleware. Gateway
// state gauges (connected nodes, pending approvals) read live values on
// scrape, and approval lifecycle events are counted from the broadcast
// hub. Everything registers under the agentward namespace.
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - duration and status, outermost for full timing
//  2. RequestIDMiddleware - X-Request-ID extraction and logger enrichment
//  3. Mux - routes to health, metrics, or the admin API
package http
