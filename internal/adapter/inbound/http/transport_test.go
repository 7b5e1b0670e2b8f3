package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentward/agentward/internal/domain/approval"
	"github.com/agentward/agentward/internal/domain/node"
	"github.com/agentward/agentward/internal/service"
)

// markerHandler writes a marker header so routing tests can see which
// handler a request reached.
func markerHandler(marker string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", marker)
		fmt.Fprint(w, marker)
	})
}

// newRoutedHandler builds the same handler chain Start builds, minus
// the listener, so routing tests stay fast.
func newRoutedHandler(t *testing.T, opts ...Option) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(nil, nil, logger, opts...)
	reg := prometheus.NewRegistry()
	return s.routes(NewMetrics(reg), reg)
}

func TestRoutesAdminMount(t *testing.T) {
	handler := newRoutedHandler(t, WithAdminHandler(markerHandler("admin")))
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/approvals")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Handler"); got != "admin" {
		t.Errorf("GET /api/approvals reached handler %q, want admin", got)
	}
}

func TestRoutesNoAdminMount(t *testing.T) {
	handler := newRoutedHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/approvals")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /api/approvals without admin handler = %d, want 404", resp.StatusCode)
	}
}

func TestRoutesHealthzFallback(t *testing.T) {
	handler := newRoutedHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "healthy") {
		t.Errorf("healthz body = %q", body)
	}
}

func TestRoutesFavicon(t *testing.T) {
	handler := newRoutedHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/favicon.ico")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("GET /favicon.ico = %d, want 204", resp.StatusCode)
	}
}

func TestRoutesStampRequestID(t *testing.T) {
	handler := newRoutedHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header on response")
	}
}

func TestAddrNilBeforeStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(nil, nil, logger)
	if s.Addr() != nil {
		t.Errorf("Addr before Start = %v, want nil", s.Addr())
	}
}

func TestServerStartServesAndShutsDown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := node.NewRegistry(logger)
	approvals := service.NewApprovalService(approval.NewManager(logger), nil, logger)
	hc := NewHealthChecker(nil, registry, approvals, "test")

	s := NewServer(registry, approvals, logger,
		WithAddr("127.0.0.1:0"),
		WithHealthChecker(hc),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	var addr net.Addr
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr = s.Addr(); addr != nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("server did not bind within 2s")
	}
	base := "http://" + addr.String()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", resp.StatusCode)
	}
	if health.Status != "healthy" {
		t.Errorf("health status = %q, want healthy", health.Status)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "agentward_connected_nodes") {
		t.Error("expected agentward_connected_nodes gauge in /metrics output")
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("expected go collector metrics in /metrics output")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return within 5s after cancel")
	}
}

func TestServerStartBadAddr(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(nil, nil, logger, WithAddr("127.0.0.1:99999"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err == nil {
		t.Error("expected listen error for bad address")
	}
}

func TestCloseBeforeStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(nil, nil, logger)
	if err := s.Close(); err != nil {
		t.Errorf("Close before Start = %v, want nil", err)
	}
}
