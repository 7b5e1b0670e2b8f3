package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentward/agentward/internal/domain/node"
	"github.com/agentward/agentward/internal/service"
)

// Metrics holds the Prometheus instruments for the operator plane.
// Request metrics are driven by MetricsMiddleware; approval lifecycle
// counts are driven off the broadcast hub by the server.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ApprovalEvents  *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments with the given
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentward",
				Name:      "requests_total",
				Help:      "Operator-plane HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentward",
				Name:      "request_duration_seconds",
				Help:      "Operator-plane request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ApprovalEvents: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentward",
				Name:      "approval_events_total",
				Help:      "Approval lifecycle events by broadcast topic",
			},
			[]string{"topic"},
		),
	}
}

// RegisterGauges wires gauges that read live gateway state on scrape.
// Nil components are skipped.
func RegisterGauges(reg prometheus.Registerer, registry *node.Registry, approvals *service.ApprovalService) {
	if registry != nil {
		promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "agentward",
				Name:      "connected_nodes",
				Help:      "Nodes currently registered with the gateway",
			},
			func() float64 { return float64(registry.Len()) },
		)
	}
	if approvals != nil {
		promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "agentward",
				Name:      "approvals_pending",
				Help:      "Approval requests awaiting a decision",
			},
			func() float64 { return float64(len(approvals.Pending())) },
		)
	}
}
