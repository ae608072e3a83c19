package rscedge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of an edge instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Responses sent, by Cache-Status (hit or fwd) and forward reason.
	RequestsTotal *prometheus.CounterVec
	// Requests whose query parameter was rewritten, by parameter.
	NormalizedTotal *prometheus.CounterVec
	OriginDuration  prometheus.Histogram
	// Refresh attempts, by result (refreshed, purged).
	RefreshTotal *prometheus.CounterVec
	StoreErrors  prometheus.Counter
}

// NewMetrics creates and registers all metrics.
// If reg is nil, a new registry is created.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rsc_edge",
				Name:      "requests_total",
				Help:      "Total number of responses sent to clients",
			},
			[]string{"status", "fwd"},
		),
		NormalizedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rsc_edge",
				Name:      "normalized_total",
				Help:      "Total number of requests with a normalized query parameter",
			},
			[]string{"param"},
		),
		OriginDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "rsc_edge",
				Name:      "origin_request_duration_seconds",
				Help:      "Duration of requests to the origin",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rsc_edge",
				Name:      "refresh_total",
				Help:      "Total number of cache entry refreshes",
			},
			[]string{"result"},
		),
		StoreErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rsc_edge",
				Name:      "store_errors_total",
				Help:      "Total number of cache store errors",
			},
		),
	}
}
