package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	RemoteFetchesTotal      *prometheus.CounterVec
	RemoteFetchDuration     *prometheus.HistogramVec
	CacheLookupsTotal       *prometheus.CounterVec
	StaleFallbacksTotal     *prometheus.CounterVec
	TrendRecomputesTotal    *prometheus.CounterVec
	ConversionRequestsTotal prometheus.Counter
}

// NewMetrics registers every collector on reg. Passing nil uses the default
// registry; tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"path", "method", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),

		RemoteFetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_sync_remote_fetches_total",
				Help: "Remote rate source calls by kind (current, range) and result",
			},
			[]string{"kind", "result"},
		),

		RemoteFetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rate_sync_remote_fetch_duration_seconds",
				Help:    "Remote rate source call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_sync_cache_lookups_total",
				Help: "Memory cache lookups by data shape and result (hit, miss)",
			},
			[]string{"shape", "result"},
		),

		StaleFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_sync_stale_fallbacks_total",
				Help: "Times stored data was served because the remote source failed",
			},
			[]string{"shape"},
		),

		TrendRecomputesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_sync_trend_recomputations_total",
				Help: "Trend recomputations by result (ok, insufficient, error)",
			},
			[]string{"result"},
		),

		ConversionRequestsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conversion_requests_total",
				Help: "Total number of currency conversion requests",
			},
		),
	}
}

// Result buckets an error into a low-cardinality label value.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
