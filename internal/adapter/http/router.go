package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/metrics"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestIDHeader = "X-Request-ID"

type Router struct {
	handler  *Handler
	log      *logger.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

// NewRouter serves /metrics from gatherer, or from the default registry when
// gatherer is nil.
func NewRouter(handler *Handler, log *logger.Logger, metrics *metrics.Metrics, gatherer prometheus.Gatherer) *Router {
	return &Router{
		handler:  handler,
		log:      log,
		metrics:  metrics,
		gatherer: gatherer,
	}
}

// traceMiddleware reuses an inbound X-Request-ID or mints a new one.
func (r *Router) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		traceID := req.Header.Get(requestIDHeader)
		if traceID == "" {
			traceID = logger.NewTraceID()
		}
		w.Header().Set(requestIDHeader, traceID)
		next.ServeHTTP(w, req.WithContext(logger.WithTraceID(req.Context(), traceID)))
	})
}

func (r *Router) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()

		crw := &customResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(crw, req)

		// Pattern is filled in by the mux; it keeps label cardinality bounded.
		path := req.Pattern
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start)
		r.metrics.HTTPRequestDuration.WithLabelValues(path, req.Method).Observe(duration.Seconds())
		r.metrics.HTTPRequestsTotal.WithLabelValues(path, req.Method, fmt.Sprintf("%dxx", crw.statusCode/100)).Inc()

		r.log.WithContext(req.Context()).Info("HTTP request",
			"method", req.Method,
			"path", req.URL.Path,
			"query", req.URL.RawQuery,
			"status", crw.statusCode,
			"duration", duration,
			"remote_addr", req.RemoteAddr,
			"user_agent", req.UserAgent(),
		)
	})
}

type customResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (crw *customResponseWriter) WriteHeader(code int) {
	crw.statusCode = code
	crw.ResponseWriter.WriteHeader(code)
}

func (r *Router) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/rates", r.handler.GetCurrentRatesHandler)
	mux.HandleFunc("POST /api/v1/rates/refresh", r.handler.RefreshRatesHandler)
	mux.HandleFunc("GET /api/v1/convert", r.handler.ConvertCurrencyHandler)
	mux.HandleFunc("GET /api/v1/historical", r.handler.GetHistoricalRatesHandler)
	mux.HandleFunc("POST /api/v1/historical/sync", r.handler.SyncHistoricalHandler)
	mux.HandleFunc("GET /api/v1/historical/coverage", r.handler.GetHistoryCoverageHandler)
	mux.HandleFunc("GET /api/v1/trends", r.handler.GetTrendsHandler)
	mux.HandleFunc("POST /api/v1/trends/recompute", r.handler.RecomputeTrendsHandler)
	mux.HandleFunc("DELETE /api/v1/data", r.handler.ClearDataHandler)
	mux.HandleFunc("GET /api/v1/fetch-cursor", r.handler.GetFetchCursorHandler)
	mux.HandleFunc("PUT /api/v1/fetch-cursor", r.handler.UpdateFetchCursorHandler)

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	apiWithMiddleware := r.traceMiddleware(r.loggingMiddleware(mux))

	rootMux := http.NewServeMux()
	rootMux.Handle("/", apiWithMiddleware)

	if r.gatherer != nil {
		rootMux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	} else {
		rootMux.Handle("GET /metrics", promhttp.Handler())
	}

	return rootMux
}
