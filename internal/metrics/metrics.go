package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AIAleph/wallet_features/internal/logging"
)

// Extraction pipeline counters and histograms.

var (
	// Explorer
	ExplorerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "features",
		Subsystem: "explorer",
		Name:      "requests_total",
		Help:      "Explorer HTTP requests by result",
	}, []string{"result"})

	ExplorerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "features",
		Subsystem: "explorer",
		Name:      "retries_total",
		Help:      "Explorer requests retried after a retryable failure",
	})

	ExplorerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "features",
		Subsystem: "explorer",
		Name:      "history_fetch_duration_seconds",
		Help:      "Time to walk one address history",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	ExplorerRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "features",
		Subsystem: "explorer",
		Name:      "rate_limit_waits_total",
		Help:      "Requests delayed by the client-side limiter",
	})

	ExplorerTxFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "features",
		Subsystem: "explorer",
		Name:      "transactions_fetched_total",
		Help:      "Transactions returned by the explorer after dedup",
	})

	HistoryCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "features",
		Subsystem: "explorer",
		Name:      "history_cache_hits_total",
		Help:      "Address histories served from the in-process cache",
	})

	// Driver
	AddressesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "features",
		Subsystem: "pipeline",
		Name:      "addresses_processed_total",
		Help:      "Addresses persisted, by status",
	}, []string{"status"})

	AddressesNotDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "features",
		Subsystem: "pipeline",
		Name:      "addresses_not_dispatched_total",
		Help:      "Addresses left undispatched at shutdown",
	})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "features",
		Subsystem: "pipeline",
		Name:      "in_flight",
		Help:      "Addresses currently being processed",
	})

	// Sinks
	SinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "features",
		Subsystem: "sink",
		Name:      "writes_total",
		Help:      "Record writes by sink and result",
	}, []string{"sink", "result"})
)

// RegisterMetrics mounts the Prometheus handler on mux.
func RegisterMetrics(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}

// Serve exposes /metrics on addr in the background. Callers shut the
// returned server down when the run ends.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	RegisterMetrics(mux)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Logger().Warn("metrics_server_failed", "component", "metrics", "addr", addr, "error", err.Error())
		}
	}()
	return srv
}
