// Package metrics records watcher activity as Prometheus metrics and serves
// them over HTTP together with a health probe.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"price_watcher/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeFetchFailed = "fetch_failed"
	OutcomeStoreFailed = "store_failed"
	OutcomeSinkFailed  = "sink_failed"
)

// Recorder holds the watcher's metrics. A nil *Recorder records nothing.
type Recorder struct {
	registry        *prometheus.Registry
	cyclesTotal     *prometheus.CounterVec
	changesTotal    *prometheus.CounterVec
	announcements   *prometheus.CounterVec
	storeRetries    *prometheus.CounterVec
	invalidRecords  prometheus.Counter
	cycleDuration   prometheus.Histogram
	trackedProducts prometheus.Gauge
	lastSuccess     prometheus.Gauge
}

// NewRecorder registers all metrics on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_watcher_cycles_total",
				Help: "Reconciliation cycles by outcome",
			},
			[]string{"outcome"},
		),
		changesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_watcher_price_changes_total",
				Help: "Classified product changes by kind",
			},
			[]string{"kind"},
		),
		announcements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_watcher_announcements_total",
				Help: "Pin state machine transitions by action",
			},
			[]string{"action"},
		),
		storeRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_watcher_store_retries_total",
				Help: "State store retries by operation",
			},
			[]string{"op"},
		),
		invalidRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "price_watcher_invalid_records_total",
			Help: "Catalog records skipped by the normalizer",
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "price_watcher_cycle_duration_seconds",
			Help:    "Duration of reconciliation cycles in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		trackedProducts: f.NewGauge(prometheus.GaugeOpts{
			Name: "price_watcher_tracked_products",
			Help: "Products held in the persisted price state",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "price_watcher_last_success_timestamp_seconds",
			Help: "Unix time of the last fully committed cycle",
		}),
	}
}

// ObserveCycle records one finished cycle.
func (r *Recorder) ObserveCycle(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.cyclesTotal.WithLabelValues(outcome).Inc()
	r.cycleDuration.Observe(d.Seconds())
	if outcome == OutcomeOK {
		r.lastSuccess.SetToCurrentTime()
	}
}

// ObserveChanges adds the per-kind counts of one cycle.
func (r *Recorder) ObserveChanges(counts map[models.ChangeKind]int) {
	if r == nil {
		return
	}
	for kind, n := range counts {
		r.changesTotal.WithLabelValues(string(kind)).Add(float64(n))
	}
}

// ObserveAnnouncement counts a pin machine action ("none" included).
func (r *Recorder) ObserveAnnouncement(action string) {
	if r == nil {
		return
	}
	r.announcements.WithLabelValues(action).Inc()
}

// IncStoreRetry matches storage.Options.OnRetry.
func (r *Recorder) IncStoreRetry(op string, attempt int, err error) {
	if r == nil {
		return
	}
	r.storeRetries.WithLabelValues(op).Inc()
}

func (r *Recorder) AddInvalidRecords(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.invalidRecords.Add(float64(n))
}

func (r *Recorder) SetTrackedProducts(n int) {
	if r == nil {
		return
	}
	r.trackedProducts.Set(float64(n))
}

// Handler serves /metrics and /health.
func (r *Recorder) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", HealthHandler)
	return mux
}

// HealthHandler handles HTTP requests to the /health endpoint
func HealthHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Serve runs the metrics server on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Metrics: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
