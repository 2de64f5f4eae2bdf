// Package metrics exposes Prometheus collectors for the chat engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the collectors recorded by the engine and the transports.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	GenerationsTotal    *prometheus.CounterVec
	GenerationDuration  *prometheus.HistogramVec
	ContextMessages     prometheus.Histogram
	StoreErrorsTotal    *prometheus.CounterVec
	RequestsInFlight    prometheus.Gauge
	PersonalitySwitches *prometheus.CounterVec
	StoredUsers         prometheus.Gauge
	StoredMessages      prometheus.Gauge
	DailyActiveUsers    prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.RequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatter_requests_total",
			Help: "Total number of handled chat operations",
		},
		[]string{"operation", "status"},
	)
	m.GenerationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatter_generations_total",
			Help: "Total number of generation attempts per provider",
		},
		[]string{"provider", "status"},
	)
	m.GenerationDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatter_generation_duration_seconds",
			Help:    "Duration of generation calls in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)
	m.ContextMessages = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatter_context_messages",
			Help:    "Number of messages in assembled prompt contexts",
			Buckets: prometheus.LinearBuckets(1, 4, 10),
		},
	)
	m.StoreErrorsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatter_store_errors_total",
			Help: "Total number of storage failures seen by the engine",
		},
		[]string{"operation"},
	)
	m.RequestsInFlight = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatter_requests_in_flight",
			Help: "Number of chat operations currently being processed",
		},
	)
	m.PersonalitySwitches = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatter_personality_switches_total",
			Help: "Total number of personality selections",
		},
		[]string{"personality"},
	)
	m.StoredUsers = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatter_stored_users",
			Help: "Users with retained history at the last usage report",
		},
	)
	m.StoredMessages = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatter_stored_messages",
			Help: "Retained messages at the last usage report",
		},
	)
	m.DailyActiveUsers = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatter_daily_active_users",
			Help: "Users who sent a message on the day of the last usage report",
		},
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordRequest counts a finished operation.
func (m *Metrics) RecordRequest(operation string, err error) {
	m.RequestsTotal.WithLabelValues(operation, status(err)).Inc()
}

// RecordGeneration counts one provider call and observes its duration.
func (m *Metrics) RecordGeneration(provider string, err error, d time.Duration) {
	m.GenerationsTotal.WithLabelValues(provider, status(err)).Inc()
	m.GenerationDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the /metrics and /health endpoints on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
