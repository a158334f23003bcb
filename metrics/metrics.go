// Package metrics exposes Prometheus counters for the automation engine.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teranos/hrpulse/errors"
)

// Metrics holds the engine's collectors on one registry.
type Metrics struct {
	registry *prometheus.Registry

	Actions     *prometheus.CounterVec
	SweepItems  *prometheus.CounterVec
	Jobs        *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry, alongside the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hrpulse_actions_total",
			Help: "Queued action transitions by kind and resulting status.",
		}, []string{"kind", "status"}),
		SweepItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hrpulse_sweep_items_total",
			Help: "Items handled by periodic sweeps.",
		}, []string{"sweep", "outcome"}),
		Jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hrpulse_jobs_total",
			Help: "Executed queue jobs by handler and outcome.",
		}, []string{"handler", "outcome"}), // outcome: completed, retried, failed, released
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hrpulse_job_duration_seconds",
			Help:    "Duration of job handler execution.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"handler"}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveJob records one executed job.
func (m *Metrics) ObserveJob(handler, outcome string, d time.Duration) {
	m.Jobs.WithLabelValues(handler, outcome).Inc()
	m.JobDuration.WithLabelValues(handler).Observe(d.Seconds())
}

// ActionTransition records a queued action reaching status.
func (m *Metrics) ActionTransition(kind, status string) {
	m.Actions.WithLabelValues(kind, status).Inc()
}

// SweepItem records one item handled by a sweep.
func (m *Metrics) SweepItem(sweep, outcome string) {
	m.SweepItems.WithLabelValues(sweep, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	log.Infow("Metrics server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutdownCtx), "metrics server shutdown")
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "metrics server failed")
	}
}
