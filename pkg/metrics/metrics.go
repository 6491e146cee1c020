package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics represents the collection of session and proxy metrics. Each
// instance owns its registry, so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsEnded   *prometheus.CounterVec
	LaunchFailures  prometheus.Counter
	ProxyChecks     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "camou_sessions_started_total",
			Help: "Total number of browser host processes spawned",
		},
	)

	m.SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "camou_sessions_active",
			Help: "Number of registered sessions",
		},
	)

	m.SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camou_sessions_ended_total",
			Help: "Total number of sessions ended, by what ended them",
		},
		[]string{"trigger"},
	)

	m.LaunchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "camou_launch_failures_total",
			Help: "Total number of launches that failed to spawn or reported LAUNCH_FAILED",
		},
	)

	m.ProxyChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camou_proxy_checks_total",
			Help: "Total number of proxy probes, by result",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(
		m.SessionsStarted,
		m.SessionsActive,
		m.SessionsEnded,
		m.LaunchFailures,
		m.ProxyChecks,
	)

	return m
}

// SessionStarted counts a spawned host.
func (m *Metrics) SessionStarted() {
	m.SessionsStarted.Inc()
}

// SessionEnded counts an ended session under trigger.
func (m *Metrics) SessionEnded(trigger string) {
	m.SessionsEnded.WithLabelValues(trigger).Inc()
}

// LaunchFailed counts a failed launch.
func (m *Metrics) LaunchFailed() {
	m.LaunchFailures.Inc()
}

// ActiveSessions sets the active session gauge.
func (m *Metrics) ActiveSessions(n int) {
	m.SessionsActive.Set(float64(n))
}

// ProxyChecked counts a proxy probe by outcome.
func (m *Metrics) ProxyChecked(ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	m.ProxyChecks.WithLabelValues(result).Inc()
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on addr at /metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	}
}
