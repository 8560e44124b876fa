// Package metrics exposes provisioning and watchdog measurements to
// Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/internal/reaper"
	"github.com/bnema/gantry/pkg/resource"
)

const namespace = "gantry"

// Recorder holds the collectors of one process. It registers them on its own
// registry so several recorders can coexist in tests.
type Recorder struct {
	registry     *prometheus.Registry
	provisions   *prometheus.CounterVec
	provisionDur *prometheus.HistogramVec
	transitions  *prometheus.CounterVec
	readiness    *prometheus.HistogramVec
	ready        *prometheus.GaugeVec
	swept        *prometheus.CounterVec
	sweepFails   prometheus.Counter
}

// New creates a Recorder with its collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		provisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisions_total",
			Help:      "Provision calls by result.",
		}, []string{"result"}),
		provisionDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Time from Provision call to result.",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"result"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_transitions_total",
			Help:      "Lifecycle transitions by resource kind and target state.",
		}, []string{"kind", "state"}),
		readiness: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "readiness_duration_seconds",
			Help:      "Time resources spent awaiting readiness.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		ready: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resources_ready",
			Help:      "Resources currently ready.",
		}, []string{"kind"}),
		swept: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_swept_total",
			Help:      "Objects removed by watchdog sweeps.",
		}, []string{"kind"}),
		sweepFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_sweep_failures_total",
			Help:      "Objects a watchdog sweep failed to remove.",
		}),
	}
}

func (r *Recorder) ObserveProvision(result string, d time.Duration) {
	if r == nil {
		return
	}
	r.provisions.WithLabelValues(result).Inc()
	r.provisionDur.WithLabelValues(result).Observe(d.Seconds())
}

func (r *Recorder) ObserveTransition(kind resource.Kind, from, to resource.State) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(string(kind), string(to)).Inc()
	switch {
	case to == resource.StateReady:
		r.ready.WithLabelValues(string(kind)).Inc()
	case from == resource.StateReady:
		r.ready.WithLabelValues(string(kind)).Dec()
	}
}

func (r *Recorder) ObserveReadiness(kind resource.Kind, d time.Duration) {
	if r == nil {
		return
	}
	r.readiness.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// ObserveSweep records the outcome of a watchdog sweep.
func (r *Recorder) ObserveSweep(report reaper.SweepReport) {
	if r == nil {
		return
	}
	r.swept.WithLabelValues(string(resource.KindContainer)).Add(float64(report.Containers))
	r.swept.WithLabelValues(string(resource.KindNetwork)).Add(float64(report.Networks))
	r.sweepFails.Add(float64(report.Failures))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the registry the collectors live on.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

const shutdownTimeout = 5 * time.Second

// Serve exposes /metrics on addr until ctx ends. It returns once the listener
// is bound; serving continues in the background.
func (r *Recorder) Serve(ctx context.Context, addr string) (net.Addr, error) {
	log := logging.FromCtx(ctx)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, logging.WrapErr(log, err, "failed to bind metrics address")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", ln.Addr().String()).Msg("serving metrics")
	return ln.Addr(), nil
}
