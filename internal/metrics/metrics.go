package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for invocations.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fnemu",
			Subsystem: "function",
			Name:      "invocations_total",
			Help:      "Number of function invocations by outcome.",
		}, []string{"name", "trigger", "outcome"},
	)
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fnemu",
			Subsystem: "function",
			Name:      "invocation_duration_seconds",
			Help:      "Wall time from request to response per invocation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name", "trigger"},
	)
	registryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fnemu",
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Registry mutations by operation and result.",
		}, []string{"op", "result"},
	)
	registered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fnemu",
			Subsystem: "registry",
			Name:      "functions",
			Help:      "Number of currently deployed functions.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{invocations, invocationDuration, registryOps, registered}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Helpers below no-op if Register hasn't been called.

func ObserveInvocation(name, trigger, outcome string, d time.Duration) {
	if regOK.Load() {
		invocations.WithLabelValues(name, trigger, outcome).Inc()
		invocationDuration.WithLabelValues(name, trigger).Observe(d.Seconds())
	}
}

func IncRegistryOp(op string, err error) {
	if regOK.Load() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		registryOps.WithLabelValues(op, result).Inc()
	}
}

func SetRegistered(n int) {
	if regOK.Load() {
		registered.Set(float64(n))
	}
}
