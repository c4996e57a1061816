// Package metrics exports trigger timings and outcomes to Prometheus.
package metrics

import (
	"net/http"
	"time"

	trigger "github.com/goliatone/go-trigger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "workflow_trigger"

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Recorder implements trigger.MetricsRecorder with labelled vectors keyed
// by the operation name (dispatch, workflow, action, job, ...).
type Recorder struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

var _ trigger.MetricsRecorder = (*Recorder)(nil)

// Option configures a Recorder.
type Option func(*config)

type config struct {
	namespace string
	buckets   []float64
}

func WithNamespace(ns string) Option {
	return func(c *config) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

func WithBuckets(buckets []float64) Option {
	return func(c *config) {
		if len(buckets) > 0 {
			c.buckets = buckets
		}
	}
}

// New creates the instruments and registers them with reg. A nil reg uses
// a fresh registry.
func New(reg *prometheus.Registry, opts ...Option) (*Recorder, error) {
	cfg := config{namespace: DefaultNamespace, buckets: durationBuckets}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "operations_total",
			Help:      "Completed operations by name and status.",
		}, []string{"operation", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation duration in seconds.",
			Buckets:   cfg.buckets,
		}, []string{"operation"}),
		gatherer: reg,
	}
	for _, c := range []prometheus.Collector{r.Operations, r.Duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) RecordDuration(name string, duration time.Duration) {
	r.Duration.WithLabelValues(name).Observe(duration.Seconds())
}

func (r *Recorder) RecordError(name string) {
	r.Operations.WithLabelValues(name, "error").Inc()
}

func (r *Recorder) RecordSuccess(name string) {
	r.Operations.WithLabelValues(name, "success").Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
