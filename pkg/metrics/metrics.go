package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Recorder collects per-run export counters on a private registry so they
// can be pushed to a Prometheus push gateway when the run ends.
type Recorder struct {
	registry *prometheus.Registry

	exported *prometheus.CounterVec
	failed   *prometheus.CounterVec
	flaws    *prometheus.CounterVec
	lastRun  prometheus.Gauge
}

// NewRecorder registers the export metrics on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		exported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veracodecsv_builds_exported_total",
			Help: "Builds written to CSV.",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veracodecsv_builds_failed_total",
			Help: "Builds that could not be extracted or written.",
		}, []string{"kind"}),
		flaws: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veracodecsv_flaws_exported_total",
			Help: "Flaw rows written to CSV.",
		}, []string{"kind"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "veracodecsv_last_run_timestamp_seconds",
			Help: "Unix time the last export run finished.",
		}),
	}
	r.registry.MustRegister(r.exported, r.failed, r.flaws, r.lastRun)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) BuildExported(kind string, flaws int) {
	r.exported.WithLabelValues(kind).Inc()
	r.flaws.WithLabelValues(kind).Add(float64(flaws))
}

func (r *Recorder) BuildFailed(kind string) {
	r.failed.WithLabelValues(kind).Inc()
}

// Finish stamps the run completion time.
func (r *Recorder) Finish(at time.Time) {
	r.lastRun.Set(float64(at.Unix()))
}

// Push sends the collected metrics to the gateway at url under job.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	return push.New(url, job).Gatherer(r.registry).PushContext(ctx)
}
