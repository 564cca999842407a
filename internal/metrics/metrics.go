// Package metrics wires the Prometheus registry for the scoring pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the engine and facade emit.
type Registry struct {
	reg *prometheus.Registry

	EventsTotal        *prometheus.CounterVec
	FraudTotal         prometheus.Counter
	BandTotal          *prometheus.CounterVec
	ScoreDuration      prometheus.Histogram
	PublishRetries     prometheus.Counter
	PublishFailures    prometheus.Counter
	DecodeErrors       prometheus.Counter
	DroppedEvents      prometheus.Counter
	PersistErrors      prometheus.Counter
	ExplainerFallbacks prometheus.Counter
	RingSize           prometheus.Gauge
	HistoryKeys        prometheus.Gauge
}

// NewRegistry creates and registers all pipeline metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		reg: reg,
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fraudrun_events_total",
				Help: "Total events consumed from the transaction channel by outcome",
			},
			[]string{"status"},
		),
		FraudTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fraudrun_fraud_total",
				Help: "Total events decided as fraud",
			},
		),
		BandTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fraudrun_risk_band_total",
				Help: "Total events per risk band",
			},
			[]string{"band"},
		),
		ScoreDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fraudrun_score_duration_seconds",
				Help:    "End-to-end scoring duration per event",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),
		PublishRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fraudrun_publish_retries_total",
				Help: "Total publish retry attempts on the results channel",
			},
		),
		PublishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fraudrun_publish_failures_total",
				Help: "Total payloads dropped after exhausting publish retries",
			},
		),
		DecodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fraudrun_decode_errors_total",
				Help: "Total malformed inbound payloads dropped",
			},
		),
		DroppedEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fraudrun_dropped_events_total",
				Help: "Total events dropped by partition backpressure",
			},
		),
		PersistErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fraudrun_persist_errors_total",
				Help: "Total best-effort persistence failures",
			},
		),
		ExplainerFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fraudrun_explainer_fallbacks_total",
				Help: "Total remote explainer failures that fell back to template",
			},
		),
		RingSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fraudrun_recent_ring_size",
				Help: "Current number of results held in the recent ring",
			},
		),
		HistoryKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fraudrun_history_active_keys",
				Help: "Tracked entities across the history store namespaces",
			},
		),
	}

	reg.MustRegister(
		r.EventsTotal, r.FraudTotal, r.BandTotal, r.ScoreDuration,
		r.PublishRetries, r.PublishFailures, r.DecodeErrors, r.DroppedEvents,
		r.PersistErrors, r.ExplainerFallbacks, r.RingSize, r.HistoryKeys,
	)
	return r
}

// Handler exposes the registry for the facade's /metrics route.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
