// Package telemetry is the ambient logging + metrics stack threaded
// through every component constructor, replacing the per-thread ambient
// logger global named in spec §9.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// NewLogger builds the process-wide structured logger. Production builds
// use zap's JSON encoder; development builds (detected via dev) use zap's
// development console encoder.
func NewLogger(dev bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Metrics holds the process-wide Prometheus collectors for the server and
// client roles.
type Metrics struct {
	ConsolidationDuration prometheus.Histogram
	EventsEmittedTotal    *prometheus.CounterVec
	MergeFilteredGauge    *prometheus.GaugeVec
	IntegrityFilteredGauge *prometheus.GaugeVec
	ErrorQueueSizeGauge   *prometheus.GaugeVec
	HandlerFailuresTotal  *prometheus.CounterVec
}

// NewMetrics registers and returns the collector set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConsolidationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "hermes_consolidation_duration_seconds",
			Help: "Duration of one full datamodel consolidation pass.",
		}),
		EventsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_events_emitted_total",
			Help: "Number of events emitted, by object type and event type.",
		}, []string{"objtype", "eventtype"}),
		MergeFilteredGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hermes_merge_filtered_objects",
			Help: "Objects currently suppressed by merge constraints or conflicts, by type.",
		}, []string{"objtype"}),
		IntegrityFilteredGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hermes_integrity_filtered_objects",
			Help: "Objects currently suppressed by integrity constraints, by type.",
		}, []string{"objtype"}),
		ErrorQueueSizeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hermes_client_error_queue_size",
			Help: "Open error queue entries, by object type.",
		}, []string{"objtype"}),
		HandlerFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_client_handler_failures_total",
			Help: "Handler failures observed by the client applier, by object type.",
		}, []string{"objtype"}),
	}
	reg.MustRegister(
		m.ConsolidationDuration,
		m.EventsEmittedTotal,
		m.MergeFilteredGauge,
		m.IntegrityFilteredGauge,
		m.ErrorQueueSizeGauge,
		m.HandlerFailuresTotal,
	)
	return m
}
