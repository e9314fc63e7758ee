// Package metrics defines the Prometheus instruments emitted by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Intake result label values for EventsTotal.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
)

// Metrics holds all pipeline instruments, registered on a private registry
// so tests can construct isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	// EventsTotal counts intake outcomes by result: accepted, duplicate, rejected.
	EventsTotal *prometheus.CounterVec
	// QueueDepth tracks the current admission queue depth.
	QueueDepth prometheus.Gauge
	// ProcessingDuration observes per-event processing time, success or not.
	ProcessingDuration prometheus.Histogram
	// ProcessingErrors counts failed processing attempts.
	ProcessingErrors prometheus.Counter
}

// New creates a Metrics with all instruments registered, alongside the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total webhook events received",
		}, []string{"result"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webhook_queue_depth",
			Help: "Current number of events in the processing queue",
		}),
		ProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_processing_duration_seconds",
			Help:    "Event processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ProcessingErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "webhook_processing_errors_total",
			Help: "Total number of processing errors",
		}),
	}
}
