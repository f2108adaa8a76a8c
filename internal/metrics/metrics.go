// Package metrics exposes the pipeline's own health counters on a
// per-pipeline prometheus registry, so embedding hosts can scrape or gather
// them without colliding with their own collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the pipeline counters.
type Metrics struct {
	Registry *prometheus.Registry

	EventsTracked   *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	EventsExported  prometheus.Counter
	BatchesExported prometheus.Counter
	ExportFailures  prometheus.Counter
}

// New builds and registers the counters.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsTracked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tracepoint",
				Name:      "events_tracked_total",
				Help:      "Total number of events accepted by the ingestion front door.",
			},
			[]string{"type"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tracepoint",
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped before persistence.",
			},
			[]string{"reason"},
		),
		EventsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracepoint",
			Name:      "events_exported_total",
			Help:      "Total number of events confirmed delivered to the backend.",
		}),
		BatchesExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracepoint",
			Name:      "batches_exported_total",
			Help:      "Total number of batches confirmed delivered to the backend.",
		}),
		ExportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracepoint",
			Name:      "export_failures_total",
			Help:      "Total number of failed batch export attempts.",
		}),
	}
	m.Registry.MustRegister(
		m.EventsTracked,
		m.EventsDropped,
		m.EventsExported,
		m.BatchesExported,
		m.ExportFailures,
	)
	return m
}
