package provider

import "github.com/prometheus/client_golang/prometheus"

var EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nostrdoc",
	Subsystem: "provider",
	Name:      "events_published",
}, []string{"reason"})

var PublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nostrdoc",
	Subsystem: "provider",
	Name:      "publish_failures",
}, []string{"reason"})

var EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nostrdoc",
	Subsystem: "provider",
	Name:      "events_ingested",
}, []string{"origin"})

var MalformedEvents = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "nostrdoc",
	Subsystem: "provider",
	Name:      "malformed_events",
})

var ReconcileOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nostrdoc",
	Subsystem: "provider",
	Name:      "reconcile_outcomes",
}, []string{"outcome"})

var FlushBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "nostrdoc",
	Subsystem: "provider",
	Name:      "flush_batch_size",
	Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 256},
})

// Collectors returns every provider metric for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		EventsPublished,
		PublishFailures,
		EventsIngested,
		MalformedEvents,
		ReconcileOutcomes,
		FlushBatchSize,
	}
}
