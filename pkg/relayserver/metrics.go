package relayserver

import "github.com/prometheus/client_golang/prometheus"

var StoredEvents = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "nostrdoc",
	Subsystem: "relay",
	Name:      "stored_events",
})

var RejectedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nostrdoc",
	Subsystem: "relay",
	Name:      "rejected_events",
}, []string{"reason"})

var DeliveredEvents = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "nostrdoc",
	Subsystem: "relay",
	Name:      "delivered_events",
})

var OpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "nostrdoc",
	Subsystem: "relay",
	Name:      "open_connections",
})

var OpenSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "nostrdoc",
	Subsystem: "relay",
	Name:      "open_subscriptions",
})

// Collectors returns every relay metric for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		StoredEvents,
		RejectedEvents,
		DeliveredEvents,
		OpenConnections,
		OpenSubscriptions,
	}
}
