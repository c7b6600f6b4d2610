// Package metrics holds the prometheus collectors of the fleet service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// KeyRegistrations counts key registration attempts by reason code
	KeyRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probefleet_key_registrations_total",
		Help: "Probe key registration attempts by result",
	}, []string{"result"})

	// Pushes counts push triggers by outcome
	Pushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probefleet_pushes_total",
		Help: "Configuration push triggers by result",
	}, []string{"result"})

	// PushInventorySize tracks how many probes each spawned run targets
	PushInventorySize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "probefleet_push_inventory_size",
		Help:    "Number of probes in the inventory of a spawned push",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})

	// StatusRebuilds counts status snapshot rebuilds
	StatusRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probefleet_status_rebuilds_total",
		Help: "Status snapshot rebuilds by trigger",
	}, []string{"trigger"})

	// ProbesCreated counts probes created through the allocator
	ProbesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probefleet_probes_created_total",
		Help: "Probes created",
	})
)

// Handler serves the default prometheus registry
func Handler() http.Handler {
	return promhttp.Handler()
}
