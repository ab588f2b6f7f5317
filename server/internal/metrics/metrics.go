// Package metrics exposes the server's Prometheus instrumentation. Metrics
// are package-level so any component can record against them without
// threading a registry handle through every constructor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AgentsConnected tracks the number of Broker sessions currently
	// attached (status "up").
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fuzzctl",
		Subsystem: "server",
		Name:      "agents_connected",
		Help:      "Number of agents with a live Broker session.",
	})

	// JobsCompletedTotal counts terminal sub-job transitions by status
	// ("completed" or "error").
	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fuzzctl",
		Subsystem: "server",
		Name:      "jobs_completed_total",
		Help:      "Total sub-jobs that reached a terminal status.",
	}, []string{"status"})

	// CrashesFoundTotal counts Crash rows inserted by the Broker.
	CrashesFoundTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fuzzctl",
		Subsystem: "server",
		Name:      "crashes_found_total",
		Help:      "Total crash files recorded across all collections.",
	})

	// ReconcilerRunsTotal counts Reconciler invocations, one per Broker
	// attach.
	ReconcilerRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fuzzctl",
		Subsystem: "server",
		Name:      "reconciler_runs_total",
		Help:      "Total times the Reconciler ran after an agent attach.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
