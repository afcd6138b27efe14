// Package metrics exposes Prometheus instrumentation for the
// coordinator. All collectors are registered on the default registry
// at init so any package can record without wiring.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PhasesByStatus tracks the current number of phases in each status.
	// Updated by the coordinator's state refresh, not on every transition.
	PhasesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "foreman_phases",
		Help: "Current number of phases by status.",
	}, []string{"status"})

	// Admissions counts phases claimed for execution.
	Admissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_admissions_total",
		Help: "Phases admitted to execution.",
	})

	// Completions counts completion reports by outcome.
	Completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_completions_total",
		Help: "Completion reports applied, by reported status.",
	}, []string{"status"})

	// DuplicateCompletions counts completion reports dropped by dedup.
	DuplicateCompletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_completions_duplicate_total",
		Help: "Completion reports ignored as duplicates.",
	})

	// RejectedCompletions counts completion reports refused before apply.
	RejectedCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_completions_rejected_total",
		Help: "Completion reports rejected, by reason.",
	}, []string{"reason"})

	// TicketFailures counts ticket creations that exhausted retries.
	TicketFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_ticket_failures_total",
		Help: "Ticket creations that failed after retries.",
	})

	// WorkerSpawns counts detached worker processes started.
	WorkerSpawns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_worker_spawns_total",
		Help: "Worker processes spawned.",
	})

	// WorkerSpawnErrors counts worker processes that failed to start.
	WorkerSpawnErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_worker_spawn_errors_total",
		Help: "Worker processes that failed to start.",
	})

	// SSESubscribers tracks currently connected event stream clients.
	SSESubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_sse_subscribers",
		Help: "Connected SSE clients.",
	})

	// OrphansReaped counts running phases failed by the orphan sweep.
	OrphansReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_orphans_reaped_total",
		Help: "Running phases marked failed by startup or periodic orphan sweeps.",
	})
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
