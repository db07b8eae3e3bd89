// -----------------------------------------------------------------------
// Prometheus metrics for the orchestrator
// -----------------------------------------------------------------------

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsSubmitted counts prompts accepted by a backend
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fresco_jobs_submitted_total",
		Help: "Render jobs submitted to backends",
	}, []string{"backend"})

	// JobsTracked counts tracking outcomes by status
	JobsTracked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fresco_jobs_tracked_total",
		Help: "Tracking outcomes for submitted jobs",
	}, []string{"status"})

	// ChainsFinished counts finished chains by terminal status
	ChainsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fresco_chains_finished_total",
		Help: "Chain executions reaching a terminal status",
	}, []string{"status"})

	// ApprovalDecisions counts approval outcomes
	ApprovalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fresco_approval_decisions_total",
		Help: "Approval request decisions",
	}, []string{"decision"})

	// ArtifactBytes totals bytes written to the artifact store
	ArtifactBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fresco_artifact_bytes_total",
		Help: "Bytes written to the local artifact store",
	})

	// BackendsOnline gauges the online backend count
	BackendsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fresco_backends_online",
		Help: "Backends currently reporting healthy",
	})
)

// Handler serves the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
