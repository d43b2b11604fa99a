package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CycleMetrics exposes Prometheus collectors for the cycle swap service.
type CycleMetrics struct {
	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	candidateCycles  prometheus.Histogram
	selected         prometheus.Counter
	commitPhases     *prometheus.CounterVec
	conflicts        prometheus.Counter
	settlementStates *prometheus.CounterVec
	receipts         *prometheus.CounterVec
	sweeps           *prometheus.CounterVec
}

var (
	cycleMetricsOnce sync.Once
	cycleRegistry    *CycleMetrics
)

// Cycles returns the lazily-initialised cycle metrics registered with the
// default Prometheus registerer.
func Cycles() *CycleMetrics {
	cycleMetricsOnce.Do(func() {
		cycleRegistry = &CycleMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cycleswap",
				Subsystem: "matching",
				Name:      "runs_total",
				Help:      "Matching runs segmented by outcome (ok, limited, timed_out, error).",
			}, []string{"outcome"}),
			runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "cycleswap",
				Subsystem: "matching",
				Name:      "run_duration_seconds",
				Help:      "Wall time of matching runs including persistence.",
				Buckets:   prometheus.DefBuckets,
			}),
			candidateCycles: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "cycleswap",
				Subsystem: "matching",
				Name:      "candidate_cycles",
				Help:      "Candidate cycles enumerated per run.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			}),
			selected: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cycleswap",
				Subsystem: "matching",
				Name:      "proposals_selected_total",
				Help:      "Proposals selected across all runs.",
			}),
			commitPhases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cycleswap",
				Subsystem: "commit",
				Name:      "phase_transitions_total",
				Help:      "Commit phase transitions segmented by target phase and reason.",
			}, []string{"phase", "reason"}),
			conflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cycleswap",
				Subsystem: "commit",
				Name:      "reservation_conflicts_total",
				Help:      "Accepts rejected because an intent was reserved by another commit.",
			}),
			settlementStates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cycleswap",
				Subsystem: "settlement",
				Name:      "transitions_total",
				Help:      "Settlement timeline transitions segmented by target state.",
			}, []string{"state"}),
			receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cycleswap",
				Subsystem: "settlement",
				Name:      "receipts_total",
				Help:      "Receipts issued segmented by final state.",
			}, []string{"final_state"}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cycleswap",
				Subsystem: "sweeper",
				Name:      "items_total",
				Help:      "Items handled by periodic sweeps segmented by sweep.",
			}, []string{"sweep"}),
		}
		prometheus.MustRegister(
			cycleRegistry.runs,
			cycleRegistry.runDuration,
			cycleRegistry.candidateCycles,
			cycleRegistry.selected,
			cycleRegistry.commitPhases,
			cycleRegistry.conflicts,
			cycleRegistry.settlementStates,
			cycleRegistry.receipts,
			cycleRegistry.sweeps,
		)
	})
	return cycleRegistry
}

// ObserveRun records a matching run.
func (m *CycleMetrics) ObserveRun(outcome string, elapsed time.Duration, candidates, selected int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(elapsed.Seconds())
	if outcome == "error" {
		return
	}
	m.candidateCycles.Observe(float64(candidates))
	m.selected.Add(float64(selected))
}

// RecordCommitPhase counts a commit phase change.
func (m *CycleMetrics) RecordCommitPhase(phase, reason string) {
	if m == nil {
		return
	}
	m.commitPhases.WithLabelValues(phase, reason).Inc()
}

// RecordConflict counts a rejected accept.
func (m *CycleMetrics) RecordConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// RecordSettlement counts a settlement transition.
func (m *CycleMetrics) RecordSettlement(state string) {
	if m == nil {
		return
	}
	m.settlementStates.WithLabelValues(state).Inc()
}

// RecordReceipt counts an issued receipt.
func (m *CycleMetrics) RecordReceipt(finalState string) {
	if m == nil {
		return
	}
	m.receipts.WithLabelValues(finalState).Inc()
}

// RecordSweep counts items handled by a sweep.
func (m *CycleMetrics) RecordSweep(sweep string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sweeps.WithLabelValues(sweep).Add(float64(count))
}
