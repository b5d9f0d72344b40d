package merge

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunMetrics exposes the outcome of merge runs in the Prometheus text
// format. Each RunMetrics owns its registry so runs never share state.
type RunMetrics struct {
	registry *prometheus.Registry

	features     *prometheus.GaugeVec
	records      *prometheus.GaugeVec
	evidence     *prometheus.GaugeVec
	roadChanges  *prometheus.GaugeVec
	inheritance  *prometheus.GaugeVec
	links        *prometheus.GaugeVec
	conflicts    *prometheus.GaugeVec
	exclusions   *prometheus.GaugeVec
	duration     *prometheus.GaugeVec
	lastComplete *prometheus.GaugeVec
	runs         *prometheus.CounterVec
}

// NewRunMetrics registers the histmerge collectors on a fresh registry.
func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{
		registry: prometheus.NewRegistry(),
		features: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmerge_features",
			Help: "Features written by the last run, by output collection.",
		}, []string{"kind", "output"}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmerge_source_records",
			Help: "Per-source record counts of the last run.",
		}, []string{"kind", "source", "state"}),
		evidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmerge_evidence_features",
			Help: "Merged features by evidence level.",
		}, []string{"kind", "level"}),
		roadChanges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmerge_road_changes",
			Help: "Merged roads by change class.",
		}, []string{"change"}),
		inheritance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmerge_inherited_dates",
			Help: "Start dates assigned by inheritance, by method.",
		}, []string{"method"}),
		links: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmerge_replacement_links",
			Help: "Replacement links created by the last run.",
		}, []string{"kind"}),
		conflicts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmerge_date_conflicts",
			Help: "Features whose resolved end preceded the start.",
		}, []string{"kind"}),
		exclusions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmerge_exclusions",
			Help: "Features excluded from matching, by reason.",
		}, []string{"kind", "reason"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmerge_run_duration_seconds",
			Help: "Wall time of the last run.",
		}, []string{"kind"}),
		lastComplete: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histmerge_last_completion_timestamp_seconds",
			Help: "Unix time the last run completed.",
		}, []string{"kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "histmerge_runs_total",
			Help: "Completed runs.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(m.features, m.records, m.evidence, m.roadChanges, m.inheritance,
		m.links, m.conflicts, m.exclusions, m.duration, m.lastComplete, m.runs)
	return m
}

// Observe records a finalized report.
func (m *RunMetrics) Observe(r *MergeReport, elapsed time.Duration, completed time.Time) {
	kind := r.Kind

	m.features.WithLabelValues(kind, "merged").Set(float64(r.MergedFeatures))
	m.features.WithLabelValues(kind, "unmatched").Set(float64(r.UnmatchedFeatures))

	for _, id := range r.SourceIDs() {
		s := r.Sources[id]
		for state, v := range map[string]int{
			"loaded":           s.Loaded,
			"matched":          s.Matched,
			"unmatched":        s.Unmatched,
			"attached":         s.Attached,
			"degenerate":       s.Degenerate,
			"discarded_claims": s.DiscardedClaims,
			"unlinked":         s.Unlinked,
		} {
			m.records.WithLabelValues(kind, id, state).Set(float64(v))
		}
	}

	for _, lvl := range []EvidenceLevel{EvidenceHigh, EvidenceMedium, EvidenceLow} {
		m.evidence.WithLabelValues(kind, lvl.String()).Set(float64(r.Evidence[lvl.String()]))
	}

	if kind == KindRoads {
		for _, c := range AllChangeClasses {
			m.roadChanges.WithLabelValues(c.String()).Set(float64(r.RoadChanges[c.String()]))
		}
	} else {
		for _, method := range []DateMethod{MethodMedian, MethodNearest, MethodFallback} {
			m.inheritance.WithLabelValues(string(method)).Set(float64(r.Inheritance[string(method)]))
		}
		m.links.WithLabelValues(kind).Set(float64(r.ReplacementLinks))
	}
	m.conflicts.WithLabelValues(kind).Set(float64(r.DateConflicts))

	byReason := make(map[string]int)
	for _, ex := range r.Exclusions {
		byReason[ex.Reason]++
	}
	for reason, n := range byReason {
		m.exclusions.WithLabelValues(kind, reason).Set(float64(n))
	}

	m.duration.WithLabelValues(kind).Set(elapsed.Seconds())
	m.lastComplete.WithLabelValues(kind).Set(float64(completed.Unix()))
	m.runs.WithLabelValues(kind).Inc()
}

// Gatherer returns the registry backing m.
func (m *RunMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes all metrics for the node exporter textfile collector.
func (m *RunMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
