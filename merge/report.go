package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// SourceStats are the per-source counters of a run.
type SourceStats struct {
	Loaded          int `json:"loaded"`
	Matched         int `json:"matched"`
	Unmatched       int `json:"unmatched"`
	Attached        int `json:"attached_by_ref"`
	Degenerate      int `json:"degenerate"`
	DiscardedClaims int `json:"discarded_claims"`
	Unlinked        int `json:"unlinked"`
}

func (s *SourceStats) add(o *SourceStats) {
	s.Loaded += o.Loaded
	s.Matched += o.Matched
	s.Unmatched += o.Unmatched
	s.Attached += o.Attached
	s.Degenerate += o.Degenerate
	s.DiscardedClaims += o.DiscardedClaims
	s.Unlinked += o.Unlinked
}

// Exclusion records a feature dropped from matching.
type Exclusion struct {
	SourceID string `json:"source"`
	RecordID string `json:"record"`
	Reason   string `json:"reason"`
}

// MergeReport aggregates the counts of one run. Workers fill private
// partitions which are combined with Merge once matching is done.
type MergeReport struct {
	Kind              string                  `json:"kind"`
	Sources           map[string]*SourceStats `json:"sources"`
	MergedFeatures    int                     `json:"merged_features"`
	UnmatchedFeatures int                     `json:"unmatched_features"`
	ReplacementLinks  int                     `json:"replacement_links"`
	Promotions        int                     `json:"promotions"`
	DateConflicts     int                     `json:"date_conflicts"`
	NoGeometry        int                     `json:"dropped_no_geometry"`
	Inheritance       map[string]int          `json:"inheritance"`
	Evidence          map[string]int          `json:"evidence"`
	RoadChanges       map[string]int          `json:"road_changes,omitempty"`
	Exclusions        []Exclusion             `json:"exclusions"`
}

// NewMergeReport returns an empty report for a feature kind.
func NewMergeReport(kind string) *MergeReport {
	return &MergeReport{
		Kind:        kind,
		Sources:     make(map[string]*SourceStats),
		Inheritance: make(map[string]int),
		Evidence:    make(map[string]int),
		Exclusions:  []Exclusion{},
	}
}

// Source returns the counters for sourceID, creating them on first use.
func (r *MergeReport) Source(sourceID string) *SourceStats {
	s, ok := r.Sources[sourceID]
	if !ok {
		s = &SourceStats{}
		r.Sources[sourceID] = s
	}
	return s
}

func (r *MergeReport) exclude(rec *SourceRecord, reason string) {
	r.Source(rec.SourceID).Degenerate++
	r.Exclusions = append(r.Exclusions, Exclusion{SourceID: rec.SourceID, RecordID: rec.RecordID, Reason: reason})
}

// Merge adds the counters of a partition into r.
func (r *MergeReport) Merge(o *MergeReport) {
	if o == nil {
		return
	}
	for id, s := range o.Sources {
		r.Source(id).add(s)
	}
	r.ReplacementLinks += o.ReplacementLinks
	r.Promotions += o.Promotions
	r.DateConflicts += o.DateConflicts
	r.NoGeometry += o.NoGeometry
	for k, v := range o.Inheritance {
		r.Inheritance[k] += v
	}
	r.Exclusions = append(r.Exclusions, o.Exclusions...)
}

// Finalize fills the output totals and histograms and orders the exclusions.
func (r *MergeReport) Finalize(merged []*MergedFeature, unmatched []*UnmatchedFeature) {
	r.MergedFeatures = len(merged)
	r.UnmatchedFeatures = len(unmatched)

	r.Evidence = make(map[string]int)
	for _, f := range merged {
		r.Evidence[f.Evidence.String()]++
	}

	if r.Kind == KindRoads {
		r.RoadChanges = make(map[string]int, len(AllChangeClasses))
		for _, c := range AllChangeClasses {
			r.RoadChanges[c.String()] = 0
		}
		for _, f := range merged {
			if f.Change != ChangeNone {
				r.RoadChanges[f.Change.String()]++
			}
		}
		// unmatched historical roads are also emitted as removed merged
		// features, so they are not counted twice here
	}

	sort.Slice(r.Exclusions, func(i, j int) bool {
		a, b := r.Exclusions[i], r.Exclusions[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if a.RecordID != b.RecordID {
			return a.RecordID < b.RecordID
		}
		return a.Reason < b.Reason
	})
}

// SourceIDs returns the reported source ids in order.
func (r *MergeReport) SourceIDs() []string {
	ids := make([]string, 0, len(r.Sources))
	for id := range r.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JSON encodes the report with stable key order.
func (r *MergeReport) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// WriteJSON writes the report to path.
func (r *MergeReport) WriteJSON(path string) error {
	data, err := r.JSON()
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
