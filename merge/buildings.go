package merge

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

// ReasonDuplicateID marks a record whose id was already seen in its source.
const ReasonDuplicateID = "duplicate_record_id"

// BuildingEngine resolves building footprints and their dates against the
// baseline survey.
type BuildingEngine struct {
	Config  *MergeConfig
	Logger  *zap.Logger
	Workers int
}

// BuildingResult is the output of a building run.
type BuildingResult struct {
	Merged    []*MergedFeature
	Unmatched []*UnmatchedFeature
	Report    *MergeReport
}

// buildingMatch is the private result slot of one matching task.
type buildingMatch struct {
	target   int
	overlap  float64
	distM    float64
	excluded bool
	unlinked bool
}

func (e *BuildingEngine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *BuildingEngine) priority(sourceID string) int {
	if s := e.Config.Source(sourceID); s != nil {
		return s.Priority
	}
	return math.MaxInt
}

// sortRecords orders records by source priority, then source id, then
// record id.
func (e *BuildingEngine) sortRecords(recs []*SourceRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		pi, pj := e.priority(recs[i].SourceID), e.priority(recs[j].SourceID)
		if pi != pj {
			return pi < pj
		}
		if recs[i].SourceID != recs[j].SourceID {
			return recs[i].SourceID < recs[j].SourceID
		}
		return recs[i].RecordID < recs[j].RecordID
	})
}

// Run matches every non-baseline building record to the baseline, resolves
// dates, links replacements and fills undated features by inheritance.
func (e *BuildingEngine) Run(ctx context.Context, sources []*SourceCollection) (*BuildingResult, error) {
	cfg := e.Config
	if cfg == nil || cfg.Buildings == nil {
		return nil, fmt.Errorf("%w: buildings section missing", ErrConfig)
	}
	log := e.logger()
	report := NewMergeReport(KindBuildings)

	var baseline *SourceCollection
	var others []*SourceCollection
	total := 0
	for _, c := range sources {
		if c.Source.Kind != KindBuildings {
			continue
		}
		st := report.Source(c.Source.ID)
		st.Loaded += len(c.Records)
		st.DiscardedClaims += c.DiscardedClaims
		total += len(c.Records)
		if c.Source.ID == cfg.Buildings.Baseline {
			baseline = c
		} else {
			others = append(others, c)
		}
	}
	if baseline == nil {
		return nil, fmt.Errorf("%w: baseline source %q was not loaded", ErrConfig, cfg.Buildings.Baseline)
	}
	if total == 0 {
		return nil, ErrNoInput
	}
	sort.SliceStable(others, func(i, j int) bool {
		a, b := others[i].Source, others[j].Source
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})

	base, geoms := e.baselineFeatures(baseline, report)
	idx := NewSpatialIndex(geoms)
	byRecord := make(map[string]int, len(base))
	for i, f := range base {
		byRecord[f.PrimaryRecord] = i
	}
	log.Info("baseline indexed",
		zap.String("source", baseline.Source.ID),
		zap.Int("features", len(base)),
		zap.Int("indexed", idx.Len()))

	var tasks []*SourceRecord
	for _, c := range others {
		tasks = append(tasks, c.uniqueRecords(log, report)...)
	}
	matches := make([]buildingMatch, len(tasks))
	workers := workerCount(len(tasks), e.Workers)
	parts := make([]*MergeReport, workers)
	for w := range parts {
		parts[w] = NewMergeReport(KindBuildings)
	}
	err := fanOut(ctx, len(tasks), workers, func(w, i int) {
		matches[i] = e.matchRecord(tasks[i], base, idx, byRecord, parts[w])
	})
	if err != nil {
		return nil, fmt.Errorf("matching buildings: %w", err)
	}
	for _, p := range parts {
		report.Merge(p)
	}

	attached := make([][]*SourceRecord, len(base))
	var unmatchedRecs []*SourceRecord
	for i, m := range matches {
		switch {
		case m.target >= 0:
			attached[m.target] = append(attached[m.target], tasks[i])
		case !m.excluded && !m.unlinked:
			unmatchedRecs = append(unmatchedRecs, tasks[i])
		}
	}

	resolver := NewDateResolver(cfg)
	var merged []*MergedFeature
	for i, f := range base {
		recs := attached[i]
		e.sortRecords(recs)
		f.records = append(f.records, recs...)
		for _, r := range recs {
			f.addProvenance(r.SourceID)
		}
		if f.Geometry == nil {
			f.Geometry = e.chooseGeometry(recs)
		}
		if f.Geometry == nil {
			report.NoGeometry++
			log.Warn("feature has no usable geometry",
				zap.String("source", f.PrimarySource),
				zap.String("record", f.PrimaryRecord))
			continue
		}
		e.resolveDates(f, resolver, report)
		merged = append(merged, f)
	}

	keepOwn := stringSet(cfg.Buildings.KeepOwnGeometry)
	var unmatched []*UnmatchedFeature
	e.sortRecords(unmatchedRecs)
	for _, rec := range unmatchedRecs {
		if keepOwn[rec.SourceID] {
			f := newMergedFeature(rec)
			e.resolveDates(f, resolver, report)
			merged = append(merged, f)
			continue
		}
		uf := &UnmatchedFeature{
			ID:         FeatureID(rec.SourceID, rec.RecordID),
			Record:     rec,
			Provenance: []string{rec.SourceID},
			Start:      resolver.Resolve(RoleStart, rec.Claims),
			End:        resolver.Resolve(RoleEnd, rec.Claims),
		}
		if enforceOrder(&uf.Start, &uf.End) {
			report.DateConflicts++
		}
		uf.Evidence = attributeEvidence(uf.Start)
		unmatched = append(unmatched, uf)
	}

	sortMerged(merged)
	merged, unmatched = e.detectReplacements(merged, unmatched, report)
	sortMerged(merged)
	e.inheritDates(merged, report)
	for _, f := range merged {
		f.Evidence = attributeEvidence(f.Start)
	}
	sort.Slice(unmatched, func(i, j int) bool { return unmatched[i].ID < unmatched[j].ID })

	report.Finalize(merged, unmatched)
	log.Info("buildings resolved",
		zap.Int("merged", len(merged)),
		zap.Int("unmatched", len(unmatched)),
		zap.Int("replacement_links", report.ReplacementLinks),
		zap.Int("exclusions", len(report.Exclusions)))

	return &BuildingResult{Merged: merged, Unmatched: unmatched, Report: report}, nil
}

// baselineFeatures turns baseline records into merged features ordered by
// record id. geoms holds the geometry to index per feature, nil when the
// record has none.
func (e *BuildingEngine) baselineFeatures(c *SourceCollection, report *MergeReport) ([]*MergedFeature, []orb.Geometry) {
	log := e.logger()
	recs := append([]*SourceRecord(nil), c.Records...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].RecordID < recs[j].RecordID })

	var (
		base  []*MergedFeature
		geoms []orb.Geometry
		seen  = make(map[string]bool, len(recs))
	)
	for _, rec := range recs {
		reason := ""
		if seen[rec.RecordID] {
			reason = ReasonDuplicateID
		} else if rec.Geometry != nil {
			reason = validateGeometry(rec.Geometry)
		}
		if reason != "" {
			excludeLogged(log, report, rec, reason)
			continue
		}
		seen[rec.RecordID] = true
		base = append(base, newMergedFeature(rec))
		geoms = append(geoms, rec.Geometry)
	}
	return base, geoms
}

// matchRecord finds the baseline feature a record belongs to. It writes only
// to its return value and the worker's report partition.
func (e *BuildingEngine) matchRecord(rec *SourceRecord, base []*MergedFeature, idx *SpatialIndex, byRecord map[string]int, part *MergeReport) buildingMatch {
	st := part.Source(rec.SourceID)

	if rec.Ref != "" {
		if pos, ok := byRecord[rec.Ref]; ok {
			st.Attached++
			return buildingMatch{target: pos}
		}
	}
	if rec.Geometry == nil {
		st.Unlinked++
		e.logger().Debug("dropping unlinked date-only record",
			zap.String("source", rec.SourceID),
			zap.String("record", rec.RecordID),
			zap.String("ref", rec.Ref))
		return buildingMatch{target: -1, unlinked: true}
	}
	if reason := validateGeometry(rec.Geometry); reason != "" {
		excludeLogged(e.logger(), part, rec, reason)
		return buildingMatch{target: -1, excluded: true}
	}

	m := e.bestCandidate(rec.Geometry, base, idx)
	if m.target >= 0 {
		st.Matched++
	} else {
		st.Unmatched++
	}
	return m
}

// bestCandidate scores every baseline feature near g by overlap plus inverse
// centroid distance. A candidate is eligible when its overlap reaches the
// threshold or its centroid lies within the distance limit.
func (e *BuildingEngine) bestCandidate(g orb.Geometry, base []*MergedFeature, idx *SpatialIndex) buildingMatch {
	mc := e.Config.Matching
	best := buildingMatch{target: -1}
	var bestScore float64

	// positions ascend with baseline record id, so a strict comparison keeps
	// the lower id on equal scores
	for _, pos := range idx.QueryMetres(g.Bound(), mc.CentroidMaxDistanceM) {
		cand := base[pos].Geometry
		overlap := OverlapRatio(g, cand)
		dist := CentroidDistance(g, cand)
		if overlap < mc.OverlapThreshold && dist > mc.CentroidMaxDistanceM {
			continue
		}
		score := overlap + 1/(1+dist)
		if best.target < 0 || score > bestScore {
			best = buildingMatch{target: pos, overlap: overlap, distM: dist}
			bestScore = score
		}
	}
	return best
}

// chooseGeometry picks the geometry of a feature whose baseline record has
// none: researcher-authored geometry first, then any point, each in source
// priority order. recs must already be sorted.
func (e *BuildingEngine) chooseGeometry(recs []*SourceRecord) orb.Geometry {
	researcher := stringSet(e.Config.Buildings.ResearcherGeometry)
	for _, r := range recs {
		if researcher[r.SourceID] && r.Geometry != nil && validateGeometry(r.Geometry) == "" {
			return r.Geometry
		}
	}
	for _, r := range recs {
		if p, ok := r.Geometry.(orb.Point); ok && finitePoint(p) {
			return p
		}
	}
	return nil
}

func (e *BuildingEngine) resolveDates(f *MergedFeature, resolver *DateResolver, report *MergeReport) {
	var claims []DateClaim
	for _, r := range f.records {
		claims = append(claims, r.Claims...)
	}
	f.Start = resolver.Resolve(RoleStart, claims)
	f.End = resolver.Resolve(RoleEnd, claims)
	if enforceOrder(&f.Start, &f.End) {
		report.DateConflicts++
		e.logger().Warn("end date precedes start date, dropping end",
			zap.String("feature", f.ID),
			zap.Int("start", f.Start.Year))
	}
	f.Evidence = attributeEvidence(f.Start)
}

func newMergedFeature(rec *SourceRecord) *MergedFeature {
	return &MergedFeature{
		ID:            FeatureID(rec.SourceID, rec.RecordID),
		PrimarySource: rec.SourceID,
		PrimaryRecord: rec.RecordID,
		Geometry:      rec.Geometry,
		Provenance:    []string{rec.SourceID},
		records:       []*SourceRecord{rec},
	}
}

// attributeEvidence is the feature evidence implied by its start date.
func attributeEvidence(a ResolvedAttribute) EvidenceLevel {
	if !a.Resolved || a.Evidence == EvidenceUnknown {
		return EvidenceLow
	}
	return a.Evidence
}

func sortMerged(fs []*MergedFeature) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].ID < fs[j].ID })
}
