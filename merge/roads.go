package merge

import (
	"context"
	"fmt"
	"sort"

	"github.com/patrickmn/go-cache"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/simplify"
	"go.uber.org/zap"
)

// Road evidence thresholds on detection confidence.
const (
	strongDetection = 0.8
	weakDetection   = 0.5
)

// RoadEngine matches historical road lines to the baseline network and
// classifies how each alignment changed.
type RoadEngine struct {
	Config  *MergeConfig
	Logger  *zap.Logger
	Workers int
}

// RoadResult is the output of a road run.
type RoadResult struct {
	Merged    []*MergedFeature
	Unmatched []*UnmatchedFeature
	Pairs     []*RoadMatchPair
	Report    *MergeReport
}

// roadLine is a validated line with its matching sequence.
type roadLine struct {
	rec       *SourceRecord
	line      orb.LineString
	projected orb.LineString
	points    []orb.Point
}

// roadMatcher holds the read-only state shared by the matching workers.
type roadMatcher struct {
	cfg      RoadMatchingConfig
	proj     Projection
	base     []*roadLine
	idx      *SpatialIndex
	memo     *cache.Cache
	simplify *simplify.DouglasPeuckerSimplifier
}

func (e *RoadEngine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Run matches and classifies all enabled historical road sources.
func (e *RoadEngine) Run(ctx context.Context, sources []*SourceCollection) (*RoadResult, error) {
	cfg := e.Config
	if cfg == nil || cfg.Roads == nil {
		return nil, fmt.Errorf("%w: roads section missing", ErrConfig)
	}
	log := e.logger()
	report := NewMergeReport(KindRoads)

	var baseline *SourceCollection
	var historical []*SourceCollection
	total := 0
	for _, c := range sources {
		if c.Source.Kind != KindRoads {
			continue
		}
		st := report.Source(c.Source.ID)
		st.Loaded += len(c.Records)
		st.DiscardedClaims += c.DiscardedClaims
		total += len(c.Records)
		if c.Source.ID == cfg.Roads.Baseline {
			baseline = c
		} else {
			historical = append(historical, c)
		}
	}
	if baseline == nil {
		return nil, fmt.Errorf("%w: baseline source %q was not loaded", ErrConfig, cfg.Roads.Baseline)
	}
	if total == 0 {
		return nil, ErrNoInput
	}
	sort.SliceStable(historical, func(i, j int) bool {
		a, b := historical[i].Source, historical[j].Source
		if a.SnapshotYear != b.SnapshotYear {
			return a.SnapshotYear < b.SnapshotYear
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})

	baseLines := e.baselineLines(baseline.Records, report)
	var tasks []*SourceRecord
	snapshot := make(map[string]int)
	for _, c := range historical {
		snapshot[c.Source.ID] = c.Source.SnapshotYear
		tasks = append(tasks, c.uniqueRecords(log, report)...)
	}

	m := e.newMatcher(baseLines, tasks)
	log.Info("road baseline indexed",
		zap.String("source", baseline.Source.ID),
		zap.Int("lines", len(baseLines)),
		zap.Float64("reference_latitude", m.proj.RefLat))

	pairs := make([]*RoadMatchPair, len(tasks))
	workers := workerCount(len(tasks), e.Workers)
	parts := make([]*MergeReport, workers)
	for w := range parts {
		parts[w] = NewMergeReport(KindRoads)
	}
	err := fanOut(ctx, len(tasks), workers, func(w, i int) {
		pairs[i] = e.matchLine(m, tasks[i], snapshot[tasks[i].SourceID], parts[w])
	})
	if err != nil {
		return nil, fmt.Errorf("matching roads: %w", err)
	}
	for _, p := range parts {
		report.Merge(p)
	}

	var accepted []*RoadMatchPair
	byBase := make(map[string][]*RoadMatchPair)
	var removed []*RoadMatchPair
	for _, p := range pairs {
		switch {
		case p == nil:
		case p.Baseline != nil:
			accepted = append(accepted, p)
			byBase[p.Baseline.RecordID] = append(byBase[p.Baseline.RecordID], p)
		default:
			removed = append(removed, p)
		}
	}

	snapshots := cfg.SnapshotYears()
	var merged []*MergedFeature
	for _, bl := range baseLines {
		merged = append(merged, e.baselineFeature(bl, byBase[bl.rec.RecordID], snapshots))
	}
	removedFeatures, unmatched := e.removedFeatures(m, removed, snapshots)
	merged = append(merged, removedFeatures...)

	sortMerged(merged)
	sort.Slice(unmatched, func(i, j int) bool { return unmatched[i].ID < unmatched[j].ID })
	accepted = append(accepted, removed...)
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Historical.Key() < accepted[j].Historical.Key() })

	report.Finalize(merged, unmatched)
	log.Info("roads classified",
		zap.Int("merged", len(merged)),
		zap.Int("unmatched", len(unmatched)),
		zap.Any("changes", report.RoadChanges))

	return &RoadResult{Merged: merged, Unmatched: unmatched, Pairs: accepted, Report: report}, nil
}

// baselineLines keeps the line-shaped baseline records in record id order
// and reports the rest.
func (e *RoadEngine) baselineLines(recs []*SourceRecord, report *MergeReport) []*roadLine {
	log := e.logger()
	sorted := append([]*SourceRecord(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RecordID < sorted[j].RecordID })

	var out []*roadLine
	seen := make(map[string]bool, len(sorted))
	for _, rec := range sorted {
		reason := lineReason(rec.Geometry)
		if reason == "" && seen[rec.RecordID] {
			reason = ReasonDuplicateID
		}
		if reason != "" {
			excludeLogged(log, report, rec, reason)
			continue
		}
		seen[rec.RecordID] = true
		ls, _ := asLineString(rec.Geometry)
		out = append(out, &roadLine{rec: rec, line: ls})
	}
	return out
}

func lineReason(g orb.Geometry) string {
	if reason := validateGeometry(g); reason != "" {
		return reason
	}
	if _, ok := asLineString(g); !ok {
		return ReasonUnsupportedType
	}
	return ""
}

// referenceLatitude is the configured latitude, or the centre of the
// baseline bounds, or of the historical lines when the baseline is empty.
func (e *RoadEngine) referenceLatitude(base []*roadLine, hist []*SourceRecord) float64 {
	if lat := e.Config.RoadMatching.ReferenceLatitude; lat != nil {
		return *lat
	}
	var b orb.Bound
	first := true
	add := func(g orb.Geometry) {
		if g == nil {
			return
		}
		if first {
			b, first = g.Bound(), false
		} else {
			b = b.Union(g.Bound())
		}
	}
	for _, l := range base {
		add(l.line)
	}
	if first {
		for _, r := range hist {
			if lineReason(r.Geometry) == "" {
				add(r.Geometry)
			}
		}
	}
	if first {
		return 0
	}
	return b.Center().Lat()
}

func (e *RoadEngine) newMatcher(base []*roadLine, hist []*SourceRecord) *roadMatcher {
	rc := e.Config.RoadMatching
	m := &roadMatcher{
		cfg:  rc,
		proj: NewProjection(e.referenceLatitude(base, hist)),
		base: base,
		memo: cache.New(cache.NoExpiration, 0),
	}
	if rc.SimplifyToleranceM > 0 {
		m.simplify = simplify.DouglasPeucker(rc.SimplifyToleranceM)
	}
	geoms := make([]orb.Geometry, len(base))
	for i, l := range base {
		geoms[i] = l.line
	}
	m.idx = NewSpatialIndex(geoms)
	return m
}

// prepare projects, simplifies and resamples a line.
func (m *roadMatcher) prepare(l *roadLine) {
	l.projected = m.proj.LineString(l.line)
	shape := l.projected
	if m.simplify != nil {
		if s, ok := m.simplify.Simplify(shape.Clone()).(orb.LineString); ok && len(s) >= 2 {
			shape = s
		}
	}
	l.points = Resample(shape, m.cfg.SampleIntervalM)
}

// baselineSequence returns the prepared baseline line at pos. Workers share
// the memo; concurrent first use of a line computes the same value twice at
// worst.
func (m *roadMatcher) baselineSequence(pos int) *roadLine {
	l := m.base[pos]
	key := l.rec.Key()
	if v, ok := m.memo.Get(key); ok {
		return v.(*roadLine)
	}
	prepared := &roadLine{rec: l.rec, line: l.line}
	m.prepare(prepared)
	m.memo.Set(key, prepared, cache.NoExpiration)
	return prepared
}

// matchLine finds the best baseline candidate for one historical line and
// classifies the pair. It writes only to its return value and part.
func (e *RoadEngine) matchLine(m *roadMatcher, rec *SourceRecord, year int, part *MergeReport) *RoadMatchPair {
	st := part.Source(rec.SourceID)
	if reason := lineReason(rec.Geometry); reason != "" {
		excludeLogged(e.logger(), part, rec, reason)
		return nil
	}
	ls, _ := asLineString(rec.Geometry)
	hist := &roadLine{rec: rec, line: ls}
	m.prepare(hist)

	pair := &RoadMatchPair{Historical: rec, SnapshotYear: year}
	var best *roadLine
	for _, pos := range m.idx.QueryMetres(ls.Bound(), m.cfg.HausdorffMaxM) {
		cand := m.baselineSequence(pos)
		metrics := MatchMetrics{
			LSSRatio:       bestLSSRatio(hist.points, cand.points, m.cfg.MatchThresholdM),
			HausdorffM:     Hausdorff(hist.points, cand.points),
			EndpointDeltaM: endpointDelta(hist.points, cand.points),
		}
		if metrics.LSSRatio < m.cfg.LSSThreshold {
			continue
		}
		// positions ascend with baseline record id, so strict comparisons
		// keep the lower id on ties
		if best == nil || metrics.LSSRatio > pair.LSSRatio ||
			(metrics.LSSRatio == pair.LSSRatio && metrics.HausdorffM < pair.HausdorffM) {
			best = cand
			pair.MatchMetrics = metrics
		}
	}

	if best != nil {
		pair.Baseline = best.rec
		pair.Change = classify(pair.MatchMetrics, func() bool {
			pair.Widened = widthIncrease(rec, best.rec, hist.projected, best.points, m.cfg)
			return pair.Widened
		}, m.cfg.MatchThresholdM)
		if pair.Change == ChangeNone {
			pair.Baseline = nil
		}
	}

	if pair.Baseline == nil {
		pair.Change = ChangeRemoved
		pair.MatchMetrics = MatchMetrics{}
		st.Unmatched++
	} else {
		st.Matched++
	}
	return pair
}

// detection is one sighting of a road in a historical snapshot.
type detection struct {
	year       int
	confidence float64
	sourceID   string
}

func pairDetections(pairs []*RoadMatchPair) []detection {
	out := make([]detection, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, detection{year: p.SnapshotYear, confidence: p.Historical.Confidence, sourceID: p.Historical.SourceID})
	}
	return out
}

// inferStart dates a road from its detections. The start is not_later_than
// the earliest snapshot that shows it, or the midpoint with the snapshot
// before it when that earlier snapshot did not.
func inferStart(dets []detection, snapshots []int) ResolvedAttribute {
	if len(dets) == 0 {
		return ResolvedAttribute{}
	}
	sort.Slice(dets, func(i, j int) bool {
		if dets[i].year != dets[j].year {
			return dets[i].year < dets[j].year
		}
		if dets[i].confidence != dets[j].confidence {
			return dets[i].confidence > dets[j].confidence
		}
		return dets[i].sourceID < dets[j].sourceID
	})
	first := dets[0]

	attr := ResolvedAttribute{
		Resolved:   true,
		Year:       first.year,
		Bound:      BoundNotLaterThan,
		Confidence: first.confidence,
		SourceID:   first.sourceID,
		Method:     MethodDetection,
		Evidence:   detectionEvidence(dets),
	}
	if prev, ok := previousSnapshot(snapshots, first.year); ok {
		attr.Year = (prev + first.year) / 2
		attr.Bound = BoundEstimated
	}
	for _, d := range dets {
		c := d.confidence
		attr.Claims = append(attr.Claims, DateClaim{
			Role: RoleStart, Year: d.year, Bound: BoundNotLaterThan, Confidence: &c, SourceID: d.sourceID,
		})
	}
	return attr
}

// previousSnapshot returns the latest snapshot year before year.
func previousSnapshot(snapshots []int, year int) (int, bool) {
	i := sort.SearchInts(snapshots, year)
	if i == 0 {
		return 0, false
	}
	return snapshots[i-1], true
}

// detectionEvidence grades a road by how often and how clearly it was seen:
// high when seen with confidence above 0.8 in two or more snapshots, medium
// when seen in exactly one snapshot or with confidence in [0.5, 0.8].
func detectionEvidence(dets []detection) EvidenceLevel {
	years := make(map[int]bool)
	strong := make(map[int]bool)
	moderate := false
	for _, d := range dets {
		years[d.year] = true
		if d.confidence > strongDetection {
			strong[d.year] = true
		}
		if d.confidence >= weakDetection && d.confidence <= strongDetection {
			moderate = true
		}
	}
	switch {
	case len(strong) >= 2:
		return EvidenceHigh
	case len(years) == 1 || moderate:
		return EvidenceMedium
	}
	return EvidenceLow
}

// baselineFeature builds the merged feature of a baseline line from the
// historical pairs matched to it. The change class comes from the earliest
// snapshot; a line nobody matched is new.
func (e *RoadEngine) baselineFeature(bl *roadLine, pairs []*RoadMatchPair, snapshots []int) *MergedFeature {
	f := newMergedFeature(bl.rec)
	if len(pairs) == 0 {
		f.Change = ChangeNew
		if len(snapshots) > 0 {
			latest := snapshots[len(snapshots)-1]
			f.Start = ResolvedAttribute{
				Resolved: true,
				Year:     (latest + e.Config.BaselineReferenceYear) / 2,
				Bound:    BoundEstimated,
				SourceID: bl.rec.SourceID,
				Method:   MethodAbsence,
				Evidence: EvidenceLow,
			}
		}
		f.Evidence = EvidenceLow
		return f
	}

	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.SnapshotYear != b.SnapshotYear {
			return a.SnapshotYear < b.SnapshotYear
		}
		if a.LSSRatio != b.LSSRatio {
			return a.LSSRatio > b.LSSRatio
		}
		return a.Historical.Key() < b.Historical.Key()
	})
	for _, p := range pairs {
		f.records = append(f.records, p.Historical)
		f.addProvenance(p.Historical.SourceID)
	}
	earliest := pairs[0]
	f.Change = earliest.Change
	metrics := earliest.MatchMetrics
	f.Metrics = &metrics
	f.Start = inferStart(pairDetections(pairs), snapshots)
	f.Evidence = attributeEvidence(f.Start)
	return f
}

// removedFeatures groups unmatched historical lines seen in several
// snapshots, using the same curve test against the earliest line of each
// group, and dates each group. The end is the baseline reference year.
func (e *RoadEngine) removedFeatures(m *roadMatcher, removed []*RoadMatchPair, snapshots []int) ([]*MergedFeature, []*UnmatchedFeature) {
	sort.Slice(removed, func(i, j int) bool {
		if removed[i].SnapshotYear != removed[j].SnapshotYear {
			return removed[i].SnapshotYear < removed[j].SnapshotYear
		}
		return removed[i].Historical.Key() < removed[j].Historical.Key()
	})

	type group struct {
		head    *roadLine
		members []*RoadMatchPair
	}
	var groups []*group
	for _, p := range removed {
		ls, _ := asLineString(p.Historical.Geometry)
		line := &roadLine{rec: p.Historical, line: ls}
		m.prepare(line)

		var into *group
		for _, g := range groups {
			if g.members[len(g.members)-1].SnapshotYear == p.SnapshotYear {
				continue
			}
			if !geo.BoundPad(g.head.line.Bound(), m.cfg.HausdorffMaxM).Intersects(ls.Bound()) {
				continue
			}
			if bestLSSRatio(line.points, g.head.points, m.cfg.MatchThresholdM) >= sameMinLSS {
				into = g
				break
			}
		}
		if into == nil {
			groups = append(groups, &group{head: line, members: []*RoadMatchPair{p}})
			continue
		}
		into.members = append(into.members, p)
	}

	end := ResolvedAttribute{
		Resolved: true,
		Year:     e.Config.BaselineReferenceYear,
		Bound:    BoundEstimated,
		SourceID: SourceBaselineAbsence,
		Method:   MethodAbsence,
		Evidence: EvidenceLow,
	}

	var merged []*MergedFeature
	var unmatched []*UnmatchedFeature
	for _, g := range groups {
		f := newMergedFeature(g.head.rec)
		for _, p := range g.members[1:] {
			f.records = append(f.records, p.Historical)
			f.addProvenance(p.Historical.SourceID)
		}
		f.Change = ChangeRemoved
		f.Start = inferStart(pairDetections(g.members), snapshots)
		f.End = end
		f.Evidence = attributeEvidence(f.Start)
		merged = append(merged, f)

		for _, p := range g.members {
			unmatched = append(unmatched, &UnmatchedFeature{
				ID:         FeatureID(p.Historical.SourceID, p.Historical.RecordID),
				Record:     p.Historical,
				Start:      f.Start,
				End:        end,
				Evidence:   f.Evidence,
				Provenance: append([]string(nil), f.Provenance...),
				Change:     ChangeRemoved,
			})
		}
	}
	return merged, unmatched
}
