package merge

import (
	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

// referenceYear places an unmatched feature in an era: its end year, or its
// start year when the end is unknown.
func referenceYear(uf *UnmatchedFeature) (int, bool) {
	if uf.End.Resolved {
		return uf.End.Year, true
	}
	if uf.Start.Resolved {
		return uf.Start.Year, true
	}
	return 0, false
}

// detectReplacements links unmatched features to the baseline feature built
// on top of them and promotes them into the merged set. merged must be
// sorted by id. It returns the grown merged set and the features that stay
// unmatched.
func (e *BuildingEngine) detectReplacements(merged []*MergedFeature, unmatched []*UnmatchedFeature, report *MergeReport) ([]*MergedFeature, []*UnmatchedFeature) {
	log := e.logger()

	var candidates []*MergedFeature
	var geoms []orb.Geometry
	byID := make(map[string]*MergedFeature, len(merged))
	for _, f := range merged {
		byID[f.ID] = f
		if f.PrimarySource == e.Config.Buildings.Baseline && isAreal(f.Geometry) {
			candidates = append(candidates, f)
			geoms = append(geoms, f.Geometry)
		}
	}
	idx := NewSpatialIndex(geoms)

	var remaining []*UnmatchedFeature
	for _, uf := range unmatched {
		target := e.replacementFor(uf, candidates, idx)
		if target == nil {
			remaining = append(remaining, uf)
			continue
		}
		if closesCycle(byID, target, uf.ID) {
			log.Warn("rejecting replacement link that closes a cycle",
				zap.String("feature", uf.ID),
				zap.String("replaced_by", target.ID))
			remaining = append(remaining, uf)
			continue
		}

		f := promote(uf, target)
		merged = append(merged, f)
		byID[f.ID] = f
		report.ReplacementLinks++
		report.Promotions++
		log.Debug("replacement linked",
			zap.String("feature", f.ID),
			zap.String("replaced_by", target.ID),
			zap.Int("year", f.End.Year))
	}
	return merged, remaining
}

// replacementFor returns the baseline feature that replaced uf, or nil. The
// candidate must contain uf's centroid, start strictly after uf's reference
// year, carry start evidence meeting the era rule and not replace anything
// yet. An undated uf takes its era from each candidate's start year. Earlier
// start wins, then lower id.
func (e *BuildingEngine) replacementFor(uf *UnmatchedFeature, candidates []*MergedFeature, idx *SpatialIndex) *MergedFeature {
	if uf.Record == nil || uf.Record.Geometry == nil {
		return nil
	}
	year, dated := referenceYear(uf)
	var rule ReplacementRule
	if dated {
		var ok bool
		if rule, ok = e.Config.RuleForYear(year); !ok {
			return nil
		}
	}

	var best *MergedFeature
	for _, pos := range idx.Containing(Centroid(uf.Record.Geometry)) {
		c := candidates[pos]
		if c.Link.Replaces != "" || !c.Start.Resolved {
			continue
		}
		if dated && c.Start.Year <= year {
			continue
		}
		r := rule
		if !dated {
			var ok bool
			if r, ok = e.Config.RuleForYear(c.Start.Year); !ok {
				continue
			}
		}
		if !c.Start.Evidence.Meets(r.MinEvidence) {
			continue
		}
		if best == nil || c.Start.Year < best.Start.Year ||
			(c.Start.Year == best.Start.Year && c.ID < best.ID) {
			best = c
		}
	}
	return best
}
