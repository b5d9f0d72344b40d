package merge

import (
	"math"
	"sort"
)

// DateResolver picks one value per role from the claims attached to a
// feature. It only reads the config it was built from.
type DateResolver struct {
	datePriority   map[string]int
	trusted        map[string]bool
	estimateOffset int
}

// NewDateResolver captures the per-source date settings of cfg.
func NewDateResolver(cfg *MergeConfig) *DateResolver {
	r := &DateResolver{
		datePriority:   make(map[string]int, len(cfg.Sources)),
		trusted:        make(map[string]bool, len(cfg.Sources)),
		estimateOffset: cfg.DateResolution.EstimateOffsetYears,
	}
	for _, s := range cfg.Sources {
		r.datePriority[s.ID] = s.DatePriority
		r.trusted[s.ID] = s.TrustDates
	}
	return r
}

func (r *DateResolver) priority(sourceID string) int {
	if p, ok := r.datePriority[sourceID]; ok {
		return p
	}
	return math.MaxInt32
}

// byPriority orders claims by date priority, then year, then source id, so
// the first element is the winning claim.
func (r *DateResolver) byPriority(claims []DateClaim) {
	sort.SliceStable(claims, func(i, j int) bool {
		pi, pj := r.priority(claims[i].SourceID), r.priority(claims[j].SourceID)
		if pi != pj {
			return pi < pj
		}
		if claims[i].Year != claims[j].Year {
			return claims[i].Year < claims[j].Year
		}
		return claims[i].SourceID < claims[j].SourceID
	})
}

// Resolve returns the resolved attribute for role:
//
//   - exact claims win, lowest date_priority first, earliest year on ties;
//   - otherwise the earliest not_later_than year, or the midpoint with the
//     latest not_earlier_than year when that lies below it;
//   - otherwise the latest not_earlier_than year plus the estimate offset;
//   - otherwise an estimated claim, chosen like an exact one.
//
// With no claims for role the attribute is unresolved.
func (r *DateResolver) Resolve(role Role, claims []DateClaim) ResolvedAttribute {
	var exact, notLater, notEarlier, estimated, all []DateClaim
	for _, c := range claims {
		if c.Role != role {
			continue
		}
		all = append(all, c)
		switch c.Bound {
		case BoundExact:
			exact = append(exact, c)
		case BoundNotLaterThan:
			notLater = append(notLater, c)
		case BoundNotEarlierThan:
			notEarlier = append(notEarlier, c)
		case BoundEstimated:
			estimated = append(estimated, c)
		}
	}
	if len(all) == 0 {
		return ResolvedAttribute{}
	}
	r.byPriority(all)

	switch {
	case len(exact) > 0:
		r.byPriority(exact)
		return r.fromClaim(exact[0], all)

	case len(notLater) > 0:
		upper := earliest(notLater)
		if len(notEarlier) > 0 {
			lower := latest(notEarlier)
			if lower.Year < upper.Year {
				conf := math.Min(upper.ConfidenceOr(1), lower.ConfidenceOr(1))
				return r.estimate(upper.SourceID, (lower.Year+upper.Year)/2, conf, all)
			}
		}
		return r.fromClaim(upper, all)

	case len(notEarlier) > 0:
		lower := latest(notEarlier)
		return r.estimate(lower.SourceID, lower.Year+r.estimateOffset, lower.ConfidenceOr(1), all)

	default:
		r.byPriority(estimated)
		return r.fromClaim(estimated[0], all)
	}
}

func (r *DateResolver) fromClaim(c DateClaim, contributing []DateClaim) ResolvedAttribute {
	return ResolvedAttribute{
		Resolved:   true,
		Year:       c.Year,
		Bound:      c.Bound,
		Confidence: c.ConfidenceOr(1),
		SourceID:   c.SourceID,
		Method:     MethodClaims,
		Evidence:   claimEvidence(c, r.trusted[c.SourceID]),
		Claims:     contributing,
	}
}

func (r *DateResolver) estimate(sourceID string, year int, conf float64, contributing []DateClaim) ResolvedAttribute {
	c := DateClaim{Year: year, Bound: BoundEstimated, Confidence: &conf, SourceID: sourceID}
	return r.fromClaim(c, contributing)
}

// earliest returns the claim with the smallest year, lowest source id on ties.
func earliest(claims []DateClaim) DateClaim {
	best := claims[0]
	for _, c := range claims[1:] {
		if c.Year < best.Year || (c.Year == best.Year && c.SourceID < best.SourceID) {
			best = c
		}
	}
	return best
}

// latest returns the claim with the largest year, lowest source id on ties.
func latest(claims []DateClaim) DateClaim {
	best := claims[0]
	for _, c := range claims[1:] {
		if c.Year > best.Year || (c.Year == best.Year && c.SourceID < best.SourceID) {
			best = c
		}
	}
	return best
}

// enforceOrder unsets an end date that precedes the start date. It reports
// whether a conflict was found.
func enforceOrder(start, end *ResolvedAttribute) bool {
	if start.Resolved && end.Resolved && start.Year > end.Year {
		*end = ResolvedAttribute{}
		return true
	}
	return false
}
