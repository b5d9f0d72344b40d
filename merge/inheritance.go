package merge

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"go.uber.org/zap"
)

type donor struct {
	id       string
	year     int
	centroid orb.Point
}

// DonorSet holds the dated features that can lend their start year to
// undated neighbours. It is built once, before any inheritance is applied,
// so inherited dates never feed further inheritance.
type DonorSet struct {
	donors []donor
	idx    *SpatialIndex
}

// NewDonorSet collects features whose start date is resolved from claims
// with medium or high evidence, skipping excluded sources. features must be
// sorted by id.
func NewDonorSet(features []*MergedFeature, excluded map[string]bool) *DonorSet {
	d := &DonorSet{}
	var points []orb.Geometry
	for _, f := range features {
		if !f.Start.Resolved || !f.Start.Evidence.Meets(EvidenceMedium) {
			continue
		}
		if excluded[f.PrimarySource] || excluded[f.Start.SourceID] {
			continue
		}
		c := Centroid(f.Geometry)
		d.donors = append(d.donors, donor{id: f.ID, year: f.Start.Year, centroid: c})
		points = append(points, c)
	}
	d.idx = NewSpatialIndex(points)
	return d
}

// Len is the number of donors.
func (d *DonorSet) Len() int {
	return len(d.donors)
}

// Inherit derives a start date for an undated feature at p. The steps run in
// a fixed order: median of the donors within radiusM, else the nearest donor
// at any distance, else fallbackYear. The result is always low evidence.
func (d *DonorSet) Inherit(p orb.Point, radiusM float64, fallbackYear int) ResolvedAttribute {
	attr := ResolvedAttribute{
		Resolved: true,
		Bound:    BoundEstimated,
		SourceID: SourceInherited,
		Evidence: EvidenceLow,
	}

	if near := d.idx.Within(p, radiusM); len(near) > 0 {
		years := make(stats.Float64Data, 0, len(near))
		for _, pos := range near {
			years = append(years, float64(d.donors[pos].year))
		}
		median, err := stats.Median(years)
		if err == nil {
			attr.Year = int(math.Round(median))
			attr.Method = MethodMedian
			attr.DonorCount = len(near)
			return attr
		}
	}

	best, bestDist := -1, math.Inf(1)
	for i, dn := range d.donors {
		// donors are in id order, so a strict comparison keeps the lower id
		if dist := geo.Distance(p, dn.centroid); dist < bestDist {
			best, bestDist = i, dist
		}
	}
	if best >= 0 {
		attr.Year = d.donors[best].year
		attr.Method = MethodNearest
		attr.DonorCount = 1
		attr.DonorDistanceM = bestDist
		return attr
	}

	attr.Year = fallbackYear
	attr.Method = MethodFallback
	return attr
}

// inheritDates fills the start date of every merged feature left undated.
// An inherited year later than a resolved end is capped at the end year.
func (e *BuildingEngine) inheritDates(merged []*MergedFeature, report *MergeReport) {
	cfg := e.Config
	donors := NewDonorSet(merged, stringSet(cfg.Buildings.DonorExcluded))

	for _, f := range merged {
		if f.Start.Resolved {
			continue
		}
		f.Start = donors.Inherit(Centroid(f.Geometry), cfg.Inheritance.RadiusM, cfg.Inheritance.FallbackYear)
		if f.End.Resolved && f.Start.Year > f.End.Year {
			f.Start.Year = f.End.Year
		}
		report.Inheritance[string(f.Start.Method)]++
	}
	e.logger().Info("inheritance applied",
		zap.Int("donors", donors.Len()),
		zap.Int("median", report.Inheritance[string(MethodMedian)]),
		zap.Int("nearest", report.Inheritance[string(MethodNearest)]),
		zap.Int("fallback", report.Inheritance[string(MethodFallback)]))
}
