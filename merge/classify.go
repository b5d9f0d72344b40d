package merge

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/paulmach/orb"
)

// Classification thresholds. Rows are tried in order and the first match
// wins.
const (
	sameMinLSS        = 0.9
	sameMaxHausdorffM = 5.0

	widenedMinLSS        = 0.8
	widenedMaxHausdorffM = 10.0

	reroutedMinLSS = 0.5
)

// classify assigns the change class of an accepted match. widened is only
// consulted when the pair fails the same row. ChangeNone means no row
// applied.
func classify(m MatchMetrics, widened func() bool, matchThresholdM float64) ChangeClass {
	switch {
	case m.LSSRatio >= sameMinLSS && m.HausdorffM <= sameMaxHausdorffM:
		return ChangeSame
	case m.LSSRatio >= widenedMinLSS && m.HausdorffM <= widenedMaxHausdorffM && widened():
		return ChangeWidened
	case m.LSSRatio >= reroutedMinLSS:
		return ChangeRerouted
	case m.EndpointDeltaM <= matchThresholdM:
		return ChangeReplaced
	}
	return ChangeNone
}

// widthIncrease reports whether the baseline road is wider than the
// historical one. Measured widths are used when both records carry one.
// Otherwise the historical line is sampled and its perpendicular offsets to
// the baseline line must sit mostly on one side, with a median magnitude of
// at least half the width delta: widening on one side moves the centreline
// by half the added width.
func widthIncrease(hist, base *SourceRecord, histLine orb.LineString, basePts []orb.Point, cfg RoadMatchingConfig) bool {
	if hist.WidthM > 0 && base.WidthM > 0 {
		return base.WidthM-hist.WidthM >= cfg.WidthDeltaThresholdM
	}

	samples := Resample(histLine, cfg.WidthSampleIntervalM)
	if len(samples) == 0 || len(basePts) < 2 {
		return false
	}

	var left, right int
	mags := make(stats.Float64Data, 0, len(samples))
	for _, s := range samples {
		off := signedOffset(s, basePts)
		switch {
		case off > 0:
			left++
		case off < 0:
			right++
		}
		mags = append(mags, math.Abs(off))
	}

	side := float64(left)
	if right > left {
		side = float64(right)
	}
	if side/float64(len(samples)) < cfg.OffsetSideRatio {
		return false
	}
	median, err := stats.Median(mags)
	if err != nil {
		return false
	}
	return median >= cfg.WidthDeltaThresholdM/2
}
