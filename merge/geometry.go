package merge

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// Projection maps lon/lat degrees onto a local plane in metres. The scale
// factors depend on the reference latitude of the dataset, so distances are
// only accurate near RefLat.
type Projection struct {
	RefLat     float64
	mPerDegLat float64
	mPerDegLon float64
}

// NewProjection builds the equirectangular scale factors for refLat using the
// WGS84 series expansion of the meridian and parallel arc lengths.
func NewProjection(refLat float64) Projection {
	phi := refLat * math.Pi / 180
	return Projection{
		RefLat:     refLat,
		mPerDegLat: 111132.92 - 559.82*math.Cos(2*phi) + 1.175*math.Cos(4*phi) - 0.0023*math.Cos(6*phi),
		mPerDegLon: 111412.84*math.Cos(phi) - 93.5*math.Cos(3*phi) + 0.118*math.Cos(5*phi),
	}
}

// MetresPerDegree returns the longitude and latitude scale factors.
func (p Projection) MetresPerDegree() (lon, lat float64) {
	return p.mPerDegLon, p.mPerDegLat
}

// Point projects a single lon/lat point.
func (p Projection) Point(pt orb.Point) orb.Point {
	return orb.Point{pt[0] * p.mPerDegLon, pt[1] * p.mPerDegLat}
}

// LineString projects every vertex of ls.
func (p Projection) LineString(ls orb.LineString) orb.LineString {
	out := make(orb.LineString, len(ls))
	for i, pt := range ls {
		out[i] = p.Point(pt)
	}
	return out
}

// Degenerate geometry reasons.
const (
	ReasonNullGeometry     = "null_geometry"
	ReasonNonFinite        = "non_finite_coordinate"
	ReasonTooFewPoints     = "too_few_points"
	ReasonZeroLength       = "zero_length"
	ReasonZeroArea         = "zero_area"
	ReasonSelfIntersecting = "self_intersecting"
	ReasonUnsupportedType  = "unsupported_geometry"
)

// validateGeometry returns an empty string for usable geometry or the reason
// it must be excluded from matching.
func validateGeometry(g orb.Geometry) string {
	if g == nil {
		return ReasonNullGeometry
	}
	switch v := g.(type) {
	case orb.Point:
		if !finitePoint(v) {
			return ReasonNonFinite
		}
	case orb.LineString:
		return validateLine(v)
	case orb.MultiLineString:
		if len(v) != 1 {
			return ReasonUnsupportedType
		}
		return validateLine(v[0])
	case orb.Polygon:
		return validatePolygon(v)
	case orb.MultiPolygon:
		if len(v) == 0 {
			return ReasonTooFewPoints
		}
		for _, p := range v {
			if r := validatePolygon(p); r != "" {
				return r
			}
		}
	default:
		return ReasonUnsupportedType
	}
	return ""
}

func validateLine(ls orb.LineString) string {
	if len(ls) < 2 {
		return ReasonTooFewPoints
	}
	for _, p := range ls {
		if !finitePoint(p) {
			return ReasonNonFinite
		}
	}
	if planar.Length(ls) == 0 {
		return ReasonZeroLength
	}
	return ""
}

func validatePolygon(p orb.Polygon) string {
	if len(p) == 0 {
		return ReasonTooFewPoints
	}
	outer := openRing(p[0])
	if len(outer) < 3 {
		return ReasonTooFewPoints
	}
	for _, pt := range outer {
		if !finitePoint(pt) {
			return ReasonNonFinite
		}
	}
	if ringArea(outer) == 0 {
		return ReasonZeroArea
	}
	if ringSelfIntersects(outer) {
		return ReasonSelfIntersecting
	}
	return ""
}

func finitePoint(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}

// asLineString unwraps line geometry; single-part multilines count as lines.
func asLineString(g orb.Geometry) (orb.LineString, bool) {
	switch v := g.(type) {
	case orb.LineString:
		return v, true
	case orb.MultiLineString:
		if len(v) == 1 {
			return v[0], true
		}
	}
	return nil, false
}

// outerRings returns the outer ring of every polygon part of g, without the
// closing vertex. Holes are not considered for overlap.
func outerRings(g orb.Geometry) []orb.Ring {
	switch v := g.(type) {
	case orb.Polygon:
		if len(v) > 0 {
			return []orb.Ring{openRing(v[0])}
		}
	case orb.MultiPolygon:
		rings := make([]orb.Ring, 0, len(v))
		for _, p := range v {
			if len(p) > 0 {
				rings = append(rings, openRing(p[0]))
			}
		}
		return rings
	}
	return nil
}

// isAreal reports whether g is a polygon or multipolygon.
func isAreal(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return true
	}
	return false
}

// Centroid returns the area-, length- or point-weighted centroid of g.
func Centroid(g orb.Geometry) orb.Point {
	c, _ := planar.CentroidArea(g)
	return c
}

// CentroidDistance is the geodesic distance in metres between the centroids
// of a and b.
func CentroidDistance(a, b orb.Geometry) float64 {
	return geo.Distance(Centroid(a), Centroid(b))
}

// OverlapRatio is intersection area over union area of two areal
// geometries. It is 0 when either geometry is absent or not areal.
func OverlapRatio(a, b orb.Geometry) float64 {
	if a == nil || b == nil || !isAreal(a) || !isAreal(b) {
		return 0
	}
	ra, rb := outerRings(a), outerRings(b)

	var areaA, areaB, inter float64
	for _, r := range ra {
		areaA += ringArea(r)
	}
	for _, r := range rb {
		areaB += ringArea(r)
	}
	for _, x := range ra {
		for _, y := range rb {
			if !x.Bound().Intersects(y.Bound()) {
				continue
			}
			inter += ringIntersectionArea(x, y)
		}
	}

	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	ratio := inter / union
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// ringIntersectionArea computes the overlap of two simple rings. It clips
// exactly when one ring is convex and falls back to grid sampling otherwise.
func ringIntersectionArea(a, b orb.Ring) float64 {
	switch {
	case ringIsConvex(b):
		return ringArea(clipRing(a, b))
	case ringIsConvex(a):
		return ringArea(clipRing(b, a))
	default:
		return sampledIntersectionArea(a, b, intersectionSamples)
	}
}

// intersectionSamples is the grid resolution per axis for non-convex overlap.
const intersectionSamples = 64

func sampledIntersectionArea(a, b orb.Ring, n int) float64 {
	ba, bb := a.Bound(), b.Bound()
	if !ba.Intersects(bb) {
		return 0
	}
	box := orb.Bound{
		Min: orb.Point{math.Max(ba.Min[0], bb.Min[0]), math.Max(ba.Min[1], bb.Min[1])},
		Max: orb.Point{math.Min(ba.Max[0], bb.Max[0]), math.Min(ba.Max[1], bb.Max[1])},
	}
	w, h := box.Max[0]-box.Min[0], box.Max[1]-box.Min[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	ca, cb := closeRing(a), closeRing(b)
	hits := 0
	for i := 0; i < n; i++ {
		x := box.Min[0] + (float64(i)+0.5)*w/float64(n)
		for j := 0; j < n; j++ {
			p := orb.Point{x, box.Min[1] + (float64(j)+0.5)*h/float64(n)}
			if planar.RingContains(ca, p) && planar.RingContains(cb, p) {
				hits++
			}
		}
	}
	return float64(hits) / float64(n*n) * w * h
}

// clipRing clips subject against a convex clip ring (Sutherland-Hodgman).
func clipRing(subject, clip orb.Ring) orb.Ring {
	if signedRingArea(clip) < 0 {
		clip = reverseRing(clip)
	}
	out := append(orb.Ring(nil), subject...)
	for i := range clip {
		if len(out) == 0 {
			break
		}
		a, b := clip[i], clip[(i+1)%len(clip)]
		in := out
		out = nil
		for j := range in {
			cur, prev := in[j], in[(j+len(in)-1)%len(in)]
			curIn, prevIn := cross(a, b, cur) >= 0, cross(a, b, prev) >= 0
			if curIn {
				if !prevIn {
					out = append(out, lineIntersection(prev, cur, a, b))
				}
				out = append(out, cur)
			} else if prevIn {
				out = append(out, lineIntersection(prev, cur, a, b))
			}
		}
	}
	return out
}

// cross is the z component of (b-a) x (p-a).
func cross(a, b, p orb.Point) float64 {
	return (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
}

func lineIntersection(p1, p2, a, b orb.Point) orb.Point {
	d1x, d1y := p2[0]-p1[0], p2[1]-p1[1]
	d2x, d2y := b[0]-a[0], b[1]-a[1]
	den := d1x*d2y - d1y*d2x
	if den == 0 {
		return p2
	}
	t := ((a[0]-p1[0])*d2y - (a[1]-p1[1])*d2x) / den
	return orb.Point{p1[0] + t*d1x, p1[1] + t*d1y}
}

func ringIsConvex(r orb.Ring) bool {
	n := len(r)
	if n < 3 {
		return false
	}
	sign := 0
	for i := 0; i < n; i++ {
		c := cross(r[i], r[(i+1)%n], r[(i+2)%n])
		if c == 0 {
			continue
		}
		s := 1
		if c < 0 {
			s = -1
		}
		if sign == 0 {
			sign = s
		} else if s != sign {
			return false
		}
	}
	return sign != 0
}

func signedRingArea(r orb.Ring) float64 {
	var sum float64
	for i := range r {
		j := (i + 1) % len(r)
		sum += r[i][0]*r[j][1] - r[j][0]*r[i][1]
	}
	return sum / 2
}

func ringArea(r orb.Ring) float64 {
	return math.Abs(signedRingArea(r))
}

func reverseRing(r orb.Ring) orb.Ring {
	out := make(orb.Ring, len(r))
	for i, p := range r {
		out[len(r)-1-i] = p
	}
	return out
}

// openRing drops the closing vertex if the ring repeats its first point.
func openRing(r orb.Ring) orb.Ring {
	if len(r) > 1 && r[0] == r[len(r)-1] {
		return r[:len(r)-1]
	}
	return r
}

func closeRing(r orb.Ring) orb.Ring {
	if len(r) == 0 || r[0] == r[len(r)-1] {
		return r
	}
	out := make(orb.Ring, len(r), len(r)+1)
	copy(out, r)
	return append(out, r[0])
}

// ringSelfIntersects checks every pair of non-adjacent edges of an open ring.
func ringSelfIntersects(r orb.Ring) bool {
	n := len(r)
	for i := 0; i < n; i++ {
		a1, a2 := r[i], r[(i+1)%n]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(a1, a2, r[j], r[(j+1)%n]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, p3, p4 orb.Point) bool {
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(p3, p4, p1)) ||
		(d2 == 0 && onSegment(p3, p4, p2)) ||
		(d3 == 0 && onSegment(p1, p2, p3)) ||
		(d4 == 0 && onSegment(p1, p2, p4))
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

// Resample walks ls and emits a point every interval units of arc length,
// always including both endpoints. ls is expected in projected metres.
func Resample(ls orb.LineString, interval float64) []orb.Point {
	if len(ls) == 0 {
		return nil
	}
	if len(ls) == 1 || interval <= 0 {
		return append([]orb.Point(nil), ls...)
	}

	cumLen := make([]float64, len(ls))
	for i := 1; i < len(ls); i++ {
		cumLen[i] = cumLen[i-1] + planar.Distance(ls[i-1], ls[i])
	}
	total := cumLen[len(cumLen)-1]
	if total == 0 {
		return []orb.Point{ls[0]}
	}

	result := make([]orb.Point, 0, int(total/interval)+2)
	seg := 0
	for target := 0.0; target < total; target += interval {
		for seg < len(cumLen)-2 && cumLen[seg+1] < target {
			seg++
		}
		segLen := cumLen[seg+1] - cumLen[seg]
		if segLen == 0 {
			result = append(result, ls[seg])
			continue
		}
		t := (target - cumLen[seg]) / segLen
		result = append(result, orb.Point{
			ls[seg][0] + t*(ls[seg+1][0]-ls[seg][0]),
			ls[seg][1] + t*(ls[seg+1][1]-ls[seg][1]),
		})
	}
	last := ls[len(ls)-1]
	if planar.Distance(result[len(result)-1], last) > 1e-9 {
		result = append(result, last)
	}
	return result
}

// Hausdorff is the symmetric maximum nearest-point distance between two
// point sets in the same planar units.
func Hausdorff(a, b []orb.Point) float64 {
	if len(a) == 0 || len(b) == 0 {
		return math.Inf(1)
	}
	return math.Max(directedHausdorff(a, b), directedHausdorff(b, a))
}

func directedHausdorff(a, b []orb.Point) float64 {
	var worst float64
	for _, p := range a {
		best := math.Inf(1)
		for _, q := range b {
			if d := planar.Distance(p, q); d < best {
				best = d
				if best <= worst {
					break
				}
			}
		}
		if best > worst {
			worst = best
		}
	}
	return worst
}

// signedOffset is the distance from p to the nearest segment of line,
// positive when p lies left of the line direction.
func signedOffset(p orb.Point, line []orb.Point) float64 {
	best := math.Inf(1)
	var sign float64 = 1
	for i := 0; i+1 < len(line); i++ {
		d := planar.DistanceFromSegment(line[i], line[i+1], p)
		if d < best {
			best = d
			if cross(line[i], line[i+1], p) < 0 {
				sign = -1
			} else {
				sign = 1
			}
		}
	}
	if math.IsInf(best, 1) {
		return 0
	}
	return sign * best
}
