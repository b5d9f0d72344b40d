package merge

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// LSS returns the length of the longest similar subsequence of p and q: the
// longest pair of increasing index sequences whose points are pairwise within
// threshold. It runs in O(len(p)*len(q)) time and O(len(q)) space.
func LSS(p, q []orb.Point, threshold float64) int {
	if len(p) == 0 || len(q) == 0 {
		return 0
	}
	prev := make([]int, len(q)+1)
	cur := make([]int, len(q)+1)
	for i := range p {
		for j := range q {
			switch {
			case planar.Distance(p[i], q[j]) <= threshold:
				cur[j+1] = prev[j] + 1
			case prev[j+1] >= cur[j]:
				cur[j+1] = prev[j+1]
			default:
				cur[j+1] = cur[j]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(q)]
}

// LSSRatio normalises LSS by the shorter sequence, giving a value in [0,1].
func LSSRatio(p, q []orb.Point, threshold float64) float64 {
	n := len(p)
	if len(q) < n {
		n = len(q)
	}
	if n == 0 {
		return 0
	}
	return float64(LSS(p, q, threshold)) / float64(n)
}

// bestLSSRatio scores p against q in both directions and keeps the higher
// ratio. Digitised lines carry no reliable direction.
func bestLSSRatio(p, q []orb.Point, threshold float64) float64 {
	forward := LSSRatio(p, q, threshold)
	if forward == 1 {
		return forward
	}
	return math.Max(forward, LSSRatio(reversed(p), q, threshold))
}

// endpointDelta is the larger of the two endpoint distances between p and q,
// pairing the endpoints in whichever direction fits better.
func endpointDelta(p, q []orb.Point) float64 {
	if len(p) == 0 || len(q) == 0 {
		return math.Inf(1)
	}
	ps, pe := p[0], p[len(p)-1]
	qs, qe := q[0], q[len(q)-1]
	same := math.Max(planar.Distance(ps, qs), planar.Distance(pe, qe))
	flipped := math.Max(planar.Distance(ps, qe), planar.Distance(pe, qs))
	return math.Min(same, flipped)
}

func reversed(pts []orb.Point) []orb.Point {
	out := make([]orb.Point, len(pts))
	for i, p := range pts {
		out[len(pts)-1-i] = p
	}
	return out
}
