package merge

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func pointsAlongX(n int, step, y float64) []orb.Point {
	pts := make([]orb.Point, n)
	for i := range pts {
		pts[i] = orb.Point{float64(i) * step, y}
	}
	return pts
}

func TestLSS(t *testing.T) {
	tests := []struct {
		name      string
		p, q      []orb.Point
		threshold float64
		want      int
	}{
		{"empty", nil, pointsAlongX(3, 5, 0), 8, 0},
		{"identical", pointsAlongX(5, 5, 0), pointsAlongX(5, 5, 0), 1, 5},
		{"parallel within threshold", pointsAlongX(5, 5, 0), pointsAlongX(5, 5, 3), 4, 5},
		{"parallel beyond threshold", pointsAlongX(5, 5, 0), pointsAlongX(5, 5, 10), 4, 0},
		{
			name:      "subsequence skips a detour",
			p:         []orb.Point{{0, 0}, {5, 0}, {10, 50}, {15, 0}, {20, 0}},
			q:         pointsAlongX(5, 5, 0),
			threshold: 1,
			want:      4,
		},
		{
			name:      "order matters",
			p:         []orb.Point{{20, 0}, {0, 0}},
			q:         []orb.Point{{0, 0}, {20, 0}},
			threshold: 1,
			want:      1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LSS(tt.p, tt.q, tt.threshold))
			assert.Equal(t, tt.want, LSS(tt.q, tt.p, tt.threshold), "LSS is symmetric")
		})
	}
}

func TestLSSRatio(t *testing.T) {
	short := pointsAlongX(4, 5, 0)
	long := pointsAlongX(10, 5, 0)
	assert.Equal(t, 1.0, LSSRatio(short, long, 1), "normalised by the shorter line")
	assert.Equal(t, 0.0, LSSRatio(nil, long, 1))
}

func TestBestLSSRatio_BothOrientations(t *testing.T) {
	p := pointsAlongX(10, 5, 0)
	q := reversed(p)
	assert.Less(t, LSSRatio(p, q, 1), 0.5)
	assert.Equal(t, 1.0, bestLSSRatio(p, q, 1))
}

func TestEndpointDelta(t *testing.T) {
	p := []orb.Point{{0, 0}, {100, 0}}
	assert.InDelta(t, 3.0, endpointDelta(p, []orb.Point{{0, 3}, {50, 40}, {100, 0}}), 1e-9)
	assert.InDelta(t, 3.0, endpointDelta(p, []orb.Point{{100, 0}, {50, 40}, {0, 3}}), 1e-9, "direction independent")
	assert.True(t, math.IsInf(endpointDelta(nil, p), 1))
}
