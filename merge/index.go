package merge

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"
)

// indexEntry is the quadtree payload: the centre of a geometry's bound plus
// the position of the geometry in the slice the index was built from.
type indexEntry struct {
	pos    int
	center orb.Point
	bound  orb.Bound
	geom   orb.Geometry
}

func (e *indexEntry) Point() orb.Point { return e.center }

// SpatialIndex is a read-only bounding-box index over a slice of geometries.
// Results are positions into that slice, always in ascending order, so
// callers never depend on quadtree iteration order. It is safe for
// concurrent queries once built.
type SpatialIndex struct {
	tree    *quadtree.Quadtree
	entries []*indexEntry
	// largest half width/height of any indexed bound; a bound intersects a
	// query box only if its centre lies in the box padded by these.
	halfW, halfH float64
}

// NewSpatialIndex indexes geoms. Nil geometries are skipped but keep their
// position so results still line up with the input slice.
func NewSpatialIndex(geoms []orb.Geometry) *SpatialIndex {
	idx := &SpatialIndex{}

	var total orb.Bound
	first := true
	for i, g := range geoms {
		if g == nil {
			continue
		}
		b := g.Bound()
		e := &indexEntry{pos: i, center: b.Center(), bound: b, geom: g}
		idx.entries = append(idx.entries, e)
		if w := (b.Max[0] - b.Min[0]) / 2; w > idx.halfW {
			idx.halfW = w
		}
		if h := (b.Max[1] - b.Min[1]) / 2; h > idx.halfH {
			idx.halfH = h
		}
		if first {
			total = b
			first = false
		} else {
			total = total.Union(b)
		}
	}
	if len(idx.entries) == 0 {
		return idx
	}

	idx.tree = quadtree.New(total.Pad(1e-9))
	for _, e := range idx.entries {
		// centres always lie inside the padded union bound
		_ = idx.tree.Add(e)
	}
	return idx
}

// Len is the number of indexed geometries.
func (idx *SpatialIndex) Len() int {
	return len(idx.entries)
}

// Query returns the positions of geometries whose bound intersects b.
func (idx *SpatialIndex) Query(b orb.Bound) []int {
	if idx.tree == nil {
		return nil
	}
	search := orb.Bound{
		Min: orb.Point{b.Min[0] - idx.halfW, b.Min[1] - idx.halfH},
		Max: orb.Point{b.Max[0] + idx.halfW, b.Max[1] + idx.halfH},
	}
	var out []int
	for _, p := range idx.tree.InBound(nil, search) {
		e := p.(*indexEntry)
		if e.bound.Intersects(b) {
			out = append(out, e.pos)
		}
	}
	sort.Ints(out)
	return out
}

// QueryMetres returns geometries whose bound intersects b padded by the
// given distance in metres.
func (idx *SpatialIndex) QueryMetres(b orb.Bound, metres float64) []int {
	return idx.Query(geo.BoundPad(b, metres))
}

// Containing returns the areal geometries that contain p.
func (idx *SpatialIndex) Containing(p orb.Point) []int {
	var out []int
	for _, pos := range idx.Query(p.Bound()) {
		if containsPoint(idx.geometryAt(pos), p) {
			out = append(out, pos)
		}
	}
	return out
}

// Within returns geometries whose centroid is within metres of p.
func (idx *SpatialIndex) Within(p orb.Point, metres float64) []int {
	var out []int
	for _, pos := range idx.QueryMetres(p.Bound(), metres) {
		if geo.Distance(Centroid(idx.geometryAt(pos)), p) <= metres {
			out = append(out, pos)
		}
	}
	return out
}

func (idx *SpatialIndex) geometryAt(pos int) orb.Geometry {
	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].pos >= pos })
	if i < len(idx.entries) && idx.entries[i].pos == pos {
		return idx.entries[i].geom
	}
	return nil
}

func containsPoint(g orb.Geometry, p orb.Point) bool {
	switch v := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(v, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(v, p)
	}
	return false
}
