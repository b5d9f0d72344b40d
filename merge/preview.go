package merge

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/svg"
)

var errNothingToRender = errors.New("no geometry to render")

// Preview colours. Roads are coloured by change class, buildings by
// evidence level.
var (
	changeColors = map[ChangeClass]color.RGBA{
		ChangeSame:     {0x2e, 0x7d, 0x32, 0xff},
		ChangeWidened:  {0x15, 0x65, 0xc0, 0xff},
		ChangeRerouted: {0xef, 0x6c, 0x00, 0xff},
		ChangeReplaced: {0x6a, 0x1b, 0x9a, 0xff},
		ChangeRemoved:  {0xc6, 0x28, 0x28, 0xff},
		ChangeNew:      {0x00, 0x83, 0x8f, 0xff},
	}
	evidenceColors = map[EvidenceLevel]color.RGBA{
		EvidenceHigh:   {0x1b, 0x5e, 0x20, 0xff},
		EvidenceMedium: {0xf9, 0xa8, 0x25, 0xff},
		EvidenceLow:    {0xb7, 0x1c, 0x1c, 0xff},
	}
	unmatchedColor = color.RGBA{0x9e, 0x9e, 0x9e, 0xff}
)

// PreviewRenderer draws merged output as an SVG for visual QA. Canvas units
// are metres in a local equirectangular projection.
type PreviewRenderer struct {
	Padding     float64 // metres around the data extent
	StrokeWidth float64 // line width in metres
	PointRadius float64 // metres
	GridSpacing float64 // metres; 0 disables the grid
}

// NewPreviewRenderer returns a renderer with defaults suited to a city
// district.
func NewPreviewRenderer() *PreviewRenderer {
	return &PreviewRenderer{
		Padding:     50,
		StrokeWidth: 2,
		PointRadius: 4,
		GridSpacing: 500,
	}
}

// WriteFile renders to an SVG file at path.
func (r *PreviewRenderer) WriteFile(path string, merged []*MergedFeature, unmatched []*UnmatchedFeature) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating preview: %w", err)
	}
	if err := r.RenderSVG(f, merged, unmatched); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// RenderSVG writes the preview to w. Unmatched features are drawn first in
// grey so merged features stay on top.
func (r *PreviewRenderer) RenderSVG(w io.Writer, merged []*MergedFeature, unmatched []*UnmatchedFeature) error {
	var (
		bound orb.Bound
		found bool
	)
	extend := func(g orb.Geometry) {
		if g == nil {
			return
		}
		if !found {
			bound, found = g.Bound(), true
			return
		}
		bound = bound.Union(g.Bound())
	}
	for _, f := range merged {
		extend(f.Geometry)
	}
	for _, u := range unmatched {
		extend(u.Record.Geometry)
	}
	if !found {
		return errNothingToRender
	}

	proj := NewProjection(bound.Center().Lat())
	lo := proj.Point(bound.Min)
	hi := proj.Point(bound.Max)
	width := (hi[0] - lo[0]) + 2*r.Padding
	height := (hi[1] - lo[1]) + 2*r.Padding

	toCanvas := func(p orb.Point) (float64, float64) {
		pp := proj.Point(p)
		return pp[0] - lo[0] + r.Padding, pp[1] - lo[1] + r.Padding
	}

	out := svg.New(w, width, height, nil)

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	out.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Lightgray}
		gridStyle.StrokeWidth = r.StrokeWidth / 4
		for x := r.Padding; x <= width; x += r.GridSpacing {
			grid := &canvas.Path{}
			grid.MoveTo(x, 0)
			grid.LineTo(x, height)
			out.RenderPath(grid, gridStyle, canvas.Identity)
		}
		for y := r.Padding; y <= height; y += r.GridSpacing {
			grid := &canvas.Path{}
			grid.MoveTo(0, y)
			grid.LineTo(width, y)
			out.RenderPath(grid, gridStyle, canvas.Identity)
		}
	}

	for _, u := range unmatched {
		r.drawGeometry(out, u.Record.Geometry, unmatchedColor, true, toCanvas)
	}
	for _, f := range merged {
		r.drawGeometry(out, f.Geometry, featureColor(f), false, toCanvas)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("closing svg: %w", err)
	}
	return nil
}

func featureColor(f *MergedFeature) color.RGBA {
	if f.Change != ChangeNone {
		if c, ok := changeColors[f.Change]; ok {
			return c
		}
	}
	if c, ok := evidenceColors[f.Evidence]; ok {
		return c
	}
	return unmatchedColor
}

type pathRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *PreviewRenderer) drawGeometry(out pathRenderer, g orb.Geometry, c color.RGBA, dashed bool, toCanvas func(orb.Point) (float64, float64)) {
	stroke := canvas.DefaultStyle
	stroke.Fill = canvas.Paint{Color: canvas.Transparent}
	stroke.Stroke = canvas.Paint{Color: c}
	stroke.StrokeWidth = r.StrokeWidth
	if dashed {
		stroke.Dashes = []float64{3 * r.StrokeWidth, 2 * r.StrokeWidth}
	}

	area := stroke
	fill := c
	fill.A = 0x60
	area.Fill = canvas.Paint{Color: premultiply(fill)}

	switch g := g.(type) {
	case orb.Point:
		x, y := toCanvas(g)
		dot := stroke
		dot.Fill = canvas.Paint{Color: c}
		out.RenderPath(canvas.Circle(r.PointRadius).Translate(x, y), dot, canvas.Identity)
	case orb.MultiPoint:
		for _, p := range g {
			r.drawGeometry(out, p, c, dashed, toCanvas)
		}
	case orb.LineString:
		out.RenderPath(tracePath(g, false, toCanvas), stroke, canvas.Identity)
	case orb.MultiLineString:
		for _, ls := range g {
			out.RenderPath(tracePath(ls, false, toCanvas), stroke, canvas.Identity)
		}
	case orb.Polygon:
		p := &canvas.Path{}
		for _, ring := range g {
			p = p.Append(tracePath(ring, true, toCanvas))
		}
		out.RenderPath(p, area, canvas.Identity)
	case orb.MultiPolygon:
		for _, poly := range g {
			r.drawGeometry(out, poly, c, dashed, toCanvas)
		}
	}
}

func tracePath(pts []orb.Point, closed bool, toCanvas func(orb.Point) (float64, float64)) *canvas.Path {
	p := &canvas.Path{}
	for i, pt := range pts {
		x, y := toCanvas(pt)
		if i == 0 {
			p.MoveTo(x, y)
		} else {
			p.LineTo(x, y)
		}
	}
	if closed {
		p.Close()
	}
	return p
}

// premultiply converts a straight-alpha colour to the premultiplied form
// canvas expects.
func premultiply(c color.RGBA) color.RGBA {
	a := uint32(c.A)
	return color.RGBA{
		R: uint8(uint32(c.R) * a / 255),
		G: uint8(uint32(c.G) * a / 255),
		B: uint8(uint32(c.B) * a / 255),
		A: c.A,
	}
}
