// Package figures builds and renders the four plot windows of the viewer:
// the basin map plus the three analysis figures derived from the current
// selection. Rendering goes through gonum/plot vg canvases so the same
// figure exports as SVG, PDF and PNG.
package figures

import (
	"bytes"
	"fmt"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"gonum.org/v1/plot/vg/vgpdf"
	"gonum.org/v1/plot/vg/vgsvg"
)

// Figure labels mirror the window titles of the desktop tool. The network
// map is always open; the other three appear on demand.
const (
	LabelNetwork     = "River Network"
	LabelDischarge   = "River Discharges Over Time"
	LabelPropagation = "River Propagation Time"
	LabelDuration    = "Peak Duration"
)

// AnalysisLabels lists the figures that need a selected reach before they
// can be drawn.
var AnalysisLabels = []string{LabelDischarge, LabelPropagation, LabelDuration}

// KnownLabel reports whether label names one of the four figures.
func KnownLabel(label string) bool {
	switch label {
	case LabelNetwork, LabelDischarge, LabelPropagation, LabelDuration:
		return true
	}
	return false
}

// Format selects the export encoding.
type Format string

const (
	SVG Format = "svg"
	PNG Format = "png"
	PDF Format = "pdf"
)

// Formats lists every export encoding in the order save-all writes them.
var Formats = []Format{SVG, PDF, PNG}

// ParseFormat maps a file extension, with or without the dot, to a Format.
func ParseFormat(ext string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimPrefix(ext, "."))); f {
	case SVG, PNG, PDF:
		return f, nil
	default:
		return "", fmt.Errorf("unknown figure format %q", ext)
	}
}

// ContentType returns the MIME type a browser expects for the format.
func (f Format) ContentType() string {
	switch f {
	case SVG:
		return "image/svg+xml"
	case PNG:
		return "image/png"
	case PDF:
		return "application/pdf"
	}
	return "application/octet-stream"
}

// Figure is one renderable plot window. Multi-plot figures stack their
// subplots vertically on a shared canvas.
type Figure struct {
	Label string
	plots []*plot.Plot
}

const (
	figWidth      = 8 * vg.Inch
	figHeight     = 6 * vg.Inch
	subplotHeight = 2 * vg.Inch
)

func (f *Figure) size() (vg.Length, vg.Length) {
	if len(f.plots) <= 1 {
		return figWidth, figHeight
	}
	h := vg.Length(len(f.plots)) * subplotHeight
	if h < figHeight {
		h = figHeight
	}
	return figWidth, h
}

// Render encodes the figure in the requested format.
func (f *Figure) Render(format Format) ([]byte, error) {
	w, h := f.size()
	var buf bytes.Buffer
	switch format {
	case SVG:
		c := vgsvg.New(w, h)
		f.draw(draw.New(c))
		if _, err := c.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("render %s as svg: %w", f.Label, err)
		}
	case PDF:
		c := vgpdf.New(w, h)
		f.draw(draw.New(c))
		if _, err := c.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("render %s as pdf: %w", f.Label, err)
		}
	case PNG:
		c := vgimg.New(w, h)
		f.draw(draw.New(c))
		png := vgimg.PngCanvas{Canvas: c}
		if _, err := png.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("render %s as png: %w", f.Label, err)
		}
	default:
		return nil, fmt.Errorf("unknown figure format %q", format)
	}
	return buf.Bytes(), nil
}

// draw paints the plots onto one canvas. Stacked figures share the canvas
// through aligned tiles so their frames line up like shared-axis subplots.
func (f *Figure) draw(dc draw.Canvas) {
	fillBackground(dc)
	if len(f.plots) == 0 {
		return
	}
	if len(f.plots) == 1 {
		f.plots[0].Draw(dc)
		return
	}
	grid := make([][]*plot.Plot, len(f.plots))
	for i, p := range f.plots {
		grid[i] = []*plot.Plot{p}
	}
	tiles := draw.Tiles{Rows: len(f.plots), Cols: 1, PadY: vg.Millimeter * 2}
	canvases := plot.Align(grid, tiles, dc)
	for i, p := range f.plots {
		p.Draw(canvases[i][0])
	}
}

// fillBackground paints the canvas in the theme color so the padding
// between stacked subplots does not flash through as white.
func fillBackground(dc draw.Canvas) {
	dc.FillPolygon(backgroundGray, []vg.Point{
		{X: dc.Min.X, Y: dc.Min.Y},
		{X: dc.Max.X, Y: dc.Min.Y},
		{X: dc.Max.X, Y: dc.Max.Y},
		{X: dc.Min.X, Y: dc.Max.Y},
	})
}
