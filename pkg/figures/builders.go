package figures

import (
	"fmt"
	"image/color"
	"math"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"riverwave-discharge-map/pkg/controlroom"
	"riverwave-discharge-map/pkg/discharge"
	"riverwave-discharge-map/pkg/flowwave"
	"riverwave-discharge-map/pkg/rivernet"
)

// NetworkFigure draws every reach of the basin. With a selection active the
// rest of the network dims to a tenth of its opacity and the waypoints get
// palette-colored markers, the exact look of the desktop map.
func NetworkFigure(net *rivernet.Network, ds *discharge.Dataset, snap controlroom.Snapshot) (*Figure, error) {
	p := themedPlot()
	p.Title.Text = "Please click on one river reach"
	p.X.Label.Text = "Longitude"
	p.Y.Label.Text = "Latitude"
	p.Add(themedGrid())

	selected := make(map[int64]bool, len(snap.Path))
	for _, id := range snap.Path {
		selected[id] = true
	}
	dimmed := snap.Selected()
	dimBlue := withAlpha(riverBlue, 0x1a)

	for _, r := range net.Reaches() {
		c := riverBlue
		if dimmed && !selected[r.ID] {
			c = dimBlue
		}
		for _, part := range r.Lines {
			xys := make(plotter.XYs, len(part))
			for i, pt := range part {
				xys[i] = plotter.XY{X: pt.X, Y: pt.Y}
			}
			l, err := plotter.NewLine(xys)
			if err != nil {
				return nil, fmt.Errorf("network figure: reach %d: %w", r.ID, err)
			}
			l.LineStyle.Color = c
			l.LineStyle.Width = vg.Points(1)
			p.Add(l)
		}
	}

	// The pickable reach points come from the discharge coordinates, not
	// the shapefile, so they land exactly where a click would resolve.
	var bright, faint plotter.XYs
	for i, id := range ds.Rivids {
		xy := plotter.XY{X: ds.Lon[i], Y: ds.Lat[i]}
		if dimmed && !selected[id] {
			faint = append(faint, xy)
		} else {
			bright = append(bright, xy)
		}
	}
	if err := addScatter(p, bright, textWhite, vg.Points(1.5)); err != nil {
		return nil, fmt.Errorf("network figure: %w", err)
	}
	if err := addScatter(p, faint, withAlpha(textWhite, 0x1a), vg.Points(1.5)); err != nil {
		return nil, fmt.Errorf("network figure: %w", err)
	}

	cycle := &palette{}
	for _, wp := range snap.Waypoints {
		lon, lat, ok := ds.Point(wp.ID)
		if !ok {
			continue
		}
		if err := addScatter(p, plotter.XYs{{X: lon, Y: lat}}, cycle.next(), vg.Points(4)); err != nil {
			return nil, fmt.Errorf("network figure: waypoint %d: %w", wp.ID, err)
		}
	}

	return &Figure{Label: LabelNetwork, plots: []*plot.Plot{p}}, nil
}

// DischargeFigure stacks one subplot per waypoint with shared axis ranges,
// each series in its own palette color and its above-threshold stretches
// filled white.
func DischargeFigure(ds *discharge.Dataset, snap controlroom.Snapshot) (*Figure, error) {
	if len(snap.Waypoints) == 0 {
		p := emptyAxes(LabelDischarge, "Time (3 hours)", "Average River Discharge (m³/s)")
		return &Figure{Label: LabelDischarge, plots: []*plot.Plot{p}}, nil
	}

	cycle := &palette{}
	plots := make([]*plot.Plot, 0, len(snap.Waypoints))
	yMin, yMax := math.Inf(1), math.Inf(-1)
	steps := 0

	for wi, wp := range snap.Waypoints {
		series, ok := ds.Series(wp.ID)
		if !ok {
			return nil, fmt.Errorf("discharge data has no series for reach %d", wp.ID)
		}
		if len(series) > steps {
			steps = len(series)
		}

		p := themedPlot()
		if wi == 0 {
			p.Title.Text = LabelDischarge
		}
		if wi == len(snap.Waypoints)-1 {
			p.X.Label.Text = "Time (3 hours)"
		}
		if wi == len(snap.Waypoints)/2 {
			p.Y.Label.Text = "Average River Discharge (m³/s)"
		}
		p.Add(themedGrid())

		c := cycle.next()
		l, err := plotter.NewLine(seriesXYs(series))
		if err != nil {
			return nil, fmt.Errorf("discharge figure: reach %d: %w", wp.ID, err)
		}
		l.LineStyle.Color = c
		l.LineStyle.Width = vg.Points(1)
		p.Add(l)
		p.Legend.Add(strconv.FormatInt(wp.ID, 10), l)

		level := flowwave.Percentile(series, snap.Threshold)
		for _, ev := range flowwave.Events(series, level) {
			pg, err := plotter.NewPolygon(eventPolygon(series, ev, level))
			if err != nil {
				return nil, fmt.Errorf("discharge figure: reach %d: %w", wp.ID, err)
			}
			pg.Color = fillWhite
			pg.LineStyle.Color = fillWhite
			p.Add(pg)
		}

		for _, v := range series {
			yMin = math.Min(yMin, v)
			yMax = math.Max(yMax, v)
		}
		plots = append(plots, p)
	}

	// Shared axes across the stack, the way the subplots shared x and y.
	for _, p := range plots {
		p.X.Min, p.X.Max = 0, float64(steps-1)
		p.Y.Min, p.Y.Max = yMin, yMax
	}
	return &Figure{Label: LabelDischarge, plots: plots}, nil
}

// PropagationFigure chains the cross-correlation lag between consecutive
// waypoints into a cumulative travel-time line. Distance runs down the
// inverted Y axis so the wave appears to fall through the basin.
func PropagationFigure(ds *discharge.Dataset, snap controlroom.Snapshot) (*Figure, error) {
	p := themedPlot()
	p.Title.Text = LabelPropagation
	p.X.Label.Text = "Time (3 hours)"
	p.Y.Label.Text = "Distance (km)"
	p.Y.Scale = plot.InvertedScale{Normalizer: plot.LinearScale{}}
	p.Add(themedGrid())

	wps := snap.Waypoints
	if len(wps) > 0 {
		prev, ok := ds.Series(wps[0].ID)
		if !ok {
			return nil, fmt.Errorf("discharge data has no series for reach %d", wps[0].ID)
		}
		cycle := &palette{}
		cumLag := 0.0
		prevDist := wps[0].Distance
		for _, wp := range wps[1:] {
			cur, ok := ds.Series(wp.ID)
			if !ok {
				return nil, fmt.Errorf("discharge data has no series for reach %d", wp.ID)
			}
			start := plotter.XY{X: cumLag, Y: prevDist}
			cumLag += float64(flowwave.PropagationLag(prev, cur))
			end := plotter.XY{X: cumLag, Y: wp.Distance}

			c := cycle.next()
			l, err := plotter.NewLine(plotter.XYs{start, end})
			if err != nil {
				return nil, fmt.Errorf("propagation figure: reach %d: %w", wp.ID, err)
			}
			l.LineStyle.Color = c
			l.LineStyle.Width = vg.Points(1)
			p.Add(l)
			p.Legend.Add(strconv.FormatInt(wp.ID, 10), l)
			if err := addScatter(p, plotter.XYs{end}, c, vg.Points(3)); err != nil {
				return nil, fmt.Errorf("propagation figure: reach %d: %w", wp.ID, err)
			}

			prev = cur
			prevDist = wp.Distance
		}
	}
	return &Figure{Label: LabelPropagation, plots: []*plot.Plot{p}}, nil
}

// DurationFigure marks every time step a waypoint spends above its
// threshold percentile with a short vertical stroke at the discharge
// magnitude, one palette color per waypoint.
func DurationFigure(ds *discharge.Dataset, snap controlroom.Snapshot) (*Figure, error) {
	p := themedPlot()
	p.Title.Text = LabelDuration
	p.X.Label.Text = "Time (3 hours)"
	p.Y.Label.Text = "Magnitude (m³/s)"
	p.Add(themedGrid())

	cycle := &palette{}
	for _, wp := range snap.Waypoints {
		series, ok := ds.Series(wp.ID)
		if !ok {
			return nil, fmt.Errorf("discharge data has no series for reach %d", wp.ID)
		}
		c := cycle.next()
		level := flowwave.Percentile(series, snap.Threshold)
		var pts plotter.XYs
		for _, t := range flowwave.AboveThreshold(series, level) {
			pts = append(pts, plotter.XY{X: float64(t), Y: series[t]})
		}
		if len(pts) == 0 {
			continue
		}
		ticks := &durationTicks{xys: pts, drop: 20, color: c}
		p.Add(ticks)
		p.Legend.Add(strconv.FormatInt(wp.ID, 10), ticks)
	}
	return &Figure{Label: LabelDuration, plots: []*plot.Plot{p}}, nil
}

// ======================
// Small plotter helpers
// ======================

func emptyAxes(title, xLabel, yLabel string) *plot.Plot {
	p := themedPlot()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Add(themedGrid())
	return p
}

func seriesXYs(series []float64) plotter.XYs {
	xys := make(plotter.XYs, len(series))
	for t, v := range series {
		xys[t] = plotter.XY{X: float64(t), Y: v}
	}
	return xys
}

// eventPolygon outlines one above-threshold run: along the series on top,
// straight back along the threshold line underneath.
func eventPolygon(series []float64, ev flowwave.Event, level float64) plotter.XYs {
	xys := make(plotter.XYs, 0, ev.Steps+2)
	for t := ev.Start; t <= ev.End; t++ {
		xys = append(xys, plotter.XY{X: float64(t), Y: series[t]})
	}
	xys = append(xys,
		plotter.XY{X: float64(ev.End), Y: level},
		plotter.XY{X: float64(ev.Start), Y: level})
	return xys
}

func addScatter(p *plot.Plot, xys plotter.XYs, c color.Color, radius vg.Length) error {
	if len(xys) == 0 {
		return nil
	}
	s, err := plotter.NewScatter(xys)
	if err != nil {
		return err
	}
	s.GlyphStyle.Color = c
	s.GlyphStyle.Radius = radius
	s.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(s)
	return nil
}

// durationTicks is the custom plotter behind the duration figure: one short
// vertical stroke per qualifying time step, dropping a fixed magnitude below
// the series value.
type durationTicks struct {
	xys   plotter.XYs
	drop  float64
	color color.Color
}

func (d *durationTicks) Plot(c draw.Canvas, plt *plot.Plot) {
	trX, trY := plt.Transforms(&c)
	sty := draw.LineStyle{Color: d.color, Width: vg.Points(1)}
	for _, xy := range d.xys {
		x := trX(xy.X)
		c.StrokeLine2(sty, x, trY(xy.Y-d.drop), x, trY(xy.Y))
	}
}

func (d *durationTicks) DataRange() (xmin, xmax, ymin, ymax float64) {
	xmin, ymin = math.Inf(1), math.Inf(1)
	xmax, ymax = math.Inf(-1), math.Inf(-1)
	for _, xy := range d.xys {
		xmin = math.Min(xmin, xy.X)
		xmax = math.Max(xmax, xy.X)
		ymin = math.Min(ymin, xy.Y-d.drop)
		ymax = math.Max(ymax, xy.Y)
	}
	return xmin, xmax, ymin, ymax
}

// Thumbnail draws the legend swatch as a horizontal stroke in the tick
// color.
func (d *durationTicks) Thumbnail(c *draw.Canvas) {
	y := (c.Min.Y + c.Max.Y) / 2
	c.StrokeLine2(draw.LineStyle{Color: d.color, Width: vg.Points(2)}, c.Min.X, y, c.Max.X, y)
}
