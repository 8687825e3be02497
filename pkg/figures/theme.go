package figures

import (
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
)

// The dark control-room look: light text and thin light grid lines on a
// graphite background, rivers in blue, selections cycling through a fixed
// five-color palette. The web UI uses the same values in its stylesheet.
var (
	backgroundGray = color.NRGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xff}
	textWhite      = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	riverBlue      = color.NRGBA{R: 0x04, G: 0x92, B: 0xc2, A: 0xff}
	fillWhite      = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

	// gridWhite is white at one tenth opacity.
	gridWhite = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0x1a}

	swappingColors = []color.NRGBA{
		{R: 0xcf, G: 0x0d, B: 0xff, A: 0xff},
		{R: 0x4e, G: 0x0c, B: 0xe8, A: 0xff},
		{R: 0x00, G: 0x33, B: 0xff, A: 0xff},
		{R: 0x0c, G: 0xa2, B: 0xe8, A: 0xff},
		{R: 0x00, G: 0xff, B: 0xd0, A: 0xff},
	}
)

// withAlpha makes a translucent copy of c, used to dim everything outside
// the selected path.
func withAlpha(c color.NRGBA, a uint8) color.NRGBA {
	c.A = a
	return c
}

// palette hands out the selection colors in a repeating cycle.
type palette struct{ i int }

func (p *palette) next() color.NRGBA {
	c := swappingColors[p.i%len(swappingColors)]
	p.i++
	return c
}

// themedPlot builds an empty plot carrying the dark theme on every element
// that would otherwise render black on black.
func themedPlot() *plot.Plot {
	p := plot.New()
	p.BackgroundColor = backgroundGray
	p.Title.TextStyle.Color = textWhite
	themeAxis(&p.X)
	themeAxis(&p.Y)
	p.Legend.TextStyle.Color = textWhite
	p.Legend.Top = true
	return p
}

func themeAxis(ax *plot.Axis) {
	ax.LineStyle.Color = textWhite
	ax.Label.TextStyle.Color = textWhite
	ax.Tick.LineStyle.Color = textWhite
	ax.Tick.Label.Color = textWhite
}

// themedGrid matches the faint grid the desktop tool drew on every axes.
func themedGrid() *plotter.Grid {
	g := plotter.NewGrid()
	g.Vertical.Color = gridWhite
	g.Horizontal.Color = gridWhite
	return g
}
