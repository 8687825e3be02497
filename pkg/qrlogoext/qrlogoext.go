//go:build !js

package qrlogoext

// QR with big center logo using github.com/skip2/go-qrcode (ECC=H).
// - White background (incl. quiet zone), dark slate modules.
// - Large central box; logo drawn inside (PNG input) or fallback wave mark.
// - No extra deps beyond go-qrcode; scaling is our own nearest-neighbor.
// - Concurrency is not needed: go-qrcode is fast; all drawing is in-memory.

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	qrcode "github.com/skip2/go-qrcode"
)

type Options struct {
	// Output size (px)
	TargetPx int

	// Colors
	Fg   color.RGBA // QR modules
	Bg   color.RGBA // background incl. quiet zone
	Logo color.RGBA // fallback wave mark

	// Central square reserved for the logo (fraction of the edge, 0.20..0.40)
	LogoBoxFrac float64

	// Padding between the square and an inserted PNG (px)
	LogoPadding int
}

func EncodePNG(w io.Writer, data []byte, logoPNG []byte, opt Options) error {
	// ---- defaults
	if opt.TargetPx <= 0 {
		opt.TargetPx = 1400
	}
	if opt.LogoPadding < 0 {
		opt.LogoPadding = 0
	}
	if opt.LogoBoxFrac <= 0 {
		opt.LogoBoxFrac = 0.32
	}
	if opt.LogoBoxFrac < 0.20 {
		opt.LogoBoxFrac = 0.20
	}
	if opt.LogoBoxFrac > 0.40 {
		opt.LogoBoxFrac = 0.40
	}
	if (opt.Fg == color.RGBA{}) {
		opt.Fg = color.RGBA{0x33, 0x33, 0x33, 0xFF}
	}
	if (opt.Bg == color.RGBA{}) {
		opt.Bg = color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}
	}
	if (opt.Logo == color.RGBA{}) {
		opt.Logo = color.RGBA{0x04, 0x92, 0xC2, 0xFF}
	}

	// ---- build QR with ECC=H
	qr, err := qrcode.New(string(data), qrcode.Highest)
	if err != nil {
		return err
	}
	qr.ForegroundColor = opt.Fg
	qr.BackgroundColor = opt.Bg
	qr.DisableBorder = false

	src := qr.Image(opt.TargetPx)
	b := src.Bounds()
	W, H := b.Dx(), b.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, W, H))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{opt.Bg}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)

	// ---- central box
	box := int(opt.LogoBoxFrac * float64(min(W, H)))
	if box%2 == 1 {
		box--
	}
	if box < W/6 {
		box = W / 6
	}
	cx, cy := W/2, H/2
	x0 := cx - box/2
	y0 := cy - box/2
	fillRect(dst, x0, y0, box, box, opt.Bg)

	// ---- logo: PNG or vector fallback colored from opt.Logo
	if len(logoPNG) > 0 {
		img, err := png.Decode(bytes.NewReader(logoPNG))
		if err == nil {
			pad := opt.LogoPadding
			maxW := box - 2*pad
			maxH := box - 2*pad
			if maxW > 0 && maxH > 0 {
				wr, hr := img.Bounds().Dx(), img.Bounds().Dy()
				sw, sh := fitRect(wr, hr, maxW, maxH)
				scaled := scaleNearest(img, sw, sh)
				ox := cx - sw/2
				oy := cy - sh/2
				draw.Draw(dst, image.Rect(ox, oy, ox+sw, oy+sh), scaled, image.Point{}, draw.Over)
			}
		} else {
			drawWave(dst, cx, cy, box, opt.Logo)
		}
	} else {
		drawWave(dst, cx, cy, box, opt.Logo)
	}

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, dst)
}

// drawWave draws three stacked wave crests, the river mark used across the map
// chrome, sized to almost fill the reserved box.
func drawWave(dst *image.RGBA, cx, cy, box int, col color.RGBA) {
	half := box / 2
	rOuter := int(0.96 * float64(half))

	span := int(0.82 * float64(rOuter)) // half-length of each crest
	thick := rOuter / 7
	if thick < 2 {
		thick = 2
	}
	amp := float64(rOuter) / 4.5
	gap := int(2.6 * float64(thick))

	for i := -1; i <= 1; i++ {
		drawWaveBand(dst, cx-span, cx+span, cy+i*gap, amp, float64(thick)/2, col)
	}
}

// drawWaveBand stamps a filled disc along one sine period, which gives a thick
// stroke with round caps without a path rasterizer.
func drawWaveBand(img *image.RGBA, x0, x1, yc int, amp, halfThick float64, col color.RGBA) {
	if x1 <= x0 {
		return
	}
	period := float64(x1 - x0)
	for x := x0; x <= x1; x++ {
		phase := 2 * math.Pi * float64(x-x0) / period
		y := float64(yc) - amp*math.Sin(phase)
		fillCircle(img, x, int(math.Round(y)), int(halfThick), col)
	}
}

// ---------- tiny raster helpers (nearest-neighbor scale, rect fill, primitives) ----------

func fitRect(w, h, maxW, maxH int) (int, int) {
	if w == 0 || h == 0 {
		return maxW, maxH
	}
	rx := float64(maxW) / float64(w)
	ry := float64(maxH) / float64(h)
	s := rx
	if ry < rx {
		s = ry
	}
	sw := int(math.Floor(float64(w) * s))
	sh := int(math.Floor(float64(h) * s))
	if sw < 1 {
		sw = 1
	}
	if sh < 1 {
		sh = 1
	}
	return sw, sh
}

func scaleNearest(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	sb := src.Bounds()
	sw := sb.Dx()
	sh := sb.Dy()
	for y := 0; y < h; y++ {
		sy := sb.Min.Y + int(float64(y)*float64(sh)/float64(h))
		for x := 0; x < w; x++ {
			sx := sb.Min.X + int(float64(x)*float64(sw)/float64(w))
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}

func fillRect(img *image.RGBA, x, y, w, h int, col color.RGBA) {
	for yy := y; yy < y+h; yy++ {
		for xx := x; xx < x+w; xx++ {
			img.Set(xx, yy, col)
		}
	}
}

func fillCircle(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	if r <= 0 {
		return
	}
	r2 := r * r
	b := img.Bounds()
	minY := max(cy-r, b.Min.Y)
	maxY := min(cy+r, b.Max.Y-1)
	for y := minY; y <= maxY; y++ {
		dy := y - cy
		xx := int(math.Sqrt(float64(r2 - dy*dy)))
		x1 := max(cx-xx, b.Min.X)
		x2 := min(cx+xx, b.Max.X-1)
		for x := x1; x <= x2; x++ {
			img.Set(x, y, col)
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
