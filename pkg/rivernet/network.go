package rivernet

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/index/rtree"
	"github.com/ctessum/geom/proj"
)

// Reach is one river segment from the network shapefile: its id, its length
// in kilometers and its polyline parts in lon/lat coordinates.
type Reach struct {
	ID     int64
	Length float64
	Lines  []geom.LineString

	bounds *geom.Bounds
}

// Bounds implements rtree.Spatial so reaches can live in the spatial index.
func (r *Reach) Bounds() *geom.Bounds {
	return r.bounds
}

// Similar, Transform, Len and Points delegate to the reach's polyline
// geometry to complete the geom.Geom interface the R-tree stores; the
// index itself only ever calls Bounds.
func (r *Reach) Similar(g geom.Geom, tolerance float64) bool {
	return geom.MultiLineString(r.Lines).Similar(g, tolerance)
}

func (r *Reach) Transform(t proj.Transformer) (geom.Geom, error) {
	return geom.MultiLineString(r.Lines).Transform(t)
}

func (r *Reach) Len() int {
	return geom.MultiLineString(r.Lines).Len()
}

func (r *Reach) Points() func() geom.Point {
	return geom.MultiLineString(r.Lines).Points()
}

// Network holds every reach with an id index and an R-tree for click lookup.
type Network struct {
	reaches []*Reach
	index   map[int64]*Reach
	tree    *rtree.Rtree
	bounds  geom.Bounds
}

// LoadNetwork decodes a river shapefile, expecting the id in COMID and the
// segment length in LENGTHKM, the column layout of NHD flowline exports.
func LoadNetwork(path string) (*Network, error) {
	d, err := shp.NewDecoder(path)
	if err != nil {
		return nil, fmt.Errorf("open network shapefile: %w", err)
	}
	defer d.Close()

	var reaches []*Reach
	for {
		g, fields, more := d.DecodeRowFields("COMID", "LENGTHKM")
		if !more {
			break
		}
		id, err := parseID(fields["COMID"])
		if err != nil {
			return nil, fmt.Errorf("reach %d: COMID %q: %w", len(reaches)+1, fields["COMID"], err)
		}
		length, err := strconv.ParseFloat(strings.TrimSpace(fields["LENGTHKM"]), 64)
		if err != nil {
			return nil, fmt.Errorf("reach %d: LENGTHKM %q: %w", id, fields["LENGTHKM"], err)
		}
		var lines []geom.LineString
		switch gg := g.(type) {
		case geom.LineString:
			lines = []geom.LineString{gg}
		case geom.MultiLineString:
			lines = gg
		default:
			return nil, fmt.Errorf("reach %d: geometry is %T, want polylines", id, g)
		}
		reaches = append(reaches, &Reach{ID: id, Length: length, Lines: lines})
	}
	if err := d.Error(); err != nil {
		return nil, fmt.Errorf("decode network shapefile: %w", err)
	}
	return NewNetwork(reaches)
}

// NewNetwork indexes a reach list. Split out from the shapefile decoding so
// networks can also be built straight from memory.
func NewNetwork(reaches []*Reach) (*Network, error) {
	n := &Network{
		reaches: reaches,
		index:   make(map[int64]*Reach, len(reaches)),
		tree:    rtree.NewTree(25, 50),
	}
	first := true
	for _, r := range reaches {
		if len(r.Lines) == 0 {
			return nil, fmt.Errorf("reach %d has no geometry", r.ID)
		}
		r.bounds = lineBounds(r.Lines)
		if _, dup := n.index[r.ID]; dup {
			return nil, fmt.Errorf("duplicate reach id %d in shapefile", r.ID)
		}
		n.index[r.ID] = r
		n.tree.Insert(r)
		if first {
			n.bounds = *r.bounds
			first = false
		} else {
			extend(&n.bounds, r.bounds)
		}
	}
	return n, nil
}

// Reaches returns every reach in shapefile order.
func (n *Network) Reaches() []*Reach { return n.reaches }

// Len returns the number of reaches.
func (n *Network) Len() int { return len(n.reaches) }

// Reach looks a reach up by id.
func (n *Network) Reach(id int64) (*Reach, bool) {
	r, ok := n.index[id]
	return r, ok
}

// Extent returns the lon/lat bounding box of the whole network, used to
// center the map view on startup.
func (n *Network) Extent() geom.Bounds { return n.bounds }

// NearestReach resolves a clicked coordinate to the closest reach. The
// R-tree is probed with a growing box so dense areas stay cheap while
// clicks on empty water still find the nearest line eventually. The
// returned distance is in coordinate degrees; ok is false only for an
// empty network.
func (n *Network) NearestReach(lon, lat float64) (*Reach, float64, bool) {
	if len(n.reaches) == 0 {
		return nil, 0, false
	}
	span := math.Max(n.bounds.Max.X-n.bounds.Min.X, n.bounds.Max.Y-n.bounds.Min.Y)
	if span <= 0 {
		span = 1
	}

	for radius := span / 256; ; radius *= 2 {
		box := &geom.Bounds{
			Min: geom.Point{X: lon - radius, Y: lat - radius},
			Max: geom.Point{X: lon + radius, Y: lat + radius},
		}
		var best *Reach
		bestDist := math.Inf(1)
		for _, item := range n.tree.SearchIntersect(box) {
			r := item.(*Reach)
			if d := r.distanceTo(lon, lat); d < bestDist {
				best, bestDist = r, d
			}
		}
		// A hit counts only when no closer line can hide just outside
		// the box; otherwise widen and look again.
		if best != nil && bestDist <= radius {
			return best, bestDist, true
		}
		if radius > 2*span {
			if best != nil {
				return best, bestDist, true
			}
			return nil, 0, false
		}
	}
}

// TotalDistance sums the lengths of the path reaches that exist in the
// network, the "Distance downstream" readout of the control room. Terminal
// ids that never made it into the shapefile contribute nothing.
func (n *Network) TotalDistance(path []int64) float64 {
	var km float64
	for _, id := range path {
		if r, ok := n.index[id]; ok {
			km += r.Length
		}
	}
	return km
}

func (r *Reach) distanceTo(lon, lat float64) float64 {
	best := math.Inf(1)
	for _, line := range r.Lines {
		for i := 0; i+1 < len(line); i++ {
			d := pointSegDist(lon, lat, line[i].X, line[i].Y, line[i+1].X, line[i+1].Y)
			if d < best {
				best = d
			}
		}
		// Single-point parts degenerate to point distance.
		if len(line) == 1 {
			d := math.Hypot(lon-line[0].X, lat-line[0].Y)
			if d < best {
				best = d
			}
		}
	}
	return best
}

func pointSegDist(px, py, x1, y1, x2, y2 float64) float64 {
	dx, dy := x2-x1, y2-y1
	if dx == 0 && dy == 0 {
		return math.Hypot(px-x1, py-y1)
	}
	t := ((px-x1)*dx + (py-y1)*dy) / (dx*dx + dy*dy)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return math.Hypot(px-(x1+t*dx), py-(y1+t*dy))
}

func lineBounds(lines []geom.LineString) *geom.Bounds {
	b := &geom.Bounds{
		Min: geom.Point{X: math.Inf(1), Y: math.Inf(1)},
		Max: geom.Point{X: math.Inf(-1), Y: math.Inf(-1)},
	}
	for _, line := range lines {
		for _, p := range line {
			if p.X < b.Min.X {
				b.Min.X = p.X
			}
			if p.Y < b.Min.Y {
				b.Min.Y = p.Y
			}
			if p.X > b.Max.X {
				b.Max.X = p.X
			}
			if p.Y > b.Max.Y {
				b.Max.Y = p.Y
			}
		}
	}
	return b
}

func extend(dst *geom.Bounds, src *geom.Bounds) {
	if src.Min.X < dst.Min.X {
		dst.Min.X = src.Min.X
	}
	if src.Min.Y < dst.Min.Y {
		dst.Min.Y = src.Min.Y
	}
	if src.Max.X > dst.Max.X {
		dst.Max.X = src.Max.X
	}
	if src.Max.Y > dst.Max.Y {
		dst.Max.Y = src.Max.Y
	}
}
