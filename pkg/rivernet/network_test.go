package rivernet

import (
	"math"
	"testing"

	"github.com/ctessum/geom"
)

// chainNetwork builds five reaches laid end to end along the equator, one
// degree and a known length each, so distances and lookups are easy to
// reason about by hand.
func chainNetwork(t *testing.T) *Network {
	t.Helper()
	seg := func(id int64, x0, x1, length float64) *Reach {
		return &Reach{
			ID:     id,
			Length: length,
			Lines: []geom.LineString{{
				geom.Point{X: x0, Y: 0},
				geom.Point{X: x1, Y: 0},
			}},
		}
	}
	n, err := NewNetwork([]*Reach{
		seg(1, 0, 1, 50),
		seg(2, 1, 2, 50),
		seg(3, 2, 3, 50),
		seg(4, 3, 4, 50),
		seg(5, 4, 5, 60),
	})
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	return n
}

// TestNearestReach clicks near and far from the chain and expects the
// closest segment back, including the widening search for clicks on empty
// water well outside every bounding box.
func TestNearestReach(t *testing.T) {
	t.Parallel()
	n := chainNetwork(t)

	tests := []struct {
		name     string
		lon, lat float64
		wantID   int64
	}{
		{"directly above first segment", 0.5, 0.1, 1},
		{"below fourth segment", 3.4, -0.2, 4},
		{"far click still resolves", 10, 5, 5},
		{"west of the source", -2, 0, 1},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, dist, ok := n.NearestReach(tc.lon, tc.lat)
			if !ok {
				t.Fatalf("NearestReach(%g, %g) found nothing", tc.lon, tc.lat)
			}
			if r.ID != tc.wantID {
				t.Fatalf("NearestReach(%g, %g) = reach %d (%.3f away), want %d",
					tc.lon, tc.lat, r.ID, dist, tc.wantID)
			}
		})
	}

	empty, err := NewNetwork(nil)
	if err != nil {
		t.Fatalf("NewNetwork(nil): %v", err)
	}
	if _, _, ok := empty.NearestReach(0, 0); ok {
		t.Error("empty network claimed a nearest reach")
	}
}

// TestWaypointsSpacing pins the spacing rule: a reach becomes a waypoint
// when the running distance crosses the next multiple of the spacing, the
// count is capped, and the walk stops at the first id the shapefile does
// not know (which is how the outlet id 0 terminates real paths).
func TestWaypointsSpacing(t *testing.T) {
	t.Parallel()
	n := chainNetwork(t)
	path := []int64{1, 2, 3, 4, 5, 0}

	tests := []struct {
		name       string
		numReaches int
		reachDist  float64
		want       []Waypoint
	}{
		{
			"default spacing keeps every second reach",
			5, 117,
			[]Waypoint{{ID: 1, Distance: 50}, {ID: 3, Distance: 150}, {ID: 5, Distance: 260}},
		},
		{
			"cap cuts the tail",
			2, 117,
			[]Waypoint{{ID: 1, Distance: 50}, {ID: 3, Distance: 150}},
		},
		{
			"zero reaches selects nothing",
			0, 117,
			nil,
		},
		{
			"zero spacing keeps every reach",
			10, 0,
			[]Waypoint{{ID: 1, Distance: 50}, {ID: 2, Distance: 100}, {ID: 3, Distance: 150}, {ID: 4, Distance: 200}, {ID: 5, Distance: 260}},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := n.Waypoints(path, tc.numReaches, tc.reachDist)
			if len(got) != len(tc.want) {
				t.Fatalf("Waypoints = %+v, want %+v", got, tc.want)
			}
			for i := range got {
				if got[i].ID != tc.want[i].ID || math.Abs(got[i].Distance-tc.want[i].Distance) > 1e-9 {
					t.Fatalf("Waypoints = %+v, want %+v", got, tc.want)
				}
			}
		})
	}

	t.Run("missing id stops the walk", func(t *testing.T) {
		t.Parallel()
		got := n.Waypoints([]int64{1, 99, 2}, 5, 0)
		if len(got) != 1 || got[0].ID != 1 {
			t.Fatalf("Waypoints across a gap = %+v, want only reach 1", got)
		}
	})
}

// TestTotalDistance checks the control room readout: path members found in
// the network contribute their length, unknown terminal ids contribute
// nothing.
func TestTotalDistance(t *testing.T) {
	t.Parallel()
	n := chainNetwork(t)

	if got := n.TotalDistance([]int64{1, 2, 0}); got != 100 {
		t.Errorf("TotalDistance(1,2,0) = %g, want 100", got)
	}
	if got := n.TotalDistance(nil); got != 0 {
		t.Errorf("TotalDistance(nil) = %g, want 0", got)
	}
	if got := n.TotalDistance([]int64{1, 2, 3, 4, 5}); got != 260 {
		t.Errorf("TotalDistance(full chain) = %g, want 260", got)
	}
}

// TestNewNetworkValidation rejects duplicate ids and geometry-free reaches
// early, where the mistake is still attributable to the input file.
func TestNewNetworkValidation(t *testing.T) {
	t.Parallel()

	line := []geom.LineString{{geom.Point{X: 0, Y: 0}, geom.Point{X: 1, Y: 1}}}
	if _, err := NewNetwork([]*Reach{
		{ID: 7, Length: 1, Lines: line},
		{ID: 7, Length: 2, Lines: line},
	}); err == nil {
		t.Error("duplicate reach ids were accepted")
	}
	if _, err := NewNetwork([]*Reach{{ID: 8, Length: 1}}); err == nil {
		t.Error("reach without geometry was accepted")
	}
}

// TestExtent verifies the startup map view covers the whole network.
func TestExtent(t *testing.T) {
	t.Parallel()
	n := chainNetwork(t)
	b := n.Extent()
	if b.Min.X != 0 || b.Max.X != 5 || b.Min.Y != 0 || b.Max.Y != 0 {
		t.Errorf("Extent = %+v, want x 0..5, y 0..0", b)
	}
}
