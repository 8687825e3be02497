package discharge

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/cdf"
)

// writeFixture builds a small Qout file with the same variable types a river
// routing model writes: float32 discharge, int32 reach ids, float64
// coordinates.
func writeFixture(t *testing.T, path string, ids []int32, lat, lon []float64, q [][]float32) {
	t.Helper()

	steps := len(q)
	reaches := len(ids)
	h := cdf.NewHeader([]string{"time", "rivid"}, []int{steps, reaches})
	h.AddVariable("Qout", []string{"time", "rivid"}, []float32{0})
	h.AddVariable("rivid", []string{"rivid"}, []int32{0})
	h.AddVariable("lat", []string{"rivid"}, []float64{0})
	h.AddVariable("lon", []string{"rivid"}, []float64{0})
	h.Define()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	nc, err := cdf.Create(f, h)
	if err != nil {
		t.Fatalf("write header: %v", err)
	}

	flat := make([]float32, 0, steps*reaches)
	for _, row := range q {
		flat = append(flat, row...)
	}
	write := func(name string, data interface{}) {
		end := nc.Header.Lengths(name)
		start := make([]int, len(end))
		if _, err := nc.Writer(name, start, end).Write(data); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("Qout", flat)
	write("rivid", ids)
	write("lat", lat)
	write("lon", lon)

	if err := cdf.UpdateNumRecs(f); err != nil {
		t.Fatalf("update record count: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close fixture: %v", err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "Qout_test.nc")
	ids := []int32{101, 202, 303}
	lat := []float64{35.5, 36.0, 36.5}
	lon := []float64{-94.1, -94.2, -94.3}
	q := [][]float32{
		{1.0, 10.0, 100.0},
		{2.5, 20.0, 200.0},
		{3.0, 30.0, 300.0},
		{1.5, 15.0, 150.0},
	}
	writeFixture(t, path, ids, lat, lon, q)

	ds, err := Load(path, 3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ds.Count() != 3 {
		t.Fatalf("Count = %d, want 3", ds.Count())
	}
	if ds.Steps() != 4 {
		t.Fatalf("Steps = %d, want 4", ds.Steps())
	}
	if ds.StepHours != 3 {
		t.Fatalf("StepHours = %v, want 3", ds.StepHours)
	}

	for i, id := range []int64{101, 202, 303} {
		if ds.Rivids[i] != id {
			t.Fatalf("Rivids[%d] = %d, want %d", i, ds.Rivids[i], id)
		}
		s, ok := ds.Series(id)
		if !ok {
			t.Fatalf("Series(%d) not found", id)
		}
		for ti := range q {
			if got, want := s[ti], float64(q[ti][i]); math.Abs(got-want) > 1e-6 {
				t.Fatalf("Series(%d)[%d] = %v, want %v", id, ti, got, want)
			}
		}
		gotLon, gotLat, ok := ds.Point(id)
		if !ok || gotLon != lon[i] || gotLat != lat[i] {
			t.Fatalf("Point(%d) = (%v, %v, %v), want (%v, %v, true)", id, gotLon, gotLat, ok, lon[i], lat[i])
		}
	}

	if ds.Has(999) {
		t.Fatal("Has(999) = true for an id outside the file")
	}
	if _, ok := ds.Series(999); ok {
		t.Fatal("Series(999) returned data for an id outside the file")
	}
}

func TestLoadRejectsMismatchedCoordinates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "Qout_bad.nc")
	h := cdf.NewHeader([]string{"time", "rivid", "half"}, []int{2, 4, 2})
	h.AddVariable("Qout", []string{"time", "rivid"}, []float32{0})
	h.AddVariable("rivid", []string{"rivid"}, []int32{0})
	h.AddVariable("lat", []string{"half"}, []float64{0})
	h.AddVariable("lon", []string{"half"}, []float64{0})
	h.Define()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	nc, err := cdf.Create(f, h)
	if err != nil {
		t.Fatalf("write header: %v", err)
	}
	write := func(name string, data interface{}) {
		end := nc.Header.Lengths(name)
		start := make([]int, len(end))
		if _, err := nc.Writer(name, start, end).Write(data); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("Qout", make([]float32, 8))
	write("rivid", []int32{1, 2, 3, 4})
	write("lat", []float64{0, 0})
	write("lon", []float64{0, 0})
	if err := cdf.UpdateNumRecs(f); err != nil {
		t.Fatalf("update record count: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close fixture: %v", err)
	}

	if _, err := Load(path, 3); err == nil {
		t.Fatal("Load accepted a file whose lat axis disagrees with rivid")
	}
}

func TestNewDatasetValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		ids    []int64
		lat    []float64
		lon    []float64
		series [][]float64
		ok     bool
	}{
		{
			name:   "well formed",
			ids:    []int64{1, 2},
			lat:    []float64{0, 1},
			lon:    []float64{2, 3},
			series: [][]float64{{1, 2}, {3, 4}},
			ok:     true,
		},
		{
			name:   "duplicate id",
			ids:    []int64{7, 7},
			lat:    []float64{0, 1},
			lon:    []float64{2, 3},
			series: [][]float64{{1}, {2}},
		},
		{
			name:   "ragged series",
			ids:    []int64{1, 2},
			lat:    []float64{0, 1},
			lon:    []float64{2, 3},
			series: [][]float64{{1, 2}, {3}},
		},
		{
			name:   "missing coordinates",
			ids:    []int64{1, 2},
			lat:    []float64{0},
			lon:    []float64{2, 3},
			series: [][]float64{{1}, {2}},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewDataset(tc.ids, tc.lat, tc.lon, tc.series, 3)
			if tc.ok && err != nil {
				t.Fatalf("NewDataset: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("NewDataset accepted malformed input")
			}
		})
	}
}

func TestNormalized(t *testing.T) {
	t.Parallel()

	ds, err := NewDataset(
		[]int64{5, 6},
		[]float64{0, 0},
		[]float64{0, 0},
		[][]float64{{2, -8, 4}, {0, 0, 0}},
		3,
	)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}

	n, ok := ds.Normalized(5)
	if !ok {
		t.Fatal("Normalized(5) not found")
	}
	want := []float64{0.25, -1, 0.5}
	for i := range want {
		if math.Abs(n[i]-want[i]) > 1e-12 {
			t.Fatalf("Normalized(5)[%d] = %v, want %v", i, n[i], want[i])
		}
	}

	// An all-zero series stays all zero instead of dividing by zero.
	z, ok := ds.Normalized(6)
	if !ok {
		t.Fatal("Normalized(6) not found")
	}
	for i, v := range z {
		if v != 0 {
			t.Fatalf("Normalized(6)[%d] = %v, want 0", i, v)
		}
	}
}
