// Package discharge reads river model output in netCDF classic format: a
// Qout variable of discharge over time for every reach, plus the rivid, lat
// and lon coordinate variables describing which reach is which. The file is
// loaded once at startup and served from memory afterwards.
package discharge

import (
	"fmt"
	"math"
	"os"

	"github.com/ctessum/cdf"
)

// Dataset is the in-memory form of a discharge file, reorganized from the
// time-major layout on disk into one series per reach so plot builders can
// slice without copying.
type Dataset struct {
	Rivids []int64
	Lat    []float64
	Lon    []float64

	// StepHours is the duration of one time step. River model outputs
	// carry 3-hourly averages unless the operator says otherwise.
	StepHours float64

	series [][]float64
	index  map[int64]int
	steps  int
}

// Load opens a netCDF file and pulls the Qout matrix with its coordinate
// variables. Qout must be two-dimensional with time first, the layout river
// routing models write.
func Load(path string, stepHours float64) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open discharge file: %w", err)
	}
	defer f.Close()

	nc, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("read discharge header: %w", err)
	}

	dims := nc.Header.Lengths("Qout")
	if len(dims) != 2 {
		return nil, fmt.Errorf("Qout has %d dimensions, want 2 (time, reach)", len(dims))
	}
	steps, reaches := dims[0], dims[1]
	if steps == 0 {
		return nil, fmt.Errorf("discharge file has an empty time axis")
	}

	q, err := readFloats(nc, "Qout", steps*reaches)
	if err != nil {
		return nil, err
	}
	ids, err := readInts(nc, "rivid", reaches)
	if err != nil {
		return nil, err
	}
	lat, err := readFloats(nc, "lat", reaches)
	if err != nil {
		return nil, err
	}
	lon, err := readFloats(nc, "lon", reaches)
	if err != nil {
		return nil, err
	}

	series := make([][]float64, reaches)
	for i := range series {
		s := make([]float64, steps)
		for t := 0; t < steps; t++ {
			s[t] = q[t*reaches+i]
		}
		series[i] = s
	}
	return NewDataset(ids, lat, lon, series, stepHours)
}

// NewDataset assembles a dataset from already-decoded slices. Split out from
// the file reading so synthetic data can be built directly in tests and
// tools.
func NewDataset(rivids []int64, lat, lon []float64, series [][]float64, stepHours float64) (*Dataset, error) {
	n := len(rivids)
	if len(series) != n || len(lat) != n || len(lon) != n {
		return nil, fmt.Errorf("discharge: %d reach ids but %d series, %d lats, %d lons",
			n, len(series), len(lat), len(lon))
	}
	if stepHours <= 0 {
		stepHours = 3
	}
	ds := &Dataset{
		Rivids:    rivids,
		Lat:       lat,
		Lon:       lon,
		StepHours: stepHours,
		series:    series,
		index:     make(map[int64]int, n),
	}
	for i, id := range rivids {
		if _, dup := ds.index[id]; dup {
			return nil, fmt.Errorf("discharge: duplicate reach id %d", id)
		}
		if i > 0 && len(series[i]) != len(series[0]) {
			return nil, fmt.Errorf("discharge: reach %d has %d steps, want %d", id, len(series[i]), len(series[0]))
		}
		ds.index[id] = i
	}
	if n > 0 {
		ds.steps = len(series[0])
	}
	return ds, nil
}

// Steps returns the number of time steps per series.
func (d *Dataset) Steps() int { return d.steps }

// Count returns the number of reaches in the file.
func (d *Dataset) Count() int { return len(d.Rivids) }

// Has reports whether the reach appears in the discharge file.
func (d *Dataset) Has(id int64) bool {
	_, ok := d.index[id]
	return ok
}

// Series returns the discharge series of a reach. The slice is shared, not
// copied; callers treat it as read-only.
func (d *Dataset) Series(id int64) ([]float64, bool) {
	i, ok := d.index[id]
	if !ok {
		return nil, false
	}
	return d.series[i], true
}

// Normalized returns the series scaled by its own absolute maximum, useful
// when comparing wave shapes between a large river and its tributaries.
func (d *Dataset) Normalized(id int64) ([]float64, bool) {
	s, ok := d.Series(id)
	if !ok {
		return nil, false
	}
	var max float64
	for _, v := range s {
		if a := math.Abs(v); a > max {
			max = a
		}
	}
	out := make([]float64, len(s))
	if max == 0 {
		return out, true
	}
	for i, v := range s {
		out[i] = v / max
	}
	return out, true
}

// Point returns the representative coordinate of a reach.
func (d *Dataset) Point(id int64) (lon, lat float64, ok bool) {
	i, found := d.index[id]
	if !found {
		return 0, 0, false
	}
	return d.Lon[i], d.Lat[i], true
}

// readFloats pulls a float variable regardless of the width it was written
// with. Each attempt uses a fresh reader so a type mismatch cannot leave a
// half-consumed offset behind.
func readFloats(nc *cdf.File, name string, n int) ([]float64, error) {
	if got := countElems(nc, name); got != n {
		return nil, fmt.Errorf("variable %s has %d values, want %d", name, got, n)
	}

	buf32 := make([]float32, n)
	if _, err := nc.Reader(name, nil, nil).Read(buf32); err == nil {
		out := make([]float64, n)
		for i, v := range buf32 {
			out[i] = float64(v)
		}
		return out, nil
	}
	buf64 := make([]float64, n)
	if _, err := nc.Reader(name, nil, nil).Read(buf64); err == nil {
		return buf64, nil
	}
	bufInt, err := readInts(nc, name, n)
	if err != nil {
		return nil, fmt.Errorf("variable %s is neither float nor integer typed", name)
	}
	out := make([]float64, n)
	for i, v := range bufInt {
		out[i] = float64(v)
	}
	return out, nil
}

// readInts pulls an integer variable written as int32 or int64.
func readInts(nc *cdf.File, name string, n int) ([]int64, error) {
	if got := countElems(nc, name); got != n {
		return nil, fmt.Errorf("variable %s has %d values, want %d", name, got, n)
	}

	buf32 := make([]int32, n)
	if _, err := nc.Reader(name, nil, nil).Read(buf32); err == nil {
		out := make([]int64, n)
		for i, v := range buf32 {
			out[i] = int64(v)
		}
		return out, nil
	}
	buf64 := make([]int64, n)
	if _, err := nc.Reader(name, nil, nil).Read(buf64); err == nil {
		return buf64, nil
	}
	return nil, fmt.Errorf("variable %s is not integer typed", name)
}

// countElems multiplies out a variable's dimensions, or returns -1 when the
// variable is absent so callers report a length mismatch with a name.
func countElems(nc *cdf.File, name string) int {
	dims := nc.Header.Lengths(name)
	if len(dims) == 0 {
		return -1
	}
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
