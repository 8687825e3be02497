// Package flowwave holds the array arithmetic behind the derived river
// views: cross-correlation lag between two discharge series, linear
// percentile thresholds and peak-event durations. Everything here is
// pure computation over slices so the handlers and figure builders can
// stay thin.
package flowwave

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ==========================
// Cross-correlation and lag
// ==========================

// CrossCorrelation returns the normalized cross-correlation of x and y for
// non-negative shifts of y relative to x:
//
//	ccf[k] = sum_t (x[t]-mean(x)) * (y[t+k]-mean(y)) / ((n-k) * sd(x) * sd(y))
//
// The 1/(n-k) factor keeps far lags comparable to near ones on short
// records. Standard deviations are population ones. The sums are computed
// through an FFT so long daily or sub-daily records stay cheap.
//
// A flow wave traveling downstream shows up as a peak at the shift where
// the downstream series best lines up with the delayed upstream one.
// Series of unequal length or zero variance yield an all-zero curve.
func CrossCorrelation(x, y []float64) []float64 {
	n := len(x)
	if n == 0 || len(y) != n {
		return nil
	}
	out := make([]float64, n)

	mx := stat.Mean(x, nil)
	my := stat.Mean(y, nil)
	sx := stat.PopStdDev(x, nil)
	sy := stat.PopStdDev(y, nil)
	if sx == 0 || sy == 0 {
		return out
	}

	// Zero-pad to at least twice the record so circular correlation
	// equals linear correlation for every shift we report.
	size := 1
	for size < 2*n {
		size <<= 1
	}
	ax := make([]float64, size)
	ay := make([]float64, size)
	for i := 0; i < n; i++ {
		ax[i] = x[i] - mx
		ay[i] = y[i] - my
	}

	fft := fourier.NewFFT(size)
	cx := fft.Coefficients(nil, ax)
	cy := fft.Coefficients(nil, ay)
	for i := range cx {
		cx[i] = cmplx.Conj(cx[i]) * cy[i]
	}
	raw := fft.Sequence(nil, cx)

	// Sequence(Coefficients(v)) scales by the transform size.
	scale := float64(size)
	for k := 0; k < n; k++ {
		out[k] = raw[k] / scale / (float64(n-k) * sx * sy)
	}
	return out
}

// PropagationLag returns the shift, in time steps, at which the downstream
// series correlates best with the head series. Ties resolve to the earliest
// shift, and degenerate inputs report zero delay.
func PropagationLag(head, down []float64) int {
	corr := CrossCorrelation(head, down)
	if len(corr) == 0 {
		return 0
	}
	return floats.MaxIdx(corr)
}

// ==========================
// Percentiles and events
// ==========================

// Percentile returns the p'th percentile (0..100) of data using linear
// interpolation between closest ranks, the convention hydrology datasets
// are usually summarized with. gonum's stat.Quantile implements the
// empirical and midpoint conventions but not this one, so the few lines
// live here. Returns NaN for empty data.
func Percentile(data []float64, p float64) float64 {
	n := len(data)
	if n == 0 {
		return math.NaN()
	}
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	sorted := make([]float64, n)
	copy(sorted, data)
	sort.Float64s(sorted)

	h := p / 100 * float64(n-1)
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// AboveThreshold returns the time-step indices whose value reaches the
// threshold. The comparison is inclusive, matching how the peak views
// highlight samples sitting exactly on the percentile line.
func AboveThreshold(series []float64, threshold float64) []int {
	var idx []int
	for i, v := range series {
		if v >= threshold {
			idx = append(idx, i)
		}
	}
	return idx
}

// Event is one consecutive run of time steps at or above a threshold.
// Start and End are inclusive step indices.
type Event struct {
	Start int
	End   int
	Steps int
	Peak  float64
}

// Hours converts the event duration to hours given the dataset step size.
func (e Event) Hours(stepHours float64) float64 {
	return float64(e.Steps) * stepHours
}

// Events splits a series into consecutive above-threshold runs. The run
// lengths are the peak-event durations shown next to the duration figure.
func Events(series []float64, threshold float64) []Event {
	var events []Event
	inRun := false
	var cur Event
	for i, v := range series {
		switch {
		case v >= threshold && !inRun:
			inRun = true
			cur = Event{Start: i, End: i, Steps: 1, Peak: v}
		case v >= threshold && inRun:
			cur.End = i
			cur.Steps++
			if v > cur.Peak {
				cur.Peak = v
			}
		case v < threshold && inRun:
			inRun = false
			events = append(events, cur)
		}
	}
	if inRun {
		events = append(events, cur)
	}
	return events
}
