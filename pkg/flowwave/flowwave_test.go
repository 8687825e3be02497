package flowwave

import (
	"math"
	"testing"
)

// TestPropagationLagRecoversShift feeds the correlator a pulse and the same
// pulse delayed by a known number of steps. The reported lag must equal the
// injected delay, otherwise every propagation readout in the UI is wrong.
func TestPropagationLagRecoversShift(t *testing.T) {
	t.Parallel()

	const n = 200
	pulse := func(center int) []float64 {
		s := make([]float64, n)
		for i := range s {
			d := float64(i - center)
			s[i] = math.Exp(-d * d / (2 * 8 * 8))
		}
		return s
	}

	tests := []struct {
		name  string
		shift int
	}{
		{"no delay", 0},
		{"short delay", 5},
		{"medium delay", 17},
		{"long delay", 40},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			head := pulse(60)
			down := pulse(60 + tc.shift)
			if got := PropagationLag(head, down); got != tc.shift {
				t.Fatalf("PropagationLag = %d steps, want %d", got, tc.shift)
			}
		})
	}
}

// TestCrossCorrelationMatchesDirectSum cross-checks the FFT path against a
// brute-force evaluation of the defining sum so a transform size or scaling
// mistake cannot slip through unnoticed.
func TestCrossCorrelationMatchesDirectSum(t *testing.T) {
	t.Parallel()

	const n = 50
	x := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = math.Sin(1.3*float64(i)) + 0.5*math.Sin(0.21*float64(i))
		y[i] = math.Cos(0.7*float64(i)) + 0.2*float64(i%3)
	}

	mean := func(s []float64) float64 {
		var sum float64
		for _, v := range s {
			sum += v
		}
		return sum / float64(len(s))
	}
	popSD := func(s []float64, m float64) float64 {
		var sum float64
		for _, v := range s {
			sum += (v - m) * (v - m)
		}
		return math.Sqrt(sum / float64(len(s)))
	}

	mx, my := mean(x), mean(y)
	sx, sy := popSD(x, mx), popSD(y, my)

	got := CrossCorrelation(x, y)
	if len(got) != n {
		t.Fatalf("CrossCorrelation length = %d, want %d", len(got), n)
	}
	for k := 0; k < n; k++ {
		var sum float64
		for t := 0; t+k < n; t++ {
			sum += (x[t] - mx) * (y[t+k] - my)
		}
		want := sum / (float64(n-k) * sx * sy)
		if math.Abs(got[k]-want) > 1e-9 {
			t.Fatalf("ccf[%d] = %g, want %g", k, got[k], want)
		}
	}
}

// TestCrossCorrelationDegenerateInputs pins down the quiet-failure contract:
// mismatched lengths yield nil, constant series yield a zero curve and a
// zero lag instead of dividing by a zero standard deviation.
func TestCrossCorrelationDegenerateInputs(t *testing.T) {
	t.Parallel()

	if got := CrossCorrelation([]float64{1, 2}, []float64{1, 2, 3}); got != nil {
		t.Errorf("unequal lengths: got %v, want nil", got)
	}
	if got := CrossCorrelation(nil, nil); got != nil {
		t.Errorf("empty input: got %v, want nil", got)
	}

	flat := []float64{4, 4, 4, 4}
	wavy := []float64{1, 2, 3, 4}
	corr := CrossCorrelation(flat, wavy)
	if len(corr) != len(flat) {
		t.Fatalf("constant series: length = %d, want %d", len(corr), len(flat))
	}
	for k, v := range corr {
		if v != 0 {
			t.Errorf("constant series: ccf[%d] = %g, want 0", k, v)
		}
	}
	if got := PropagationLag(flat, flat); got != 0 {
		t.Errorf("PropagationLag on constants = %d, want 0", got)
	}
}

// TestPercentileLinearInterpolation locks the interpolation convention the
// threshold controls rely on, including the clamping of out-of-range levels.
func TestPercentileLinearInterpolation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []float64
		p    float64
		want float64
	}{
		{"median of four interpolates", []float64{1, 2, 3, 4}, 50, 2.5},
		{"ninetieth of four", []float64{1, 2, 3, 4}, 90, 3.7},
		{"zeroth is the minimum", []float64{5, 1, 9}, 0, 1},
		{"hundredth is the maximum", []float64{5, 1, 9}, 100, 9},
		{"single value", []float64{7}, 33, 7},
		{"odd count median", []float64{5, 1, 3, 2, 4}, 50, 3},
		{"level above 100 clamps to max", []float64{1, 2}, 150, 2},
		{"negative level clamps to min", []float64{1, 2}, -5, 1},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Percentile(tc.data, tc.p)
			if math.Abs(got-tc.want) > 1e-12 {
				t.Fatalf("Percentile(%v, %g) = %g, want %g", tc.data, tc.p, got, tc.want)
			}
		})
	}

	if got := Percentile(nil, 50); !math.IsNaN(got) {
		t.Errorf("Percentile of empty data = %g, want NaN", got)
	}
}

// TestEventsRunSegmentation verifies that consecutive above-threshold steps
// collapse into single events with correct bounds, lengths and peaks, since
// those numbers feed the duration readouts directly.
func TestEventsRunSegmentation(t *testing.T) {
	t.Parallel()

	series := []float64{0, 5, 6, 2, 7, 7, 7, 0, 8}
	events := Events(series, 5)
	want := []Event{
		{Start: 1, End: 2, Steps: 2, Peak: 6},
		{Start: 4, End: 6, Steps: 3, Peak: 7},
		{Start: 8, End: 8, Steps: 1, Peak: 8},
	}
	if len(events) != len(want) {
		t.Fatalf("Events returned %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, ev := range events {
		if ev != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, ev, want[i])
		}
	}
	if got := events[1].Hours(3); got != 9 {
		t.Errorf("Hours(3) of middle event = %g, want 9", got)
	}

	idx := AboveThreshold(series, 5)
	wantIdx := []int{1, 2, 4, 5, 6, 8}
	if len(idx) != len(wantIdx) {
		t.Fatalf("AboveThreshold = %v, want %v", idx, wantIdx)
	}
	for i := range idx {
		if idx[i] != wantIdx[i] {
			t.Fatalf("AboveThreshold = %v, want %v", idx, wantIdx)
		}
	}

	if got := Events(series, 100); len(got) != 0 {
		t.Errorf("threshold above maximum produced events: %+v", got)
	}
}
