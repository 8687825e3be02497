package figures

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/geom"

	"riverwave-discharge-map/pkg/controlroom"
	"riverwave-discharge-map/pkg/discharge"
	"riverwave-discharge-map/pkg/rivernet"
)

// fixture builds a five-reach chain with a discharge pulse that travels
// three steps further downstream per reach.
func fixture(t *testing.T) (*rivernet.Network, rivernet.Connectivity, *discharge.Dataset) {
	t.Helper()

	lengths := []float64{50, 50, 50, 50, 60}
	reaches := make([]*rivernet.Reach, 0, len(lengths))
	ids := make([]int64, 0, len(lengths))
	lat := make([]float64, 0, len(lengths))
	lon := make([]float64, 0, len(lengths))
	series := make([][]float64, 0, len(lengths))

	for i, l := range lengths {
		x := float64(i)
		id := int64(i + 1)
		reaches = append(reaches, &rivernet.Reach{
			ID:     id,
			Length: l,
			Lines:  []geom.LineString{{{X: x, Y: 0}, {X: x + 1, Y: 0}}},
		})
		ids = append(ids, id)
		lon = append(lon, x+0.5)
		lat = append(lat, 0)

		s := make([]float64, 80)
		center := float64(15 + 3*i)
		for tstep := range s {
			d := float64(tstep) - center
			s[tstep] = 1 + 10*math.Exp(-d*d/(2*16))
		}
		series = append(series, s)
	}

	net, err := rivernet.NewNetwork(reaches)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	ds, err := discharge.NewDataset(ids, lat, lon, series, 3)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	links := rivernet.Connectivity{1: {2}, 2: {3}, 3: {4}, 4: {5}, 5: {}}
	return net, links, ds
}

func selectedSnapshot(t *testing.T, net *rivernet.Network, links rivernet.Connectivity) controlroom.Snapshot {
	t.Helper()
	room := controlroom.NewRoom(net, links, nil)
	defer room.Close()
	snap, err := room.Select(context.Background(), 1)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	return snap
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Format
		ok   bool
	}{
		{"svg", SVG, true},
		{".png", PNG, true},
		{"PDF", PDF, true},
		{"gif", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ParseFormat(%q) = (%q, %v), want (%q, nil)", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseFormat(%q) accepted an unknown format", tc.in)
		}
	}
}

func TestBuildersRenderEveryFormat(t *testing.T) {
	t.Parallel()

	net, links, ds := fixture(t)
	snap := selectedSnapshot(t, net, links)

	builders := []struct {
		label string
		build func() (*Figure, error)
	}{
		{LabelNetwork, func() (*Figure, error) { return NetworkFigure(net, ds, snap) }},
		{LabelDischarge, func() (*Figure, error) { return DischargeFigure(ds, snap) }},
		{LabelPropagation, func() (*Figure, error) { return PropagationFigure(ds, snap) }},
		{LabelDuration, func() (*Figure, error) { return DurationFigure(ds, snap) }},
	}
	for _, b := range builders {
		b := b
		t.Run(b.label, func(t *testing.T) {
			t.Parallel()
			fig, err := b.build()
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if fig.Label != b.label {
				t.Fatalf("Label = %q, want %q", fig.Label, b.label)
			}

			svg, err := fig.Render(SVG)
			if err != nil {
				t.Fatalf("Render(SVG): %v", err)
			}
			if !bytes.Contains(svg, []byte("<svg")) {
				t.Fatal("svg output missing <svg element")
			}

			png, err := fig.Render(PNG)
			if err != nil {
				t.Fatalf("Render(PNG): %v", err)
			}
			if !bytes.HasPrefix(png, []byte("\x89PNG")) {
				t.Fatal("png output missing magic header")
			}

			pdf, err := fig.Render(PDF)
			if err != nil {
				t.Fatalf("Render(PDF): %v", err)
			}
			if !bytes.HasPrefix(pdf, []byte("%PDF")) {
				t.Fatal("pdf output missing magic header")
			}
		})
	}
}

func TestBuilderRejectsMissingSeries(t *testing.T) {
	t.Parallel()

	net, links, ds := fixture(t)
	snap := selectedSnapshot(t, net, links)
	snap.Waypoints = append(snap.Waypoints, rivernet.Waypoint{ID: 999, Distance: 500})

	if _, err := DischargeFigure(ds, snap); err == nil {
		t.Fatal("DischargeFigure accepted a waypoint missing from the discharge data")
	}
	if _, err := DurationFigure(ds, snap); err == nil {
		t.Fatal("DurationFigure accepted a waypoint missing from the discharge data")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()

	net, links, ds := fixture(t)
	room := controlroom.NewRoom(net, links, nil)
	defer room.Close()
	reg := NewRegistry(net, ds, room, nil)
	defer reg.Stop()
	ctx := context.Background()

	// Analysis figures refuse to open before a reach is picked.
	if _, _, err := reg.Open(ctx, LabelDischarge); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("Open without selection: err = %v, want ErrNoSelection", err)
	}
	if _, _, err := reg.Open(ctx, "No Such Window"); !errors.Is(err, ErrUnknownFigure) {
		t.Fatalf("Open unknown label: err = %v, want ErrUnknownFigure", err)
	}

	if _, err := room.Select(ctx, 1); err != nil {
		t.Fatalf("Select: %v", err)
	}

	st, opened, err := reg.Open(ctx, LabelDischarge)
	if err != nil || !opened {
		t.Fatalf("Open(discharge) = (%v, %v), want opened", opened, err)
	}
	if _, opened, err = reg.Open(ctx, LabelDischarge); err != nil || opened {
		t.Fatalf("reopening = (%v, %v), want silent no-op", opened, err)
	}
	st, opened, err = reg.Open(ctx, LabelPropagation)
	if err != nil || !opened {
		t.Fatalf("Open(propagation) = (%v, %v), want opened", opened, err)
	}

	wantOrder := []string{LabelNetwork, LabelDischarge, LabelPropagation}
	if len(st.Open) != len(wantOrder) {
		t.Fatalf("Open = %v, want %v", st.Open, wantOrder)
	}
	for i, l := range wantOrder {
		if st.Open[i] != l {
			t.Fatalf("Open = %v, want %v", st.Open, wantOrder)
		}
	}

	// Rendering an analysis figure that was never opened fails; the
	// network map renders always.
	if _, err := reg.Render(ctx, LabelDuration, SVG); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Render(unopened) err = %v, want ErrNotOpen", err)
	}
	if _, err := reg.Render(ctx, LabelNetwork, SVG); err != nil {
		t.Fatalf("Render(network): %v", err)
	}
	if _, err := reg.Render(ctx, LabelDischarge, PNG); err != nil {
		t.Fatalf("Render(discharge): %v", err)
	}

	if _, err := reg.Close(ctx, LabelNetwork); !errors.Is(err, ErrNetworkPinned) {
		t.Fatalf("Close(network) err = %v, want ErrNetworkPinned", err)
	}
	st, err = reg.Close(ctx, LabelDischarge)
	if err != nil {
		t.Fatalf("Close(discharge): %v", err)
	}
	if len(st.Open) != 2 {
		t.Fatalf("Open after close = %v, want network and propagation", st.Open)
	}

	st, err = reg.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(st.Open) != 1 || st.Open[0] != LabelNetwork {
		t.Fatalf("Open after reset = %v, want just the network map", st.Open)
	}
}

func TestSaveAllWritesEveryFormat(t *testing.T) {
	t.Parallel()

	net, links, ds := fixture(t)
	room := controlroom.NewRoom(net, links, nil)
	defer room.Close()
	reg := NewRegistry(net, ds, room, nil)
	defer reg.Stop()
	ctx := context.Background()

	if _, err := room.Select(ctx, 1); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, _, err := reg.Open(ctx, LabelDuration); err != nil {
		t.Fatalf("Open: %v", err)
	}

	dir := t.TempDir()
	paths, err := reg.SaveAll(ctx, dir)
	if err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	// Two open figures, three formats each.
	if len(paths) != 6 {
		t.Fatalf("SaveAll wrote %d files, want 6: %v", len(paths), paths)
	}
	for _, want := range []string{
		filepath.Join(dir, "svgs", LabelNetwork+".svg"),
		filepath.Join(dir, "pdfs", LabelNetwork+".pdf"),
		filepath.Join(dir, "pngs", LabelNetwork+".png"),
		filepath.Join(dir, "svgs", LabelDuration+".svg"),
		filepath.Join(dir, "pdfs", LabelDuration+".pdf"),
		filepath.Join(dir, "pngs", LabelDuration+".png"),
	} {
		info, err := os.Stat(want)
		if err != nil {
			t.Fatalf("missing export %s: %v", want, err)
		}
		if info.Size() == 0 {
			t.Fatalf("export %s is empty", want)
		}
	}
}
