package controlroom

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ctessum/geom"

	"riverwave-discharge-map/pkg/rivernet"
	"riverwave-discharge-map/pkg/selectionstream"
)

// testNetwork builds five reaches chained west to east along the equator,
// with lengths 50, 50, 50, 50 and 60 km.
func testNetwork(t *testing.T) *rivernet.Network {
	t.Helper()
	lengths := []float64{50, 50, 50, 50, 60}
	reaches := make([]*rivernet.Reach, 0, len(lengths))
	for i, l := range lengths {
		x := float64(i)
		reaches = append(reaches, &rivernet.Reach{
			ID:     int64(i + 1),
			Length: l,
			Lines:  []geom.LineString{{{X: x, Y: 0}, {X: x + 1, Y: 0}}},
		})
	}
	net, err := rivernet.NewNetwork(reaches)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	return net
}

func testLinks() rivernet.Connectivity {
	return rivernet.Connectivity{1: {2}, 2: {3}, 3: {4}, 4: {5}, 5: {}}
}

func TestSelectWalksDownstream(t *testing.T) {
	t.Parallel()

	room := NewRoom(testNetwork(t), testLinks(), nil)
	defer room.Close()
	ctx := context.Background()

	snap, err := room.Select(ctx, 1)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	wantPath := []int64{1, 2, 3, 4, 5}
	if len(snap.Path) != len(wantPath) {
		t.Fatalf("Path = %v, want %v", snap.Path, wantPath)
	}
	for i, id := range wantPath {
		if snap.Path[i] != id {
			t.Fatalf("Path = %v, want %v", snap.Path, wantPath)
		}
	}
	if !snap.Selected() {
		t.Fatal("Selected() = false after a pick")
	}

	// Default spacing keeps every second reach of the 50 km chain.
	wantWp := []rivernet.Waypoint{{ID: 1, Distance: 50}, {ID: 3, Distance: 150}, {ID: 5, Distance: 260}}
	if len(snap.Waypoints) != len(wantWp) {
		t.Fatalf("Waypoints = %v, want %v", snap.Waypoints, wantWp)
	}
	for i, wp := range wantWp {
		if snap.Waypoints[i] != wp {
			t.Fatalf("Waypoints[%d] = %v, want %v", i, snap.Waypoints[i], wp)
		}
	}

	if _, err := room.Select(ctx, 404); err == nil {
		t.Fatal("Select accepted a reach that is not on the map")
	}
	after, err := room.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if after.Revision != snap.Revision {
		t.Fatalf("failed pick bumped revision from %d to %d", snap.Revision, after.Revision)
	}
}

func TestSetControlsFallbacks(t *testing.T) {
	t.Parallel()

	room := NewRoom(testNetwork(t), testLinks(), nil)
	defer room.Close()
	ctx := context.Background()

	if _, err := room.Select(ctx, 1); err != nil {
		t.Fatalf("Select: %v", err)
	}

	// Unparseable count, zero spacing and an over-100 threshold all fall
	// back with printed warnings instead of failing.
	snap, messages, err := room.SetControls(ctx, "abc", "0", "150")
	if err != nil {
		t.Fatalf("SetControls: %v", err)
	}
	if snap.NumReaches != 0 {
		t.Fatalf("NumReaches = %d, want 0 for unparseable text", snap.NumReaches)
	}
	if snap.ReachDist != DefaultReachDist {
		t.Fatalf("ReachDist = %v, want default %v", snap.ReachDist, DefaultReachDist)
	}
	if snap.Threshold != 100 {
		t.Fatalf("Threshold = %v, want clamp to 100", snap.Threshold)
	}
	if len(snap.Waypoints) != 0 {
		t.Fatalf("Waypoints = %v, want none with zero reaches", snap.Waypoints)
	}

	joined := strings.Join(messages, "\n")
	for _, want := range []string{
		"Showing 0 river reaches",
		"Error: Cannot have a distance between reaches of 0.",
		"Error: Cannot set threshold level above 100%.",
		"Setting the river threshold level to 100 percentile.",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("messages %q missing %q", joined, want)
		}
	}

	// Re-submitting the same values is a no-op with no chatter.
	again, messages, err := room.SetControls(ctx, "0", "117", "100")
	if err != nil {
		t.Fatalf("SetControls: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("unchanged controls produced messages %q", messages)
	}
	if again.Revision != snap.Revision {
		t.Fatalf("unchanged controls bumped revision from %d to %d", snap.Revision, again.Revision)
	}

	// Shrinking the count keeps only the first waypoints.
	snap, _, err = room.SetControls(ctx, "2", "117", "100")
	if err != nil {
		t.Fatalf("SetControls: %v", err)
	}
	if len(snap.Waypoints) != 2 {
		t.Fatalf("Waypoints = %v, want 2 entries", snap.Waypoints)
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	t.Parallel()

	room := NewRoom(testNetwork(t), testLinks(), nil)
	defer room.Close()
	ctx := context.Background()

	if _, err := room.Select(ctx, 2); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, _, err := room.SetControls(ctx, "3", "80", "50"); err != nil {
		t.Fatalf("SetControls: %v", err)
	}

	snap, err := room.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if snap.Selected() {
		t.Fatalf("Path = %v after reset, want empty", snap.Path)
	}
	if snap.NumReaches != DefaultNumReaches || snap.ReachDist != DefaultReachDist || snap.Threshold != DefaultThreshold {
		t.Fatalf("after reset got (%d, %v, %v), want defaults (%d, %v, %v)",
			snap.NumReaches, snap.ReachDist, snap.Threshold,
			DefaultNumReaches, DefaultReachDist, DefaultThreshold)
	}
}

func TestRoomPublishesEvents(t *testing.T) {
	t.Parallel()

	bus := selectionstream.NewBus(16)
	room := NewRoom(testNetwork(t), testLinks(), bus)
	defer room.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := bus.Subscribe(ctx, selectionstream.KindAny, 16)

	if _, err := room.Select(ctx, 1); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, _, err := room.SetControls(ctx, "2", "117", "90"); err != nil {
		t.Fatalf("SetControls: %v", err)
	}
	if _, err := room.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	want := []selectionstream.Kind{
		selectionstream.KindSelection,
		selectionstream.KindControls,
		selectionstream.KindReset,
	}
	for _, kind := range want {
		select {
		case ev := <-events:
			if ev.Kind != kind {
				t.Fatalf("event kind = %q, want %q", ev.Kind, kind)
			}
			if len(ev.Payload) == 0 {
				t.Fatalf("event %q has no payload", kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}
