package kmlarchive

import (
	"bytes"
	"context"
	"encoding/xml"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"riverwave-discharge-map/pkg/database"
	"riverwave-discharge-map/pkg/tracejson"

	_ "modernc.org/sqlite"
)

// TestWriteTraceKML checks the document structure: walk LineString first,
// then one waypoint Placemark per resolvable observation point.
func TestWriteTraceKML(t *testing.T) {
	payload := tracejson.TracePayload{
		TraceID:    "alpha0000001",
		Picked:     1,
		Path:       []int64{1, 2, 3},
		Waypoints:  []tracejson.WaypointPayload{{ID: 1, DistanceKm: 0}, {ID: 3, DistanceKm: 42.5}},
		TotalKm:    42.5,
		CreatedUTC: "2023-11-14T22:13:20Z",
	}
	coords := map[int64]database.ReachStat{
		1: {Rivid: 1, Lon: 4.10, Lat: 44.20, MeanFlow: 2, PeakFlow: 5, ThresholdFlow: 4},
		2: {Rivid: 2, Lon: 4.15, Lat: 44.25, MeanFlow: 3, PeakFlow: 7, ThresholdFlow: 6},
		3: {Rivid: 3, Lon: 4.20, Lat: 44.30, MeanFlow: 4, PeakFlow: 9, ThresholdFlow: 8},
	}

	var buf bytes.Buffer
	if err := WriteTraceKML(payload, coords, &buf); err != nil {
		t.Fatalf("WriteTraceKML: %v", err)
	}
	out := buf.String()

	var doc struct {
		Document struct {
			Name       string `xml:"name"`
			Placemarks []struct {
				Name string `xml:"name"`
			} `xml:"Placemark"`
			Folder struct {
				Placemarks []struct {
					Name  string `xml:"name"`
					Point struct {
						Coordinates string `xml:"coordinates"`
					} `xml:"Point"`
				} `xml:"Placemark"`
			} `xml:"Folder"`
		} `xml:"Document"`
	}
	if err := xml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not XML: %v\n%s", err, out)
	}
	if doc.Document.Name != "alpha0000001" {
		t.Fatalf("document name = %q", doc.Document.Name)
	}
	if len(doc.Document.Placemarks) != 1 {
		t.Fatalf("path placemarks = %d, want 1", len(doc.Document.Placemarks))
	}
	if len(doc.Document.Folder.Placemarks) != 2 {
		t.Fatalf("waypoint placemarks = %d, want 2", len(doc.Document.Folder.Placemarks))
	}
	if !strings.Contains(out, "4.100000,44.200000,0") {
		t.Fatalf("first walk coordinate missing:\n%s", out)
	}
	if !strings.Contains(out, "peakFlow") {
		t.Fatalf("flow summary missing:\n%s", out)
	}
}

// TestWriteTraceKMLSkipsUnknownReaches drops waypoints whose reach vanished
// from the current dataset instead of writing zero coordinates.
func TestWriteTraceKMLSkipsUnknownReaches(t *testing.T) {
	payload := tracejson.TracePayload{
		TraceID:   "bravo0000002",
		Path:      []int64{1, 99},
		Waypoints: []tracejson.WaypointPayload{{ID: 99, DistanceKm: 10}},
	}
	coords := map[int64]database.ReachStat{1: {Rivid: 1, Lon: 4.1, Lat: 44.2}}

	var buf bytes.Buffer
	if err := WriteTraceKML(payload, coords, &buf); err != nil {
		t.Fatalf("WriteTraceKML: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "LineString") {
		t.Fatalf("one-point walk produced a LineString:\n%s", out)
	}
	if strings.Contains(out, "#99") {
		t.Fatalf("unknown waypoint survived:\n%s", out)
	}
}

// TestGeneratorInitialBuild verifies the synchronous startup build: Fetch
// should return an existing archive without waiting for the first tick.
func TestGeneratorInitialBuild(t *testing.T) {
	db := newTestDatabase(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stats := []database.ReachStat{
		{Rivid: 1, Lon: 4.10, Lat: 44.20, MeanFlow: 2, PeakFlow: 5, ThresholdFlow: 4, Steps: 4},
		{Rivid: 2, Lon: 4.15, Lat: 44.25, MeanFlow: 3, PeakFlow: 7, ThresholdFlow: 6, Steps: 4},
	}
	if err := db.ReplaceReachStats(ctx, stats, 10, nil); err != nil {
		t.Fatalf("ReplaceReachStats: %v", err)
	}
	trace := database.Trace{
		TraceID:   "charlie00003",
		Picked:    1,
		Path:      "[1,2]",
		Waypoints: `[{"id":1,"distanceKm":0}]`,
		CreatedAt: 1700001000,
	}
	if _, err := db.SaveTrace(ctx, trace); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "traces-kml.tar.gz")
	gen := Start(ctx, db, dest, time.Hour, nil)

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 10*time.Second)
	defer fetchCancel()
	info, err := gen.Fetch(fetchCtx)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if info.Path != dest {
		t.Fatalf("archive path = %q, want %q", info.Path, dest)
	}
	if info.ModTime.IsZero() {
		t.Fatal("archive mod time missing")
	}
}

func newTestDatabase(t *testing.T) *database.Database {
	t.Helper()

	path := filepath.Join(t.TempDir(), "kml-test.sqlite")
	db, err := database.NewDatabase(database.Config{DBType: "sqlite", DBPath: path})
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { _ = db.DB.Close() })

	if err := db.InitSchema(database.Config{DBType: "sqlite"}); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return db
}
