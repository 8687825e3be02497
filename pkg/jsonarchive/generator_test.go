package jsonarchive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"riverwave-discharge-map/pkg/database"
	"riverwave-discharge-map/pkg/tracejson"

	_ "modernc.org/sqlite"
)

func newTestDatabase(t *testing.T) *database.Database {
	t.Helper()

	path := filepath.Join(t.TempDir(), "archive-test.sqlite")
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

func seedTraces(t *testing.T, db *database.Database) {
	t.Helper()
	ctx := context.Background()

	stats := []database.ReachStat{
		{Rivid: 1, Lon: 4.10, Lat: 44.20, MeanFlow: 2, PeakFlow: 5, ThresholdFlow: 4, Steps: 10},
		{Rivid: 2, Lon: 4.15, Lat: 44.25, MeanFlow: 3, PeakFlow: 7, ThresholdFlow: 6, Steps: 10},
		{Rivid: 3, Lon: 4.20, Lat: 44.30, MeanFlow: 4, PeakFlow: 9, ThresholdFlow: 8, Steps: 10},
	}
	if err := db.ReplaceReachStats(ctx, stats, 10, nil); err != nil {
		t.Fatalf("ReplaceReachStats: %v", err)
	}

	traces := []database.Trace{
		{
			TraceID:    "alpha0000001",
			Picked:     1,
			Path:       "[1,2,3]",
			Waypoints:  `[{"id":1,"distanceKm":0},{"id":3,"distanceKm":40}]`,
			NumReaches: 2,
			ReachDist:  20,
			Threshold:  90,
			TotalKm:    40,
			StepHours:  3,
			CreatedAt:  1700000000,
		},
		{
			TraceID:    "bravo0000002",
			Picked:     2,
			Path:       "[2,3]",
			Waypoints:  `[{"id":2,"distanceKm":0}]`,
			NumReaches: 1,
			ReachDist:  20,
			Threshold:  90,
			TotalKm:    20,
			StepHours:  3,
			CreatedAt:  1700000500,
		},
	}
	for _, trace := range traces {
		if _, err := db.SaveTrace(ctx, trace); err != nil {
			t.Fatalf("SaveTrace %s: %v", trace.TraceID, err)
		}
	}
}

// TestWriteTraceGeoJSON checks the document shape: one LineString for the
// walk, one Point per waypoint, and reach ids without coordinates skipped.
func TestWriteTraceGeoJSON(t *testing.T) {
	payload := tracejson.TracePayload{
		TraceID:     "alpha0000001",
		APIURL:      "/api/trace/alpha0000001",
		Path:        []int64{1, 2, 99},
		Waypoints:   []tracejson.WaypointPayload{{ID: 1, DistanceKm: 0}, {ID: 99, DistanceKm: 15}},
		NumReaches:  2,
		ReachDistKm: 15,
		Threshold:   90,
		CreatedUnix: 1700000000,
	}
	coords := map[int64]database.ReachStat{
		1: {Rivid: 1, Lon: 4.1, Lat: 44.2, MeanFlow: 2, PeakFlow: 5, ThresholdFlow: 4},
		2: {Rivid: 2, Lon: 4.2, Lat: 44.3, MeanFlow: 3, PeakFlow: 7, ThresholdFlow: 6},
	}

	var buf bytes.Buffer
	if err := WriteTraceGeoJSON(payload, coords, &buf); err != nil {
		t.Fatalf("WriteTraceGeoJSON: %v", err)
	}

	var doc struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Features   []struct {
			Properties map[string]any `json:"properties"`
			Geometry   struct {
				Type        string `json:"type"`
				Coordinates any    `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if doc.Type != "FeatureCollection" {
		t.Fatalf("type = %q", doc.Type)
	}
	if doc.Properties["traceID"] != "alpha0000001" {
		t.Fatalf("properties = %v", doc.Properties)
	}
	// Reach 99 has no coordinates: the line keeps two points and the second
	// waypoint disappears, leaving one LineString and one Point.
	if len(doc.Features) != 2 {
		t.Fatalf("features = %d, want 2", len(doc.Features))
	}
	if doc.Features[0].Geometry.Type != "LineString" {
		t.Fatalf("first feature geometry = %q", doc.Features[0].Geometry.Type)
	}
	if doc.Features[1].Geometry.Type != "Point" {
		t.Fatalf("second feature geometry = %q", doc.Features[1].Geometry.Type)
	}
	if doc.Features[1].Properties["kind"] != "waypoint" {
		t.Fatalf("second feature properties = %v", doc.Features[1].Properties)
	}
}

// TestWriteTraceGeoJSONShortWalk verifies that a walk with fewer than two
// resolvable positions drops the LineString instead of writing invalid
// geometry.
func TestWriteTraceGeoJSONShortWalk(t *testing.T) {
	payload := tracejson.TracePayload{
		TraceID:   "short0000001",
		Path:      []int64{1},
		Waypoints: []tracejson.WaypointPayload{{ID: 1}},
	}
	coords := map[int64]database.ReachStat{1: {Rivid: 1, Lon: 4.1, Lat: 44.2}}

	var buf bytes.Buffer
	if err := WriteTraceGeoJSON(payload, coords, &buf); err != nil {
		t.Fatalf("WriteTraceGeoJSON: %v", err)
	}
	if strings.Contains(buf.String(), "LineString") {
		t.Fatalf("short walk produced a LineString:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "Point") {
		t.Fatalf("waypoint point missing:\n%s", buf.String())
	}
}

// TestGeneratorBuildsArchive runs the full pipeline against a seeded SQLite
// database and lists the resulting tarball.
func TestGeneratorBuildsArchive(t *testing.T) {
	db := newTestDatabase(t)
	seedTraces(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dest := filepath.Join(t.TempDir(), FileName("example.org", FrequencyDaily))
	gen := Start(ctx, db, dest, time.Hour, nil)

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 30*time.Second)
	defer fetchCancel()

	info, err := gen.Fetch(fetchCtx)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if info.Path != dest {
		t.Fatalf("archive path = %q, want %q", info.Path, dest)
	}

	file, err := os.Open(info.Path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)

	names := make([]string, 0, 2)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		names = append(names, hdr.Name)
		payload, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read %s: %v", hdr.Name, err)
		}
		if !json.Valid(payload) {
			t.Fatalf("%s is not valid JSON", hdr.Name)
		}
	}

	if len(names) != 2 {
		t.Fatalf("archive entries = %v, want 2", names)
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".geojson") {
			t.Fatalf("unexpected entry name %q", name)
		}
	}
}

// TestFrequency covers cadence parsing and derived names.
func TestFrequency(t *testing.T) {
	f, err := ParseFrequency("")
	if err != nil || f != FrequencyWeekly {
		t.Fatalf("blank cadence = %v, %v", f, err)
	}
	if _, err := ParseFrequency("fortnightly"); err == nil {
		t.Fatal("unknown cadence accepted")
	}

	daily, err := ParseFrequency("DAILY")
	if err != nil || daily != FrequencyDaily {
		t.Fatalf("daily cadence = %v, %v", daily, err)
	}
	if daily.Interval() != 24*time.Hour {
		t.Fatalf("daily interval = %v", daily.Interval())
	}
	if daily.RoutePath() != "/api/geojson/daily.tgz" {
		t.Fatalf("daily route = %q", daily.RoutePath())
	}
	if got := FileName("Example.ORG", daily); got != "example.org-daily-geojson.tgz" {
		t.Fatalf("FileName = %q", got)
	}
	if got := FileName("", daily); got != "daily-geojson.tgz" {
		t.Fatalf("FileName without domain = %q", got)
	}
}
