package tracejson

import (
	"strings"
	"testing"

	"riverwave-discharge-map/pkg/database"
)

// TestDecodePathFormats exercises both the JSON arrays current builds write
// and the space-separated ids found in early databases.
func TestDecodePathFormats(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    []int64
		wantErr bool
	}{
		{name: "json array", raw: "[101,102,103]", want: []int64{101, 102, 103}},
		{name: "legacy spaces", raw: "101 102 103", want: []int64{101, 102, 103}},
		{name: "empty", raw: "", want: nil},
		{name: "empty array", raw: "[]", want: nil},
		{name: "garbage", raw: "101 pebble 103", wantErr: true},
		{name: "broken json", raw: "[101,", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodePath(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("DecodePath(%q) expected error, got %v", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodePath(%q): %v", tc.raw, err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("DecodePath(%q) = %v, want %v", tc.raw, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("DecodePath(%q) = %v, want %v", tc.raw, got, tc.want)
				}
			}
		})
	}
}

func TestPathRoundTrip(t *testing.T) {
	ids := []int64{7, 8, 9}
	got, err := DecodePath(EncodePath(ids))
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if len(got) != 3 || got[0] != 7 || got[2] != 9 {
		t.Fatalf("round trip = %v, want %v", got, ids)
	}
	if EncodePath(nil) != "[]" {
		t.Fatalf("EncodePath(nil) = %q, want []", EncodePath(nil))
	}
}

func TestWaypointsRoundTrip(t *testing.T) {
	wps := []WaypointPayload{{ID: 5, DistanceKm: 117}, {ID: 9, DistanceKm: 234.5}}
	got, err := DecodeWaypoints(EncodeWaypoints(wps))
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if len(got) != 2 || got[0] != wps[0] || got[1] != wps[1] {
		t.Fatalf("round trip = %v, want %v", got, wps)
	}
	if _, err := DecodeWaypoints("{broken"); err == nil {
		t.Fatal("DecodeWaypoints accepted broken JSON")
	}
}

func TestMakeTracePayload(t *testing.T) {
	trace := database.Trace{
		TraceID:    "abcDEF123456",
		Picked:     101,
		Path:       "[101,102,103]",
		Waypoints:  `[{"id":101,"distanceKm":0},{"id":103,"distanceKm":120.5}]`,
		NumReaches: 2,
		ReachDist:  117,
		Threshold:  90,
		TotalKm:    240.7,
		StepHours:  3,
		CreatedAt:  1700000000,
	}

	payload, err := MakeTracePayload(trace)
	if err != nil {
		t.Fatalf("MakeTracePayload: %v", err)
	}
	if payload.APIURL != "/api/trace/abcDEF123456" {
		t.Fatalf("APIURL = %q", payload.APIURL)
	}
	if !strings.HasSuffix(payload.GeoJSONURL, ".geojson") || !strings.HasSuffix(payload.KMLURL, ".kml") {
		t.Fatalf("export URLs = %q, %q", payload.GeoJSONURL, payload.KMLURL)
	}
	if len(payload.Path) != 3 || len(payload.Waypoints) != 2 {
		t.Fatalf("decoded path %v waypoints %v", payload.Path, payload.Waypoints)
	}
	if payload.CreatedUTC == "" || payload.CreatedUnix != 1700000000 {
		t.Fatalf("created fields = %q, %d", payload.CreatedUTC, payload.CreatedUnix)
	}

	trace.Path = "[101,"
	if _, err := MakeTracePayload(trace); err == nil {
		t.Fatal("MakeTracePayload accepted corrupt path")
	}
}
