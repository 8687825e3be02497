package rivernet

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestParseConnectivityTable loads a small routing table and checks the
// adjacency map, including the whitespace and float-formatted ids real GIS
// exports like to produce.
func TestParseConnectivityTable(t *testing.T) {
	t.Parallel()

	csvBody := strings.Join([]string{
		"10,20,101,102",
		"20,30,10",
		"30,0,20",
		" 40 , 50 ",
		"50.0,0",
		"",
	}, "\n")
	path := filepath.Join(t.TempDir(), "connect.csv")
	if err := os.WriteFile(path, []byte(csvBody), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	conn, err := LoadConnectivity(path)
	if err != nil {
		t.Fatalf("LoadConnectivity: %v", err)
	}
	if len(conn) != 5 {
		t.Fatalf("loaded %d rows, want 5", len(conn))
	}

	tests := []struct {
		id   int64
		want []int64
	}{
		{10, []int64{20, 101, 102}},
		{20, []int64{30, 10}},
		{30, []int64{0, 20}},
		{40, []int64{50}},
		{50, []int64{0}},
	}
	for _, tc := range tests {
		got, ok := conn[tc.id]
		if !ok {
			t.Fatalf("reach %d missing from table", tc.id)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("reach %d links = %v, want %v", tc.id, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("reach %d links = %v, want %v", tc.id, got, tc.want)
			}
		}
	}
}

// TestLoadConnectivityBadRow makes sure a non-numeric field fails loudly
// with the row number instead of silently dropping part of the network.
func TestLoadConnectivityBadRow(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "connect.csv")
	if err := os.WriteFile(path, []byte("10,20\nriver,30\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadConnectivity(path); err == nil {
		t.Fatal("LoadConnectivity accepted a non-numeric reach id")
	} else if !strings.Contains(err.Error(), "row 2") {
		t.Errorf("error %q does not name the offending row", err)
	}
}

// TestDownstreamWalk covers the walk contract: follow first entries, append
// the terminal id, survive empty link rows and malformed cycles.
func TestDownstreamWalk(t *testing.T) {
	t.Parallel()

	conn := Connectivity{
		10: {20, 101},
		20: {30},
		30: {0},
		50: {},
		60: {70},
		70: {60},
	}

	tests := []struct {
		name  string
		start int64
		want  []int64
	}{
		{"chain reaches the outlet", 10, []int64{10, 20, 30, 0}},
		{"mid-chain start", 20, []int64{20, 30, 0}},
		{"unknown id stands alone", 99, []int64{99}},
		{"empty link row terminates", 50, []int64{50}},
		{"cycle stops without repeating", 60, []int64{60, 70}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := conn.Downstream(tc.start)
			if len(got) != len(tc.want) {
				t.Fatalf("Downstream(%d) = %v, want %v", tc.start, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("Downstream(%d) = %v, want %v", tc.start, got, tc.want)
				}
			}
		})
	}
}
