package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// Diagnostics for the three input datasets. A separate endpoint /api/diag
// returns per-file JSON stats and cross-dataset alignment counts so an
// operator can tell a bad export from a bad deployment without shell access.

// diagStats holds per-dataset row diagnostics.
type diagStats struct {
	Records int                 `json:"records"`
	Parsed  int                 `json:"parsed"`
	Skipped int                 `json:"skipped"`
	Reasons map[string]int      `json:"reasons"`
	Samples map[string][]string `json:"samples"`
}

func newDiagStats() *diagStats {
	return &diagStats{Reasons: map[string]int{}, Samples: map[string][]string{}}
}

type diagResult struct {
	Dataset string     `json:"dataset"`
	Path    string     `json:"path,omitempty"`
	Status  string     `json:"status"` // ok | error
	Error   string     `json:"error,omitempty"`
	Stats   *diagStats `json:"stats,omitempty"`
}

type diagResponse struct {
	Status  string       `json:"status"` // ok | mixed | error
	Results []diagResult `json:"results"`
}

func init() {
	// Register the diagnostics endpoint without touching main route setup.
	http.HandleFunc("/api/diag", datasetDiagHandler)
}

func datasetDiagHandler(w http.ResponseWriter, r *http.Request) {
	results := []diagResult{
		connectivityDiag(*connectivityPath),
		networkDiag(*shapefilePath),
		dischargeDiag(*dischargePath),
	}

	okCount := 0
	for _, res := range results {
		if res.Status == "ok" {
			okCount++
		}
	}
	resp := diagResponse{Status: "mixed", Results: results}
	if okCount == len(results) {
		resp.Status = "ok"
	} else if okCount == 0 {
		resp.Status = "error"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// connectivityDiag re-scans the routing CSV with a tolerant reader. The
// loader refuses malformed rows outright, so anything counted here slipped
// in after startup or names a reach the other datasets do not know.
func connectivityDiag(path string) diagResult {
	res := diagResult{Dataset: "connectivity", Path: path}
	stats := newDiagStats()

	f, err := os.Open(path)
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
		return res
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Status = "error"
			res.Error = err.Error()
			res.Stats = stats
			return res
		}
		stats.Records++
		line := strings.Join(record, ",")

		if len(record) == 0 {
			incReason(stats, "empty_row", line)
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
		if err != nil {
			incReason(stats, "bad_reach_id", line)
			continue
		}
		if len(record) < 2 {
			incReason(stats, "no_links", line)
			continue
		}
		down, err := strconv.ParseInt(strings.TrimSpace(record[1]), 10, 64)
		if err != nil {
			incReason(stats, "bad_link_id", line)
			continue
		}
		if down == id {
			incReason(stats, "self_loop", line)
			continue
		}
		// Zero marks a terminal reach; anything else should be drawable.
		if down != 0 {
			if _, ok := riverNet.Reach(down); !ok {
				incReason(stats, "downstream_not_in_network", line)
				continue
			}
		}
		stats.Parsed++
	}

	res.Status = "ok"
	res.Stats = stats
	return res
}

// networkDiag reports on the in-memory shapefile load: reaches that cannot
// be walked or plotted because a sibling dataset does not know them.
func networkDiag(path string) diagResult {
	res := diagResult{Dataset: "network", Path: path}
	stats := newDiagStats()

	for _, rc := range riverNet.Reaches() {
		stats.Records++
		label := fmt.Sprintf("reach %d", rc.ID)

		if len(rc.Lines) == 0 {
			incReason(stats, "no_geometry", label)
			continue
		}
		if rc.Length <= 0 {
			incReason(stats, "zero_length", label)
			continue
		}
		if _, ok := riverLinks[rc.ID]; !ok {
			incReason(stats, "no_connectivity_row", label)
			continue
		}
		if !flows.Has(rc.ID) {
			incReason(stats, "no_discharge_series", label)
			continue
		}
		stats.Parsed++
	}

	res.Status = "ok"
	res.Stats = stats
	return res
}

// dischargeDiag reports on the in-memory netCDF load: series whose reach id
// never appears in the shapefile cannot be clicked, only aggregated.
func dischargeDiag(path string) diagResult {
	res := diagResult{Dataset: "discharge", Path: path}
	stats := newDiagStats()

	for _, id := range flows.Rivids {
		stats.Records++
		label := fmt.Sprintf("rivid %d", id)

		series, ok := flows.Series(id)
		if !ok || len(series) == 0 {
			incReason(stats, "empty_series", label)
			continue
		}
		if _, _, ok := flows.Point(id); !ok {
			incReason(stats, "missing_coordinates", label)
			continue
		}
		if _, ok := riverNet.Reach(id); !ok {
			incReason(stats, "not_in_network", label)
			continue
		}
		stats.Parsed++
	}

	res.Status = "ok"
	res.Stats = stats
	return res
}

func incReason(st *diagStats, reason, line string) {
	st.Skipped++
	st.Reasons[reason]++
	// Keep up to 3 samples per reason
	lst := st.Samples[reason]
	if len(lst) < 3 {
		if len(line) > 180 {
			line = line[:180]
		}
		st.Samples[reason] = append(lst, line)
	}
}
