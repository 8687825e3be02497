// Package rivernet loads the river network inputs (the connectivity table
// and the reach shapefile) and answers the topology questions the map needs:
// which reach was clicked, what lies downstream of it, where the spaced
// observation waypoints fall, and how long the selected path is.
package rivernet

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Connectivity maps a reach id to the ids wired to it in the routing table.
// The first entry of each row is the next reach downstream; the rest are the
// upstream contributors. Walking downstream only ever reads the first entry.
type Connectivity map[int64][]int64

// LoadConnectivity reads a routing CSV where every row starts with a reach
// id followed by its connected ids. Blank lines are skipped, whitespace
// around numbers is tolerated, anything non-numeric is a hard error naming
// the offending row.
func LoadConnectivity(path string) (Connectivity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open connectivity table: %w", err)
	}
	defer f.Close()
	return parseConnectivity(f)
}

func parseConnectivity(r io.Reader) (Connectivity, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // routing rows vary with upstream count
	cr.TrimLeadingSpace = true

	conn := make(Connectivity)
	row := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("connectivity row %d: %w", row+1, err)
		}
		row++
		if len(record) == 0 {
			continue
		}
		id, err := parseID(record[0])
		if err != nil {
			return nil, fmt.Errorf("connectivity row %d: reach id %q: %w", row, record[0], err)
		}
		links := make([]int64, 0, len(record)-1)
		for _, field := range record[1:] {
			v, err := parseID(field)
			if err != nil {
				return nil, fmt.Errorf("connectivity row %d: link %q: %w", row, field, err)
			}
			links = append(links, v)
		}
		conn[id] = links
	}
	return conn, nil
}

// parseID accepts plain integers and the float-formatted ids some GIS
// exports produce ("12345.0").
func parseID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// Downstream walks from start to the network outlet by following the first
// connectivity entry of each reach, the way the routing table encodes flow
// direction. The terminal id (one with no row of its own, usually 0) is
// included, matching how the path is compared against the shapefile later.
// A repeated id stops the walk so a malformed cyclic table cannot hang the
// server.
func (c Connectivity) Downstream(start int64) []int64 {
	path := []int64{start}
	seen := map[int64]bool{start: true}
	cur := start
	for {
		links, ok := c[cur]
		if !ok || len(links) == 0 {
			break
		}
		cur = links[0]
		if seen[cur] {
			break
		}
		seen[cur] = true
		path = append(path, cur)
	}
	return path
}
