package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/ctessum/geom"

	"riverwave-discharge-map/pkg/controlroom"
	"riverwave-discharge-map/pkg/database"
	"riverwave-discharge-map/pkg/selectionstream"
)

// aggregateReachStats keeps the strongest discharge per grid cell.
// Cells shrink with higher zoom to preserve detail; the winners flush once
// the source closes so every cell appears exactly once in the payload.
func aggregateReachStats(ctx context.Context, in <-chan database.ReachStat, zoom int) <-chan database.ReachStat {
	out := make(chan database.ReachStat)
	go func() {
		defer close(out)
		cells := make(map[string]database.ReachStat)
		scale := math.Pow(2, float64(zoom))
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-in:
				if !ok {
					for _, best := range cells {
						select {
						case out <- best:
						case <-ctx.Done():
							return
						}
					}
					return
				}
				key := fmt.Sprintf("%d:%d", int(s.Lat*scale), int(s.Lon*scale))
				if prev, seen := cells[key]; !seen || s.PeakFlow > prev.PeakFlow {
					cells[key] = s
				}
			}
		}
	}()
	return out
}

// decimateLine thins a polyline for low zooms. Both endpoints always stay so
// reaches keep meeting at their confluences.
func decimateLine(line geom.LineString, zoom int) [][2]float64 {
	step := 1
	if zoom < 12 {
		step = 1 << uint(12-zoom)
	}

	pts := make([][2]float64, 0, len(line)/step+2)
	for i := 0; i < len(line); i += step {
		pts = append(pts, [2]float64{line[i].X, line[i].Y})
	}
	if n := len(line); n > 0 && (n-1)%step != 0 {
		pts = append(pts, [2]float64{line[n-1].X, line[n-1].Y})
	}
	return pts
}

// buildNetworkPayload assembles the map document: decimated reach polylines
// flagged against the current selection, plus one flow dot per grid cell
// from the reach_stats table.
func buildNetworkPayload(ctx context.Context, zoom int, snap controlroom.Snapshot) ([]byte, error) {
	onPath := make(map[int64]bool, len(snap.Path))
	for _, id := range snap.Path {
		onPath[id] = true
	}
	waypoint := make(map[int64]bool, len(snap.Waypoints))
	for _, wp := range snap.Waypoints {
		waypoint[wp.ID] = true
	}

	type reachJSON struct {
		ID       int64        `json:"id"`
		Points   [][2]float64 `json:"points"`
		Selected bool         `json:"selected,omitempty"`
		Waypoint bool         `json:"waypoint,omitempty"`
	}

	reaches := make([]reachJSON, 0, riverNet.Len())
	for _, rc := range riverNet.Reaches() {
		for _, line := range rc.Lines {
			pts := decimateLine(line, zoom)
			if len(pts) < 2 {
				continue
			}
			reaches = append(reaches, reachJSON{
				ID:       rc.ID,
				Points:   pts,
				Selected: onPath[rc.ID],
				Waypoint: waypoint[rc.ID],
			})
		}
	}

	ext := riverNet.Extent()
	src, errCh := db.StreamReachStatsByBounds(ctx, ext.Min.Y, ext.Min.X, ext.Max.Y, ext.Max.X)
	dots := make([]database.ReachStat, 0, 1024)
	for s := range aggregateReachStats(ctx, src, zoom) {
		dots = append(dots, s)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"revision": snap.Revision,
		"zoom":     zoom,
		"reaches":  reaches,
		"points":   dots,
	})
}

// streamHandler pushes control-room and figure events to the browser over
// Server-Sent Events so every open tab follows the same selection. Comment
// keepalives ride along to survive idle proxy timeouts.
func streamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	ctx := r.Context()
	events := bus.Subscribe(ctx, selectionstream.KindAny, 8)

	// The current snapshot goes first so a rejoining tab paints without
	// waiting for the next click.
	if snap, err := room.Snapshot(ctx); err == nil {
		if b, err := json.Marshal(snap); err == nil {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", selectionstream.KindSelection, b)
			flusher.Flush()
		}
	}

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				fmt.Fprint(w, "event: done\ndata: end\n\n")
				flusher.Flush()
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, b)
			flusher.Flush()
		}
	}
}
