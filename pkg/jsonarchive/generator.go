package jsonarchive

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"riverwave-discharge-map/pkg/database"
	"riverwave-discharge-map/pkg/tracejson"
)

// ========================
// Archive generation logic
// ========================

// Info describes the current archive snapshot. We expose the on-disk path so
// HTTP handlers can stream straight from disk without buffering the entire
// tarball in memory, following the Go proverb "Share memory by communicating".
type Info struct {
	Path    string
	ModTime time.Time
}

// Generator continuously maintains a tar.gz bundle of GeoJSON exports for all
// traces stored in the database. Synchronisation happens via channels so we
// rely on message passing instead of mutexes.
type Generator struct {
	requests chan chan result
	done     chan struct{}
}

type result struct {
	info Info
	err  error
}

// Start launches the background worker.
// The worker exports every saved trace into temporary .geojson files, packs
// them into a tar.gz archive, and atomically replaces the destination file
// once the build succeeds. The initial build happens in the background so
// startup remains responsive even on large databases while HTTP handlers can
// still block until the first snapshot is ready if they need the data
// immediately.
func Start(
	ctx context.Context,
	db *database.Database,
	destPath string,
	refreshInterval time.Duration,
	logf func(string, ...any),
) *Generator {
	requests := make(chan chan result)
	done := make(chan struct{})
	buildRequests := make(chan struct{}, 1)
	buildResults := make(chan result, 1)

	destPath = filepath.Clean(destPath)

	triggerBuild := func() {
		select {
		case buildRequests <- struct{}{}:
		default:
		}
	}

	// Builder goroutine keeps disk IO and database work away from the main
	// coordination loop so Fetch calls stay responsive.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-buildRequests:
				res := runBuild(ctx, db, destPath)
				if logf != nil {
					if res.err != nil {
						logf("geojson archive rebuild failed: %v", res.err)
					} else {
						logf("geojson archive ready: %s", res.info.Path)
					}
				}
				select {
				case <-ctx.Done():
					return
				case buildResults <- res:
				}
			}
		}
	}()

	// Kick off the first build asynchronously so the main goroutine keeps
	// starting up quickly even on very large databases. We still log the
	// scheduling step so operators understand why Fetch may briefly wait.
	triggerBuild()
	if logf != nil {
		logf("geojson archive initial build scheduled: %s", destPath)
	}

	// Coordinator goroutine multiplexes ticker events and HTTP requests.
	go func() {
		defer close(done)

		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		current := result{}
		haveResult := false

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				triggerBuild()
			case res := <-buildResults:
				current = res
				haveResult = true
			case ch := <-requests:
				if !haveResult || (current.info.Path == "" && current.err == nil) || current.err != nil {
					triggerBuild()
					select {
					case <-ctx.Done():
						ch <- result{err: ctx.Err()}
						close(ch)
						return
					case res := <-buildResults:
						current = res
						haveResult = true
					}
				}
				ch <- current
				close(ch)
			}
		}
	}()

	return &Generator{requests: requests, done: done}
}

// Fetch returns the current archive info, building it on-demand if necessary.
func (g *Generator) Fetch(ctx context.Context) (Info, error) {
	respCh := make(chan result, 1)

	select {
	case <-ctx.Done():
		return Info{}, ctx.Err()
	case <-g.done:
		return Info{}, fmt.Errorf("archive generator stopped")
	case g.requests <- respCh:
	}

	select {
	case <-ctx.Done():
		return Info{}, ctx.Err()
	case <-g.done:
		return Info{}, fmt.Errorf("archive generator stopped")
	case res := <-respCh:
		return res.info, res.err
	}
}

// ============================
// Archive build implementation
// ============================

// runBuild wraps buildArchive so the builder goroutine stays small.
func runBuild(ctx context.Context, db *database.Database, destPath string) result {
	path, modTime, err := buildArchive(ctx, db, destPath)
	if err != nil {
		return result{err: err}
	}
	return result{info: Info{Path: path, ModTime: modTime}}
}

// buildArchive streams trace rows from the database, exports each trace to a
// temporary GeoJSON file, and writes them into a tar.gz bundle. We only
// replace the destination after the build succeeds so clients never observe a
// partial archive.
func buildArchive(ctx context.Context, db *database.Database, destPath string) (string, time.Time, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", time.Time{}, fmt.Errorf("create archive directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geojson-*.tar.gz")
	if err != nil {
		return "", time.Time{}, fmt.Errorf("tmp archive: %w", err)
	}

	cleanup := func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
	}

	gz := gzip.NewWriter(tmpFile)
	tarw := tar.NewWriter(gz)

	pageSize := 256
	startAfter := ""
	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			tarw.Close()
			gz.Close()
			cleanup()
			return "", time.Time{}, ctx.Err()
		default:
		}

		tracesCh, errCh := db.StreamTraces(buildCtx, startAfter, pageSize)
		traces := make([]database.Trace, 0, pageSize)
		var lastID string

		for trace := range tracesCh {
			if err := ctx.Err(); err != nil {
				cancel()
				tarw.Close()
				gz.Close()
				cleanup()
				return "", time.Time{}, err
			}
			lastID = trace.TraceID
			traces = append(traces, trace)
		}

		if err := <-errCh; err != nil {
			cancel()
			tarw.Close()
			gz.Close()
			cleanup()
			return "", time.Time{}, err
		}

		// Process the page only after the trace query closes so SQLite
		// releases its connection before we look up reach coordinates.
		// Without this staging step the coordinate query would block
		// behind the still-open trace cursor on single-connection setups.
		for _, trace := range traces {
			if err := appendTrace(buildCtx, tarw, db, trace); err != nil {
				cancel()
				tarw.Close()
				gz.Close()
				cleanup()
				return "", time.Time{}, err
			}
		}

		if len(traces) < pageSize || lastID == "" {
			break
		}
		startAfter = lastID
	}

	if err := tarw.Close(); err != nil {
		gz.Close()
		cleanup()
		return "", time.Time{}, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		cleanup()
		return "", time.Time{}, fmt.Errorf("close gzip: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		cleanup()
		return "", time.Time{}, fmt.Errorf("close archive file: %w", err)
	}

	if err := replaceFile(tmpFile.Name(), destPath); err != nil {
		cleanup()
		return "", time.Time{}, err
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("stat archive: %w", err)
	}

	return destPath, info.ModTime(), nil
}

// appendTrace exports a single trace into a temporary .geojson file and then
// copies it into the tar writer. Going through disk keeps archive memory flat
// no matter how long the downstream walks grow.
func appendTrace(ctx context.Context, tw *tar.Writer, db *database.Database, trace database.Trace) error {
	if strings.TrimSpace(trace.TraceID) == "" {
		return nil
	}

	payload, err := tracejson.MakeTracePayload(trace)
	if err != nil {
		return err
	}
	if len(payload.Path) == 0 {
		return nil
	}

	coords, err := db.ReachStatsByIDs(ctx, payload.Path)
	if err != nil {
		return fmt.Errorf("trace %s coordinates: %w", trace.TraceID, err)
	}

	tmp, err := os.CreateTemp("", "trace-*.geojson")
	if err != nil {
		return fmt.Errorf("tmp trace %s: %w", trace.TraceID, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	writer := bufio.NewWriter(tmp)
	if err := WriteTraceGeoJSON(payload, coords, writer); err != nil {
		tmp.Close()
		return fmt.Errorf("write trace %s: %w", trace.TraceID, err)
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush trace %s: %w", trace.TraceID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close trace %s: %w", trace.TraceID, err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return fmt.Errorf("stat trace %s: %w", trace.TraceID, err)
	}

	file, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("open trace %s: %w", trace.TraceID, err)
	}

	header := &tar.Header{
		Name: safeTraceFilename(trace),
		Mode: 0o644,
		Size: info.Size(),
	}
	if trace.CreatedAt > 0 {
		header.ModTime = time.Unix(trace.CreatedAt, 0).UTC()
	} else {
		header.ModTime = info.ModTime()
	}

	if err := tw.WriteHeader(header); err != nil {
		file.Close()
		return fmt.Errorf("tar header %s: %w", trace.TraceID, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		file.Close()
		return fmt.Errorf("tar copy %s: %w", trace.TraceID, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close copy %s: %w", trace.TraceID, err)
	}

	return nil
}

// ======================
// GeoJSON document shape
// ======================

type geoGeometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

type geoFeature struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Geometry   geoGeometry    `json:"geometry"`
}

// WriteTraceGeoJSON renders one trace as a GeoJSON FeatureCollection: a
// LineString for the downstream walk plus a Point per observation waypoint.
// The coords map resolves reach ids to positions; ids missing from it are
// skipped so traces survive dataset swaps that retired a few reaches. Both
// the archive builder and the per-trace download endpoint call this, keeping
// the two outputs byte-identical.
func WriteTraceGeoJSON(payload tracejson.TracePayload, coords map[int64]database.ReachStat, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "{\n  \"type\": \"FeatureCollection\",\n"); err != nil {
		return err
	}

	meta, err := json.Marshal(map[string]any{
		"traceID":     payload.TraceID,
		"apiURL":      payload.APIURL,
		"picked":      payload.Picked,
		"numReaches":  payload.NumReaches,
		"reachDistKm": payload.ReachDistKm,
		"threshold":   payload.Threshold,
		"totalKm":     payload.TotalKm,
		"stepHours":   payload.StepHours,
		"createdUnix": payload.CreatedUnix,
		"createdUTC":  payload.CreatedUTC,
		"disclaimers": tracejson.Disclaimers,
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "  \"properties\": %s,\n  \"features\": [", meta); err != nil {
		return err
	}

	written := 0
	emit := func(f geoFeature) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		sep := ","
		if written == 0 {
			sep = ""
		}
		if _, err := fmt.Fprintf(w, "%s\n    %s", sep, data); err != nil {
			return err
		}
		written++
		return nil
	}

	// The walk geometry first. A LineString needs at least two resolvable
	// positions; shorter walks degrade to waypoint points only.
	line := make([][]float64, 0, len(payload.Path))
	for _, id := range payload.Path {
		stat, ok := coords[id]
		if !ok {
			continue
		}
		line = append(line, []float64{stat.Lon, stat.Lat})
	}
	if len(line) >= 2 {
		err := emit(geoFeature{
			Type: "Feature",
			Properties: map[string]any{
				"kind":    "path",
				"reaches": len(payload.Path),
			},
			Geometry: geoGeometry{Type: "LineString", Coordinates: line},
		})
		if err != nil {
			return err
		}
	}

	for _, wp := range payload.Waypoints {
		stat, ok := coords[wp.ID]
		if !ok {
			continue
		}
		err := emit(geoFeature{
			Type: "Feature",
			Properties: map[string]any{
				"kind":          "waypoint",
				"rivid":         wp.ID,
				"distanceKm":    wp.DistanceKm,
				"meanFlow":      stat.MeanFlow,
				"peakFlow":      stat.PeakFlow,
				"thresholdFlow": stat.ThresholdFlow,
			},
			Geometry: geoGeometry{Type: "Point", Coordinates: []float64{stat.Lon, stat.Lat}},
		})
		if err != nil {
			return err
		}
	}

	if written == 0 {
		_, err := fmt.Fprintf(w, "]\n}\n")
		return err
	}
	_, err = fmt.Fprintf(w, "\n  ]\n}\n")
	return err
}

// safeTraceFilename normalises trace ids into archive-safe filenames and
// appends the row id to keep names unique even if sanitisation removes
// characters.
func safeTraceFilename(trace database.Trace) string {
	var b strings.Builder
	for _, r := range trace.TraceID {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "trace"
	}
	return fmt.Sprintf("%s-%d.geojson", name, trace.ID)
}

// replaceFile atomically replaces the destination with the temporary file.
func replaceFile(tmpPath, destPath string) error {
	if err := os.Rename(tmpPath, destPath); err != nil {
		if removeErr := os.Remove(destPath); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove old archive: %w", removeErr)
		}
		if err := os.Rename(tmpPath, destPath); err != nil {
			return fmt.Errorf("replace archive: %w", err)
		}
	}
	return nil
}
