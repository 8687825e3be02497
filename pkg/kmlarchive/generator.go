package kmlarchive

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"encoding/xml"
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

// Generator continuously maintains a tar.gz bundle of KML exports for all
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
// The worker exports every saved trace into temporary KML files, packs them
// into a tar.gz archive, and atomically replaces the destination file once the
// build succeeds. We trigger the initial build synchronously so the file
// exists before the HTTP layer starts serving requests.
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
						logf("kml archive rebuild failed: %v", res.err)
					} else {
						logf("kml archive ready: %s", res.info.Path)
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

	// Synchronous build on startup so consumers immediately see a file.
	initial := runBuild(ctx, db, destPath)
	if logf != nil {
		if initial.err != nil {
			logf("kml archive initial build failed: %v", initial.err)
		} else {
			logf("kml archive initialised: %s", initial.info.Path)
		}
	}

	// Coordinator goroutine multiplexes ticker events and HTTP requests.
	go func() {
		defer close(done)

		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		current := initial

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				triggerBuild()
			case res := <-buildResults:
				current = res
			case ch := <-requests:
				if (current.info.Path == "" && current.err == nil) || current.err != nil {
					triggerBuild()
					select {
					case <-ctx.Done():
						ch <- result{err: ctx.Err()}
						close(ch)
						return
					case res := <-buildResults:
						current = res
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
// temporary KML file, and writes them into a tar.gz bundle. We only replace
// the destination after the build succeeds so clients never observe a partial
// archive.
func buildArchive(ctx context.Context, db *database.Database, destPath string) (string, time.Time, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", time.Time{}, fmt.Errorf("create archive directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "kml-*.tar.gz")
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

		// Stage the page before exporting so the trace cursor closes and
		// single-connection SQLite can serve the coordinate lookups.
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

// appendTrace exports a single trace into a temporary KML file and appends it
// to the tar writer. We keep the logic streaming to avoid buffering entire
// documents in memory, leaning on disk as a safety net for huge exports.
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

	tmp, err := os.CreateTemp("", "trace-*.kml")
	if err != nil {
		return fmt.Errorf("tmp trace %s: %w", trace.TraceID, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	writer := bufio.NewWriter(tmp)
	if err := WriteTraceKML(payload, coords, writer); err != nil {
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

// WriteTraceKML streams one trace as a KML document: a Placemark holding the
// downstream walk as a LineString, followed by a folder of waypoint
// Placemarks carrying flow summaries in ExtendedData. Reach ids missing from
// coords are skipped. The archive builder and the per-trace download endpoint
// share this writer so the two outputs stay byte-identical.
func WriteTraceKML(payload tracejson.TracePayload, coords map[int64]database.ReachStat, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "<kml xmlns=\"http://www.opengis.net/kml/2.2\">\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "  <Document>\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "    <name>%s</name>\n", xmlEscape(payload.TraceID)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "    <description>Downstream walk from reach %d: %d waypoints over %.1f km, exported %s</description>\n",
		payload.Picked, len(payload.Waypoints), payload.TotalKm, xmlEscape(payload.CreatedUTC)); err != nil {
		return err
	}

	line := make([][2]float64, 0, len(payload.Path))
	for _, id := range payload.Path {
		stat, ok := coords[id]
		if !ok {
			continue
		}
		line = append(line, [2]float64{stat.Lon, stat.Lat})
	}
	if len(line) >= 2 {
		if _, err := fmt.Fprintf(w, "    <Placemark>\n      <name>Path</name>\n      <LineString>\n        <tessellate>1</tessellate>\n        <coordinates>\n"); err != nil {
			return err
		}
		for _, pt := range line {
			if _, err := fmt.Fprintf(w, "          %.6f,%.6f,0\n", pt[0], pt[1]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "        </coordinates>\n      </LineString>\n    </Placemark>\n"); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "    <Folder>\n      <name>Waypoints</name>\n"); err != nil {
		return err
	}
	for _, wp := range payload.Waypoints {
		stat, ok := coords[wp.ID]
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(w, "      <Placemark>\n"); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "        <name>%s #%d</name>\n", xmlEscape(payload.TraceID), wp.ID); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "        <ExtendedData>\n"); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "          <Data name=\"distanceKm\"><value>%.3f</value></Data>\n", wp.DistanceKm); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "          <Data name=\"meanFlow\"><value>%.6f</value></Data>\n", stat.MeanFlow); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "          <Data name=\"peakFlow\"><value>%.6f</value></Data>\n", stat.PeakFlow); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "          <Data name=\"thresholdFlow\"><value>%.6f</value></Data>\n", stat.ThresholdFlow); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "        </ExtendedData>\n"); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "        <Point><coordinates>%.6f,%.6f,0</coordinates></Point>\n", stat.Lon, stat.Lat); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "      </Placemark>\n"); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "    </Folder>\n"); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "  </Document>\n"); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "</kml>\n")
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
	return fmt.Sprintf("%s-%d.kml", name, trace.ID)
}

// xmlEscape escapes a string for XML text nodes.
func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
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
