package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"riverwave-discharge-map/pkg/database"
	"riverwave-discharge-map/pkg/jsonarchive"
	"riverwave-discharge-map/pkg/kmlarchive"
	"riverwave-discharge-map/pkg/tracejson"
)

// =======================
// Public API entry points
// =======================

// Handler wires together the database, archive generators, and supporting
// caches so HTTP routes can stay small and focused on translating query
// parameters into the asynchronous building blocks behind the scenes.
type Handler struct {
	DB      *database.Database
	GeoJSON *jsonarchive.Generator
	KML     *kmlarchive.Generator
	Logf    func(string, ...any)

	// Info, Cache, and Limiter are optional: a nil value falls back to
	// direct database queries and uncapped request flow.
	Info    *TraceInfoCache
	Cache   *ResponseCache
	Limiter *RateLimiter

	// Frequency names the cadence of the GeoJSON bundle; the zero value
	// reads as weekly so a bare Handler still routes correctly.
	Frequency jsonarchive.Frequency
}

// NewHandler constructs a Handler with sane defaults.
// Logf is optional; pass nil if logging is not required. The caches and the
// limiter are attached by the caller after construction when enabled.
func NewHandler(db *database.Database, geojson *jsonarchive.Generator, kml *kmlarchive.Generator, logf func(string, ...any)) *Handler {
	return &Handler{DB: db, GeoJSON: geojson, KML: kml, Logf: logf}
}

// Register attaches API routes to the provided mux. We keep the method tiny
// and declarative: it simply wires URLs to helpers, avoiding clever routing
// that could obscure how pages are served.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api", h.handleOverview)
	mux.HandleFunc("/api/traces", h.handleTracesList)
	mux.HandleFunc("/api/trace/", h.handleTraceData)
	mux.HandleFunc("/api/reaches", h.handleReachesQuery)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc(h.bundleFrequency().RoutePath(), h.handleGeoJSONArchive)
	mux.HandleFunc("/api/kml/daily.tar.gz", h.handleKMLArchive)
}

func (h *Handler) bundleFrequency() jsonarchive.Frequency {
	if h.Frequency == "" {
		return jsonarchive.FrequencyWeekly
	}
	return h.Frequency
}

// handleOverview publishes machine-readable docs so developers understand
// which endpoints to call and how to iterate through data sets.
func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	permit, err := h.acquire(ctx, r, RequestGeneral)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	totalTraces, latestTraceID, err := h.traceTotals(ctx)
	if err != nil {
		http.Error(w, "count traces", http.StatusInternalServerError)
		return
	}

	freq := h.bundleFrequency()
	overview := struct {
		Disclaimers   map[string]string `json:"disclaimers"`
		Endpoints     map[string]any    `json:"endpoints"`
		TotalTraces   int64             `json:"totalTraces"`
		LatestTraceID string            `json:"latestTraceID,omitempty"`
	}{
		Disclaimers:   tracejson.Disclaimers,
		TotalTraces:   totalTraces,
		LatestTraceID: latestTraceID,
		Endpoints: map[string]any{
			"listTraces": map[string]any{
				"method":      "GET",
				"path":        "/api/traces",
				"query":       []string{"startAfter", "limit"},
				"description": "Returns trace summaries sorted by handle. Use nextStartAfter to continue pagination.",
			},
			"traceDetail": map[string]any{
				"method":      "GET",
				"path":        "/api/trace/{traceID}",
				"description": "Returns one saved selection: downstream path, waypoints, and the control values that shaped the walk.",
			},
			"traceGeoJSON": map[string]any{
				"method":      "GET",
				"path":        "/api/trace/{traceID}.geojson",
				"description": "Downloads the trace as a GeoJSON FeatureCollection (walk LineString plus waypoint Points).",
			},
			"traceKML": map[string]any{
				"method":      "GET",
				"path":        "/api/trace/{traceID}.kml",
				"description": "Downloads the trace as a KML document for Earth viewers.",
			},
			"reachWindow": map[string]any{
				"method":      "GET",
				"path":        "/api/reaches",
				"query":       []string{"minLat", "minLon", "maxLat", "maxLon", "limit"},
				"description": "Returns per-reach flow summaries inside a latitude/longitude window.",
			},
			"stats": map[string]any{
				"method":      "GET",
				"path":        "/api/stats",
				"description": "Returns dataset-wide aggregates and the highest-flow reaches.",
			},
			"geojsonBundle": map[string]any{
				"method":      "GET",
				"path":        freq.RoutePath(),
				"description": "Downloads the current tar.gz bundle of all trace GeoJSON files.",
				"frequency":   freq.Description(),
			},
			"kmlBundle": map[string]any{
				"method":      "GET",
				"path":        "/api/kml/daily.tar.gz",
				"description": "Downloads the current tar.gz bundle of all trace KML files.",
				"frequency":   "Updated once per day",
			},
		},
	}

	h.respondJSON(w, overview)
}

// handleTracesList exposes paginated trace summaries.
func (h *Handler) handleTracesList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	permit, err := h.acquire(ctx, r, RequestGeneral)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	q := r.URL.Query()
	startAfter := q.Get("startAfter")
	limit := clampInt(parseIntDefault(q.Get("limit"), 100), 1, 1000)

	tracesCh, errCh := h.DB.StreamTraces(ctx, startAfter, limit)

	summaries := make([]database.TraceSummary, 0, limit)
	var lastTraceID string
	for {
		select {
		case <-ctx.Done():
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
			return
		case trace, ok := <-tracesCh:
			if !ok {
				tracesCh = nil
				goto finished
			}
			summaries = append(summaries, database.TraceSummary{
				TraceID:    trace.TraceID,
				Picked:     trace.Picked,
				NumReaches: trace.NumReaches,
				TotalKm:    trace.TotalKm,
				CreatedAt:  trace.CreatedAt,
			})
			lastTraceID = trace.TraceID
		}
	}

finished:
	if err := <-errCh; err != nil {
		http.Error(w, "trace list error", http.StatusInternalServerError)
		if h.Logf != nil {
			h.Logf("trace list error: %v", err)
		}
		return
	}

	var next string
	if len(summaries) == limit {
		next = lastTraceID
	}

	totalTraces, _, err := h.traceTotals(ctx)
	if err != nil {
		http.Error(w, "count traces", http.StatusInternalServerError)
		return
	}

	resp := struct {
		StartAfter     string                  `json:"startAfter"`
		Limit          int                     `json:"limit"`
		Traces         []database.TraceSummary `json:"traces"`
		NextStartAfter string                  `json:"nextStartAfter,omitempty"`
		TotalTraces    int64                   `json:"totalTraces"`
		Disclaimers    map[string]string       `json:"disclaimers"`
	}{
		StartAfter:     startAfter,
		Limit:          limit,
		Traces:         summaries,
		NextStartAfter: next,
		TotalTraces:    totalTraces,
		Disclaimers:    tracejson.Disclaimers,
	}

	h.respondJSON(w, resp)
}

// handleTraceData serves one saved trace. The bare handle returns JSON while
// the .geojson and .kml suffixes stream the export writers directly into the
// response, so downloads and archived files stay byte-identical.
func (h *Handler) handleTraceData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	permit, err := h.acquire(ctx, r, RequestGeneral)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	rest := strings.TrimPrefix(r.URL.Path, "/api/trace/")
	format := ""
	switch {
	case strings.HasSuffix(rest, ".geojson"):
		format = "geojson"
		rest = strings.TrimSuffix(rest, ".geojson")
	case strings.HasSuffix(rest, ".kml"):
		format = "kml"
		rest = strings.TrimSuffix(rest, ".kml")
	}
	traceID := strings.TrimSpace(rest)
	if traceID == "" || strings.Contains(traceID, "/") {
		http.NotFound(w, r)
		return
	}

	trace, ok, err := h.DB.GetTraceByID(ctx, traceID)
	if err != nil {
		http.Error(w, "trace lookup error", http.StatusInternalServerError)
		if h.Logf != nil {
			h.Logf("trace lookup error: %v", err)
		}
		return
	}
	if !ok {
		http.Error(w, "trace not found", http.StatusNotFound)
		return
	}

	payload, err := tracejson.MakeTracePayload(trace)
	if err != nil {
		http.Error(w, "trace payload error", http.StatusInternalServerError)
		if h.Logf != nil {
			h.Logf("trace payload error: %v", err)
		}
		return
	}

	if format == "" {
		resp := struct {
			Trace       tracejson.TracePayload `json:"trace"`
			Disclaimers map[string]string      `json:"disclaimers"`
		}{Trace: payload, Disclaimers: tracejson.Disclaimers}
		h.respondJSON(w, resp)
		return
	}

	coords, err := h.DB.ReachStatsByIDs(ctx, payload.Path)
	if err != nil {
		http.Error(w, "trace coordinates error", http.StatusInternalServerError)
		if h.Logf != nil {
			h.Logf("trace coordinates error: %v", err)
		}
		return
	}

	switch format {
	case "geojson":
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.geojson", traceID))
		if err := jsonarchive.WriteTraceGeoJSON(payload, coords, w); err != nil && h.Logf != nil {
			h.Logf("trace geojson write: %v", err)
		}
	case "kml":
		w.Header().Set("Content-Type", "application/vnd.google-earth.kml+xml")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.kml", traceID))
		if err := kmlarchive.WriteTraceKML(payload, coords, w); err != nil && h.Logf != nil {
			h.Logf("trace kml write: %v", err)
		}
	}
}

// handleReachesQuery returns flow summaries for every reach inside the
// requested window. The UI calls this when the viewport moves, so the
// response is capped and reports truncation instead of growing unbounded.
func (h *Handler) handleReachesQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	permit, err := h.acquire(ctx, r, RequestGeneral)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	q := r.URL.Query()
	minLat, err1 := strconv.ParseFloat(q.Get("minLat"), 64)
	minLon, err2 := strconv.ParseFloat(q.Get("minLon"), 64)
	maxLat, err3 := strconv.ParseFloat(q.Get("maxLat"), 64)
	maxLon, err4 := strconv.ParseFloat(q.Get("maxLon"), 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		http.Error(w, "minLat, minLon, maxLat and maxLon are required", http.StatusBadRequest)
		return
	}
	limit := clampInt(parseIntDefault(q.Get("limit"), 2000), 1, 5000)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	statsCh, errCh := h.DB.StreamReachStatsByBounds(streamCtx, minLat, minLon, maxLat, maxLon)

	reaches := make([]database.ReachStat, 0, limit)
	truncated := false
	for {
		select {
		case <-ctx.Done():
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
			return
		case stat, ok := <-statsCh:
			if !ok {
				statsCh = nil
				goto drained
			}
			if len(reaches) >= limit {
				// The cap is ours, not the client's: stop the stream
				// and drain what the goroutine already queued.
				truncated = true
				cancel()
				continue
			}
			reaches = append(reaches, stat)
		}
	}

drained:
	if err := <-errCh; err != nil && !(truncated && errors.Is(err, context.Canceled)) {
		http.Error(w, "reach query error", http.StatusInternalServerError)
		if h.Logf != nil {
			h.Logf("reach query error: %v", err)
		}
		return
	}

	resp := struct {
		MinLat    float64              `json:"minLat"`
		MinLon    float64              `json:"minLon"`
		MaxLat    float64              `json:"maxLat"`
		MaxLon    float64              `json:"maxLon"`
		Limit     int                  `json:"limit"`
		Truncated bool                 `json:"truncated,omitempty"`
		Reaches   []database.ReachStat `json:"reaches"`
	}{
		MinLat:    minLat,
		MinLon:    minLon,
		MaxLat:    maxLat,
		MaxLon:    maxLon,
		Limit:     limit,
		Truncated: truncated,
		Reaches:   reaches,
	}

	h.respondJSON(w, resp)
}

// handleStats serves dataset-wide aggregates. The payload only changes when
// traces are saved or the dataset is reloaded, so it sits behind the response
// cache when one is attached.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	permit, err := h.acquire(ctx, r, RequestGeneral)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	data, err := h.cachedJSON(ctx, "stats", h.loadStats)
	if err != nil {
		http.Error(w, "stats error", http.StatusInternalServerError)
		if h.Logf != nil {
			h.Logf("stats error: %v", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// loadStats builds the stats payload from scratch. Kept separate so the cache
// loader and the uncached fallback share one code path.
func (h *Handler) loadStats(ctx context.Context) ([]byte, error) {
	overview, err := h.DB.CollectStatsOverview(ctx)
	if err != nil {
		return nil, err
	}
	top, err := h.DB.TopReachStats(ctx, 10)
	if err != nil {
		return nil, err
	}

	payload := struct {
		Overview    database.StatsOverview `json:"overview"`
		TopReaches  []database.ReachStat   `json:"topReaches"`
		GeneratedAt string                 `json:"generatedAt"`
	}{
		Overview:    overview,
		TopReaches:  top,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	return json.MarshalIndent(payload, "", "  ")
}

// handleGeoJSONArchive streams the trace bundle produced by the GeoJSON
// generator.
func (h *Handler) handleGeoJSONArchive(w http.ResponseWriter, r *http.Request) {
	h.serveArchive(w, r, func(ctx context.Context) (string, time.Time, error) {
		if h.GeoJSON == nil {
			return "", time.Time{}, errArchiveDisabled
		}
		info, err := h.GeoJSON.Fetch(ctx)
		return info.Path, info.ModTime, err
	})
}

// handleKMLArchive streams the daily tar.gz produced by the KML generator.
func (h *Handler) handleKMLArchive(w http.ResponseWriter, r *http.Request) {
	h.serveArchive(w, r, func(ctx context.Context) (string, time.Time, error) {
		if h.KML == nil {
			return "", time.Time{}, errArchiveDisabled
		}
		info, err := h.KML.Fetch(ctx)
		return info.Path, info.ModTime, err
	})
}

var errArchiveDisabled = errors.New("archive disabled")

// serveArchive is the shared download path for both bundles. Bundle downloads
// are the heaviest responses this API produces, so they pass through the
// heavy lane of the rate limiter and its cooldown.
func (h *Handler) serveArchive(w http.ResponseWriter, r *http.Request, fetch func(context.Context) (string, time.Time, error)) {
	permit, err := h.acquire(r.Context(), r, RequestHeavy)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	path, _, err := fetch(ctx)
	if err != nil {
		if errors.Is(err, errArchiveDisabled) {
			http.Error(w, "archive disabled", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
		if h.Logf != nil {
			h.Logf("archive fetch error: %v", err)
		}
		return
	}

	file, err := os.Open(path)
	if err != nil {
		http.Error(w, "archive open error", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		http.Error(w, "archive stat error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(path)))
	http.ServeContent(w, r, filepath.Base(path), stat.ModTime(), file)
}

// =====================
// Utility helpers
// =====================

// acquire reserves a per-IP slot when a limiter is attached. A nil limiter
// returns a nil permit, and Permit.Release on nil is a no-op, so handlers can
// call this unconditionally.
func (h *Handler) acquire(ctx context.Context, r *http.Request, kind RequestKind) (*Permit, error) {
	if h.Limiter == nil {
		return nil, nil
	}
	return h.Limiter.Acquire(ctx, clientIP(r), kind)
}

// traceTotals prefers the background cache and falls back to a direct count
// when the cache is disabled or has gone away.
func (h *Handler) traceTotals(ctx context.Context) (int64, string, error) {
	if h.Info != nil {
		total, latest, err := h.Info.Get(ctx)
		if err == nil {
			return total, latest, nil
		}
		if h.Logf != nil {
			h.Logf("trace info cache: %v", err)
		}
	}
	total, err := h.DB.CountTraces(ctx)
	return total, "", err
}

// cachedJSON looks the key up in the response cache, or calls loader directly
// when caching is disabled.
func (h *Handler) cachedJSON(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if h.Cache == nil {
		return loader(ctx)
	}
	return h.Cache.Get(ctx, key, loader)
}

func (h *Handler) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func parseIntDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// clientIP extracts the caller address for per-IP limiting, trusting the
// first X-Forwarded-For hop when a proxy sits in front of us.
func clientIP(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		candidate := strings.TrimSpace(parts[0])
		if candidate != "" {
			return candidate
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && strings.TrimSpace(host) != "" {
		return host
	}
	if trimmed := strings.TrimSpace(r.RemoteAddr); trimmed != "" {
		return trimmed
	}
	return ""
}
