package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/robfig/cron/v3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"riverwave-discharge-map/pkg/api"
	"riverwave-discharge-map/pkg/controlroom"
	"riverwave-discharge-map/pkg/database"
	"riverwave-discharge-map/pkg/discharge"
	"riverwave-discharge-map/pkg/figures"
	"riverwave-discharge-map/pkg/flowwave"
	"riverwave-discharge-map/pkg/jsonarchive"
	"riverwave-discharge-map/pkg/kmlarchive"
	"riverwave-discharge-map/pkg/logger"
	"riverwave-discharge-map/pkg/qrlogoext"
	"riverwave-discharge-map/pkg/rivernet"
	"riverwave-discharge-map/pkg/selectionstream"
	"riverwave-discharge-map/pkg/setupwizard"
	"riverwave-discharge-map/pkg/tracejson"
)

//go:embed public_html/*
var content embed.FS

var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var dbType = flag.String("db-type", "sqlite", "Type of the database driver: genji, sqlite, chai, pgx (postgresql), or clickhouse")
var dbPath = flag.String("db-path", "", "Path to the database file (defaults to the current folder, applicable for genji, sqlite, chai drivers.)")
var dbConn = flag.String("db-conn", "", "Raw DSN for network databases (pgx or clickhouse); overrides db-host/db-port settings")
var dbHost = flag.String("db-host", "127.0.0.1", "Database host (applicable for pgx driver)")
var dbPort = flag.Int("db-port", 5432, "Database port (applicable for pgx driver)")
var dbUser = flag.String("db-user", "postgres", "Database user (applicable for pgx driver)")
var dbPass = flag.String("db-pass", "", "Database password (applicable for pgx driver)")
var dbName = flag.String("db-name", "RiverWave", "Database name (applicable for pgx driver)")
var pgSSLMode = flag.String("pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
var port = flag.Int("port", 8765, "Port for running the server")
var version = flag.Bool("version", false, "Show the application version")
var connectivityPath = flag.String("connectivity", "data/rapid_connect.csv", "Path to the river connectivity table (rivid, downstream id, upstream ids)")
var shapefilePath = flag.String("shapefile", "data/riv_network.shp", "Path to the river network shapefile")
var dischargePath = flag.String("discharge", "data/Qout.nc", "Path to the simulated discharge netCDF file")
var numReaches = flag.Int("num-reaches", controlroom.DefaultNumReaches, "Maximum number of observation points along the downstream path")
var reachDist = flag.Float64("reach-dist", controlroom.DefaultReachDist, "Minimum distance between observation points in kilometers")
var threshold = flag.Float64("threshold", controlroom.DefaultThreshold, "Percentile used as the peak-flow threshold (0-100)")
var stepHours = flag.Float64("step-hours", 3, "Duration of one discharge time step in hours")
var outputsDir = flag.String("outputs", "./saved_outputs", "Directory for saved figure exports (svgs, pdfs, pngs subfolders)")
var archivePath = flag.String("archive-path", "", "Directory for downloadable trace bundles; empty disables bundle generation")
var archiveFreq = flag.String("archive-freq", "weekly", "GeoJSON bundle refresh cadence: daily, weekly, or monthly")
var keepTraces = flag.Int("keep-traces", 0, "Days to keep saved selection traces; 0 keeps them forever")
var supportEmail = flag.String("support-email", "", "Contact shown in the page footer")
var runSetup = flag.Bool("setup", false, "Run the interactive Linux setup wizard and exit")

var CompileVersion = "dev"

var db *database.Database
var riverNet *rivernet.Network
var riverLinks rivernet.Connectivity
var flows *discharge.Dataset
var room *controlroom.Room
var figureReg *figures.Registry
var bus *selectionstream.Bus
var webCache *api.ResponseCache
var limiter *api.RateLimiter

// quitRequests carries at most one pending shutdown click from the quit
// handler to main. The buffer of one keeps repeated clicks from blocking.
var quitRequests = make(chan struct{}, 1)

// ==========
// HTTP plumbing
// ==========

func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "riverwave-discharge-map/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain starts:
//   - :80  — ACME HTTP-01 challenges plus a 301 redirect to https://<domain>/…
//   - :443 — HTTPS with automatic Let's Encrypt certificates.
//
// When autocert cannot mint a certificate for a host (bare IP, odd SNI) the
// listener serves the last certificate issued for the domain instead, which
// keeps "host not configured" noise out of the log.
//
// Compatibility: TLS >= 1.0, ALPN h2/http1.1/http1.0. Errors are logged only.
// The returned server is the :443 listener so main can shut it down.
func serveWithDomain(domain string, handler http.Handler) *http.Server {
	// ----------- ACME manager -----------
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			// Allow the bare domain and www.<domain>
			if host == domain || host == "www."+domain {
				return nil
			}
			// An IP address? Do not block, just do not request a cert.
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	// ----------- :80 (challenge + redirect) -----------
	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + domain + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})

		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			log.Printf("HTTP  server error: %v", err)
		}
	}()

	// ----------- daily certificate check -----------
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for range t.C {
			if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				log.Printf("autocert renewal check: %v", err)
			}
		}
	}()

	// ----------- :443 (HTTPS) -----------
	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS10
	tlsCfg.NextProtos = append([]string{"http/1.0"}, tlsCfg.NextProtos...)

	// fallback certificate for IPs / unusual SNI
	var defaultCert *tls.Certificate
	go func() {
		for defaultCert == nil {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				defaultCert = c
			}
			time.Sleep(time.Minute)
		}
	}()
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		// On any failure serve the fallback cert when we already hold one.
		if defaultCert != nil {
			return defaultCert, nil
		}
		return nil, err
	}

	srv := &http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTPS server for %s ➜ :443 (TLS ≥1.0, ALPN h2/http1.1/1.0)", domain)
		if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTPS server error: %v", err)
		}
	}()
	return srv
}

// logT builds a "[jobID][component] …" line and hands it to the logger
// package, which decides whether to buffer it or print right away.
func logT(jobID, component, format string, v ...any) {
	line := fmt.Sprintf("[%-6s][%s] %s", jobID, component, fmt.Sprintf(format, v...))
	logger.Append(jobID, line)
}

// isClientDisconnect returns true for network errors indicating that the client
// has gone away (e.g., browser navigated away or closed the tab) while we were
// writing the response. These are normal and should not be logged as errors.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}

// generateTraceID returns a short base62 id derived from the current unix
// millisecond, padded with random characters. IDs sort roughly by creation
// time, which keeps the trace listing readable.
func generateTraceID() string {
	const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	const maxLength = 6

	timestamp := uint64(time.Now().UnixNano() / 1e6)
	encoded := ""
	base := uint64(len(base62Chars))

	for timestamp > 0 && len(encoded) < maxLength {
		remainder := timestamp % base
		encoded = string(base62Chars[remainder]) + encoded
		timestamp = timestamp / base
	}

	for len(encoded) < maxLength {
		encoded += string(base62Chars[rand.Intn(len(base62Chars))])
	}

	return encoded
}

// ==========
// Translations
// ==========

var translations map[string]map[string]string

// loadTranslations reads the embedded translations file once at startup.
// Failing fast beats serving a half-translated page.
func loadTranslations(file embed.FS, path string) {
	data, err := file.ReadFile(path)
	if err != nil {
		log.Fatalf("Error reading translations file: %v", err)
	}
	if err := json.Unmarshal(data, &translations); err != nil {
		log.Fatalf("Error parsing translations file: %v", err)
	}
}

// getPreferredLanguage picks the UI language from the Accept-Language header.
// Regional variants collapse to their base code, so pt-BR gets pt and
// zh-TW gets zh.
func getPreferredLanguage(r *http.Request) string {
	supported := map[string]bool{
		"en": true, "ru": true, "es": true, "fr": true, "de": true,
		"pt": true, "it": true, "zh": true, "ja": true,
	}

	header := r.Header.Get("Accept-Language")
	for _, part := range strings.Split(header, ",") {
		code := strings.ToLower(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]))
		if idx := strings.Index(code, "-"); idx != -1 {
			code = code[:idx]
		}
		if supported[code] {
			return code
		}
	}
	return "en"
}

// translate looks a key up for the given language, falling back to English so
// a missing entry never renders as an empty string.
func translate(lang, key string) string {
	if val, ok := translations[lang][key]; ok {
		return val
	}
	return translations["en"][key]
}

// ==========
// JSON helpers
// ==========

// writeJSON sends v with an indent so curl users can read the output.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil && !isClientDisconnect(err) {
		log.Printf("⚠ response encode: %v", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// clientIP strips the port so one browser lands in one rate-limiter lane.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ==========
// Page
// ==========

// pageHandler renders the single-page map UI from the embedded template.
// Rendering into a buffer first keeps half-written pages off the wire when
// the template fails.
func pageHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	lang := getPreferredLanguage(r)

	tmpl := template.Must(template.New("index.html").Funcs(template.FuncMap{
		"translate": func(key string) string { return translate(lang, key) },
		"toJSON": func(data interface{}) (string, error) {
			b, err := json.Marshal(data)
			return string(b), err
		},
	}).ParseFS(content, "public_html/index.html"))

	extent := riverNet.Extent()
	snap, err := room.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "control room unavailable", http.StatusServiceUnavailable)
		return
	}

	disclaimer, ok := tracejson.Disclaimers[lang]
	if !ok {
		disclaimer = tracejson.Disclaimers["en"]
	}

	data := struct {
		Version      string
		Lang         string
		SupportEmail string
		Trace        string
		Config       map[string]any
	}{
		Version:      CompileVersion,
		Lang:         lang,
		SupportEmail: *supportEmail,
		Trace:        r.URL.Query().Get("trace"),
		Config: map[string]any{
			"extent": map[string]float64{
				"minLon": extent.Min.X, "minLat": extent.Min.Y,
				"maxLon": extent.Max.X, "maxLat": extent.Max.Y,
			},
			"stepHours":  flows.StepHours,
			"selection":  snap,
			"figures":    []string{figures.LabelNetwork, figures.LabelDischarge, figures.LabelPropagation, figures.LabelDuration},
			"disclaimer": disclaimer,
			"defaults": map[string]any{
				"numReaches":  controlroom.DefaultNumReaches,
				"reachDistKm": controlroom.DefaultReachDist,
				"threshold":   controlroom.DefaultThreshold,
			},
		},
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		log.Printf("⚠ page render: %v", err)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil && !isClientDisconnect(err) {
		log.Printf("⚠ page write: %v", err)
	}
}

// ==========
// Selection handlers
// ==========

// selectHandler resolves a click to the nearest reach, walks downstream, and
// saves the result as a shareable trace. Clients either send coordinates from
// a map click or a reach id when restoring a saved trace.
func selectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req struct {
		ID  int64    `json:"id,omitempty"`
		Lon *float64 `json:"lon,omitempty"`
		Lat *float64 `json:"lat,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	started := time.Now()
	reachID := req.ID
	if reachID == 0 {
		if req.Lon == nil || req.Lat == nil {
			httpError(w, http.StatusBadRequest, "need a reach id or lon+lat coordinates")
			return
		}
		reach, _, ok := riverNet.NearestReach(*req.Lon, *req.Lat)
		if !ok {
			httpError(w, http.StatusNotFound, "no river reach near that point")
			return
		}
		reachID = reach.ID
	}

	log.Printf("Showing downstream for %d", reachID)
	snap, err := room.Select(r.Context(), reachID)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	trace := persistTrace(r.Context(), snap)
	log.Printf("Took %.2f seconds to select", time.Since(started).Seconds())

	writeJSON(w, http.StatusOK, selectionResponse(snap, trace))
}

// persistTrace writes the selection to the database so share links survive
// restarts. A persistence failure must not break the click, so it logs
// instead of propagating.
func persistTrace(ctx context.Context, snap controlroom.Snapshot) *database.Trace {
	if db == nil || len(snap.Path) == 0 {
		return nil
	}

	wps := make([]tracejson.WaypointPayload, 0, len(snap.Waypoints))
	for _, wp := range snap.Waypoints {
		wps = append(wps, tracejson.WaypointPayload{ID: wp.ID, DistanceKm: wp.Distance})
	}

	saved, err := db.SaveTrace(ctx, database.Trace{
		TraceID:    generateTraceID(),
		Picked:     snap.Picked,
		Path:       tracejson.EncodePath(snap.Path),
		Waypoints:  tracejson.EncodeWaypoints(wps),
		NumReaches: snap.NumReaches,
		ReachDist:  snap.ReachDist,
		Threshold:  snap.Threshold,
		TotalKm:    riverNet.TotalDistance(snap.Path),
		StepHours:  flows.StepHours,
		CreatedAt:  time.Now().Unix(),
	})
	if err != nil {
		log.Printf("⚠ trace save: %v", err)
		return nil
	}
	return &saved
}

func selectionResponse(snap controlroom.Snapshot, trace *database.Trace) map[string]any {
	resp := map[string]any{
		"selection": snap,
		"totalKm":   riverNet.TotalDistance(snap.Path),
	}
	if trace != nil {
		resp["traceID"] = trace.TraceID
		resp["links"] = map[string]string{
			"api":     tracejson.TraceAPIPath(trace.TraceID),
			"geojson": tracejson.TraceGeoJSONPath(trace.TraceID),
			"kml":     tracejson.TraceKMLPath(trace.TraceID),
			"share":   tracejson.SharePagePath(trace.TraceID),
		}
	}
	return resp
}

func selectionHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := room.Snapshot(r.Context())
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, selectionResponse(snap, nil))
}

// controlsHandler applies the three text boxes. Values arrive as raw text so
// the fallback-to-default behaviour for bad input lives in one place, the
// control room, and the response carries its warnings verbatim.
func controlsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req struct {
		NumReaches string `json:"numReaches"`
		ReachDist  string `json:"reachDistKm"`
		Threshold  string `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	snap, warnings, err := room.SetControls(r.Context(), req.NumReaches, req.ReachDist, req.Threshold)
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	for _, msg := range warnings {
		log.Println(msg)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"selection": snap,
		"warnings":  warnings,
	})
}

func resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	log.Println("Resetting view")
	started := time.Now()

	snap, err := room.Reset(r.Context())
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if _, err := figureReg.Reset(r.Context()); err != nil {
		log.Printf("⚠ figure reset: %v", err)
	}

	log.Println("Finished resetting view")
	log.Printf("Took %.2f seconds to reset", time.Since(started).Seconds())

	writeJSON(w, http.StatusOK, selectionResponse(snap, nil))
}

// quitHandler mirrors the quit button of the desktop tool: acknowledge the
// click, then let main run the graceful shutdown.
func quitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "quitting"})

	select {
	case quitRequests <- struct{}{}:
	default:
	}
}

// ==========
// Analysis endpoints
// ==========

// dischargeHandler serves the per-waypoint discharge series behind the
// discharge-over-time figure. ?normalized=1 returns zero-mean, unit-variance
// series, which is what the propagation math consumes.
func dischargeHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := room.Snapshot(r.Context())
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !snap.Selected() {
		httpError(w, http.StatusConflict, figures.ErrNoSelection.Error())
		return
	}

	normalized := r.URL.Query().Get("normalized") == "1"

	type seriesJSON struct {
		ID         int64     `json:"id"`
		DistanceKm float64   `json:"distanceKm"`
		Values     []float64 `json:"values"`
	}
	series := make([]seriesJSON, 0, len(snap.Waypoints))
	for _, wp := range snap.Waypoints {
		var values []float64
		var ok bool
		if normalized {
			values, ok = flows.Normalized(wp.ID)
		} else {
			values, ok = flows.Series(wp.ID)
		}
		if !ok {
			continue
		}
		series = append(series, seriesJSON{ID: wp.ID, DistanceKm: wp.Distance, Values: values})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"revision":   snap.Revision,
		"stepHours":  flows.StepHours,
		"normalized": normalized,
		"threshold":  snap.Threshold,
		"series":     series,
	})
}

// propagationHandler reports how long a flow wave needs to travel from the
// picked reach to each waypoint. Lags accumulate over consecutive waypoint
// pairs, same as the propagation figure.
func propagationHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := room.Snapshot(r.Context())
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !snap.Selected() {
		httpError(w, http.StatusConflict, figures.ErrNoSelection.Error())
		return
	}

	type lagJSON struct {
		ID          int64   `json:"id"`
		DistanceKm  float64 `json:"distanceKm"`
		LagSteps    int     `json:"lagSteps"`
		CumLagSteps int     `json:"cumLagSteps"`
		CumLagHours float64 `json:"cumLagHours"`
	}

	points := make([]lagJSON, 0, len(snap.Waypoints))
	cumLag := 0
	var prev []float64
	for i, wp := range snap.Waypoints {
		series, ok := flows.Normalized(wp.ID)
		if !ok {
			continue
		}
		lag := 0
		if i > 0 && prev != nil {
			lag = flowwave.PropagationLag(prev, series)
			cumLag += lag
		}
		prev = series
		points = append(points, lagJSON{
			ID:          wp.ID,
			DistanceKm:  wp.Distance,
			LagSteps:    lag,
			CumLagSteps: cumLag,
			CumLagHours: float64(cumLag) * flows.StepHours,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"revision":  snap.Revision,
		"stepHours": flows.StepHours,
		"points":    points,
	})
}

// durationHandler reports, per waypoint, the percentile threshold flow and
// every above-threshold event with its duration in hours.
func durationHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := room.Snapshot(r.Context())
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !snap.Selected() {
		httpError(w, http.StatusConflict, figures.ErrNoSelection.Error())
		return
	}

	type eventJSON struct {
		Start int     `json:"start"`
		End   int     `json:"end"`
		Steps int     `json:"steps"`
		Peak  float64 `json:"peak"`
		Hours float64 `json:"hours"`
	}
	type durationJSON struct {
		ID            int64       `json:"id"`
		DistanceKm    float64     `json:"distanceKm"`
		ThresholdFlow float64     `json:"thresholdFlow"`
		Events        []eventJSON `json:"events"`
	}

	points := make([]durationJSON, 0, len(snap.Waypoints))
	for _, wp := range snap.Waypoints {
		series, ok := flows.Series(wp.ID)
		if !ok || len(series) == 0 {
			continue
		}
		level := flowwave.Percentile(series, snap.Threshold)
		events := flowwave.Events(series, level)
		out := make([]eventJSON, 0, len(events))
		for _, ev := range events {
			out = append(out, eventJSON{
				Start: ev.Start,
				End:   ev.End,
				Steps: ev.Steps,
				Peak:  ev.Peak,
				Hours: ev.Hours(flows.StepHours),
			})
		}
		points = append(points, durationJSON{
			ID:            wp.ID,
			DistanceKm:    wp.Distance,
			ThresholdFlow: level,
			Events:        out,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"revision":  snap.Revision,
		"threshold": snap.Threshold,
		"stepHours": flows.StepHours,
		"points":    points,
	})
}

// ==========
// Network endpoint
// ==========

// networkHandler serves the map payload: zoom-decimated reach polylines with
// selection flags plus grid-aggregated flow dots from the reach_stats table.
// Responses are cached per zoom and selection revision, so repeated pans at
// the same zoom cost one database pass.
func networkHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	zoom := 7
	if raw := r.URL.Query().Get("zoom"); raw != "" {
		if z, err := strconv.Atoi(raw); err == nil {
			zoom = z
		}
	}
	if zoom < 1 {
		zoom = 1
	}
	if zoom > 16 {
		zoom = 16
	}

	snap, err := room.Snapshot(ctx)
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	key := fmt.Sprintf("network:z%d:r%d", zoom, snap.Revision)
	payload, err := webCache.Get(ctx, key, func(ctx context.Context) ([]byte, error) {
		return buildNetworkPayload(ctx, zoom, snap)
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(payload); err != nil && !isClientDisconnect(err) {
		log.Printf("⚠ network write: %v", err)
	}
}

// ==========
// Figure handlers
// ==========

func figuresHandler(w http.ResponseWriter, r *http.Request) {
	st, err := figureReg.State(r.Context())
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"open":     st.Open,
		"revision": st.Revision,
		"known":    []string{figures.LabelNetwork, figures.LabelDischarge, figures.LabelPropagation, figures.LabelDuration},
	})
}

func decodeFigureLabel(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return "", false
	}
	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	return req.Label, true
}

func figureStatus(err error) int {
	switch {
	case errors.Is(err, figures.ErrUnknownFigure):
		return http.StatusNotFound
	case errors.Is(err, figures.ErrNotOpen):
		return http.StatusNotFound
	case errors.Is(err, figures.ErrNoSelection):
		return http.StatusConflict
	case errors.Is(err, figures.ErrNetworkPinned):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func figureOpenHandler(w http.ResponseWriter, r *http.Request) {
	label, ok := decodeFigureLabel(w, r)
	if !ok {
		return
	}
	st, opened, err := figureReg.Open(r.Context(), label)
	if err != nil {
		httpError(w, figureStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"open":     st.Open,
		"revision": st.Revision,
		"opened":   opened,
	})
}

func figureCloseHandler(w http.ResponseWriter, r *http.Request) {
	label, ok := decodeFigureLabel(w, r)
	if !ok {
		return
	}
	st, err := figureReg.Close(r.Context(), label)
	if err != nil {
		httpError(w, figureStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"open":     st.Open,
		"revision": st.Revision,
	})
}

// figureImageHandler renders an open figure as /figure/{label}.{svg|png|pdf}.
// Rendering is the most expensive request the server takes, so it passes the
// heavy limiter lane and the rendered bytes are cached per revision.
func figureImageHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rest := strings.TrimPrefix(r.URL.Path, "/figure/")
	dot := strings.LastIndex(rest, ".")
	if dot <= 0 {
		http.NotFound(w, r)
		return
	}
	label, err := url.PathUnescape(rest[:dot])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	format, err := figures.ParseFormat(rest[dot+1:])
	if err != nil || !figures.KnownLabel(label) {
		http.NotFound(w, r)
		return
	}

	permit, err := limiter.Acquire(ctx, clientIP(r), api.RequestHeavy)
	if err != nil {
		httpError(w, http.StatusRequestTimeout, "request cancelled")
		return
	}
	defer permit.Release()

	st, err := figureReg.State(ctx)
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	snap, err := room.Snapshot(ctx)
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	// The network figure follows the live selection while analysis figures
	// stay frozen at open time, so the key carries both revisions.
	key := fmt.Sprintf("figure:%s:%s:f%d:r%d", label, format, st.Revision, snap.Revision)
	data, err := webCache.Get(ctx, key, func(ctx context.Context) ([]byte, error) {
		return figureReg.Render(ctx, label, format)
	})
	if err != nil {
		httpError(w, figureStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	if _, err := w.Write(data); err != nil && !isClientDisconnect(err) {
		log.Printf("⚠ figure write: %v", err)
	}
}

// figureSaveHandler exports every open figure to the outputs directory in all
// three formats, echoing the desktop save-all button.
func figureSaveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	ctx := r.Context()
	permit, err := limiter.Acquire(ctx, clientIP(r), api.RequestHeavy)
	if err != nil {
		httpError(w, http.StatusRequestTimeout, "request cancelled")
		return
	}
	defer permit.Release()

	log.Println("Saving all figures as svgs, pdf, and pngs")
	paths, err := figureReg.SaveAll(ctx, *outputsDir)
	if err != nil {
		httpError(w, figureStatus(err), err.Error())
		return
	}
	log.Println("Finished saving all figures as svgs, pdf, and pngs")

	writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

// ==========
// Share links
// ==========

// shortlinkHandler mints a short code for a saved trace. Codes are stable:
// asking twice for the same trace returns the same code.
func shortlinkHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req struct {
		TraceID string `json:"traceID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.TraceID) == "" {
		httpError(w, http.StatusBadRequest, "traceID required")
		return
	}
	traceID := strings.TrimSpace(req.TraceID)

	_, found, err := db.GetTraceByID(r.Context(), traceID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		httpError(w, http.StatusNotFound, "unknown trace")
		return
	}

	// Relative targets keep the table valid when the host or scheme moves.
	target := tracejson.SharePagePath(traceID)
	code, err := db.PersistShortLink(r.Context(), target, "", time.Now(), 0)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"code":  code,
		"short": "/s/" + code,
		"qr":    "/qr/" + code + ".png",
	})
}

func shortRedirectHandler(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimPrefix(r.URL.Path, "/s/")
	if code == "" || strings.Contains(code, "/") {
		http.NotFound(w, r)
		return
	}

	target, err := db.ResolveShortLink(r.Context(), code)
	if err != nil || target == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// qrHandler draws a QR code for a short link with the wave mark in the
// middle. The encoded URL is absolute so the image works on paper.
func qrHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/qr/")
	code := strings.TrimSuffix(rest, ".png")
	if code == "" || code == rest || strings.Contains(code, "/") {
		http.NotFound(w, r)
		return
	}

	if _, err := db.ResolveShortLink(r.Context(), code); err != nil {
		http.NotFound(w, r)
		return
	}

	scheme := "http"
	if r.TLS != nil || *domain != "" {
		scheme = "https"
	}
	shareURL := scheme + "://" + r.Host + "/s/" + code

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", "inline; filename=\"qr.png\"")

	if err := qrlogoext.EncodePNG(w, []byte(shareURL), nil, qrlogoext.Options{}); err != nil {
		http.Error(w, "QR encode: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// ==========
// Startup helpers
// ==========

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func missingInputs() []string {
	var missing []string
	for _, p := range []string{*connectivityPath, *shapefilePath, *dischargePath} {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	return missing
}

func runSetupWizard() {
	binPath, err := os.Executable()
	if err != nil {
		binPath = os.Args[0]
	}
	wd, _ := os.Getwd()

	defaults := setupwizard.Defaults{
		Port:         *port,
		Domain:       *domain,
		NeedCert:     *domain != "",
		DBType:       *dbType,
		DBPath:       *dbPath,
		DBConn:       *dbConn,
		PGHost:       *dbHost,
		PGPort:       strconv.Itoa(*dbPort),
		PGUser:       *dbUser,
		PGPassword:   *dbPass,
		PGDatabase:   *dbName,
		Connectivity: *connectivityPath,
		Shapefile:    *shapefilePath,
		Discharge:    *dischargePath,
		ArchivePath:  *archivePath,
		OutputDir:    *outputsDir,
		SupportEmail: *supportEmail,
		BinaryPath:   binPath,
		WorkingDir:   wd,
	}
	if _, err := setupwizard.Run(context.Background(), os.Stdin, os.Stdout, defaults); err != nil {
		log.Fatalf("❌ setup wizard: %v", err)
	}
}

// seedReachStats recomputes the per-reach summary table from the discharge
// file. The table only feeds the map dots and the stats page, so the server
// starts taking requests while this runs in the background.
func seedReachStats(ctx context.Context) {
	const jobID = "STATS"
	logger.Begin(jobID)
	logT(jobID, "SEED", "▶ summarising %d discharge series", flows.Count())

	stats := make([]database.ReachStat, 0, flows.Count())
	for _, id := range flows.Rivids {
		series, ok := flows.Series(id)
		if !ok || len(series) == 0 {
			continue
		}
		lon, lat, ok := flows.Point(id)
		if !ok {
			continue
		}
		stats = append(stats, database.ReachStat{
			Rivid:         id,
			Lon:           lon,
			Lat:           lat,
			MeanFlow:      stat.Mean(series, nil),
			PeakFlow:      floats.Max(series),
			ThresholdFlow: flowwave.Percentile(series, *threshold),
			Steps:         len(series),
		})
	}

	progress := make(chan database.ReachStatBatchProgress, 4)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for p := range progress {
			logT(jobID, "SEED", "%s %d/%d (batch %d, %s)", p.Mode, p.Done, p.Total, p.Batch, p.Duration)
		}
	}()

	err := db.ReplaceReachStats(ctx, stats, 0, progress)
	close(progress)
	<-drained

	if err != nil {
		logger.FlushError(jobID, err)
		return
	}
	logger.Success(jobID, fmt.Sprintf("✔ reach stats ready (%d rows)", len(stats)))
}

// ==========
// main
// ==========

func main() {
	// 1. Flags, positional arguments, version
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		if len(args) > 3 {
			fmt.Println("Error: A maximum of 3 arguments can be used.")
			os.Exit(22)
		}
		targets := []*string{connectivityPath, shapefilePath, dischargePath}
		for i, arg := range args {
			*targets[i] = arg
		}
	}

	if *version {
		fmt.Printf("riverwave-discharge-map version %s\n", CompileVersion)
		return
	}

	if *runSetup {
		runSetupWizard()
		return
	}

	loadTranslations(content, "public_html/translations.json")

	// 2. Privilege warning (for :80 / :443)
	if *domain != "" && os.Geteuid() != 0 {
		log.Println("⚠  Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}

	// 3. Input datasets. Missing files on a terminal drop into the wizard so
	// a first run without arguments still ends with a working service.
	if missing := missingInputs(); len(missing) > 0 {
		if stdinIsTerminal() {
			log.Printf("⚠ missing input files: %s", strings.Join(missing, ", "))
			runSetupWizard()
			return
		}
		log.Fatalf("❌ missing input files: %s", strings.Join(missing, ", "))
	}

	log.Println("Loading connectivity information:")
	var err error
	riverLinks, err = rivernet.LoadConnectivity(*connectivityPath)
	if err != nil {
		log.Fatalf("❌ connectivity: %v", err)
	}
	log.Println("Finished loading connectivity information")

	riverNet, err = rivernet.LoadNetwork(*shapefilePath)
	if err != nil {
		log.Fatalf("❌ shapefile: %v", err)
	}
	flows, err = discharge.Load(*dischargePath, *stepHours)
	if err != nil {
		log.Fatalf("❌ discharge: %v", err)
	}
	log.Printf("✔ %d reaches, %d discharge series, %d time steps", riverNet.Len(), flows.Count(), flows.Steps())
	log.Println("Finished preprocessing")

	// 4. Database
	dbCfg := database.Config{
		DBType:    *dbType,
		DBPath:    *dbPath,
		DBConn:    *dbConn,
		DBHost:    *dbHost,
		DBPort:    *dbPort,
		DBUser:    *dbUser,
		DBPass:    *dbPass,
		DBName:    *dbName,
		PGSSLMode: *pgSSLMode,
		Port:      *port,
	}
	db, err = database.NewDatabase(dbCfg)
	if err != nil {
		log.Fatalf("DB init: %v", err)
	}
	if err = db.InitSchema(dbCfg); err != nil {
		log.Fatalf("DB schema: %v", err)
	}

	// 5. Interactive state: event bus, control room, figure registry
	bus = selectionstream.NewBus(16)
	room = controlroom.NewRoom(riverNet, riverLinks, bus)
	figureReg = figures.NewRegistry(riverNet, flows, room, bus)

	if *numReaches != controlroom.DefaultNumReaches ||
		*reachDist != controlroom.DefaultReachDist ||
		*threshold != controlroom.DefaultThreshold {
		_, warnings, err := room.SetControls(context.Background(),
			strconv.Itoa(*numReaches),
			strconv.FormatFloat(*reachDist, 'f', -1, 64),
			strconv.FormatFloat(*threshold, 'f', -1, 64))
		if err != nil {
			log.Fatalf("❌ applying control flags: %v", err)
		}
		for _, msg := range warnings {
			log.Println(msg)
		}
	}

	webCache = api.NewResponseCache(30 * time.Second)
	limiter = api.NewRateLimiter(2 * time.Second)

	go seedReachStats(context.Background())

	// 6. Trace archives and the REST layer
	freq, err := jsonarchive.ParseFrequency(*archiveFreq)
	if err != nil {
		log.Fatalf("❌ archive-freq: %v", err)
	}

	var geoGen *jsonarchive.Generator
	var kmlGen *kmlarchive.Generator
	if *archivePath != "" {
		if err := os.MkdirAll(*archivePath, 0o755); err != nil {
			log.Fatalf("❌ archive dir: %v", err)
		}
		geoGen = jsonarchive.Start(context.Background(), db,
			filepath.Join(*archivePath, jsonarchive.FileName(*domain, freq)),
			freq.Interval(), log.Printf)
		kmlGen = kmlarchive.Start(context.Background(), db,
			filepath.Join(*archivePath, "daily-kml.tar.gz"),
			24*time.Hour, log.Printf)
	}

	apiHandler := api.NewHandler(db, geoGen, kmlGen, log.Printf)
	apiHandler.Info = api.NewTraceInfoCache(db, 5*time.Minute, 2*time.Second, 30*time.Second, log.Printf)
	apiHandler.Cache = webCache
	apiHandler.Limiter = limiter
	apiHandler.Frequency = freq
	apiHandler.Register(http.DefaultServeMux)

	// 7. Routes and static files
	staticFS, err := fs.Sub(content, "public_html")
	if err != nil {
		log.Fatalf("static fs: %v", err)
	}

	http.Handle("/static/", http.StripPrefix("/static/",
		http.FileServer(http.FS(staticFS))))
	http.HandleFunc("/", pageHandler)
	http.HandleFunc("/api/network", networkHandler)
	http.HandleFunc("/api/select", selectHandler)
	http.HandleFunc("/api/selection", selectionHandler)
	http.HandleFunc("/api/controls", controlsHandler)
	http.HandleFunc("/api/reset", resetHandler)
	http.HandleFunc("/api/quit", quitHandler)
	http.HandleFunc("/api/discharge", dischargeHandler)
	http.HandleFunc("/api/propagation", propagationHandler)
	http.HandleFunc("/api/duration", durationHandler)
	http.HandleFunc("/api/figures", figuresHandler)
	http.HandleFunc("/api/figures/open", figureOpenHandler)
	http.HandleFunc("/api/figures/close", figureCloseHandler)
	http.HandleFunc("/api/figures/save", figureSaveHandler)
	http.HandleFunc("/figure/", figureImageHandler)
	http.HandleFunc("/api/shortlink", shortlinkHandler)
	http.HandleFunc("/s/", shortRedirectHandler)
	http.HandleFunc("/qr/", qrHandler)
	http.HandleFunc("/api/stream", streamHandler)

	rootHandler := withServerHeader(http.DefaultServeMux)

	// 8. HTTP/HTTPS servers
	var srv *http.Server
	if *domain != "" {
		// Paired :80 + :443 with Let's Encrypt
		srv = serveWithDomain(strings.TrimSpace(*domain), rootHandler)
	} else {
		srv = &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: rootHandler}
		go func() {
			log.Printf("HTTP server ➜ http://localhost:%d", *port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	// 9. Background database indexes, without blocking the listeners
	ctxIdx, cancelIdx := context.WithCancel(context.Background())
	defer cancelIdx()
	db.EnsureIndexesAsync(ctxIdx, dbCfg, func(format string, args ...any) {
		log.Printf(format, args...)
	})

	// 10. Nightly trace retention sweep
	if *keepTraces > 0 {
		sched := cron.New()
		_, err := sched.AddFunc("13 3 * * *", func() {
			cutoff := time.Now().AddDate(0, 0, -*keepTraces).Unix()
			removed, err := db.DeleteTracesBefore(context.Background(), cutoff)
			if err != nil {
				log.Printf("⚠ trace retention sweep: %v", err)
				return
			}
			if removed > 0 {
				log.Printf("✔ retention sweep removed %d traces older than %d days", removed, *keepTraces)
			}
		})
		if err != nil {
			log.Fatalf("❌ retention schedule: %v", err)
		}
		sched.Start()
	}

	// 11. Park until the quit button or a signal, then drain politely
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quitRequests:
	case sig := <-signals:
		log.Printf("⚠ received %v", sig)
	}

	bus.Publish(selectionstream.Event{Kind: selectionstream.KindQuit})
	fmt.Println("Quitting RiverWave.")
	fmt.Println("See you next time!")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠ shutdown: %v", err)
	}
	figureReg.Stop()
	room.Close()
	webCache.Close()
}
