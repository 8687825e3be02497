package tracejson

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"riverwave-discharge-map/pkg/database"
)

// ==========================
// Shared trace JSON helpers
// ==========================

// ErrNotTracePayload signals that a stored column does not look like a trace
// path or waypoint dump in any format we know how to read.
var ErrNotTracePayload = errors.New("not a trace payload")

// Disclaimers lists the language-specific warnings bundled with every export.
// We never mutate the map after init so callers should clone it if they plan
// to tweak messages for custom responses.
var Disclaimers = map[string]string{
	"en": "Exports contain simulated river discharge, not gauge measurements. Download freely; we take no responsibility for decisions based on them.",
	"ru": "Экспортируемые данные содержат смоделированный речной сток, а не измерения гидропостов. Скачивайте свободно; мы не несём ответственности за решения, принятые на их основе.",
	"es": "Las exportaciones contienen caudales fluviales simulados, no mediciones de aforo. Descárguelas libremente; no asumimos responsabilidad por las decisiones basadas en ellas.",
	"fr": "Les exports contiennent des débits fluviaux simulés et non des mesures de jaugeage. Téléchargez-les librement ; nous déclinons toute responsabilité quant aux décisions fondées sur ces données.",
	"de": "Die Exporte enthalten simulierte Abflusswerte, keine Pegelmessungen. Frei herunterladbar; wir übernehmen keine Verantwortung für darauf gestützte Entscheidungen.",
	"pt": "As exportações contêm vazões fluviais simuladas, não medições de réguas. Baixe livremente; não assumimos responsabilidade por decisões baseadas nelas.",
	"it": "Le esportazioni contengono portate fluviali simulate, non misurazioni idrometriche. Scaricatele liberamente; non ci assumiamo alcuna responsabilità per le decisioni basate su di esse.",
	"zh": "导出数据为模拟河川径流，并非水文站实测值。可自由下载；我们对基于这些数据做出的决定不承担任何责任。",
	"ja": "エクスポートには観測値ではなくシミュレーションによる河川流量が含まれます。自由にダウンロードできますが、これに基づく判断について当方は一切の責任を負いません。",
}

// WaypointPayload mirrors the JSON schema the control room publishes for
// observation points. Reusing the struct keeps archives interchangeable with
// the live endpoints and documents the fields in one place.
type WaypointPayload struct {
	ID         int64   `json:"id"`
	DistanceKm float64 `json:"distanceKm"`
}

// TracePayload is the JSON document served for a single saved selection.
// Archives embed the same shape so a trace file can be replayed against the
// live API without field mapping.
type TracePayload struct {
	TraceID     string            `json:"traceID"`
	APIURL      string            `json:"apiURL"`
	GeoJSONURL  string            `json:"geojsonURL"`
	KMLURL      string            `json:"kmlURL"`
	Picked      int64             `json:"picked"`
	NumReaches  int               `json:"numReaches"`
	ReachDistKm float64           `json:"reachDistKm"`
	Threshold   float64           `json:"threshold"`
	TotalKm     float64           `json:"totalKm"`
	StepHours   float64           `json:"stepHours"`
	CreatedUnix int64             `json:"createdUnix"`
	CreatedUTC  string            `json:"createdUTC"`
	Path        []int64           `json:"path"`
	Waypoints   []WaypointPayload `json:"waypoints"`
}

// MakeTracePayload converts a stored trace row into the JSON-ready shape.
// Decoding failures surface as errors instead of silently dropping geometry so
// operators notice corrupted rows.
func MakeTracePayload(t database.Trace) (TracePayload, error) {
	path, err := DecodePath(t.Path)
	if err != nil {
		return TracePayload{}, fmt.Errorf("trace %s path: %w", t.TraceID, err)
	}
	waypoints, err := DecodeWaypoints(t.Waypoints)
	if err != nil {
		return TracePayload{}, fmt.Errorf("trace %s waypoints: %w", t.TraceID, err)
	}
	created := time.Unix(t.CreatedAt, 0).UTC()
	return TracePayload{
		TraceID:     t.TraceID,
		APIURL:      TraceAPIPath(t.TraceID),
		GeoJSONURL:  TraceGeoJSONPath(t.TraceID),
		KMLURL:      TraceKMLPath(t.TraceID),
		Picked:      t.Picked,
		NumReaches:  t.NumReaches,
		ReachDistKm: t.ReachDist,
		Threshold:   t.Threshold,
		TotalKm:     t.TotalKm,
		StepHours:   t.StepHours,
		CreatedUnix: t.CreatedAt,
		CreatedUTC:  created.Format(time.RFC3339),
		Path:        path,
		Waypoints:   waypoints,
	}, nil
}

// EncodePath serialises a downstream walk as a JSON array of reach ids.
// An empty walk becomes "[]" so database columns never hold SQL NULLs.
func EncodePath(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DecodePath reads a stored path column. Rows written by current builds hold
// JSON arrays; early databases stored space-separated ids, and we keep reading
// those so old share links stay alive.
func DecodePath(raw string) ([]int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "[]" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var ids []int64
		if err := json.Unmarshal([]byte(trimmed), &ids); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotTracePayload, err)
		}
		return ids, nil
	}
	fields := strings.Fields(trimmed)
	ids := make([]int64, 0, len(fields))
	for _, field := range fields {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad reach id %q", ErrNotTracePayload, field)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// EncodeWaypoints serialises observation points the same way the control room
// publishes them over SSE, keeping stored rows and live events byte-compatible.
func EncodeWaypoints(wps []WaypointPayload) string {
	if len(wps) == 0 {
		return "[]"
	}
	data, err := json.Marshal(wps)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DecodeWaypoints reads a stored waypoint column.
func DecodeWaypoints(raw string) ([]WaypointPayload, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "[]" {
		return nil, nil
	}
	var wps []WaypointPayload
	if err := json.Unmarshal([]byte(trimmed), &wps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotTracePayload, err)
	}
	return wps, nil
}

// TraceAPIPath returns the JSON endpoint for one trace.
func TraceAPIPath(traceID string) string {
	return "/api/trace/" + url.PathEscape(traceID)
}

// TraceGeoJSONPath returns the GeoJSON export endpoint for one trace.
func TraceGeoJSONPath(traceID string) string {
	return "/api/trace/" + url.PathEscape(traceID) + ".geojson"
}

// TraceKMLPath returns the KML export endpoint for one trace.
func TraceKMLPath(traceID string) string {
	return "/api/trace/" + url.PathEscape(traceID) + ".kml"
}

// SharePagePath returns the UI URL that reopens a saved trace.
func SharePagePath(traceID string) string {
	return "/?trace=" + url.QueryEscape(traceID)
}
