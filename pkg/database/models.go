package database

// Trace is one saved selection: the reach a user picked, the downstream path
// that was walked from it, and the control values that shaped the walk.
// Path and Waypoints carry JSON produced by the control room so the archive
// formats (GeoJSON/KML) can replay a trace without recomputing hydrology.
type Trace struct {
	ID         int64   `json:"id"`
	TraceID    string  `json:"traceID"`
	Picked     int64   `json:"picked"`
	Path       string  `json:"path"`
	Waypoints  string  `json:"waypoints"`
	NumReaches int     `json:"numReaches"`
	ReachDist  float64 `json:"reachDistKm"`
	Threshold  float64 `json:"threshold"`
	TotalKm    float64 `json:"totalKm"`
	StepHours  float64 `json:"stepHours"`
	CreatedAt  int64   `json:"createdAt"` // Unix seconds
}

// TraceSummary is the listing row for the trace archive. It deliberately
// omits the JSON payloads so pagination stays light.
type TraceSummary struct {
	TraceID    string  `json:"traceID"`
	Picked     int64   `json:"picked"`
	NumReaches int     `json:"numReaches"`
	TotalKm    float64 `json:"totalKm"`
	CreatedAt  int64   `json:"createdAt"`
}

// ReachStat summarises one reach of the discharge dataset: where it sits and
// how much water it moves. The table is rebuilt from the dataset at startup,
// so rows never drift from the loaded series.
type ReachStat struct {
	Rivid         int64   `json:"rivid"`
	Lon           float64 `json:"lon"`
	Lat           float64 `json:"lat"`
	MeanFlow      float64 `json:"meanFlow"`
	PeakFlow      float64 `json:"peakFlow"`
	ThresholdFlow float64 `json:"thresholdFlow"`
	Steps         int     `json:"steps"`
}

// StatsOverview aggregates the dataset-wide numbers the stats endpoint serves.
type StatsOverview struct {
	Reaches     int64   `json:"reaches"`
	Traces      int64   `json:"traces"`
	MeanOfMeans float64 `json:"meanOfMeans"`
	MaxPeak     float64 `json:"maxPeak"`
}
