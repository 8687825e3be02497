package database

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// newTestDatabase opens a throwaway SQLite file and applies the schema so
// each test starts from a clean slate. The file lives in t.TempDir, so the
// test framework removes it together with the WAL side files.
func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	path := filepath.Join(t.TempDir(), "riverwave-test.sqlite")
	db, err := NewDatabase(Config{DBType: "sqlite", DBPath: path})
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { _ = db.DB.Close() })

	if err := db.InitSchema(Config{DBType: "sqlite"}); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return db
}

// TestSaveTraceRoundTrip verifies that a saved snapshot comes back intact,
// that handles are generated when absent, and that re-saving the same handle
// returns the stored row instead of failing on the unique index.
func TestSaveTraceRoundTrip(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	in := Trace{
		Picked:     17,
		Path:       `[17,18,19]`,
		Waypoints:  `[{"rivid":17,"km":0}]`,
		NumReaches: 5,
		ReachDist:  117,
		Threshold:  90,
		TotalKm:    260.5,
		StepHours:  3,
		CreatedAt:  time.Now().Unix(),
	}

	saved, err := db.SaveTrace(ctx, in)
	if err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}
	if saved.ID == 0 {
		t.Fatal("SaveTrace left ID unset")
	}
	if len(saved.TraceID) != traceIDLength {
		t.Fatalf("TraceID length = %d, want %d", len(saved.TraceID), traceIDLength)
	}

	got, ok, err := db.GetTraceByID(ctx, saved.TraceID)
	if err != nil {
		t.Fatalf("GetTraceByID: %v", err)
	}
	if !ok {
		t.Fatalf("trace %s not found after save", saved.TraceID)
	}
	if got.Picked != in.Picked || got.Path != in.Path || got.NumReaches != in.NumReaches {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
	if got.TotalKm != in.TotalKm || got.StepHours != in.StepHours {
		t.Fatalf("metadata columns lost: got %+v", got)
	}

	again, err := db.SaveTrace(ctx, saved)
	if err != nil {
		t.Fatalf("SaveTrace duplicate: %v", err)
	}
	if again.ID != saved.ID {
		t.Fatalf("duplicate save created a new row: %d vs %d", again.ID, saved.ID)
	}

	count, err := db.CountTraces(ctx)
	if err != nil {
		t.Fatalf("CountTraces: %v", err)
	}
	if count != 1 {
		t.Fatalf("CountTraces = %d, want 1", count)
	}

	if _, ok, err := db.GetTraceByID(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetTraceByID(missing) = ok=%v err=%v, want not found", ok, err)
	}
}

// TestRecentTracesOrder checks that the archive listing returns newest first.
func TestRecentTracesOrder(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	for i, created := range []int64{100, 200, 300} {
		_, err := db.SaveTrace(ctx, Trace{
			TraceID:   string(rune('a'+i)) + "00000000000",
			Picked:    int64(i),
			CreatedAt: created,
		})
		if err != nil {
			t.Fatalf("SaveTrace #%d: %v", i, err)
		}
	}

	recent, err := db.RecentTraces(ctx, 2)
	if err != nil {
		t.Fatalf("RecentTraces: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("RecentTraces returned %d rows, want 2", len(recent))
	}
	if recent[0].CreatedAt != 300 || recent[1].CreatedAt != 200 {
		t.Fatalf("wrong order: %+v", recent)
	}
}

// TestStreamTracesPaginates walks the archive with a keyset cursor and checks
// that pages do not overlap.
func TestStreamTracesPaginates(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	ids := []string{"aaaa", "bbbb", "cccc"}
	for i, id := range ids {
		if _, err := db.SaveTrace(ctx, Trace{TraceID: id, Picked: int64(i), CreatedAt: int64(i)}); err != nil {
			t.Fatalf("SaveTrace %s: %v", id, err)
		}
	}

	collect := func(startAfter string, limit int) []string {
		t.Helper()
		rows, errs := db.StreamTraces(ctx, startAfter, limit)
		var got []string
		for tr := range rows {
			got = append(got, tr.TraceID)
		}
		if err := <-errs; err != nil {
			t.Fatalf("StreamTraces(%q): %v", startAfter, err)
		}
		return got
	}

	first := collect("", 2)
	if len(first) != 2 || first[0] != "aaaa" || first[1] != "bbbb" {
		t.Fatalf("first page = %v", first)
	}
	second := collect(first[len(first)-1], 2)
	if len(second) != 1 || second[0] != "cccc" {
		t.Fatalf("second page = %v", second)
	}
}

// TestDeleteTracesBefore exercises the retention sweep.
func TestDeleteTracesBefore(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	for i, created := range []int64{100, 200, 300} {
		if _, err := db.SaveTrace(ctx, Trace{TraceID: string(rune('x'+i)) + "000", CreatedAt: created}); err != nil {
			t.Fatalf("SaveTrace #%d: %v", i, err)
		}
	}

	removed, err := db.DeleteTracesBefore(ctx, 250)
	if err != nil {
		t.Fatalf("DeleteTracesBefore: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	count, err := db.CountTraces(ctx)
	if err != nil {
		t.Fatalf("CountTraces: %v", err)
	}
	if count != 1 {
		t.Fatalf("CountTraces after sweep = %d, want 1", count)
	}
}

// TestReplaceReachStats loads a small dataset summary twice and verifies the
// table mirrors the latest load: duplicates collapse, bounds queries stream
// the right rows, and the overview aggregates hold.
func TestReplaceReachStats(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	stats := []ReachStat{
		{Rivid: 1, Lon: 10, Lat: 50, MeanFlow: 2.5, PeakFlow: 9, ThresholdFlow: 8, Steps: 20},
		{Rivid: 2, Lon: 11, Lat: 51, MeanFlow: 3.5, PeakFlow: 12, ThresholdFlow: 10, Steps: 20},
		{Rivid: 3, Lon: 30, Lat: 60, MeanFlow: 1.0, PeakFlow: 4, ThresholdFlow: 3, Steps: 20},
		{Rivid: 2, Lon: 99, Lat: 99, MeanFlow: 99, PeakFlow: 99, ThresholdFlow: 99, Steps: 99}, // duplicate rivid, must be dropped
	}

	progress := make(chan ReachStatBatchProgress, 8)
	if err := db.ReplaceReachStats(ctx, stats, 2, progress); err != nil {
		t.Fatalf("ReplaceReachStats: %v", err)
	}

	count, err := db.CountReachStats(ctx)
	if err != nil {
		t.Fatalf("CountReachStats: %v", err)
	}
	if count != 3 {
		t.Fatalf("CountReachStats = %d, want 3", count)
	}

	got, ok, err := db.GetReachStat(ctx, 2)
	if err != nil || !ok {
		t.Fatalf("GetReachStat(2) ok=%v err=%v", ok, err)
	}
	if got.PeakFlow != 12 {
		t.Fatalf("duplicate rivid won over the first row: %+v", got)
	}
	if _, ok, _ := db.GetReachStat(ctx, 404); ok {
		t.Fatal("GetReachStat(404) reported a row")
	}

	rows, errs := db.StreamReachStatsByBounds(ctx, 49, 9, 52, 12)
	var inWindow []int64
	for s := range rows {
		inWindow = append(inWindow, s.Rivid)
	}
	if err := <-errs; err != nil {
		t.Fatalf("StreamReachStatsByBounds: %v", err)
	}
	if len(inWindow) != 2 {
		t.Fatalf("bounds window returned %v, want rivids 1 and 2", inWindow)
	}

	top, err := db.TopReachStats(ctx, 2)
	if err != nil {
		t.Fatalf("TopReachStats: %v", err)
	}
	if len(top) != 2 || top[0].Rivid != 2 || top[1].Rivid != 1 {
		t.Fatalf("TopReachStats order = %+v", top)
	}

	overview, err := db.CollectStatsOverview(ctx)
	if err != nil {
		t.Fatalf("CollectStatsOverview: %v", err)
	}
	if overview.Reaches != 3 || overview.MaxPeak != 12 {
		t.Fatalf("overview = %+v", overview)
	}
	wantMean := (2.5 + 3.5 + 1.0) / 3
	if math.Abs(overview.MeanOfMeans-wantMean) > 1e-9 {
		t.Fatalf("MeanOfMeans = %v, want %v", overview.MeanOfMeans, wantMean)
	}

	// Reload with a single row: the table is derived data and must be replaced.
	if err := db.ReplaceReachStats(ctx, stats[:1], 10, nil); err != nil {
		t.Fatalf("ReplaceReachStats reload: %v", err)
	}
	count, err = db.CountReachStats(ctx)
	if err != nil {
		t.Fatalf("CountReachStats after reload: %v", err)
	}
	if count != 1 {
		t.Fatalf("reload kept stale rows: count = %d", count)
	}

	// Progress must have reported completion for the first load.
	var last ReachStatBatchProgress
	for {
		select {
		case p := <-progress:
			last = p
			continue
		default:
		}
		break
	}
	if last.Done != 3 || last.Total != 3 {
		t.Fatalf("last progress = %+v, want done 3 of 3", last)
	}
}

// TestShortLinkLifecycle covers preview, persist, duplicate target reuse, and
// resolution of unknown codes.
func TestShortLinkLifecycle(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	if _, _, err := db.PreviewShortLink(ctx, "   ", 0); err == nil {
		t.Fatal("PreviewShortLink accepted an empty target")
	}

	target := "https://rivers.example/?trace=abc123"
	code, stored, err := db.PreviewShortLink(ctx, target, 0)
	if err != nil {
		t.Fatalf("PreviewShortLink: %v", err)
	}
	if stored {
		t.Fatal("preview claimed the mapping already exists")
	}
	if len(code) != defaultShortCodeLength || !isBase62(code) {
		t.Fatalf("preview code = %q", code)
	}

	persisted, err := db.PersistShortLink(ctx, target, code, time.Now(), 0)
	if err != nil {
		t.Fatalf("PersistShortLink: %v", err)
	}
	if persisted != code {
		t.Fatalf("persisted code %q, want reserved %q", persisted, code)
	}

	resolved, err := db.ResolveShortLink(ctx, persisted)
	if err != nil {
		t.Fatalf("ResolveShortLink: %v", err)
	}
	if resolved != target {
		t.Fatalf("resolved %q, want %q", resolved, target)
	}

	// Same target again: the stored code comes back instead of a new one.
	repeat, err := db.PersistShortLink(ctx, target, "", time.Now(), 0)
	if err != nil {
		t.Fatalf("PersistShortLink repeat: %v", err)
	}
	if repeat != persisted {
		t.Fatalf("repeat persist minted a new code: %q vs %q", repeat, persisted)
	}

	missing, err := db.ResolveShortLink(ctx, "zzzzzzzz")
	if err != nil {
		t.Fatalf("ResolveShortLink missing: %v", err)
	}
	if missing != "" {
		t.Fatalf("unknown code resolved to %q", missing)
	}
}

func TestReachStatsByIDs(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	stats := []ReachStat{
		{Rivid: 10, Lon: 4.1, Lat: 44.2, MeanFlow: 1.5, PeakFlow: 3, ThresholdFlow: 2.5, Steps: 8},
		{Rivid: 20, Lon: 4.2, Lat: 44.3, MeanFlow: 2.5, PeakFlow: 6, ThresholdFlow: 5, Steps: 8},
		{Rivid: 30, Lon: 4.3, Lat: 44.4, MeanFlow: 3.5, PeakFlow: 9, ThresholdFlow: 8, Steps: 8},
	}
	if err := db.ReplaceReachStats(ctx, stats, 2, nil); err != nil {
		t.Fatalf("ReplaceReachStats: %v", err)
	}

	got, err := db.ReachStatsByIDs(ctx, []int64{30, 10, 999})
	if err != nil {
		t.Fatalf("ReachStatsByIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2 (missing ids skipped)", len(got))
	}
	if got[10].PeakFlow != 3 || got[30].PeakFlow != 9 {
		t.Fatalf("wrong rows: %+v", got)
	}
	if _, ok := got[999]; ok {
		t.Fatal("unknown rivid 999 resolved")
	}

	empty, err := db.ReachStatsByIDs(ctx, nil)
	if err != nil {
		t.Fatalf("ReachStatsByIDs(nil): %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("empty input returned %d rows", len(empty))
	}
}
