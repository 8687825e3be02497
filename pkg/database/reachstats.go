package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =========================
// Reach statistics pipeline
// =========================

// ReachStatBatchProgress reports how many rows a bulk load has flushed so
// operators can track forward momentum. The mode flag distinguishes the COPY
// fast path from portable multi-row VALUES, making stall investigations
// simpler when datasets grow past a few hundred thousand reaches.
type ReachStatBatchProgress struct {
	Total    int
	Done     int
	Batch    int
	Mode     string
	Duration time.Duration
}

// ReplaceReachStats rebuilds the reach_stats table from the freshly loaded
// dataset. The table is derived data, so we clear and reload instead of
// diffing: either the load finishes and the table matches the dataset, or the
// error surfaces at startup where it is cheap to handle.
//
// - Portable: only standard SQL and database/sql on the slow path.
// - Fast: PostgreSQL gets COPY through a temp table, others get multi-row VALUES.
// - Safe: the unique key on rivid still applies via ON CONFLICT DO NOTHING.
//
// Context is threaded through so a shutdown mid-load abandons the database
// calls instead of blocking later work. We check cancellation between batches
// and rely on ExecContext to let drivers break out promptly.
func (db *Database) ReplaceReachStats(ctx context.Context, stats []ReachStat, batch int, progress chan<- ReachStatBatchProgress) error {
	if db == nil || db.DB == nil {
		return errors.New("database not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if batch <= 0 {
		batch = 500
	}

	if err := db.clearReachStats(ctx); err != nil {
		return err
	}

	stats = deduplicateReachStats(stats)
	if len(stats) == 0 {
		return nil
	}

	if db.Driver == "pgx" {
		copyStart := time.Now()
		if err := db.insertReachStatsPostgreSQLCopy(ctx, stats); err == nil {
			if progress != nil {
				select {
				case progress <- ReachStatBatchProgress{Total: len(stats), Done: len(stats), Batch: len(stats), Mode: "copy", Duration: time.Since(copyStart)}:
				default:
				}
			}
			return nil
		}
		// COPY failures (older servers, poolers that block COPY) fall through
		// to the portable chunked path.
	}

	return db.insertReachStatsChunked(ctx, stats, batch, progress)
}

// insertReachStatsChunked inserts rows in batches using multi-row VALUES.
func (db *Database) insertReachStatsChunked(ctx context.Context, stats []ReachStat, batch int, progress chan<- ReachStatBatchProgress) error {
	var (
		exec  sqlExecutor = db.DB
		total             = len(stats)
		done  int
	)

	ph := func(n int) string {
		if db.Driver == "pgx" {
			return fmt.Sprintf("$%d", n)
		}
		return "?"
	}

	i := 0
	for i < len(stats) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := i + batch
		if end > len(stats) {
			end = len(stats)
		}
		chunk := stats[i:end]

		chunkStart := time.Now()

		var sb strings.Builder
		args := make([]interface{}, 0, len(chunk)*8)

		switch db.Driver {
		case "pgx":
			// PostgreSQL: BIGSERIAL fills id, so we only ship the payload columns.
			sb.WriteString("INSERT INTO reach_stats (rivid,lon,lat,mean_flow,peak_flow,threshold_flow,steps) VALUES ")
			argn := 0
			const cols = 7
			for j, s := range chunk {
				if j > 0 {
					sb.WriteString(",")
				}
				sb.WriteString("(")
				for k := 0; k < cols; k++ {
					if k > 0 {
						sb.WriteString(",")
					}
					argn++
					sb.WriteString(ph(argn))
				}
				sb.WriteString(")")
				args = append(args,
					s.Rivid, s.Lon, s.Lat,
					s.MeanFlow, s.PeakFlow, s.ThresholdFlow, s.Steps,
				)
			}
			sb.WriteString(" ON CONFLICT ON CONSTRAINT reach_stats_unique DO NOTHING")

		case "clickhouse":
			sb.WriteString("INSERT INTO reach_stats (id,rivid,lon,lat,mean_flow,peak_flow,threshold_flow,steps) VALUES ")
			argn := 0
			const cols = 8
			for j, s := range chunk {
				if j > 0 {
					sb.WriteString(",")
				}
				sb.WriteString("(")
				for k := 0; k < cols; k++ {
					if k > 0 {
						sb.WriteString(",")
					}
					argn++
					sb.WriteString(ph(argn))
				}
				sb.WriteString(")")
				args = append(args,
					<-db.idGenerator, s.Rivid, s.Lon, s.Lat,
					s.MeanFlow, s.PeakFlow, s.ThresholdFlow, s.Steps,
				)
			}

		default:
			// SQLite / Chai: explicit ids avoid PRIMARY KEY clashes across restarts.
			sb.WriteString("INSERT INTO reach_stats (id,rivid,lon,lat,mean_flow,peak_flow,threshold_flow,steps) VALUES ")
			argn := 0
			const cols = 8
			for j, s := range chunk {
				if j > 0 {
					sb.WriteString(",")
				}
				sb.WriteString("(")
				for k := 0; k < cols; k++ {
					if k > 0 {
						sb.WriteString(",")
					}
					argn++
					sb.WriteString(ph(argn))
				}
				sb.WriteString(")")
				args = append(args,
					<-db.idGenerator, s.Rivid, s.Lon, s.Lat,
					s.MeanFlow, s.PeakFlow, s.ThresholdFlow, s.Steps,
				)
			}
			sb.WriteString(" ON CONFLICT DO NOTHING")
		}

		if _, err := exec.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("bulk exec: %w", err)
		}
		done += len(chunk)
		if progress != nil {
			select {
			case progress <- ReachStatBatchProgress{Total: total, Done: done, Batch: len(chunk), Mode: "bulk", Duration: time.Since(chunkStart)}:
			default:
			}
		}
		i = end
	}
	return nil
}

// clearReachStats empties the derived table before a reload. ClickHouse gets
// TRUNCATE because MergeTree deletes are asynchronous mutations.
func (db *Database) clearReachStats(ctx context.Context) error {
	stmt := `DELETE FROM reach_stats`
	if db.Driver == "clickhouse" {
		stmt = `TRUNCATE TABLE reach_stats`
	}
	if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("clear reach stats: %w", err)
	}
	return nil
}

// deduplicateReachStats collapses rows that would collide on the UNIQUE
// constraint so the engines never resolve duplicates inside one INSERT.
func deduplicateReachStats(stats []ReachStat) []ReachStat {
	if len(stats) < 2 {
		return stats
	}

	seen := make(map[int64]struct{}, len(stats))
	unique := make([]ReachStat, 0, len(stats))
	for _, s := range stats {
		if _, ok := seen[s.Rivid]; ok {
			continue
		}
		seen[s.Rivid] = struct{}{}
		unique = append(unique, s)
	}
	return unique
}

// GetReachStat fetches the summary row for one reach.
func (db *Database) GetReachStat(ctx context.Context, rivid int64) (ReachStat, bool, error) {
	var s ReachStat
	if db == nil || db.DB == nil {
		return s, false, errors.New("database not initialized")
	}

	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`SELECT rivid, lon, lat, mean_flow, peak_flow, threshold_flow, steps
FROM reach_stats
WHERE rivid = %s
LIMIT 1;`, next())

	err := db.DB.QueryRowContext(ctx, query, rivid).Scan(
		&s.Rivid, &s.Lon, &s.Lat, &s.MeanFlow, &s.PeakFlow, &s.ThresholdFlow, &s.Steps,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return s, false, nil
	}
	if err != nil {
		return s, false, fmt.Errorf("reach stat: %w", err)
	}
	return s, true, nil
}

// ReachStatsByIDs resolves coordinates and flow summaries for a set of
// reaches at once. Trace exports call this with full downstream walks, so ids
// are looked up in bounded IN chunks instead of one query per reach. Missing
// ids simply stay absent from the map.
func (db *Database) ReachStatsByIDs(ctx context.Context, rivids []int64) (map[int64]ReachStat, error) {
	if db == nil || db.DB == nil {
		return nil, errors.New("database not initialized")
	}

	out := make(map[int64]ReachStat, len(rivids))
	const chunkSize = 500

	for start := 0; start < len(rivids); start += chunkSize {
		end := start + chunkSize
		if end > len(rivids) {
			end = len(rivids)
		}
		chunk := rivids[start:end]

		next := newPlaceholderGenerator(db.Driver)
		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			placeholders[i] = next()
			args[i] = id
		}

		query := fmt.Sprintf(`SELECT rivid, lon, lat, mean_flow, peak_flow, threshold_flow, steps
FROM reach_stats
WHERE rivid IN (%s);`, strings.Join(placeholders, ", "))

		rows, err := db.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("reach stats by ids: %w", err)
		}
		for rows.Next() {
			var s ReachStat
			if err := rows.Scan(&s.Rivid, &s.Lon, &s.Lat, &s.MeanFlow, &s.PeakFlow, &s.ThresholdFlow, &s.Steps); err != nil {
				rows.Close()
				return nil, fmt.Errorf("reach stats by ids scan: %w", err)
			}
			out[s.Rivid] = s
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("reach stats by ids rows: %w", err)
		}
		rows.Close()
	}

	return out, nil
}

// StreamReachStatsByBounds streams rows inside a lat/lon window through a
// channel. It avoids loading large result sets into memory and stops when the
// context is done.
func (db *Database) StreamReachStatsByBounds(ctx context.Context, minLat, minLon, maxLat, maxLon float64) (<-chan ReachStat, <-chan error) {
	out := make(chan ReachStat)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if db == nil || db.DB == nil {
			errCh <- errors.New("database not initialized")
			return
		}

		var query string
		switch db.Driver {
		case "pgx":
			query = `
                SELECT rivid, lon, lat, mean_flow, peak_flow, threshold_flow, steps
                FROM reach_stats
                WHERE lat BETWEEN $1 AND $2 AND lon BETWEEN $3 AND $4;
            `
		default:
			query = `
                SELECT rivid, lon, lat, mean_flow, peak_flow, threshold_flow, steps
                FROM reach_stats
                WHERE lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?;
            `
		}

		rows, err := db.DB.QueryContext(ctx, query, minLat, maxLat, minLon, maxLon)
		if err != nil {
			errCh <- fmt.Errorf("query reach stats: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var s ReachStat
			if err := rows.Scan(&s.Rivid, &s.Lon, &s.Lat, &s.MeanFlow, &s.PeakFlow, &s.ThresholdFlow, &s.Steps); err != nil {
				errCh <- fmt.Errorf("scan reach stat: %w", err)
				return
			}
			select {
			case out <- s:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if err := rows.Err(); err != nil {
			errCh <- fmt.Errorf("iterate reach stats: %w", err)
		}
	}()

	return out, errCh
}

// TopReachStats lists the biggest rivers by peak discharge for the stats page.
func (db *Database) TopReachStats(ctx context.Context, limit int) ([]ReachStat, error) {
	if db == nil || db.DB == nil {
		return nil, errors.New("database not initialized")
	}
	if limit <= 0 {
		limit = 10
	}

	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`SELECT rivid, lon, lat, mean_flow, peak_flow, threshold_flow, steps
FROM reach_stats
ORDER BY peak_flow DESC, rivid
LIMIT %s;`, next())

	rows, err := db.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("top reach stats: %w", err)
	}
	defer rows.Close()

	var out []ReachStat
	for rows.Next() {
		var s ReachStat
		if err := rows.Scan(&s.Rivid, &s.Lon, &s.Lat, &s.MeanFlow, &s.PeakFlow, &s.ThresholdFlow, &s.Steps); err != nil {
			return nil, fmt.Errorf("scan reach stat: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reach stats: %w", err)
	}
	return out, nil
}

// CountReachStats returns the number of summarised reaches.
func (db *Database) CountReachStats(ctx context.Context) (int64, error) {
	if db == nil || db.DB == nil {
		return 0, errors.New("database not initialized")
	}
	row := db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM reach_stats`)
	var count sql.NullInt64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count reach stats: %w", err)
	}
	if !count.Valid {
		return 0, nil
	}
	return count.Int64, nil
}

// CollectStatsOverview assembles the aggregate numbers for the stats endpoint.
// AVG/MAX over an empty table return NULL, so we scan through sql.Null types
// and keep the zero values, making the endpoint safe before the first load.
func (db *Database) CollectStatsOverview(ctx context.Context) (StatsOverview, error) {
	var overview StatsOverview
	if db == nil || db.DB == nil {
		return overview, errors.New("database not initialized")
	}

	var (
		meanOfMeans sql.NullFloat64
		maxPeak     sql.NullFloat64
	)
	err := db.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(mean_flow), MAX(peak_flow) FROM reach_stats`,
	).Scan(&overview.Reaches, &meanOfMeans, &maxPeak)
	if err != nil {
		return overview, fmt.Errorf("stats overview: %w", err)
	}
	if meanOfMeans.Valid {
		overview.MeanOfMeans = meanOfMeans.Float64
	}
	if maxPeak.Valid {
		overview.MaxPeak = maxPeak.Float64
	}

	traces, err := db.CountTraces(ctx)
	if err != nil {
		return overview, err
	}
	overview.Traces = traces
	return overview, nil
}
