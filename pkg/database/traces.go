package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// =====================
// Trace archive helpers
// =====================

const traceIDLength = 12

// SaveTrace persists one selection snapshot and returns it with the generated
// identifiers filled in. Callers may pre-assign TraceID when replaying an
// import; otherwise we draw a fresh random handle so share URLs stay short.
func (db *Database) SaveTrace(ctx context.Context, t Trace) (Trace, error) {
	if db == nil || db.DB == nil {
		return t, errors.New("database not initialized")
	}
	if strings.TrimSpace(t.TraceID) == "" {
		handle, err := randomBase62String(traceIDLength)
		if err != nil {
			return t, fmt.Errorf("generate trace id: %w", err)
		}
		t.TraceID = handle
	}

	switch db.Driver {
	case "pgx":
		// BIGSERIAL fills id; RETURNING hands it back in the same round trip.
		err := db.DB.QueryRowContext(ctx,
			`INSERT INTO traces (trace_id,picked,path,waypoints,num_reaches,reach_dist,threshold,total_km,step_hours,created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT ON CONSTRAINT traces_unique DO NOTHING
RETURNING id`,
			t.TraceID, t.Picked, t.Path, t.Waypoints, t.NumReaches,
			t.ReachDist, t.Threshold, t.TotalKm, t.StepHours, t.CreatedAt,
		).Scan(&t.ID)
		if errors.Is(err, sql.ErrNoRows) {
			// Conflict on trace_id means the snapshot is already stored.
			existing, ok, lookupErr := db.GetTraceByID(ctx, t.TraceID)
			if lookupErr != nil {
				return t, lookupErr
			}
			if ok {
				return existing, nil
			}
			return t, fmt.Errorf("save trace: conflict without stored row for %s", t.TraceID)
		}
		if err != nil {
			return t, fmt.Errorf("save trace: %w", err)
		}
		return t, nil

	default:
		// SQLite/Chai/ClickHouse: explicit ids from the shared generator keep
		// primary keys unique across restarts.
		if t.ID == 0 {
			t.ID = <-db.idGenerator
		}
		_, err := db.DB.ExecContext(ctx,
			`INSERT INTO traces (id,trace_id,picked,path,waypoints,num_reaches,reach_dist,threshold,total_km,step_hours,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.TraceID, t.Picked, t.Path, t.Waypoints, t.NumReaches,
			t.ReachDist, t.Threshold, t.TotalKm, t.StepHours, t.CreatedAt,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				existing, ok, lookupErr := db.GetTraceByID(ctx, t.TraceID)
				if lookupErr != nil {
					return t, lookupErr
				}
				if ok {
					return existing, nil
				}
			}
			return t, fmt.Errorf("save trace: %w", err)
		}
		return t, nil
	}
}

// GetTraceByID fetches a single trace by its public handle. The boolean tells
// callers apart "not found" from real errors so HTTP handlers can answer 404
// without string matching.
func (db *Database) GetTraceByID(ctx context.Context, traceID string) (Trace, bool, error) {
	var t Trace
	if db == nil || db.DB == nil {
		return t, false, errors.New("database not initialized")
	}
	trimmed := strings.TrimSpace(traceID)
	if trimmed == "" {
		return t, false, nil
	}

	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`SELECT id, trace_id, picked, path, waypoints, num_reaches, reach_dist, threshold,
       COALESCE(total_km, 0) AS total_km,
       COALESCE(step_hours, 0) AS step_hours,
       created_at
FROM traces
WHERE trace_id = %s
LIMIT 1;`, next())

	err := db.DB.QueryRowContext(ctx, query, trimmed).Scan(
		&t.ID, &t.TraceID, &t.Picked, &t.Path, &t.Waypoints,
		&t.NumReaches, &t.ReachDist, &t.Threshold, &t.TotalKm, &t.StepHours, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return t, false, nil
	}
	if err != nil {
		return t, false, fmt.Errorf("get trace: %w", err)
	}
	return t, true, nil
}

// RecentTraces returns the newest snapshots for the archive listing.
func (db *Database) RecentTraces(ctx context.Context, limit int) ([]TraceSummary, error) {
	if db == nil || db.DB == nil {
		return nil, errors.New("database not initialized")
	}
	if limit <= 0 {
		// Default to a conservative page so naive clients do not
		// accidentally request millions of rows.
		limit = 100
	}

	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`SELECT trace_id, picked, num_reaches, COALESCE(total_km, 0), created_at
FROM traces
ORDER BY created_at DESC, id DESC
LIMIT %s;`, next())

	rows, err := db.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("recent traces: %w", err)
	}
	defer rows.Close()

	var out []TraceSummary
	for rows.Next() {
		var s TraceSummary
		if err := rows.Scan(&s.TraceID, &s.Picked, &s.NumReaches, &s.TotalKm, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace summaries: %w", err)
	}
	return out, nil
}

// StreamTraces walks the archive in trace_id order and pushes rows over
// channels so exporters can encode responses progressively. startAfter is the
// keyset cursor; pass "" for the first page.
func (db *Database) StreamTraces(ctx context.Context, startAfter string, limit int) (<-chan Trace, <-chan error) {
	results := make(chan Trace)
	errs := make(chan error, 1)

	go func() {
		defer close(results)
		defer close(errs)

		if db == nil || db.DB == nil {
			errs <- errors.New("database not initialized")
			return
		}
		if limit <= 0 {
			limit = 100
		}

		next := newPlaceholderGenerator(db.Driver)
		query := fmt.Sprintf(`SELECT id, trace_id, picked, path, waypoints, num_reaches, reach_dist, threshold,
       COALESCE(total_km, 0) AS total_km,
       COALESCE(step_hours, 0) AS step_hours,
       created_at
FROM traces
WHERE trace_id > %s
ORDER BY trace_id
LIMIT %s;`, next(), next())

		rows, err := db.DB.QueryContext(ctx, query, startAfter, limit)
		if err != nil {
			errs <- fmt.Errorf("list traces: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var t Trace
			if err := rows.Scan(
				&t.ID, &t.TraceID, &t.Picked, &t.Path, &t.Waypoints,
				&t.NumReaches, &t.ReachDist, &t.Threshold, &t.TotalKm, &t.StepHours, &t.CreatedAt,
			); err != nil {
				errs <- fmt.Errorf("scan trace: %w", err)
				return
			}

			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case results <- t:
			}
		}

		if err := rows.Err(); err != nil {
			errs <- fmt.Errorf("iterate traces: %w", err)
			return
		}

		errs <- nil
	}()

	return results, errs
}

// CountTraces returns the total number of stored snapshots. The API layer uses
// this to hint clients about the upper bound of the pagination sequence.
func (db *Database) CountTraces(ctx context.Context) (int64, error) {
	if db == nil || db.DB == nil {
		return 0, errors.New("database not initialized")
	}
	row := db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`)
	var count sql.NullInt64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	if !count.Valid {
		return 0, nil
	}
	return count.Int64, nil
}

// DeleteTracesBefore removes snapshots older than the cutoff (Unix seconds).
// The retention sweep calls it on a schedule; the returned count feeds the log
// line so operators can see the sweep doing work.
func (db *Database) DeleteTracesBefore(ctx context.Context, cutoff int64) (int64, error) {
	if db == nil || db.DB == nil {
		return 0, errors.New("database not initialized")
	}

	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`DELETE FROM traces WHERE created_at < %s;`, next())

	res, err := db.DB.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete traces: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// ClickHouse's HTTP transport does not report affected rows.
		return 0, nil
	}
	return affected, nil
}
