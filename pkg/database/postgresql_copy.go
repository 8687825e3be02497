//go:build !(windows && 386)

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// insertReachStatsPostgreSQLCopy streams reach summaries into PostgreSQL using
// COPY to keep the startup reload fast. We lean on a temporary table so we can
// still enforce the ON CONFLICT policy from the main table without losing
// COPY's throughput. The helper stays connection-local to avoid mutexes and
// follows "Don't communicate by sharing memory; share memory by communicating"
// by letting the database enforce ordering.
func (db *Database) insertReachStatsPostgreSQLCopy(ctx context.Context, stats []ReachStat) error {
	if len(stats) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil || db.DB == nil {
		return fmt.Errorf("database unavailable")
	}

	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open postgres connection: %w", err)
	}
	defer conn.Close()

	// The timestamp-based suffix keeps names unique per call while staying
	// predictable for debugging. Temporary scope avoids cross-connection
	// contention and keeps the helper self-contained.
	tempTable := fmt.Sprintf("temp_reach_stats_%d", time.Now().UnixNano())
	// Avoid ON COMMIT DROP so the temporary table survives PostgreSQL's
	// autocommit mode long enough for COPY and the final INSERT to finish.
	createTemp := fmt.Sprintf(`CREATE TEMP TABLE %s (
rivid BIGINT,
lon DOUBLE PRECISION,
lat DOUBLE PRECISION,
mean_flow DOUBLE PRECISION,
peak_flow DOUBLE PRECISION,
threshold_flow DOUBLE PRECISION,
steps INT
)`, tempTable)
	if _, err := conn.ExecContext(ctx, createTemp); err != nil {
		return fmt.Errorf("create temp table: %w", err)
	}

	// Ensure cleanup even if the COPY or final insert fails; use a detached
	// context to avoid blocking shutdown when the caller's context is already
	// cancelled.
	dropCtx, dropCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dropCancel()
	defer conn.ExecContext(dropCtx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tempTable))

	rows := make([][]interface{}, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []interface{}{
			s.Rivid, s.Lon, s.Lat,
			s.MeanFlow, s.PeakFlow, s.ThresholdFlow, s.Steps,
		})
	}

	copyErr := conn.Raw(func(driverConn any) error {
		direct, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected postgres driver %T", driverConn)
		}
		_, err := direct.Conn().CopyFrom(
			ctx,
			pgx.Identifier{tempTable},
			[]string{"rivid", "lon", "lat", "mean_flow", "peak_flow", "threshold_flow", "steps"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if copyErr != nil {
		return fmt.Errorf("copy reach stats into temp table: %w", copyErr)
	}

	insertFromTemp := fmt.Sprintf(`INSERT INTO reach_stats
(rivid,lon,lat,mean_flow,peak_flow,threshold_flow,steps)
SELECT rivid,lon,lat,mean_flow,peak_flow,threshold_flow,steps FROM %s
ON CONFLICT ON CONSTRAINT reach_stats_unique DO NOTHING`, tempTable)
	if _, err := conn.ExecContext(ctx, insertFromTemp); err != nil {
		return fmt.Errorf("merge temp reach stats: %w", err)
	}

	return nil
}
