//go:build windows && 386

package database

import (
	"context"
	"errors"
)

// insertReachStatsPostgreSQLCopy is unavailable on 32-bit Windows where the
// lib/pq shim stands in for pgx. Returning an error here routes the reload
// through the portable multi-row VALUES path instead.
func (db *Database) insertReachStatsPostgreSQLCopy(ctx context.Context, stats []ReachStat) error {
	return errors.New("postgres COPY path requires the pgx driver")
}
