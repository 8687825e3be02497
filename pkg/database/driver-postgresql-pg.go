// driver-postgresql-pq386.go
//go:build windows && 386
// +build windows,386

package database

import (
	"database/sql"

	"github.com/lib/pq"
)

// pgx does not build on 32-bit Windows, so we register lib/pq under the same
// "pgx" driver name there. The rest of the code and the -db-type=pgx CLI flag
// stay unchanged across platforms.
func init() {
	sql.Register("pgx", &pq.Driver{})
}
