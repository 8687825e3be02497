package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Database represents the interface for interacting with the database.
type Database struct {
	DB          *sql.DB    // The underlying SQL database connection
	idGenerator chan int64 // Channel for generating unique IDs
	Driver      string     // Normalized driver name so SQL builders can stay declarative
}

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx so bulk helpers can
// run inside or outside an explicit transaction.
type sqlExecutor interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// normalizeDBType trims and lowercases driver names so downstream switch blocks
// do not miss engine-specific handling just because a caller passed mixed case
// or incidental whitespace. Centralising the cleanup keeps the checks honest
// without sprinkling strings.ToLower everywhere.
func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// startIDGenerator launches a goroutine for generating unique IDs.
func startIDGenerator(initialID int64) chan int64 {
	idChannel := make(chan int64)
	go func(start int64) {
		currentID := start
		for {
			idChannel <- currentID
			currentID++
		}
	}(initialID)
	return idChannel
}

// Config holds the configuration details for initializing the database.
type Config struct {
	DBType      string // The type of the database driver (e.g., "sqlite", "chai", or "pgx" (PostgreSQL))
	DBPath      string // The file path to the database file (for file-based databases)
	DBConn      string // Raw DSN for network drivers (pgx or clickhouse)
	DBHost      string // The host for PostgreSQL
	DBPort      int    // The port for PostgreSQL
	DBUser      string // The user for PostgreSQL
	DBPass      string // The password for PostgreSQL
	DBName      string // The name of the PostgreSQL database
	PGSSLMode   string // The SSL mode for PostgreSQL
	ClickSecure bool   // Enable TLS when connecting to ClickHouse over HTTP transport
	Port        int    // The port number (used in database file naming if needed)
}

// ClickHouseDSNFromConfig assembles a DSN understood by the lightweight HTTP driver.
// We parse host/port carefully so IPv6 literals keep their brackets intact.
func ClickHouseDSNFromConfig(cfg Config) string {
	if trimmed := strings.TrimSpace(cfg.DBConn); trimmed != "" {
		return trimmed
	}

	host := strings.TrimSpace(cfg.DBHost)
	if host == "" {
		host = "127.0.0.1"
	}

	if _, _, err := net.SplitHostPort(host); err != nil {
		port := cfg.DBPort
		if port <= 0 {
			port = 9000
		}
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}

	user := strings.TrimSpace(cfg.DBUser)
	pass := cfg.DBPass
	name := strings.Trim(strings.TrimSpace(cfg.DBName), "/")

	dsn := url.URL{Scheme: "clickhouse", Host: host}
	if user != "" {
		if strings.TrimSpace(pass) != "" {
			dsn.User = url.UserPassword(user, pass)
		} else {
			dsn.User = url.User(user)
		}
	}
	if name != "" {
		dsn.Path = "/" + name
	}

	params := url.Values{}
	if cfg.ClickSecure {
		params.Set("secure", "true")
	}
	dsn.RawQuery = params.Encode()
	return dsn.String()
}

// NewDatabase opens DB and configures connection pooling.
// For SQLite/Chai we force single-connection mode (no concurrent DB access).
func NewDatabase(config Config) (*Database, error) {
	driverName := normalizeDBType(config.DBType)
	var (
		dsn                string
		applySQLitePragmas bool
	)

	switch driverName {
	case "sqlite":
		applySQLitePragmas = true
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("riverwave-%d.%s", config.Port, driverName)
		}
	case "chai":
		// Chai is a separate driver that happens to reuse sqlite-style DSNs.
		// We still keep the single-connection behaviour but intentionally
		// skip SQLite-specific PRAGMA tuning so the driver can manage its
		// own transaction and caching strategy.
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("riverwave-%d.%s", config.Port, driverName)
		}
	case "pgx":
		if strings.TrimSpace(config.DBConn) != "" {
			dsn = config.DBConn
		} else {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				config.DBUser, config.DBPass, config.DBHost, config.DBPort, config.DBName, config.PGSSLMode)
		}
	case "clickhouse":
		dsn = ClickHouseDSNFromConfig(config)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.DBType)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %v", err)
	}

	// === CRITICAL: serialize SQLite/Chai access over a single underlying connection ===
	switch driverName {
	case "sqlite", "chai":
		// One physical connection; no concurrent statements at DB layer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		// Never recycle the single connection (keeps it stable for the whole process).
		db.SetConnMaxLifetime(0)
		// Tuning WAL/synchronous/busy_timeout keeps trace writes fast even while
		// reach statistics are being reloaded.
		if applySQLitePragmas {
			tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := tuneSQLiteLikeConnection(tuneCtx, db, log.Printf); err != nil {
				log.Printf("sqlite tuning skipped: %v", err)
			}
			cancel()
		} else {
			log.Printf("sqlite tuning skipped: driver %s manages pragmas itself", driverName)
		}
	case "clickhouse":
		// ClickHouse benefits from a few parallel connections while remaining lightweight.
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(8)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	// Cheap liveness probe with timeout so we don't hang at startup
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error connecting to the database: %v", err)
		}
	}

	log.Printf("Using database driver: %s with DSN: %s", driverName, dsn)

	// Bootstrap ID generator from the highest ID across tables so each row
	// receives a unique primary key. We query both traces and reach stats
	// because the generator is shared. Errors are ignored to keep startup
	// robust even when tables are missing.
	var (
		maxTraces sql.NullInt64
		maxStats  sql.NullInt64
	)
	_ = db.QueryRow(`SELECT MAX(id) FROM traces`).Scan(&maxTraces)
	_ = db.QueryRow(`SELECT MAX(id) FROM reach_stats`).Scan(&maxStats)
	initialID := int64(1)
	if maxTraces.Valid && maxTraces.Int64 >= initialID {
		initialID = maxTraces.Int64 + 1
	}
	if maxStats.Valid && maxStats.Int64 >= initialID {
		initialID = maxStats.Int64 + 1
	}
	idChannel := startIDGenerator(initialID)

	return &Database{
		DB:          db,
		idGenerator: idChannel,
		Driver:      driverName,
	}, nil
}

// tuneSQLiteLikeConnection applies WAL/synchronous/busy pragmas for SQLite-like engines.
// We keep the steps portable and run them through a small channel pipeline so the
// work happens outside the caller goroutine, following "Don't communicate by sharing
// memory; share memory by communicating".
func tuneSQLiteLikeConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	type pragma struct {
		label     string
		query     string
		expectRow bool
	}

	steps := []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "temp_store", query: "PRAGMA temp_store=MEMORY;"},
		{label: "cache_size", query: "PRAGMA cache_size=-20000;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}

	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("SQLite tuning %s -> %s", step.label, mode)
				continue
			}

			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
			logf("SQLite tuning %s applied", step.label)
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			jobs <- step
		}
	}()

	if err := <-errs; err != nil {
		return err
	}
	return nil
}

// EnsureIndexesAsync builds non-critical indexes in background, politely.
// - No pinned connections (important for sqlite/chai with MaxOpenConns(1)).
// - No pre-checks: just CREATE INDEX IF NOT EXISTS.
// - Retries with exponential backoff on "database is locked"/"SQLITE_BUSY".
func (db *Database) EnsureIndexesAsync(ctx context.Context, cfg Config, logf func(string, ...any)) {
	indexes := desiredIndexesPortable(cfg.DBType)
	if len(indexes) == 0 {
		return
	}

	// single worker: avoids DDL self-contention and keeps app responsive
	worker := func() {
		logf("⏳ background index build scheduled (engine=%s). Listeners are up; pages may be slower until indexes are ready.", cfg.DBType)

		for _, it := range indexes {
			start := time.Now()
			logf("▶️  start index %s", it.name)

			// polite retry loop for SQLite/Chai "busy"/locks; portable for others too
			backoff := 50 * time.Millisecond
			for {
				// respect outer context: if cancelled — stop gracefully
				select {
				case <-ctx.Done():
					logf("⏹️  stop index builder due to context cancel: %v", ctx.Err())
					return
				default:
				}

				_, err := db.DB.ExecContext(ctx, it.sql)
				if err == nil {
					logf("✅ index %s ready in %s", it.name, time.Since(start).Truncate(time.Millisecond))
					break
				}

				msg := strings.ToLower(err.Error())
				// treat "already exists" style as success (race, or double run)
				if strings.Contains(msg, "already exists") ||
					strings.Contains(msg, "duplicate key value") ||
					strings.Contains(msg, "sqlstate 23505") {
					logf("⏭️  index %s appears to exist. continue.", it.name)
					break
				}

				// busy/locked → backoff and retry
				if strings.Contains(msg, "database is locked") ||
					strings.Contains(msg, "sqlite_busy") ||
					strings.Contains(msg, "resource busy") ||
					strings.Contains(msg, "locked") {
					// cap backoff to 1s, keep it gentle to not starve trace writes
					time.Sleep(backoff)
					if backoff < time.Second {
						backoff *= 2
						if backoff > time.Second {
							backoff = time.Second
						}
					}
					continue
				}

				// other errors: log and continue with next index
				logf("❌ index %s failed after %s: %v", it.name, time.Since(start).Truncate(time.Millisecond), err)
				break
			}
		}
	}

	// run in background
	go worker()
}

// desiredIndexesPortable declares the set of indexes we want to have for each engine.
// Keep SQL portable: only CREATE {UNIQUE} INDEX IF NOT EXISTS on plain columns.
// We intentionally avoid engine-specific syntax and rely on background creation.
func desiredIndexesPortable(dbType string) []struct{ name, sql string } {
	low := normalizeDBType(dbType)
	switch low {

	case "pgx":
		// PostgreSQL: composite indexes that accelerate the trace archive and
		// reach statistics pages.
		return []struct{ name, sql string }{
			// Newest-first trace listings dominate; created_at leads.
			{"idx_traces_created_id",
				`CREATE INDEX IF NOT EXISTS idx_traces_created_id ON traces (created_at, id)`},
			{"idx_traces_picked_created",
				`CREATE INDEX IF NOT EXISTS idx_traces_picked_created ON traces (picked, created_at)`},
			// Bounds filtering for the map viewport.
			{"idx_reach_stats_bounds",
				`CREATE INDEX IF NOT EXISTS idx_reach_stats_bounds ON reach_stats (lat, lon)`},
			{"idx_reach_stats_peak",
				`CREATE INDEX IF NOT EXISTS idx_reach_stats_peak ON reach_stats (peak_flow)`},
		}

	case "sqlite", "chai":
		// SQLite/Chai: keep UNIQUE indexes (no table-level UNIQUE constraint there).
		return []struct{ name, sql string }{
			{"idx_traces_unique",
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_traces_unique ON traces (trace_id)`},
			{"idx_traces_created_id",
				`CREATE INDEX IF NOT EXISTS idx_traces_created_id ON traces (created_at, id)`},
			{"idx_traces_picked_created",
				`CREATE INDEX IF NOT EXISTS idx_traces_picked_created ON traces (picked, created_at)`},
			{"idx_reach_stats_unique",
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_reach_stats_unique ON reach_stats (rivid)`},
			{"idx_reach_stats_bounds",
				`CREATE INDEX IF NOT EXISTS idx_reach_stats_bounds ON reach_stats (lat, lon)`},
			{"idx_reach_stats_peak",
				`CREATE INDEX IF NOT EXISTS idx_reach_stats_peak ON reach_stats (peak_flow)`},
		}

	case "clickhouse":
		// MergeTree handles ordering internally; explicit secondary indexes are unnecessary here.
		return nil

	default:
		// Fallback: behave like SQLite/Chai (portable everywhere that supports IF NOT EXISTS).
		return []struct{ name, sql string }{
			{"idx_traces_unique",
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_traces_unique ON traces (trace_id)`},
			{"idx_traces_created_id",
				`CREATE INDEX IF NOT EXISTS idx_traces_created_id ON traces (created_at, id)`},
			{"idx_traces_picked_created",
				`CREATE INDEX IF NOT EXISTS idx_traces_picked_created ON traces (picked, created_at)`},
			{"idx_reach_stats_unique",
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_reach_stats_unique ON reach_stats (rivid)`},
			{"idx_reach_stats_bounds",
				`CREATE INDEX IF NOT EXISTS idx_reach_stats_bounds ON reach_stats (lat, lon)`},
			{"idx_reach_stats_peak",
				`CREATE INDEX IF NOT EXISTS idx_reach_stats_peak ON reach_stats (peak_flow)`},
		}
	}
}

// InitSchema creates minimal required schema synchronously so that
// the app can accept traffic immediately. Heavy indexes are built later
// by EnsureIndexesAsync in background.
func (db *Database) InitSchema(cfg Config) error {
	var (
		schema     string
		statements []string
	)

	switch normalizeDBType(cfg.DBType) {
	case "pgx":
		// PostgreSQL — standard types, named UNIQUE to target by ON CONFLICT
		schema = `
CREATE TABLE IF NOT EXISTS traces (
  id          BIGSERIAL PRIMARY KEY,
  trace_id    TEXT NOT NULL,
  picked      BIGINT,
  path        TEXT,
  waypoints   TEXT,
  num_reaches INTEGER,
  reach_dist  DOUBLE PRECISION,
  threshold   DOUBLE PRECISION,
  total_km    DOUBLE PRECISION,
  step_hours  DOUBLE PRECISION,
  created_at  BIGINT,
  CONSTRAINT traces_unique UNIQUE (trace_id)
);

CREATE TABLE IF NOT EXISTS reach_stats (
  id         BIGSERIAL PRIMARY KEY,
  rivid      BIGINT NOT NULL,
  lon        DOUBLE PRECISION,
  lat        DOUBLE PRECISION,
  mean_flow  DOUBLE PRECISION,
  peak_flow  DOUBLE PRECISION,
  threshold_flow DOUBLE PRECISION,
  steps      INTEGER,
  CONSTRAINT reach_stats_unique UNIQUE (rivid)
);

CREATE TABLE IF NOT EXISTS short_links (
  id         BIGSERIAL PRIMARY KEY,
  code       TEXT UNIQUE NOT NULL,
  target     TEXT UNIQUE NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_short_links_target_lookup
  ON short_links (target);
CREATE INDEX IF NOT EXISTS idx_short_links_created
  ON short_links (created_at);
`

	case "sqlite", "chai":
		// Portable SQLite/Chai side — explicit INTEGER PK
		schema = `
CREATE TABLE IF NOT EXISTS traces (
  id          INTEGER PRIMARY KEY,
  trace_id    TEXT NOT NULL,
  picked      BIGINT,
  path        TEXT,
  waypoints   TEXT,
  num_reaches INTEGER,
  reach_dist  REAL,
  threshold   REAL,
  total_km    REAL,
  step_hours  REAL,
  created_at  BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_traces_unique
  ON traces (trace_id);

CREATE TABLE IF NOT EXISTS reach_stats (
  id         INTEGER PRIMARY KEY,
  rivid      BIGINT NOT NULL,
  lon        REAL,
  lat        REAL,
  mean_flow  REAL,
  peak_flow  REAL,
  threshold_flow REAL,
  steps      INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_reach_stats_unique
  ON reach_stats (rivid);

CREATE TABLE IF NOT EXISTS short_links (
  id         INTEGER PRIMARY KEY,
  code       TEXT NOT NULL UNIQUE,
  target     TEXT NOT NULL UNIQUE,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_short_links_target_lookup
  ON short_links (target);
CREATE INDEX IF NOT EXISTS idx_short_links_created
  ON short_links (created_at);
`

	case "clickhouse":
		statements = []string{
			`CREATE TABLE IF NOT EXISTS traces (
  id          UInt64,
  trace_id    String,
  picked      Int64,
  path        String,
  waypoints   String,
  num_reaches Int32,
  reach_dist  Float64,
  threshold   Float64,
  total_km    Float64,
  step_hours  Float64,
  created_at  Int64
) ENGINE = MergeTree()
ORDER BY (created_at, id);`,
			`CREATE TABLE IF NOT EXISTS reach_stats (
  id         UInt64,
  rivid      Int64,
  lon        Float64,
  lat        Float64,
  mean_flow  Float64,
  peak_flow  Float64,
  threshold_flow Float64,
  steps      Int32
) ENGINE = MergeTree()
ORDER BY (rivid);`,
			`CREATE TABLE IF NOT EXISTS short_links (
  id         UInt64,
  code       String,
  target     String,
  created_at DateTime DEFAULT now()
) ENGINE = MergeTree()
ORDER BY (code);`,
		}

	default:
		return fmt.Errorf("unsupported database type: %s", cfg.DBType)
	}

	if len(statements) > 0 {
		if err := execStatements(db.DB, statements); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	} else {
		if _, err := db.DB.Exec(schema); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	// Ensure optional columns exist even for older databases.
	if err := db.ensureTraceMetadataColumns(cfg.DBType); err != nil {
		return fmt.Errorf("add trace metadata column: %w", err)
	}

	return nil
}

// execStatements executes a slice of DDL statements sequentially so engines that
// do not support multi-statement Exec calls (e.g. ClickHouse HTTP) still boot
// correctly. We trim whitespace to stay tolerant of blank entries.
func execStatements(db *sql.DB, stmts []string) error {
	for _, raw := range stmts {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ensureTraceMetadataColumns upgrades the traces table with columns added after
// the first release. Total length and dataset step are added lazily so
// databases written by earlier builds keep their history without manual SQL.
func (db *Database) ensureTraceMetadataColumns(dbType string) error {
	type column struct {
		name string
		def  string
	}
	required := []column{
		{name: "total_km", def: "total_km DOUBLE PRECISION"},
		{name: "step_hours", def: "step_hours DOUBLE PRECISION"},
	}

	switch normalizeDBType(dbType) {
	case "pgx":
		for _, col := range required {
			stmt := fmt.Sprintf("ALTER TABLE traces ADD COLUMN IF NOT EXISTS %s", col.def)
			if _, err := db.DB.Exec(stmt); err != nil {
				return err
			}
		}
		return nil

	case "clickhouse":
		// ClickHouse schema already ships with the extended columns, so no ALTER needed.
		return nil

	default:
		// SQLite-style engines require manual detection before issuing ALTER TABLE statements.
		rows, err := db.DB.Query(`PRAGMA table_info(traces);`)
		if err != nil {
			return fmt.Errorf("describe traces: %w", err)
		}
		defer rows.Close()

		present := make(map[string]bool)
		for rows.Next() {
			var (
				cid     int
				name    string
				ctype   string
				notnull int
				dflt    sql.NullString
				pk      int
			)
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				return fmt.Errorf("scan traces pragma: %w", err)
			}
			present[name] = true
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate traces pragma: %w", err)
		}

		for _, col := range required {
			if present[col.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE traces ADD COLUMN %s", col.def)
			if _, err := db.DB.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

// newPlaceholderGenerator returns a closure that produces the correct
// placeholder syntax for the configured driver. Using a generator keeps the
// SQL assembly readable even as the number of filters grows.
func newPlaceholderGenerator(dbType string) func() string {
	if normalizeDBType(dbType) == "pgx" {
		counter := 0
		return func() string {
			counter++
			return fmt.Sprintf("$%d", counter)
		}
	}
	return func() string { return "?" }
}
