// Package results persists suite runs so past beacon checks can be listed.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	// Database drivers
	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/omnicloud/beaconcheck/internal/interpreter"
)

type Store struct {
	db     *sqlx.DB
	driver string
}

// RunRow is one recorded suite run.
type RunRow struct {
	ID         string `db:"id" json:"id"`
	Suite      string `db:"suite" json:"suite"`
	StartedMS  int64  `db:"started_ms" json:"started_ms"`
	DurationMS int64  `db:"duration_ms" json:"duration_ms"`
	Passed     int    `db:"passed" json:"passed"`
	Failed     int    `db:"failed" json:"failed"`
}

func (r RunRow) Started() time.Time {
	return time.UnixMilli(r.StartedMS).UTC()
}

// BeaconRow is the outcome of one test within a run.
type BeaconRow struct {
	RunID      string `db:"run_id" json:"run_id"`
	Position   int    `db:"position" json:"position"`
	Test       string `db:"test" json:"test"`
	Passed     bool   `db:"passed" json:"passed"`
	Met        string `db:"met" json:"met"`
	Unmet      string `db:"unmet" json:"unmet"`
	Error      string `db:"error" json:"error"`
	DurationMS int64  `db:"duration_ms" json:"duration_ms"`
}

// NormalizeDriver maps driver aliases to the names database/sql registers.
func NormalizeDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return "sqlite", nil
	case "postgres", "postgresql":
		return "postgres", nil
	case "pgx":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	case "sqlserver", "mssql":
		return "sqlserver", nil
	default:
		return "", fmt.Errorf("unsupported results driver %q: use sqlite, postgres, pgx, mysql or sqlserver", driver)
	}
}

// Open connects to the results database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	name, err := NormalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		return nil, fmt.Errorf("results dsn is required")
	}

	db, err := sqlx.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open results database: %w", err)
	}
	if name == "sqlite" {
		// one writer avoids SQLITE_BUSY and keeps :memory: on one connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to results database: %w", err)
	}

	store := &Store{db: db, driver: name}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) textType() string {
	switch s.driver {
	case "sqlserver":
		return "NVARCHAR(MAX)"
	case "mysql":
		return "LONGTEXT"
	default:
		return "TEXT"
	}
}

func (s *Store) createTable(ctx context.Context, table, columns string) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, columns)
	if s.driver == "sqlserver" {
		stmt = fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)", table, table, columns)
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create %s table: %w", table, err)
	}
	return nil
}

// Migrate creates the runs and beacons tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	text := s.textType()
	if err := s.createTable(ctx, "runs", `
        id VARCHAR(64) NOT NULL PRIMARY KEY,
        suite VARCHAR(255) NOT NULL,
        started_ms BIGINT NOT NULL,
        duration_ms BIGINT NOT NULL,
        passed INTEGER NOT NULL,
        failed INTEGER NOT NULL`); err != nil {
		return err
	}
	return s.createTable(ctx, "beacons", fmt.Sprintf(`
        run_id VARCHAR(64) NOT NULL,
        position INTEGER NOT NULL,
        test VARCHAR(255) NOT NULL,
        passed INTEGER NOT NULL,
        met %[1]s,
        unmet %[1]s,
        error %[1]s,
        duration_ms BIGINT NOT NULL,
        PRIMARY KEY (run_id, position)`, text))
}

// Record stores a suite run and its test results in one transaction.
func (s *Store) Record(ctx context.Context, r interpreter.SuiteResult) error {
	if r.RunID == "" {
		return fmt.Errorf("run id required")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertRun := tx.Rebind(`INSERT INTO runs (id, suite, started_ms, duration_ms, passed, failed) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insertRun,
		r.RunID, r.Suite, r.Started.UnixMilli(), r.Duration.Milliseconds(), r.Passed, r.Failed,
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", r.RunID, err)
	}

	insertBeacon := tx.Rebind(`INSERT INTO beacons (run_id, position, test, passed, met, unmet, error, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, t := range r.Tests {
		met, err := json.Marshal(t.Met)
		if err != nil {
			return fmt.Errorf("failed to encode resolutions for %s: %w", t.Test, err)
		}
		unmet, err := json.Marshal(t.Unmet)
		if err != nil {
			return fmt.Errorf("failed to encode unmet expectations for %s: %w", t.Test, err)
		}
		passed := 0
		if t.Passed {
			passed = 1
		}
		if _, err := tx.ExecContext(ctx, insertBeacon,
			r.RunID, i, t.Test, passed, string(met), string(unmet), t.Error, t.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("failed to insert result for %s: %w", t.Test, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", r.RunID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}

	query := fmt.Sprintf(`SELECT id, suite, started_ms, duration_ms, passed, failed FROM runs ORDER BY started_ms DESC LIMIT %d`, limit)
	if s.driver == "sqlserver" {
		query = fmt.Sprintf(`SELECT TOP (%d) id, suite, started_ms, duration_ms, passed, failed FROM runs ORDER BY started_ms DESC`, limit)
	}

	var rows []RunRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return rows, nil
}

// Beacons returns the test results of one run in suite order.
func (s *Store) Beacons(ctx context.Context, runID string) ([]BeaconRow, error) {
	query := s.db.Rebind(`SELECT run_id, position, test, passed, met, unmet, error, duration_ms FROM beacons WHERE run_id = ? ORDER BY position`)

	var rows []BeaconRow
	if err := s.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("failed to load results for run %s: %w", runID, err)
	}
	return rows, nil
}
