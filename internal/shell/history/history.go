// Package history keeps a local SQLite log of deploy and rollback
// outcomes, one row per host per invocation.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/shipit/internal/shell/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Store
// =============================================================================

// Store records deployment history in a local SQLite database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the history database at dsn and runs
// migrations.
func Open(dsn string) (*Store, error) {
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// Records
// =============================================================================

type recordRow struct {
	ID         int64  `db:"id"`
	Invocation string `db:"invocation"`
	Stage      string `db:"stage"`
	Host       string `db:"host"`
	Release    string `db:"release_name"`
	Action     string `db:"action"`
	Outcome    string `db:"outcome"`
	Detail     string `db:"detail"`
	DurationMS int64  `db:"duration_ms"`
	StartedAt  string `db:"started_at"`
}

// Record appends one host outcome.
func (s *Store) Record(ctx context.Context, rec pipeline.HistoryRecord) error {
	row := recordRow{
		Invocation: rec.Invocation,
		Stage:      rec.Stage,
		Host:       rec.Host,
		Release:    rec.Release,
		Action:     rec.Action,
		Outcome:    rec.Outcome,
		Detail:     rec.Detail,
		DurationMS: rec.Duration.Milliseconds(),
		StartedAt:  rec.StartedAt.UTC().Format(time.RFC3339),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO deployments (invocation, stage, host, release_name, action, outcome, detail, duration_ms, started_at)
		VALUES (:invocation, :stage, :host, :release_name, :action, :outcome, :detail, :duration_ms, :started_at)`,
		row)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

// Recent returns the newest records for a stage, most recent first.
func (s *Store) Recent(ctx context.Context, stage string, limit int) ([]pipeline.HistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, invocation, stage, host, release_name, action, outcome, detail, duration_ms, started_at
		FROM deployments
		WHERE stage = ?
		ORDER BY id DESC
		LIMIT ?`,
		stage, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	records := make([]pipeline.HistoryRecord, 0, len(rows))
	for _, row := range rows {
		started, err := time.Parse(time.RFC3339, row.StartedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", row.StartedAt, err)
		}
		records = append(records, pipeline.HistoryRecord{
			Invocation: row.Invocation,
			Stage:      row.Stage,
			Host:       row.Host,
			Release:    row.Release,
			Action:     row.Action,
			Outcome:    row.Outcome,
			Detail:     row.Detail,
			Duration:   time.Duration(row.DurationMS) * time.Millisecond,
			StartedAt:  started,
		})
	}
	return records, nil
}
