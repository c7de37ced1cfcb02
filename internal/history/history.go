// Package history persists a per-node audit trail of apply runs to a local
// sqlite database. It is purely additive: a Store that fails to open, or a
// Record call that fails, never blocks or fails an apply run — callers log
// the error at WARN and carry on without history for that invocation.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is one row of the deployment history: the outcome of a single
// node's pipeline run within a single apply invocation.
type Record struct {
	RunID        string
	NodeName     string
	Goal         string
	Outcome      string // "succeeded" | "failed"
	StartedAt    time.Time
	FinishedAt   time.Time
	ErrorSummary string
}

// Store is a sqlite-backed handle on the deployment history table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, enables
// WAL mode, and migrates the schema to the latest version.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: opening %s: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enabling WAL mode: %w", err)
	}

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrating schema: %w", err)
	}

	return &Store{db: db}, nil
}

func migrateSchema(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", dbDriver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one row describing a single node's pipeline outcome.
func (s *Store) Record(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (run_id, node_name, goal, outcome, started_at, finished_at, error_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.NodeName, rec.Goal, rec.Outcome,
		rec.StartedAt.Format(time.RFC3339), rec.FinishedAt.Format(time.RFC3339), rec.ErrorSummary,
	)
	if err != nil {
		return fmt.Errorf("history: recording %s/%s: %w", rec.RunID, rec.NodeName, err)
	}
	return nil
}

// ListAll returns every recorded deployment, most recent first.
func (s *Store) ListAll(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT run_id, node_name, goal, outcome, started_at, finished_at, error_summary
		FROM deployments ORDER BY id DESC`)
}

// ListByNode returns every recorded deployment for a single node, most
// recent first.
func (s *Store) ListByNode(ctx context.Context, node string) ([]Record, error) {
	return s.query(ctx, `SELECT run_id, node_name, goal, outcome, started_at, finished_at, error_summary
		FROM deployments WHERE node_name = ? ORDER BY id DESC`, node)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var started, finished string
		var errSummary sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.NodeName, &rec.Goal, &rec.Outcome, &started, &finished, &errSummary); err != nil {
			return nil, err
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339, started)
		rec.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		rec.ErrorSummary = errSummary.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
