// Package archive keeps summaries of finished workflow runs in SQLite.
// Records are for reporting; runs are never resumed from the archive.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openUC2/ImTools/internal/engine"
	"github.com/openUC2/ImTools/internal/logger"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

const (
	querySchema = `CREATE TABLE IF NOT EXISTS workflow_runs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	cursor INTEGER NOT NULL,
	steps INTEGER NOT NULL,
	results TEXT NOT NULL,
	finished_at TEXT NOT NULL
)`
	queryUpsert = `INSERT INTO workflow_runs (id, name, status, cursor, steps, results, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?) ` +
		`ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status, cursor = excluded.cursor, ` +
		`steps = excluded.steps, results = excluded.results, finished_at = excluded.finished_at`
	queryGet  = `SELECT id, name, status, cursor, steps, results, finished_at FROM workflow_runs WHERE id = ?`
	queryList = `SELECT id, name, status, cursor, steps, results, finished_at FROM workflow_runs ORDER BY finished_at DESC LIMIT ?`
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("archived run not found")

// Record summarises one finished run.
type Record struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	Cursor     int             `json:"cursor"`
	Steps      int             `json:"steps"`
	Results    json.RawMessage `json:"results"`
	FinishedAt time.Time       `json:"finished_at"`
}

// NewRecord captures the state of ec after a run of a workflow with steps steps.
func NewRecord(id, name, status string, steps int, ec *engine.ExecutionContext, finished time.Time) (Record, error) {
	results, err := json.Marshal(ec.Results())
	if err != nil {
		return Record{}, fmt.Errorf("encode results of run %s: %w", id, err)
	}
	return Record{
		ID:         id,
		Name:       name,
		Status:     status,
		Cursor:     ec.ResumeCursor(),
		Steps:      steps,
		Results:    results,
		FinishedAt: finished.UTC(),
	}, nil
}

// Store persists Records.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewStore wraps an open database. Call Migrate before first use.
func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, logger: log}
}

// Open opens (creating if needed) the SQLite database at path and migrates it.
func Open(ctx context.Context, path string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	// one writer keeps SQLite from reporting SQLITE_BUSY under concurrent saves
	db.SetMaxOpenConns(1)

	store := NewStore(db, log)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, querySchema); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	return nil
}

// Save inserts or replaces a record.
func (s *Store) Save(ctx context.Context, rec Record) error {
	results := string(rec.Results)
	if results == "" {
		results = "{}"
	}
	_, err := s.db.ExecContext(ctx, queryUpsert,
		rec.ID, rec.Name, rec.Status, rec.Cursor, rec.Steps, results, rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.ID, err)
	}
	s.logger.WithFields(map[string]any{"run_id": rec.ID, "status": rec.Status}).Debug("run archived")
	return nil
}

// Get loads the record with id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	rows, err := s.db.QueryContext(ctx, queryGet, id)
	if err != nil {
		return Record{}, fmt.Errorf("get run %s: %w", id, err)
	}
	records, err := s.scan(rows)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, ErrNotFound
	}
	return records[0], nil
}

// List returns up to limit records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, queryList, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return s.scan(rows)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) scan(rows *sql.Rows) ([]Record, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Error(closeErr, "error closing rows")
		}
	}()

	var records []Record
	for rows.Next() {
		var (
			rec      Record
			results  string
			finished string
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Status, &rec.Cursor, &rec.Steps, &results, &finished); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, finished)
		if err != nil {
			return nil, fmt.Errorf("run %s: bad finished_at %q: %w", rec.ID, finished, err)
		}
		rec.FinishedAt = ts
		rec.Results = json.RawMessage(results)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
