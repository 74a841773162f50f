package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const createResultsTable = `
CREATE TABLE IF NOT EXISTS results (
    job_id         TEXT PRIMARY KEY,
    outcome        TEXT NOT NULL,
    kind           TEXT NOT NULL DEFAULT '',
    attempt        INTEGER NOT NULL,
    diagnostics    TEXT NOT NULL,
    artifact_bytes INTEGER NOT NULL DEFAULT 0,
    finished_at    DATETIME NOT NULL,
    archived_at    DATETIME NOT NULL
)`

const createArchivedIndex = `CREATE INDEX IF NOT EXISTS idx_results_archived_at ON results (archived_at)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		createResultsTable,
		createArchivedIndex,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveResult inserts the record unless the job is already archived.
func (s *SQLiteStore) SaveResult(ctx context.Context, r *Record) error {
	diags, err := json.Marshal(r.Diagnostics)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO results (
			job_id, outcome, kind, attempt, diagnostics, artifact_bytes, finished_at, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, string(r.Outcome), string(r.Kind), r.Attempt, string(diags),
		r.ArtifactBytes, r.FinishedAt, r.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

const selectColumns = `job_id, outcome, kind, attempt, diagnostics, artifact_bytes, finished_at, archived_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r     Record
		diags string
	)
	if err := row.Scan(&r.JobID, &r.Outcome, &r.Kind, &r.Attempt, &diags,
		&r.ArtifactBytes, &r.FinishedAt, &r.ArchivedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(diags), &r.Diagnostics); err != nil {
		return nil, fmt.Errorf("unmarshal diagnostics: %w", err)
	}
	return &r, nil
}

// GetResult retrieves an archived record by job id.
func (s *SQLiteStore) GetResult(ctx context.Context, jobID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM results WHERE job_id = ?`, jobID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return r, nil
}

// ListResults returns a page of records ordered by archived_at DESC,
// along with the total count of all records.
func (s *SQLiteStore) ListResults(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM results").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM results ORDER BY archived_at DESC, job_id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan result: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate results: %w", err)
	}
	return records, total, nil
}
