package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmallory/procbox/internal/model"
	"github.com/jmallory/procbox/internal/stream"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id             TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    exit_code      INTEGER,
    stdout         TEXT NOT NULL DEFAULT '',
    stderr         TEXT NOT NULL DEFAULT '',
    stdout_encoded INTEGER NOT NULL DEFAULT 0,
    stderr_encoded INTEGER NOT NULL DEFAULT 0,
    working_dir    TEXT NOT NULL,
    created_at     DATETIME NOT NULL
)`

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

	// SQLite allows a single writer; a single pooled connection also keeps
	// ":memory:" databases coherent and serializes the read-modify-write in
	// AppendStream at the storage layer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createExecutionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create executions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateExecution inserts a new execution record. ErrDuplicateID is returned
// when a record with the same ID already exists.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO executions (
			id, status, exit_code, stdout, stderr,
			stdout_encoded, stderr_encoded, working_dir, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Status, e.ExitCode, e.Stdout, e.Stderr,
		e.StdoutEncoded, e.StderrEncoded, e.WorkingDir, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDuplicateID
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e := &model.Execution{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, exit_code, stdout, stderr,
			stdout_encoded, stderr_encoded, working_dir, created_at
		FROM executions WHERE id = ?`, id,
	).Scan(
		&e.ID, &e.Status, &e.ExitCode, &e.Stdout, &e.Stderr,
		&e.StdoutEncoded, &e.StderrEncoded, &e.WorkingDir, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// UpdateExecution applies a partial update; only non-nil fields change.
// Writes are only accepted while the record is still running: a status
// change to a terminal state is the record's last mutation. ErrTerminal is
// returned when the record exists but has already finished.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, id string, u ExecutionUpdate) error {
	var sets []string
	var args []any

	if u.Status != nil {
		if !model.ValidTransition(model.StatusRunning, *u.Status) {
			return fmt.Errorf("update execution: invalid target status %q", *u.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.ExitCode != nil {
		sets = append(sets, "exit_code = ?")
		args = append(args, *u.ExitCode)
	}
	if u.Stdout != nil {
		sets = append(sets, "stdout = ?")
		args = append(args, *u.Stdout)
	}
	if u.Stderr != nil {
		sets = append(sets, "stderr = ?")
		args = append(args, *u.Stderr)
	}
	if u.StdoutEncoded != nil {
		sets = append(sets, "stdout_encoded = ?")
		args = append(args, *u.StdoutEncoded)
	}
	if u.StderrEncoded != nil {
		sets = append(sets, "stderr_encoded = ?")
		args = append(args, *u.StderrEncoded)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id, model.StatusRunning)
	res, err := s.db.ExecContext(ctx,
		"UPDATE executions SET "+strings.Join(sets, ", ")+" WHERE id = ? AND status = ?",
		args...,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return missingOrTerminal(ctx, s.db, id)
	}
	return nil
}

// AppendStream merges a newly read output chunk into the given channel of a
// running execution. The read-modify-write runs in a single transaction so
// that concurrent stdout and stderr appends for the same record cannot lose
// each other's content.
func (s *SQLiteStore) AppendStream(ctx context.Context, id, channel string, chunk []byte) error {
	if channel != model.ChannelStdout && channel != model.ChannelStderr {
		return fmt.Errorf("append stream: unknown channel %q", channel)
	}
	if len(chunk) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var content string
	var encoded bool
	err = tx.QueryRowContext(ctx,
		"SELECT "+channel+", "+channel+"_encoded FROM executions WHERE id = ? AND status = ?",
		id, model.StatusRunning,
	).Scan(&content, &encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return missingOrTerminal(ctx, tx, id)
	}
	if err != nil {
		return fmt.Errorf("read channel: %w", err)
	}

	merged, nowEncoded, err := stream.Merge(content, encoded, chunk)
	if err != nil {
		return fmt.Errorf("merge chunk: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE executions SET "+channel+" = ?, "+channel+"_encoded = ? WHERE id = ?",
		merged, nowEncoded, id,
	); err != nil {
		return fmt.Errorf("write channel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// DeleteOlderThan removes executions created before now-maxAge and returns
// the number of rows deleted. Used by the startup retention sweep.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM executions WHERE created_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete old executions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return deleted, nil
}

// rowQueryer is satisfied by both *sql.DB and *sql.Tx.
type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// missingOrTerminal distinguishes a write against an absent record from one
// against a finished record.
func missingOrTerminal(ctx context.Context, q rowQueryer, id string) error {
	var exists bool
	err := q.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM executions WHERE id = ?)", id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check execution existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrTerminal
}
