package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/model"
)

const (
	// DefaultListLimit is used by ListRecent when limit is not positive
	DefaultListLimit = 20
	// MaxListLimit caps ListRecent
	MaxListLimit = 200
)

// RunStore defines the interface for run record storage
type RunStore interface {
	// CreateRun creates a running record for a dequeued task
	CreateRun(ctx context.Context, task *model.Task) (*model.Run, error)

	// AppendLog registers an evidence file for a run
	AppendLog(ctx context.Context, runID, filename string) error

	// CreateLog creates an evidence file and registers it for a run
	CreateLog(ctx context.Context, runID, filename string) (io.WriteCloser, error)

	// Finalize moves a running record into a terminal status
	Finalize(ctx context.Context, runID string, status model.RunStatus, errMsg string) error

	// GetRun retrieves a run by ID
	GetRun(ctx context.Context, runID string) (*model.Run, error)

	// ListEvidence returns the evidence filenames of a run in write order
	ListEvidence(ctx context.Context, runID string) ([]string, error)

	// ReadLog returns the content of one evidence file
	ReadLog(ctx context.Context, runID, filename string) ([]byte, error)

	// ListRecent returns runs ordered most recent first
	ListRecent(ctx context.Context, limit int) ([]*model.Run, error)

	// RecoverOrphans marks runs left running by a previous process as crashed
	RecoverOrphans(ctx context.Context, reason string) (int, error)

	// DeleteBefore deletes terminal runs started before the cutoff
	DeleteBefore(ctx context.Context, before time.Time) (int, error)
}

// SQLiteRunStore implements RunStore using SQLite for records and a
// directory per run for log files
type SQLiteRunStore struct {
	logger *zap.Logger
	db     *sql.DB
	logDir string
	now    func() time.Time
}

// NewSQLiteRunStore opens (or creates) the run database and log directory
func NewSQLiteRunStore(logger *zap.Logger, dbPath, logDir string) (*SQLiteRunStore, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection serializes writers
	db.SetMaxOpenConns(1)

	store := &SQLiteRunStore{
		logger: logger.Named("run-store"),
		db:     db,
		logDir: logDir,
		now:    time.Now,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteRunStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			payload TEXT,
			error TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
		CREATE TABLE IF NOT EXISTS run_evidence (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			filename TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(run_id, filename)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// CreateRun implements RunStore.CreateRun
func (s *SQLiteRunStore) CreateRun(ctx context.Context, task *model.Task) (*model.Run, error) {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	run := &model.Run{
		ID:        task.ID,
		TaskID:    task.ID,
		TaskType:  task.Type,
		Priority:  task.Priority,
		Status:    model.RunStatusRunning,
		Payload:   payload,
		StartedAt: s.now(),
		LogFiles:  []string{},
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, task_type, priority, status, payload, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.TaskID,
		run.TaskType,
		int(run.Priority),
		run.Status,
		string(payload),
		run.StartedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store run: %w", err)
	}
	return run, nil
}

// AppendLog implements RunStore.AppendLog
func (s *SQLiteRunStore) AppendLog(ctx context.Context, runID, filename string) error {
	if err := validateFilename(filename); err != nil {
		return err
	}
	if err := s.requireRun(ctx, runID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO run_evidence (run_id, filename, created_at)
		VALUES (?, ?, ?)`,
		runID, filename, s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// CreateLog implements RunStore.CreateLog
func (s *SQLiteRunStore) CreateLog(ctx context.Context, runID, filename string) (io.WriteCloser, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	if err := s.requireRun(ctx, runID); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.logDir, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run log directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	if err := s.AppendLog(ctx, runID, filename); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

// Finalize implements RunStore.Finalize
func (s *SQLiteRunStore) Finalize(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	completedAt := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			error = ?,
			completed_at = ?,
			duration = ? - started_at
		WHERE id = ? AND status = ?`,
		status,
		sql.NullString{String: errMsg, Valid: errMsg != ""},
		completedAt.UnixNano(),
		completedAt.UnixNano(),
		runID,
		model.RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		if err := s.requireRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrInvalidState, runID)
	}
	return nil
}

// GetRun implements RunStore.GetRun
func (s *SQLiteRunStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, task_type, priority, status, payload, error,
			started_at, completed_at, duration
		FROM runs
		WHERE id = ?`, runID)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	files, err := s.evidence(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.LogFiles = files
	return run, nil
}

// ListEvidence implements RunStore.ListEvidence
func (s *SQLiteRunStore) ListEvidence(ctx context.Context, runID string) ([]string, error) {
	if err := s.requireRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.evidence(ctx, runID)
}

// ReadLog implements RunStore.ReadLog
func (s *SQLiteRunStore) ReadLog(ctx context.Context, runID, filename string) ([]byte, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM run_evidence WHERE run_id = ? AND filename = ?`,
		runID, filename,
	).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: log %s/%s", ErrNotFound, runID, filename)
		}
		return nil, fmt.Errorf("failed to look up log: %w", err)
	}

	content, err := os.ReadFile(filepath.Join(s.logDir, runID, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: log %s/%s", ErrNotFound, runID, filename)
		}
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	return content, nil
}

// ListRecent implements RunStore.ListRecent
func (s *SQLiteRunStore) ListRecent(ctx context.Context, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, task_type, priority, status, payload, error,
			started_at, completed_at, duration
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*model.Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	rows.Close()

	// evidence is loaded after the cursor is closed; the pool has one connection
	for _, run := range runs {
		files, err := s.evidence(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		run.LogFiles = files
	}
	return runs, nil
}

// RecoverOrphans implements RunStore.RecoverOrphans
func (s *SQLiteRunStore) RecoverOrphans(ctx context.Context, reason string) (int, error) {
	now := s.now().UnixNano()
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			error = ?,
			completed_at = ?,
			duration = ? - started_at
		WHERE status = ?`,
		model.RunStatusCrashed, reason, now, now, model.RunStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		s.logger.Warn("Marked orphaned runs as crashed", zap.Int64("count", affected))
	}
	return int(affected), nil
}

// DeleteBefore implements RunStore.DeleteBefore
func (s *SQLiteRunStore) DeleteBefore(ctx context.Context, before time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE started_at < ? AND status != ?`,
		before.UnixNano(), model.RunStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to select old runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM run_evidence WHERE run_id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to delete evidence: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to delete run: %w", err)
		}
		if err := os.RemoveAll(filepath.Join(s.logDir, id)); err != nil {
			s.logger.Error("Failed to remove run log directory",
				zap.String("run_id", id),
				zap.Error(err))
		}
	}

	s.logger.Info("Deleted old runs",
		zap.Time("before", before),
		zap.Int("deleted", len(ids)))

	return len(ids), nil
}

// Close closes the database connection
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteRunStore) requireRun(ctx context.Context, runID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return fmt.Errorf("failed to look up run: %w", err)
	}
	return nil
}

func (s *SQLiteRunStore) evidence(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT filename FROM run_evidence WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	defer rows.Close()

	files := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		files = append(files, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return files, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var priority int
	var payload, errorStr sql.NullString
	var startedAt int64
	var completedAt, duration sql.NullInt64

	err := row.Scan(
		&run.ID,
		&run.TaskID,
		&run.TaskType,
		&priority,
		&run.Status,
		&payload,
		&errorStr,
		&startedAt,
		&completedAt,
		&duration,
	)
	if err != nil {
		return nil, err
	}

	run.Priority = model.TaskPriority(priority)
	run.StartedAt = time.Unix(0, startedAt)
	if payload.Valid && payload.String != "" {
		run.Payload = json.RawMessage(payload.String)
	}
	if errorStr.Valid {
		run.Error = errorStr.String
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		run.CompletedAt = &t
	}
	if duration.Valid {
		run.Duration = time.Duration(duration.Int64)
	}
	run.LogFiles = []string{}
	return &run, nil
}

// validateFilename accepts only plain names inside the run directory
func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}
