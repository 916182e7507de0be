package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/opsdeck/opsdeck/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the engine.ExecutionStore interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// SaveExecution persists a newly accepted execution.
func (s *SQLiteStore) SaveExecution(ctx context.Context, ex *engine.Execution) error {
	targets, params, results, err := marshalExecutionFields(ex)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO executions (id, type, plugin_name, targets, action, params, timeout_ns, status, results, error, recovered, submitted_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		ex.ID,
		ex.Type,
		ex.PluginName,
		targets,
		ex.Action,
		params,
		int64(ex.Timeout),
		ex.Status,
		results,
		ex.Error,
		ex.Recovered,
		ex.SubmittedAt,
		ex.StartedAt,
		ex.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	return nil
}

// UpdateExecution persists a status or result change.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, ex *engine.Execution) error {
	targets, params, results, err := marshalExecutionFields(ex)
	if err != nil {
		return err
	}

	query := `
		UPDATE executions
		SET type = ?, plugin_name = ?, targets = ?, action = ?, params = ?, timeout_ns = ?, status = ?, results = ?, error = ?, recovered = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		ex.Type,
		ex.PluginName,
		targets,
		ex.Action,
		params,
		int64(ex.Timeout),
		ex.Status,
		results,
		ex.Error,
		ex.Recovered,
		ex.StartedAt,
		ex.CompletedAt,
		ex.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(fmt.Sprintf("execution not found: %s", ex.ID), nil)
	}

	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	query := `
		SELECT id, type, plugin_name, targets, action, params, timeout_ns, status, results, error, recovered, submitted_at, started_at, completed_at
		FROM executions
		WHERE id = ?
	`

	ex, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("execution not found: %s", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return ex, nil
}

// ListExecutions lists executions matching the filter, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter engine.ExecutionFilter) ([]*engine.Execution, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.PluginName != "" {
		conditions = append(conditions, "plugin_name = ?")
		args = append(args, filter.PluginName)
	}

	query := `
		SELECT id, type, plugin_name, targets, action, params, timeout_ns, status, results, error, recovered, submitted_at, started_at, completed_at
		FROM executions
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY submitted_at DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := []*engine.Execution{}
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, ex)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// ListNonTerminalExecutions returns every queued or running execution.
func (s *SQLiteStore) ListNonTerminalExecutions(ctx context.Context) ([]*engine.Execution, error) {
	query := `
		SELECT id, type, plugin_name, targets, action, params, timeout_ns, status, results, error, recovered, submitted_at, started_at, completed_at
		FROM executions
		WHERE status IN (?, ?)
		ORDER BY submitted_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, engine.ExecutionStatusQueued, engine.ExecutionStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal executions: %w", err)
	}
	defer rows.Close()

	executions := []*engine.Execution{}
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, ex)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// SaveEvent persists one stream event.
func (s *SQLiteStore) SaveEvent(ctx context.Context, ev *engine.StreamEvent) error {
	query := `
		INSERT INTO stream_events (execution_id, seq, type, target, data, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ev.ExecutionID,
		ev.Seq,
		ev.Type,
		ev.Target,
		ev.Data,
		ev.Status,
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save stream event: %w", err)
	}

	return nil
}

// ListEvents returns the persisted stream events for one execution in
// sequence order.
func (s *SQLiteStore) ListEvents(ctx context.Context, executionID string) ([]engine.StreamEvent, error) {
	query := `
		SELECT execution_id, seq, type, target, data, status, timestamp
		FROM stream_events
		WHERE execution_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stream events: %w", err)
	}
	defer rows.Close()

	events := []engine.StreamEvent{}
	for rows.Next() {
		var ev engine.StreamEvent
		var status string
		err := rows.Scan(
			&ev.ExecutionID,
			&ev.Seq,
			&ev.Type,
			&ev.Target,
			&ev.Data,
			&status,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream event: %w", err)
		}
		ev.Status = engine.ExecutionStatus(status)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stream events: %w", err)
	}

	return events, nil
}

// AppendAudit records one audit trail entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *engine.AuditEntry) error {
	query := `
		INSERT INTO audit_entries (id, action, execution_id, user, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Action,
		entry.ExecutionID,
		entry.User,
		entry.Details,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}

// ListAuditEntries lists audit entries, newest first, optionally filtered by
// action or user.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action, user string, limit, offset int) ([]*engine.AuditEntry, error) {
	var conditions []string
	var args []interface{}

	if action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, action)
	}
	if user != "" {
		conditions = append(conditions, "user = ?")
		args = append(args, user)
	}

	query := `
		SELECT id, action, execution_id, user, details, created_at
		FROM audit_entries
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"

	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		entry := &engine.AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.ExecutionID,
			&entry.User,
			&entry.Details,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// PruneEvents deletes persisted stream events older than the cutoff, so the
// events table does not grow without bound. Returns the rows removed.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM stream_events WHERE timestamp < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune stream events: %w", err)
	}
	return result.RowsAffected()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*engine.Execution, error) {
	ex := &engine.Execution{}
	var targets, params, results sql.NullString
	var timeoutNS int64

	err := row.Scan(
		&ex.ID,
		&ex.Type,
		&ex.PluginName,
		&targets,
		&ex.Action,
		&params,
		&timeoutNS,
		&ex.Status,
		&results,
		&ex.Error,
		&ex.Recovered,
		&ex.SubmittedAt,
		&ex.StartedAt,
		&ex.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	ex.Timeout = time.Duration(timeoutNS)

	if targets.Valid && targets.String != "" {
		if err := json.Unmarshal([]byte(targets.String), &ex.Targets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal targets: %w", err)
		}
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &ex.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &ex.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal results: %w", err)
		}
	}

	return ex, nil
}

func marshalExecutionFields(ex *engine.Execution) (targets, params, results string, err error) {
	targetsBytes, err := json.Marshal(ex.Targets)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal targets: %w", err)
	}

	var paramsBytes []byte
	if ex.Params != nil {
		paramsBytes, err = json.Marshal(ex.Params)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	var resultsBytes []byte
	if ex.Results != nil {
		resultsBytes, err = json.Marshal(ex.Results)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to marshal results: %w", err)
		}
	}

	return string(targetsBytes), string(paramsBytes), string(resultsBytes), nil
}
