// Package db keeps the pipeline's event history in DuckDB.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Driver
)

// Constants for event types
const (
	EventDownloadStart = "download_start"
	EventDownloadRetry = "download_retry"
	EventDownloadEnd   = "download_end"
	EventSkipDownload  = "skip_download"
	EventProcessStart  = "process_start"
	EventProcessEnd    = "process_end"
	EventSkipProcess   = "skip_process"
	EventError         = "error"
)

// Stage values stored alongside each event.
const (
	StageDownload = "download"
	StageProcess  = "process"
)

// Schema SQL
const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS era5_event_log_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS era5_event_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('era5_event_log_id_seq'),
    run_id          VARCHAR NOT NULL,
    task            VARCHAR NOT NULL,      -- YYYYMMDD, or the archive name when it has no date
    stage           VARCHAR NOT NULL,      -- 'download', 'process'
    event           VARCHAR NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    attempt         INTEGER,
    path            VARCHAR,               -- archive for downloads, merged output for processing
    error_kind      VARCHAR,
    message         VARCHAR,
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_era5_event_log_task ON era5_event_log (task, stage);
CREATE INDEX IF NOT EXISTS idx_era5_event_log_event_time ON era5_event_log (event, event_timestamp);
`

// InitializeSchema creates the sequence and tables in the correct order.
func InitializeSchema(db *sql.DB) error {
	// 1. Create Sequence First
	_, err := db.Exec(schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	// 2. Create Table and Indices
	_, err = db.Exec(schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

// Entry is one row of the event log.
type Entry struct {
	RunID     string
	Task      string
	Stage     string
	Event     string
	Timestamp time.Time
	Attempt   int
	Path      string
	ErrorKind string
	Message   string
	Duration  *time.Duration
}

// LogEvent inserts a new event record into the log. A zero Timestamp means now.
func LogEvent(ctx context.Context, db *sql.DB, e Entry) error {
	query := `
        INSERT INTO era5_event_log (run_id, task, stage, event, event_timestamp, attempt, path, error_kind, message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
    `
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var durationMs sql.NullInt64
	if e.Duration != nil {
		durationMs = sql.NullInt64{Int64: e.Duration.Milliseconds(), Valid: true}
	}

	_, err := db.ExecContext(ctx, query,
		e.RunID,
		e.Task,
		e.Stage,
		e.Event,
		ts.UTC(),
		sql.NullInt32{Int32: int32(e.Attempt), Valid: e.Attempt > 0},
		sql.NullString{String: e.Path, Valid: e.Path != ""},
		sql.NullString{String: e.ErrorKind, Valid: e.ErrorKind != ""},
		sql.NullString{String: e.Message, Valid: e.Message != ""},
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to log event '%s' for '%s': %w", e.Event, e.Task, err)
	}
	return nil
}

// GetLatestEvent retrieves the most recent event recorded for a task in a stage.
func GetLatestEvent(ctx context.Context, db *sql.DB, task, stage string) (event string, timestamp time.Time, found bool, err error) {
	query := `
        SELECT event, event_timestamp
        FROM era5_event_log
        WHERE task = ? AND stage = ?
        ORDER BY event_timestamp DESC, log_id DESC
        LIMIT 1;
    `
	row := db.QueryRowContext(ctx, query, task, stage)
	err = row.Scan(&event, &timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, false, nil // Not found, no error
		}
		return "", time.Time{}, false, fmt.Errorf("failed query latest event for '%s' (%s): %w", task, stage, err)
	}
	return event, timestamp, true, nil
}

// CountEvents returns how many times each event was recorded for a run.
func CountEvents(ctx context.Context, db *sql.DB, runID string) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT event, count(*) FROM era5_event_log WHERE run_id = ? GROUP BY event;`, runID)
	if err != nil {
		return nil, fmt.Errorf("count events for run %s: %w", runID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var event string
		var n int
		if err := rows.Scan(&event, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[event] = n
	}
	return counts, rows.Err()
}

// HistoryFilter narrows DisplayHistory. Empty fields match everything.
type HistoryFilter struct {
	Stage string
	Event string
	Task  string
	RunID string
	Limit int
}

// DisplayHistory queries the event log and prints it as a table, newest first.
func DisplayHistory(ctx context.Context, db *sql.DB, w io.Writer, f HistoryFilter) error {
	query := `
        SELECT run_id, task, stage, event, event_timestamp, attempt, duration_ms, error_kind, message, path
        FROM era5_event_log
    `
	conditions := []string{}
	args := []any{}
	argCounter := 1 // Start with $1 for positional args

	for _, c := range []struct{ column, value string }{
		{"stage", f.Stage}, {"event", f.Event}, {"task", f.Task}, {"run_id", f.RunID},
	} {
		if c.value == "" {
			continue
		}
		conditions = append(conditions, fmt.Sprintf("%s = $%d", c.column, argCounter))
		args = append(args, c.value)
		argCounter++
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY event_timestamp DESC, log_id DESC LIMIT $%d", argCounter)
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query event log: %w \n Query: %s \n Args: %v", err, query, args)
	}
	defer rows.Close()

	fmt.Fprintf(w, "--- Event Log History (Limit %d) ---\n", limit)
	fmt.Fprintf(w, "%-8s | %-8s | %-8s | %-14s | %-25s | %-7s | %-10s | %s\n", "Run", "Task", "Stage", "Event", "Timestamp (UTC)", "Attempt", "DurationMS", "Message/Details")
	fmt.Fprintln(w, strings.Repeat("-", 140))

	count := 0
	for rows.Next() {
		var runID, task, stage, event string
		var timestamp time.Time
		var attempt sql.NullInt32
		var durationMs sql.NullInt64
		var errorKind, message, path sql.NullString
		if err := rows.Scan(&runID, &task, &stage, &event, &timestamp, &attempt, &durationMs, &errorKind, &message, &path); err != nil {
			return fmt.Errorf("failed to scan event log row: %w", err)
		}

		attemptStr, durationStr := "", ""
		if attempt.Valid {
			attemptStr = fmt.Sprintf("%d", attempt.Int32)
		}
		if durationMs.Valid {
			durationStr = fmt.Sprintf("%d", durationMs.Int64)
		}
		details := message.String
		if errorKind.Valid {
			details = fmt.Sprintf("[%s] %s", errorKind.String, details)
		}
		if path.Valid {
			details += fmt.Sprintf(" (Path: %s)", path.String)
		}
		if len(runID) > 8 {
			runID = runID[:8]
		}

		fmt.Fprintf(w, "%-8s | %-8s | %-8s | %-14s | %-25s | %-7s | %-10s | %s\n",
			runID, task, stage, event, timestamp.UTC().Format(time.RFC3339), attemptStr, durationStr, strings.TrimSpace(details))
		count++
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("error iterating event log rows: %w", err)
	}
	fmt.Fprintf(w, "Displayed %d records.\n", count)
	return nil
}
