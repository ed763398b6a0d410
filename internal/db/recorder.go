package db

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/brensch/era5parquet/internal/fault"
	"github.com/brensch/era5parquet/internal/report"
)

// Recorder is a report.Observer that appends every event to the event log
// under one run ID. Write failures are logged, never returned to the workers.
type Recorder struct {
	RunID string

	ctx    context.Context
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// NewRecorder starts a new run. Events are still recorded after ctx is
// canceled so an interrupted run leaves a complete history.
func NewRecorder(ctx context.Context, db *sql.DB, logger *slog.Logger) *Recorder {
	return &Recorder{
		RunID:  uuid.NewString(),
		ctx:    context.WithoutCancel(ctx),
		db:     db,
		logger: logger,
	}
}

// Observe implements report.Observer.
func (r *Recorder) Observe(e report.Event) {
	entry := Entry{
		RunID:     r.RunID,
		Task:      e.Key,
		Stage:     string(e.Stage),
		Event:     eventName(e),
		Timestamp: e.Time,
		Attempt:   e.Attempt,
		Path:      e.Path,
	}
	if e.Err != nil {
		entry.ErrorKind = fault.Kind(e.Err)
		entry.Message = e.Err.Error()
	}
	if e.Elapsed > 0 {
		d := e.Elapsed
		entry.Duration = &d
	}

	// DuckDB allows one writer at a time.
	r.mu.Lock()
	err := LogEvent(r.ctx, r.db, entry)
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("Failed to record event.", "task", e.Key, "event", entry.Event, "error", err)
	}
}

func eventName(e report.Event) string {
	if e.Status == report.StatusFailed {
		return EventError
	}
	if e.Stage == report.StageProcess {
		switch e.Status {
		case report.StatusStarted:
			return EventProcessStart
		case report.StatusSkipped:
			return EventSkipProcess
		default:
			return EventProcessEnd
		}
	}
	switch e.Status {
	case report.StatusStarted:
		return EventDownloadStart
	case report.StatusRetrying:
		return EventDownloadRetry
	case report.StatusSkipped:
		return EventSkipDownload
	default:
		return EventDownloadEnd
	}
}
