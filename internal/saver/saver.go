// Package saver copies the DuckDB event log out to Parquet so run history can
// be read next to the merged outputs.
package saver

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb" // Register DuckDB driver
)

// EventLogTable is the table SaveEventLog copies.
const EventLogTable = "era5_event_log"

// SaveEventLog writes the event log, or only one run of it when runID is set,
// to a zstd-compressed Parquet file at outputPath. It returns the number of
// rows written.
func SaveEventLog(ctx context.Context, db *sql.DB, outputPath, runID string, logger *slog.Logger) (int64, error) {
	// 1. Ensure Output Directory Exists
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output directory '%s': %w", filepath.Dir(outputPath), err)
	}

	// 2. Count what will be written
	query := fmt.Sprintf(`SELECT * FROM "%s"`, EventLogTable)
	if runID != "" {
		query += fmt.Sprintf(" WHERE run_id = '%s'", strings.ReplaceAll(runID, "'", "''"))
	}
	var rows int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM (%s)", query)).Scan(&rows); err != nil {
		return 0, fmt.Errorf("count event log rows: %w", err)
	}

	// 3. COPY TO, which cannot take bind parameters
	duckdbFilePath := strings.ReplaceAll(outputPath, `\`, `/`) // DuckDB needs forward slashes
	copySQL := fmt.Sprintf(`COPY (%s ORDER BY log_id) TO '%s' (FORMAT PARQUET, COMPRESSION ZSTD);`,
		query,
		strings.ReplaceAll(duckdbFilePath, "'", "''"),
	)
	l := logger.With(slog.String("output_path", outputPath))
	l.Debug("Executing COPY TO command.", slog.String("run_id", runID))
	if _, err := db.ExecContext(ctx, copySQL); err != nil {
		return 0, fmt.Errorf("save %s: %w", EventLogTable, err)
	}
	l.Info("Saved event log to Parquet.", slog.Int64("rows", rows))
	return rows, nil
}
