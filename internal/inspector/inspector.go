// Package inspector summarizes the merged Parquet outputs with DuckDB.
package inspector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/brensch/era5parquet/internal/task"

	_ "github.com/marcboeker/go-duckdb"
)

// FileSummary describes one merged_YYYYMMDD.parquet file.
type FileSummary struct {
	Path    string
	Day     string // YYYYMMDD, empty when the name carries no date
	Rows    int64
	Columns []string
	Types   []string
	Err     error
}

// Inspect reads every merged_*.parquet file in outputDir and returns their
// summaries in date order. A file that cannot be read is reported in its
// summary and in the joined error; the others are still inspected.
func Inspect(ctx context.Context, db *sql.DB, outputDir string, logger *slog.Logger) ([]FileSummary, error) {
	// 1. Glob all files
	files, err := filepath.Glob(filepath.Join(outputDir, "merged_*.parquet"))
	if err != nil {
		return nil, fmt.Errorf("failed glob parquet files in %s: %w", outputDir, err)
	}
	sort.Strings(files)
	if len(files) == 0 {
		logger.Info("No merged_*.parquet files found.", "dir", outputDir)
		return nil, nil
	}
	logger.Info("Found merged files to summarize.", slog.Int("count", len(files)), slog.String("dir", outputDir))

	// 2. Schema and row count per file
	var errs []error
	summaries := make([]FileSummary, 0, len(files))
	for _, fp := range files {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}
		s := FileSummary{Path: fp}
		if t, err := task.FromArchiveName(fp); err == nil {
			s.Day = t.Stamp()
		}
		l := logger.With(slog.String("file", filepath.Base(fp)))

		s.Columns, s.Types, s.Err = describe(ctx, db, fp)
		if s.Err == nil {
			s.Err = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM read_parquet(%s);`, quote(fp))).Scan(&s.Rows)
			if s.Err != nil {
				s.Err = fmt.Errorf("count rows of %s: %w", filepath.Base(fp), s.Err)
			}
		}
		if s.Err != nil {
			l.Error("Failed to inspect file.", "error", s.Err)
			errs = append(errs, s.Err)
		} else {
			l.Debug("File inspected.", "rows", s.Rows, "columns", len(s.Columns))
		}
		summaries = append(summaries, s)
	}
	return summaries, errors.Join(errs...)
}

func describe(ctx context.Context, db *sql.DB, path string) (names, types []string, err error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("DESCRIBE SELECT * FROM read_parquet(%s);", quote(path)))
	if err != nil {
		return nil, nil, fmt.Errorf("query schema for %s: %w", filepath.Base(path), err)
	}
	defer rows.Close()
	for rows.Next() {
		var colName, colType, nullVal, keyVal, defaultVal, extraVal sql.NullString
		if err := rows.Scan(&colName, &colType, &nullVal, &keyVal, &defaultVal, &extraVal); err != nil {
			return nil, nil, fmt.Errorf("scan schema row for %s: %w", filepath.Base(path), err)
		}
		names = append(names, colName.String)
		types = append(types, colType.String)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate schema rows for %s: %w", filepath.Base(path), err)
	}
	return names, types, nil
}

// quote turns a path into a DuckDB string literal.
func quote(path string) string {
	p := strings.ReplaceAll(filepath.ToSlash(path), "'", "''")
	return "'" + p + "'"
}

// Print writes the summaries as a table, followed by the schema of the first
// readable file. Files whose columns differ from that schema are flagged.
func Print(w io.Writer, summaries []FileSummary) {
	var ref *FileSummary
	for i := range summaries {
		if summaries[i].Err == nil {
			ref = &summaries[i]
			break
		}
	}

	fmt.Fprintln(w, "\n--- Merged File Summary ---")
	fmt.Fprintf(w, "%-30s | %-8s | %-12s | %-7s | %s\n", "File", "Day", "Rows", "Columns", "Notes")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	var total int64
	for _, s := range summaries {
		note := ""
		switch {
		case s.Err != nil:
			note = "ERROR: " + s.Err.Error()
		case ref != nil && !slices.Equal(s.Columns, ref.Columns):
			note = "schema differs"
		}
		fmt.Fprintf(w, "%-30s | %-8s | %-12d | %-7d | %s\n", filepath.Base(s.Path), s.Day, s.Rows, len(s.Columns), note)
		total += s.Rows
	}
	fmt.Fprintln(w, strings.Repeat("-", 90))
	fmt.Fprintf(w, "%d files, %d rows\n", len(summaries), total)

	if ref == nil {
		return
	}
	fmt.Fprintf(w, "\n  Schema (%s):\n", filepath.Base(ref.Path))
	fmt.Fprintf(w, "  %-30s | %s\n", "Column Name", "Column Type")
	fmt.Fprintln(w, "  "+strings.Repeat("-", 50))
	for i, name := range ref.Columns {
		fmt.Fprintf(w, "  %-30s | %s\n", name, ref.Types[i])
	}
}
