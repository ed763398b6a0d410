// Package processor runs the post-processing stage: each daily archive is
// unpacked into its own scratch directory, its member datasets are merged and
// the result is written as one compressed Parquet file.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/brensch/era5parquet/internal/archive"
	"github.com/brensch/era5parquet/internal/config"
	"github.com/brensch/era5parquet/internal/dataset"
	"github.com/brensch/era5parquet/internal/fault"
	"github.com/brensch/era5parquet/internal/report"
	"github.com/brensch/era5parquet/internal/task"
	"github.com/brensch/era5parquet/internal/workqueue"
)

// memberExt is the extension of the data files inside each archive.
const memberExt = ".nc"

// DiscoverArchives lists the archives in dir named <prefix>_*.zip, sorted.
func DiscoverArchives(dir, prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"_*.zip"))
	if err != nil {
		return nil, fmt.Errorf("glob archives in %s: %w", dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// RunPostProcessing processes archivePaths with cfg.ProcessWorkers workers and
// blocks until every archive has an outcome. One archive failing never stops
// the others.
func RunPostProcessing(ctx context.Context, cfg config.Config, archivePaths []string, observer report.Observer, logger *slog.Logger) report.Summary {
	start := time.Now()
	tally := report.NewTally(report.StageProcess)
	if observer == nil {
		observer = report.Discard
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		logger.Error("Failed to create output directory.", "dir", cfg.OutputDir, "error", err)
	}

	pool := workqueue.NewPool[string](cfg.ProcessWorkers, func(ctx context.Context, worker int, path string) {
		o := processOne(ctx, cfg, path, observer, logger.With(slog.Int("worker", worker)))
		tally.Add(o)
		observer.Observe(o.Event())
	}, logger)
	pool.Recover = func(path string, r any) {
		o := report.Outcome{Stage: report.StageProcess, Key: archiveKey(path), Path: path, Err: fmt.Errorf("worker panic: %v", r)}
		tally.Add(o)
		observer.Observe(o.Event())
	}

	logger.Info("Starting post-processing stage.", "archives", len(archivePaths), "workers", pool.Size(), "output_dir", cfg.OutputDir)
	pool.Start(ctx)
	for _, p := range archivePaths {
		if err := pool.Submit(p); err != nil {
			logger.Error("Failed to queue archive.", "archive", p, "error", err)
		}
	}
	pool.Wait()

	s := tally.Summary()
	attrs := []any{"total", s.Total, "succeeded", s.Succeeded, "skipped", s.Skipped, "failed", s.Failed, "duration", time.Since(start).Round(time.Millisecond)}
	if s.OK() {
		logger.Info("Post-processing stage finished: "+s.String(), attrs...)
	} else {
		logger.Warn("Post-processing stage finished: "+s.String(), attrs...)
		for _, o := range s.Failures {
			logger.Error("Archive failed.", "task", o.Key, "kind", fault.Kind(o.Err), "error", o.Err)
		}
	}
	return s
}

// archiveKey is the date suffix of an archive, or its base name when the name
// carries no parseable date.
func archiveKey(path string) string {
	if t, err := task.FromArchiveName(path); err == nil {
		return t.Stamp()
	}
	return filepath.Base(path)
}

func processOne(ctx context.Context, cfg config.Config, path string, observer report.Observer, logger *slog.Logger) report.Outcome {
	start := time.Now()
	o := report.Outcome{Stage: report.StageProcess, Key: archiveKey(path), Attempts: 1}
	l := logger.With(slog.String("task", o.Key), slog.String("archive", filepath.Base(path)))

	if err := ctx.Err(); err != nil {
		o.Err = fmt.Errorf("%w: %w", fault.ErrCanceled, err)
		return o
	}

	t, err := task.FromArchiveName(path)
	if err != nil {
		o.Err = err
		l.Error("Cannot derive date from archive name.", "error", err)
		return o
	}
	o.Path = filepath.Join(cfg.OutputDir, t.OutputName())

	if cfg.SkipExisting {
		if _, err := os.Stat(o.Path); err == nil {
			l.Info("Merged output already exists, skipping.", "output", o.Path)
			o.OK, o.Skipped = true, true
			return o
		}
	}

	observer.Observe(report.Event{Stage: report.StageProcess, Key: o.Key, Status: report.StatusStarted, Path: path, Time: time.Now()})
	rows, err := ProcessArchive(ctx, cfg, path, l)
	o.Elapsed = time.Since(start)
	if err != nil {
		o.Err = err
		l.Error("Archive processing failed.", "kind", fault.Kind(err), "error", err)
		return o
	}
	o.OK = true
	l.Info("Archive merged.", "output", o.Path, "rows", rows, "duration", o.Elapsed.Round(time.Millisecond))
	return o
}

// ProcessArchive extracts one archive into <archive dir>/extracted_YYYYMMDD,
// merges its member datasets and writes <OutputDir>/merged_YYYYMMDD.parquet.
// The scratch directory is removed on every return path unless
// cfg.KeepScratch is set, and every opened dataset is closed.
func ProcessArchive(ctx context.Context, cfg config.Config, path string, logger *slog.Logger) (rows int64, err error) {
	t, err := task.FromArchiveName(path)
	if err != nil {
		return 0, err
	}
	scratch := filepath.Join(filepath.Dir(path), t.ScratchName())
	outPath := filepath.Join(cfg.OutputDir, t.OutputName())

	// --- 1. Private scratch directory ---
	// Leftovers from an interrupted run would mix stale members into the merge.
	if err := os.RemoveAll(scratch); err != nil {
		return 0, fault.Filesystem(fmt.Errorf("clear scratch %s: %w", scratch, err))
	}
	if !cfg.KeepScratch {
		defer func() {
			if rmErr := os.RemoveAll(scratch); rmErr != nil {
				logger.Warn("Failed to remove scratch directory.", "dir", scratch, "error", rmErr)
			}
		}()
	}

	// --- 2. Extract ---
	files, err := archive.ExtractAll(ctx, path, scratch)
	if err != nil {
		return 0, fmt.Errorf("extract: %w", err)
	}
	var members []string
	for _, f := range files {
		if strings.EqualFold(filepath.Ext(f), memberExt) {
			members = append(members, f)
		}
	}
	sort.Strings(members)
	if len(members) == 0 {
		return 0, fmt.Errorf("%w: archive holds no %s members (%d files)", fault.ErrIntegrity, memberExt, len(files))
	}
	logger.Debug("Archive extracted.", "members", len(members), "scratch", scratch)

	// --- 3. Open and merge ---
	var opened []*dataset.Dataset
	defer func() {
		for _, ds := range opened {
			if cerr := ds.Close(); cerr != nil {
				logger.Warn("Failed to close dataset.", "source", ds.Source, "error", cerr)
			}
		}
	}()
	for _, m := range members {
		ds, err := dataset.Open(m)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return 0, fault.Filesystem(err)
			}
			return 0, fmt.Errorf("%w: %w", fault.ErrIntegrity, err)
		}
		opened = append(opened, ds)
	}
	merged, err := dataset.Merge(opened...)
	if err != nil {
		return 0, fmt.Errorf("merge %d datasets: %w", len(opened), err)
	}

	// --- 4. Write ---
	rows, err = WriteCompressed(ctx, merged, outPath, cfg.Compression)
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", filepath.Base(outPath), err)
	}
	return rows, nil
}
