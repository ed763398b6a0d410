package downloader

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/brensch/era5parquet/internal/config"
	"github.com/brensch/era5parquet/internal/report"
	"github.com/brensch/era5parquet/internal/task"
	"github.com/brensch/era5parquet/internal/workqueue"
)

// RunDownloads fetches every task with exactly cfg.DownloadWorkers workers and
// blocks until each one has an outcome. A failing task never stops the others.
func RunDownloads(ctx context.Context, cfg config.Config, tasks iter.Seq[task.Task], f *Fetcher, logger *slog.Logger) report.Summary {
	start := time.Now()
	tally := report.NewTally(report.StageDownload)

	pool := workqueue.NewPool[task.Task](cfg.DownloadWorkers, func(ctx context.Context, worker int, t task.Task) {
		dest := t.ArchivePath(cfg.DownloadDir, cfg.ArchivePrefix)
		tally.Add(f.fetch(ctx, logger.With(slog.Int("worker", worker)), t, dest, cfg.MaxAttempts))
	}, logger)
	pool.Recover = func(t task.Task, r any) {
		o := report.Outcome{Stage: report.StageDownload, Key: t.Stamp(), Err: fmt.Errorf("worker panic: %v", r)}
		tally.Add(o)
		f.observe(o.Event())
	}

	logger.Info("Starting download stage.", "workers", pool.Size(), "max_attempts", cfg.MaxAttempts, "dir", cfg.DownloadDir)
	pool.Start(ctx)
	submitted := 0
	for t := range tasks {
		if err := pool.Submit(t); err != nil {
			logger.Error("Failed to queue task.", "task", t.Stamp(), "error", err)
			continue
		}
		submitted++
	}
	logger.Debug("All tasks queued.", "count", submitted)
	pool.Wait()

	s := tally.Summary()
	logStageSummary(logger, s, time.Since(start))
	return s
}

func logStageSummary(logger *slog.Logger, s report.Summary, elapsed time.Duration) {
	attrs := []any{
		"total", s.Total, "succeeded", s.Succeeded, "skipped", s.Skipped,
		"retried", s.Retried, "failed", s.Failed, "duration", elapsed.Round(time.Millisecond),
	}
	if s.OK() {
		logger.Info("Download stage finished: "+s.String(), attrs...)
		return
	}
	logger.Error("Download stage finished: "+s.String(), attrs...)
	for _, o := range s.Failures {
		logger.Error("Task failed.", "task", o.Key, "attempts", o.Attempts, "error", o.Err)
	}
}
