package downloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/brensch/era5parquet/internal/archive"
	"github.com/brensch/era5parquet/internal/cds"
	"github.com/brensch/era5parquet/internal/config"
	"github.com/brensch/era5parquet/internal/fault"
	"github.com/brensch/era5parquet/internal/report"
	"github.com/brensch/era5parquet/internal/task"
	"github.com/brensch/era5parquet/internal/util"
)

// maxBackoff caps the wait between attempts.
const maxBackoff = 5 * time.Minute

// Fetcher downloads one day's archive, retrying and re-validating each attempt.
type Fetcher struct {
	Retriever cds.Retriever
	Request   config.Request
	Backoff   time.Duration // wait before the second attempt, doubling after
	Observer  report.Observer
	Logger    *slog.Logger
}

// Fetch makes sure dest holds a valid archive for t.
//
// A valid existing file is kept without contacting the service. Otherwise up to
// maxAttempts retrievals are made; after any failed or invalid attempt the file
// is deleted, so a Failure never leaves anything at dest. Filesystem errors and
// cancellation end the loop immediately.
func (f *Fetcher) Fetch(ctx context.Context, t task.Task, dest string, maxAttempts int) report.Outcome {
	return f.fetch(ctx, f.Logger, t, dest, maxAttempts)
}

func (f *Fetcher) fetch(ctx context.Context, logger *slog.Logger, t task.Task, dest string, maxAttempts int) report.Outcome {
	start := time.Now()
	l := logger.With(slog.String("task", t.Stamp()), slog.String("path", dest))
	out := report.Outcome{Stage: report.StageDownload, Key: t.Stamp(), Path: dest}
	finish := func() report.Outcome {
		out.Elapsed = time.Since(start)
		f.observe(out.Event())
		return out
	}

	// --- 1. Existing file: keep it if valid, delete it if not ---
	switch _, err := os.Stat(dest); {
	case err == nil:
		if archive.Validate(dest) {
			l.Info("Archive already present and valid, skipping download.")
			out.OK, out.Skipped = true, true
			return finish()
		}
		l.Warn("Existing archive is invalid, deleting before download.")
		if err := removeIfExists(dest); err != nil {
			out.Err = err
			l.Error("Failed to delete invalid archive.", "error", err)
			return finish()
		}
	case !errors.Is(err, fs.ErrNotExist):
		out.Err = fault.Filesystem(fmt.Errorf("stat %s: %w", dest, err))
		l.Error("Cannot inspect destination.", "error", out.Err)
		return finish()
	}

	// --- 2. Bounded, destructive retries ---
	req := BuildRequest(f.Request, t)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Err = errors.Join(fmt.Errorf("%w: %w", fault.ErrCanceled, err), lastErr)
			l.Warn("Download canceled.", "attempts", out.Attempts)
			return finish()
		}
		out.Attempts = attempt
		if attempt == 1 {
			f.observe(report.Event{Stage: report.StageDownload, Key: t.Stamp(), Status: report.StatusStarted, Attempt: attempt, Path: dest, Time: time.Now()})
		}
		l.Debug("Requesting archive.", "attempt", attempt, "max_attempts", maxAttempts)

		err := f.Retriever.Retrieve(ctx, req, dest)
		if err == nil {
			err = archive.Check(dest)
		}
		if err == nil {
			out.OK = true
			if attempt > 1 {
				l.Info("Archive downloaded after retries.", "attempts", attempt, "duration", time.Since(start).Round(time.Millisecond))
			} else {
				l.Info("Archive downloaded.", "duration", time.Since(start).Round(time.Millisecond))
			}
			return finish()
		}

		if rmErr := removeIfExists(dest); rmErr != nil {
			out.Err = errors.Join(err, rmErr)
			l.Error("Failed to delete partial archive.", "error", out.Err)
			return finish()
		}
		lastErr = err
		switch fault.Kind(err) {
		case fault.KindFilesystem:
			out.Err = err
			l.Error("Filesystem error, not retrying.", "attempt", attempt, "error", err)
			return finish()
		case fault.KindCanceled:
			out.Err = err
			l.Warn("Download canceled.", "attempt", attempt)
			return finish()
		}

		l.Warn("Attempt failed.", "attempt", attempt, "max_attempts", maxAttempts, "kind", fault.Kind(err), "error", err)
		if attempt == maxAttempts {
			break
		}
		f.observe(report.Event{Stage: report.StageDownload, Key: t.Stamp(), Status: report.StatusRetrying, Attempt: attempt, Path: dest, Err: err, Time: time.Now()})
		if err := util.Sleep(ctx, util.Backoff(f.Backoff, maxBackoff, attempt)); err != nil {
			out.Err = errors.Join(fmt.Errorf("%w: %w", fault.ErrCanceled, err), lastErr)
			return finish()
		}
	}

	out.Err = fmt.Errorf("gave up after %d attempts: %w", out.Attempts, lastErr)
	l.Error("Download failed.", "attempts", out.Attempts, "error", lastErr)
	return finish()
}

func (f *Fetcher) observe(e report.Event) {
	if f.Observer != nil {
		f.Observer.Observe(e)
	}
}

// removeIfExists deletes path, treating a missing file as success.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fault.Filesystem(fmt.Errorf("remove %s: %w", path, err))
	}
	return nil
}
