package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/brensch/era5parquet/internal/cds"
	"github.com/brensch/era5parquet/internal/config"
	"github.com/brensch/era5parquet/internal/db"
	"github.com/brensch/era5parquet/internal/downloader"
	"github.com/brensch/era5parquet/internal/metrics"
	"github.com/brensch/era5parquet/internal/report"
	"github.com/brensch/era5parquet/internal/util"
)

// signalContext is canceled on SIGINT or SIGTERM. In-flight tasks finish with
// a canceled outcome and the event log stays complete.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// sinks are the observers every stage reports to.
type sinks struct {
	recorder  *db.Recorder
	collector *metrics.Collector
}

func newSinks(ctx context.Context, logger *slog.Logger) *sinks {
	s := &sinks{recorder: db.NewRecorder(ctx, getDB(), logger)}
	if getConfig().MetricsFile != "" {
		s.collector = metrics.New()
	}
	logger.Info("Run started.", "run_id", s.recorder.RunID)
	return s
}

// observer fans out to the event log, metrics and any extra observers.
func (s *sinks) observer(extra ...report.Observer) report.Observer {
	m := report.Multi{s.recorder}
	if s.collector != nil {
		m = append(m, s.collector)
	}
	return append(m, extra...)
}

// flush writes the metrics textfile if one was requested.
func (s *sinks) flush(cfg config.Config, logger *slog.Logger) {
	if s.collector == nil {
		return
	}
	if err := s.collector.WriteTextfile(cfg.MetricsFile); err != nil {
		logger.Error("Failed to write metrics.", "error", err)
		return
	}
	logger.Info("Metrics written.", "path", cfg.MetricsFile)
}

func newFetcher(cfg config.Config, observer report.Observer, logger *slog.Logger) (*downloader.Fetcher, error) {
	client, err := cds.NewClient(cds.Options{
		URL:             cfg.API.URL,
		Key:             cfg.API.Key,
		PollInterval:    cfg.API.PollInterval,
		MaxPollInterval: cfg.API.MaxPollInterval,
		HTTPClient:      util.DefaultHTTPClient(cfg.API.Timeout),
		UserAgent:       "era5parquet/" + rootCmd.Version,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w (set it in ~/.cdsapirc, CDSAPI_KEY or --api-key)", err)
	}
	return &downloader.Fetcher{
		Retriever: client,
		Request:   cfg.Request,
		Backoff:   cfg.RetryBackoff,
		Observer:  observer,
		Logger:    logger,
	}, nil
}

// printFailures writes a stage's failure report to stderr.
func printFailures(s report.Summary) {
	if !s.OK() {
		fmt.Fprintln(os.Stderr, s.FailureReport())
	}
}
