// Package orchestrator sequences the two pipeline stages. The download stage
// runs first; post-processing only starts when the download failures stay
// within the configured threshold.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/brensch/era5parquet/internal/config"
	"github.com/brensch/era5parquet/internal/downloader"
	"github.com/brensch/era5parquet/internal/processor"
	"github.com/brensch/era5parquet/internal/report"
	"github.com/brensch/era5parquet/internal/task"
)

// State is the position of a pipeline in its lifecycle.
type State int

const (
	NotStarted State = iota
	Downloading
	DownloadFailed
	PostProcessing
	Done
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Downloading:
		return "downloading"
	case DownloadFailed:
		return "download_failed"
	case PostProcessing:
		return "post_processing"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrDownloadStageFailed is returned by Run when the download stage reported
// more failures than the threshold allows.
var ErrDownloadStageFailed = errors.New("download stage failed")

// Result is what a pipeline run produced. Process is nil when the second stage
// never ran.
type Result struct {
	State    State
	Download report.Summary
	Process  *report.Summary
}

// DownloadFunc runs the whole download stage.
type DownloadFunc func(ctx context.Context) report.Summary

// PostProcessFunc runs the whole post-processing stage over the given archives.
type PostProcessFunc func(ctx context.Context, archives []string) report.Summary

// Pipeline wires the two stages together. Download, PostProcess and Discover
// can be replaced before Run.
type Pipeline struct {
	Config      config.Config
	Download    DownloadFunc
	PostProcess PostProcessFunc
	Discover    func(dir, prefix string) ([]string, error)
	// OnState, when set, is called on every transition.
	OnState func(State)
	Logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// New builds a pipeline that downloads every task in cfg's year range with
// fetcher and then merges whatever archives are in cfg.DownloadDir. Stage
// events from both stages go to observer.
func New(cfg config.Config, fetcher *downloader.Fetcher, observer report.Observer, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		Config: cfg,
		Download: func(ctx context.Context) report.Summary {
			return downloader.RunDownloads(ctx, cfg, task.Range(cfg.StartYear, cfg.EndYear), fetcher, logger)
		},
		PostProcess: func(ctx context.Context, archives []string) report.Summary {
			return processor.RunPostProcessing(ctx, cfg, archives, observer, logger)
		},
		Discover: processor.DiscoverArchives,
		Logger:   logger,
	}
}

// State returns the current state. It is safe to call while Run is in progress.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.notify(s)
}

func (p *Pipeline) notify(s State) {
	p.Logger.Debug("Pipeline state changed.", "state", s.String())
	if p.OnState != nil {
		p.OnState(s)
	}
}

// begin moves NotStarted to Downloading atomically, so only one Run proceeds.
func (p *Pipeline) begin() (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != NotStarted {
		return p.state, false
	}
	p.state = Downloading
	return Downloading, true
}

// Run executes the pipeline once. It returns ErrDownloadStageFailed when the
// download stage blocks post-processing. Per-archive post-processing failures
// do not make Run return an error; they are in Result.Process.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	if state, ok := p.begin(); !ok {
		return Result{State: state}, fmt.Errorf("pipeline already started (state %s)", state)
	}
	p.notify(Downloading)
	start := time.Now()
	cfg := p.Config

	// --- 1. Download stage ---
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		p.setState(DownloadFailed)
		return Result{State: DownloadFailed}, fmt.Errorf("%w: create download directory: %w", ErrDownloadStageFailed, err)
	}
	p.Logger.Info("Pipeline started.", "start_year", cfg.StartYear, "end_year", cfg.EndYear, "failure_threshold", cfg.FailureThreshold)
	res := Result{Download: p.Download(ctx)}

	if res.Download.Failed > cfg.FailureThreshold {
		p.setState(DownloadFailed)
		res.State = DownloadFailed
		p.Logger.Error("Download stage failed, post-processing will not run.",
			"failed", res.Download.Failed, "failure_threshold", cfg.FailureThreshold, "duration", time.Since(start).Round(time.Millisecond))
		return res, fmt.Errorf("%w: %s", ErrDownloadStageFailed, res.Download.String())
	}
	if res.Download.Failed > 0 {
		p.Logger.Warn("Download failures within threshold, continuing.", "failed", res.Download.Failed, "failure_threshold", cfg.FailureThreshold)
	}

	// --- 2. Post-processing stage ---
	p.setState(PostProcessing)
	archives, err := p.Discover(cfg.DownloadDir, cfg.ArchivePrefix)
	if err != nil {
		p.setState(Done)
		res.State = Done
		return res, fmt.Errorf("discover archives: %w", err)
	}
	ps := p.PostProcess(ctx, archives)
	res.Process = &ps

	p.setState(Done)
	res.State = Done
	p.Logger.Info("Pipeline finished.", "download", res.Download.String(), "process", ps.String(), "duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}
