package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/brensch/era5parquet/internal/app"
	"github.com/brensch/era5parquet/internal/orchestrator"
	"github.com/brensch/era5parquet/internal/report"
	"github.com/brensch/era5parquet/internal/task"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

// Flags for the run command
var runTUI bool

// runCmd represents the combined download and process command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full download and post-processing pipeline",
	Long: `Performs the complete pipeline:
1. Downloads one archive per day of the configured years with --download-workers workers.
2. If no more than --failure-threshold downloads failed, merges every archive in
   --download-dir into merged_YYYYMMDD.parquet files with --process-workers workers.
When the download stage fails, post-processing never runs and the command exits non-zero.
Use --tui for a live progress view (logs then go to <download-dir>/era5parquet.log).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		s := newSinks(ctx, logger)
		defer s.flush(cfg, logger)

		var (
			res orchestrator.Result
			err error
		)
		if runTUI {
			res, err = runWithProgress(ctx, s)
		} else {
			var p *orchestrator.Pipeline
			p, err = buildPipeline(s.observer())
			if err != nil {
				return err
			}
			res, err = p.Run(ctx)
		}

		fmt.Println(res.Download.String())
		printFailures(res.Download)
		if res.Process != nil {
			fmt.Println(res.Process.String())
			printFailures(*res.Process)
		}
		if errors.Is(err, orchestrator.ErrDownloadStageFailed) {
			return fmt.Errorf("pipeline halted: %w", err)
		}
		return err
	},
}

func buildPipeline(observer report.Observer) (*orchestrator.Pipeline, error) {
	cfg := getConfig()
	logger := getLogger()
	f, err := newFetcher(cfg, observer, logger)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(cfg, f, observer, logger), nil
}

// runWithProgress runs the pipeline in the background while a bubbletea
// program renders its events. Quitting the program cancels the pipeline.
func runWithProgress(parent context.Context, s *sinks) (orchestrator.Result, error) {
	cfg := getConfig()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	model := app.NewAppModel(task.Count(cfg.StartYear, cfg.EndYear))
	prog := tea.NewProgram(model, tea.WithContext(ctx))

	p, err := buildPipeline(s.observer(app.Observer(prog)))
	if err != nil {
		return orchestrator.Result{}, err
	}
	p.OnState = app.OnState(prog)
	process := p.PostProcess
	p.PostProcess = func(ctx context.Context, archives []string) report.Summary {
		prog.Send(app.TotalMsg{Stage: report.StageProcess, Total: len(archives)})
		return process(ctx, archives)
	}

	type outcome struct {
		res orchestrator.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Run(ctx)
		prog.Send(app.FinishedMsg{Result: res, Err: err})
		done <- outcome{res, err}
	}()

	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		getLogger().Error("Progress view failed.", "error", err)
	}
	// The view may have been closed early; the pipeline still has to unwind.
	if model.Quitting {
		cancel()
	}
	o := <-done
	return o.res, o.err
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show a live progress view instead of log output")
}
