package cmd

import (
	"fmt"

	"github.com/brensch/era5parquet/internal/downloader"
	"github.com/brensch/era5parquet/internal/task"

	"github.com/spf13/cobra"
)

// downloadCmd runs only the download stage
var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download one archive per day of the configured years",
	Long: `Generates one task per calendar day between --start-year and --end-year and fetches
each day's archive into --download-dir with a bounded pool of workers. Archives that
are already present and valid are kept; invalid ones are deleted and fetched again.
Each download is retried up to --max-attempts times.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		s := newSinks(ctx, logger)
		defer s.flush(cfg, logger)
		f, err := newFetcher(cfg, s.observer(), logger)
		if err != nil {
			return err
		}

		summary := downloader.RunDownloads(ctx, cfg, task.Range(cfg.StartYear, cfg.EndYear), f, logger)
		fmt.Println(summary.String())
		if !summary.OK() {
			printFailures(summary)
			return fmt.Errorf("%d of %d downloads failed", summary.Failed, summary.Total)
		}
		return nil
	},
}
