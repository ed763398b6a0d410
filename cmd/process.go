package cmd

import (
	"fmt"

	"github.com/brensch/era5parquet/internal/processor"

	"github.com/spf13/cobra"
)

// processCmd runs only the post-processing stage
var processCmd = &cobra.Command{
	Use:   "process [archive.zip ...]",
	Short: "Merge downloaded archives into one Parquet file per day",
	Long: `Extracts each archive into its own extracted_YYYYMMDD directory, merges the member
datasets and writes merged_YYYYMMDD.parquet to --output-dir. Without arguments every
<prefix>_*.zip in --download-dir is processed. A failing archive is reported and the
others carry on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		archives := args
		if len(archives) == 0 {
			var err error
			archives, err = processor.DiscoverArchives(cfg.DownloadDir, cfg.ArchivePrefix)
			if err != nil {
				return err
			}
		}
		if len(archives) == 0 {
			logger.Warn("No archives to process.", "dir", cfg.DownloadDir, "prefix", cfg.ArchivePrefix)
			return nil
		}

		s := newSinks(ctx, logger)
		defer s.flush(cfg, logger)
		summary := processor.RunPostProcessing(ctx, cfg, archives, s.observer(), logger)
		fmt.Println(summary.String())
		if !summary.OK() {
			printFailures(summary)
			return fmt.Errorf("%d of %d archives failed", summary.Failed, summary.Total)
		}
		return nil
	},
}
