package cmd

import (
	"fmt"
	"os"

	"github.com/brensch/era5parquet/internal/db"
	"github.com/brensch/era5parquet/internal/saver"

	"github.com/spf13/cobra"
)

var (
	stateFilter db.HistoryFilter
	stateExport string
)

// stateCmd shows the event log
var stateCmd = &cobra.Command{
	Use:   "state [YYYYMMDD]",
	Short: "View the event log history of downloads and merges",
	Long: `Queries the DuckDB event log and displays the most recent events, newest first.
Pass a day (YYYYMMDD) to see only that task. Use flags to filter by stage, event or run.
With --export the log (or one --run of it) is written to a Parquet file instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		filter := stateFilter
		if len(args) > 0 {
			filter.Task = args[0]
		}
		if stateExport != "" {
			n, err := saver.SaveEventLog(cmd.Context(), getDB(), stateExport, filter.RunID, logger)
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d events to %s\n", n, stateExport)
			return nil
		}
		logger.Debug("Querying database event log", "filter", filter)
		if err := db.DisplayHistory(cmd.Context(), getDB(), os.Stdout, filter); err != nil {
			logger.Error("Failed to display state history", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateFilter.Limit, "limit", "n", 50, "Limit the number of log records displayed")
	stateCmd.Flags().StringVarP(&stateFilter.Event, "event", "e", "", "Filter by event (download_start, download_retry, download_end, skip_download, process_start, process_end, skip_process, error)")
	stateCmd.Flags().StringVarP(&stateFilter.Stage, "stage", "s", "", "Filter by stage (download or process)")
	stateCmd.Flags().StringVar(&stateFilter.RunID, "run", "", "Filter by run ID")
	stateCmd.Flags().StringVar(&stateExport, "export", "", "Write the event log to this Parquet file instead of printing it")
}
