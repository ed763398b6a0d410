package cmd

import (
	"fmt"
	"os"

	"github.com/brensch/era5parquet/internal/inspector"

	"github.com/spf13/cobra"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show row counts and schema of the merged Parquet files using DuckDB",
	Long:  `Reads every merged_*.parquet file in the output directory through DuckDB and prints its row count and column count, followed by the schema. Files whose columns differ from the first file are flagged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		summaries, err := inspector.Inspect(cmd.Context(), getDB(), cfg.OutputDir, logger)
		if len(summaries) > 0 {
			inspector.Print(os.Stdout, summaries)
		}
		if err != nil {
			return fmt.Errorf("inspection failed: %w", err)
		}
		return nil
	},
}
