package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brensch/era5parquet/internal/config"
	"github.com/brensch/era5parquet/internal/db"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Config flags - bound in init()
	cfgFile   string
	envFile   string
	logFormat string
	logLevel  string
	logOutput string

	flagValues = config.Default()

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	logCloser  io.Closer
	dbConn     *sql.DB
	appConfig  config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "era5parquet",
	Short: "Bulk-download daily ERA5 archives and merge them into Parquet.",
	Long: `era5parquet fetches one archive per calendar day from the Copernicus Climate Data
Store, validates and retries each download, then merges every archive's member
datasets into a single compressed Parquet file per day.

The primary command is 'run', which downloads and then post-processes. 'download' and
'process' run one stage each; 'state' and 'inspect' look at past runs and their outputs.
Every task event is kept in a DuckDB event log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Load/Validate Config ---
		// Precedence: defaults, --config file, ~/.cdsapirc, .env and environment, explicit flags.
		cfg := config.Default()
		if cfgFile != "" {
			if err := cfg.LoadFile(cfgFile); err != nil {
				return err
			}
		}
		if err := cfg.LoadCredentials(config.RCPath(), envFile); err != nil {
			return err
		}
		applyChangedFlags(cmd.Flags(), &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		appConfig = cfg

		// --- 2. Initialize Logger ---
		var level slog.Level
		switch strings.ToLower(logLevel) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		output := logOutput
		// The progress view owns the terminal, so logs go to a file unless told otherwise.
		if tui, _ := cmd.Flags().GetBool("tui"); tui && !cmd.Flags().Changed("log-output") {
			output = filepath.Join(cfg.DownloadDir, "era5parquet.log")
			if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", cfg.DownloadDir, err)
			}
		}
		var logWriter io.Writer = os.Stderr
		switch strings.ToLower(output) {
		case "", "stderr":
		case "stdout":
			logWriter = os.Stdout
		default:
			f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("failed to open log file %s: %w", output, err)
			}
			logWriter, logCloser = f, f
		}

		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler
		if logFormat == "json" {
			handler = slog.NewJSONHandler(logWriter, opts)
		} else {
			handler = slog.NewTextHandler(logWriter, opts)
		}
		rootLogger = slog.New(handler)
		slog.SetDefault(rootLogger)
		rootLogger.Debug("Logger initialized", "level", level.String(), "format", logFormat, "output", output)
		rootLogger.Debug("Configuration loaded", slog.Any("config", cfg.Redacted()))

		// --- 3. Initialize DuckDB Connection & Schema ---
		if cfg.DbPath != ":memory:" {
			dbDir := filepath.Dir(cfg.DbPath)
			if err := os.MkdirAll(dbDir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}
		dsn := cfg.DbPath
		if dsn == ":memory:" {
			dsn = ""
		}
		var err error
		dbConn, err = sql.Open("duckdb", dsn)
		if err != nil {
			return fmt.Errorf("failed to open duckdb database (%s): %w", cfg.DbPath, err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err = dbConn.PingContext(pingCtx); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to ping duckdb database (%s): %w", cfg.DbPath, err)
		}
		if err := db.InitializeSchema(dbConn); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
		rootLogger.Debug("Database schema initialized.", "path", cfg.DbPath)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		closeResources()
		return nil
	},
}

func closeResources() {
	if dbConn != nil {
		if err := dbConn.Close(); err != nil {
			getLogger().Error("Failed to close DuckDB connection cleanly", "error", err)
		}
		dbConn = nil
	}
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.AddCommand(runCmd)      // Combined pipeline
	rootCmd.AddCommand(downloadCmd) // Stage 1 only
	rootCmd.AddCommand(processCmd)  // Stage 2 only
	rootCmd.AddCommand(inspectCmd)  // Summarize merged outputs
	rootCmd.AddCommand(stateCmd)    // View DB event log

	err := rootCmd.Execute()
	if err != nil {
		// PersistentPostRunE does not run when RunE fails.
		closeResources()
		if rootLogger != nil {
			rootLogger.Error("Command execution failed", "error", err)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML config file")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file with CDSAPI_URL / CDSAPI_KEY (skipped if missing)")
	pf.StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&logOutput, "log-output", "stderr", "Log output destination (stderr, stdout, or file path)")

	pf.StringVar(&flagValues.DownloadDir, "download-dir", flagValues.DownloadDir, "Directory for downloaded daily archives")
	pf.StringVar(&flagValues.OutputDir, "output-dir", flagValues.OutputDir, "Directory for merged Parquet files")
	pf.StringVarP(&flagValues.DbPath, "db-path", "d", flagValues.DbPath, "Path to DuckDB state database file (:memory: for in-memory)")
	pf.StringVar(&flagValues.ArchivePrefix, "archive-prefix", flagValues.ArchivePrefix, "Archive file name prefix (<prefix>_YYYYMMDD.zip)")
	pf.IntVar(&flagValues.StartYear, "start-year", flagValues.StartYear, "First year to fetch (inclusive)")
	pf.IntVar(&flagValues.EndYear, "end-year", flagValues.EndYear, "Last year to fetch (inclusive)")
	pf.IntVar(&flagValues.DownloadWorkers, "download-workers", flagValues.DownloadWorkers, "Concurrent downloads")
	pf.IntVarP(&flagValues.ProcessWorkers, "process-workers", "w", flagValues.ProcessWorkers, "Concurrent archive merges")
	pf.IntVar(&flagValues.MaxAttempts, "max-attempts", flagValues.MaxAttempts, "Download attempts per day before giving up")
	pf.DurationVar(&flagValues.RetryBackoff, "retry-backoff", flagValues.RetryBackoff, "Wait before the second download attempt, doubling after (0 disables)")
	pf.IntVar(&flagValues.FailureThreshold, "failure-threshold", flagValues.FailureThreshold, "Download failures tolerated before post-processing is blocked")
	pf.StringVar(&flagValues.Compression, "compression", flagValues.Compression, "Parquet codec: "+strings.Join(config.Compressions, ", "))
	pf.BoolVar(&flagValues.KeepScratch, "keep-scratch", flagValues.KeepScratch, "Keep extracted_YYYYMMDD directories after merging")
	pf.BoolVar(&flagValues.SkipExisting, "skip-existing", flagValues.SkipExisting, "Skip archives whose merged output already exists")
	pf.StringVar(&flagValues.MetricsFile, "metrics-file", flagValues.MetricsFile, "Write Prometheus metrics to this textfile when the command ends")
	pf.StringVar(&flagValues.Request.Dataset, "dataset", flagValues.Request.Dataset, "CDS dataset to retrieve")
	pf.StringSliceVar(&flagValues.Request.Variables, "variable", flagValues.Request.Variables, "Variables to request (can specify multiple)")
	pf.StringSliceVar(&flagValues.Request.PressureLevels, "pressure-level", flagValues.Request.PressureLevels, "Pressure levels in hPa (can specify multiple)")
	pf.StringVar(&flagValues.API.URL, "api-url", "", "CDS API base URL (overrides ~/.cdsapirc and CDSAPI_URL)")
	pf.StringVar(&flagValues.API.Key, "api-key", "", "CDS API key (overrides ~/.cdsapirc and CDSAPI_KEY)")

	rootCmd.Version = "0.3.0"
}

// applyChangedFlags copies explicitly set flags over cfg.
func applyChangedFlags(fs *pflag.FlagSet, cfg *config.Config) {
	set := map[string]func(){
		"download-dir":      func() { cfg.DownloadDir = flagValues.DownloadDir },
		"output-dir":        func() { cfg.OutputDir = flagValues.OutputDir },
		"db-path":           func() { cfg.DbPath = flagValues.DbPath },
		"archive-prefix":    func() { cfg.ArchivePrefix = flagValues.ArchivePrefix },
		"start-year":        func() { cfg.StartYear = flagValues.StartYear },
		"end-year":          func() { cfg.EndYear = flagValues.EndYear },
		"download-workers":  func() { cfg.DownloadWorkers = flagValues.DownloadWorkers },
		"process-workers":   func() { cfg.ProcessWorkers = flagValues.ProcessWorkers },
		"max-attempts":      func() { cfg.MaxAttempts = flagValues.MaxAttempts },
		"retry-backoff":     func() { cfg.RetryBackoff = flagValues.RetryBackoff },
		"failure-threshold": func() { cfg.FailureThreshold = flagValues.FailureThreshold },
		"compression":       func() { cfg.Compression = strings.ToLower(flagValues.Compression) },
		"keep-scratch":      func() { cfg.KeepScratch = flagValues.KeepScratch },
		"skip-existing":     func() { cfg.SkipExisting = flagValues.SkipExisting },
		"metrics-file":      func() { cfg.MetricsFile = flagValues.MetricsFile },
		"dataset":           func() { cfg.Request.Dataset = flagValues.Request.Dataset },
		"variable":          func() { cfg.Request.Variables = flagValues.Request.Variables },
		"pressure-level":    func() { cfg.Request.PressureLevels = flagValues.Request.PressureLevels },
		"api-url":           func() { cfg.API.URL = flagValues.API.URL },
		"api-key":           func() { cfg.API.Key = flagValues.API.Key },
	}
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := set[f.Name]; ok {
			apply()
		}
	})
}

// Helper to get logger (could use context propagation instead)
func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

// Helper to get DB connection (could use context propagation instead)
func getDB() *sql.DB {
	return dbConn
}

// Helper to get Config (could use context propagation instead)
func getConfig() config.Config {
	return appConfig
}
