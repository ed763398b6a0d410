package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults reproduce the original ERA5 pressure-level daily statistics pull.
const (
	DefaultAPIURL          = "https://cds.climate.copernicus.eu/api"
	DefaultDataset         = "derived-era5-pressure-levels-daily-statistics"
	DefaultArchivePrefix   = "ERA5"
	DefaultStartYear       = 2006
	DefaultEndYear         = 2011
	DefaultDownloadWorkers = 32
	DefaultMaxAttempts     = 3
	DefaultCompression     = "zstd"
)

// DefaultProcessWorkers bounds the CPU-heavy merge stage.
var DefaultProcessWorkers = min(4, runtime.NumCPU())

var DefaultVariables = []string{
	"divergence",
	"geopotential",
	"potential_vorticity",
	"relative_humidity",
	"specific_humidity",
	"temperature",
	"vertical_velocity",
	"vorticity",
}

var DefaultPressureLevels = []string{
	"1", "2", "3", "5", "7", "10", "20", "30", "50", "70", "100",
	"125", "150", "175", "200", "225", "250", "300", "350", "400", "450", "500",
}

// Compressions lists the accepted output codecs.
var Compressions = []string{"zstd", "snappy", "gzip", "none"}

// Request holds the static part of every retrieval.
type Request struct {
	Dataset        string   `yaml:"dataset"`
	ProductType    string   `yaml:"product_type"`
	Variables      []string `yaml:"variables"`
	PressureLevels []string `yaml:"pressure_levels"`
	DailyStatistic string   `yaml:"daily_statistic"`
	Frequency      string   `yaml:"frequency"`
	TimeZone       string   `yaml:"time_zone"`
	DataFormat     string   `yaml:"data_format"`
}

// API holds the retrieval service endpoint and credentials.
type API struct {
	URL             string        `yaml:"url"`
	Key             string        `yaml:"key"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Config is built once at startup and passed by value; nothing mutates it
// after Validate.
type Config struct {
	Request Request `yaml:"request"`
	API     API     `yaml:"api"`

	StartYear int `yaml:"start_year"`
	EndYear   int `yaml:"end_year"`

	DownloadDir   string `yaml:"download_dir"`
	OutputDir     string `yaml:"output_dir"`
	DbPath        string `yaml:"db_path"`
	ArchivePrefix string `yaml:"archive_prefix"`

	DownloadWorkers  int           `yaml:"download_workers"`
	ProcessWorkers   int           `yaml:"process_workers"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	FailureThreshold int           `yaml:"failure_threshold"`

	Compression  string `yaml:"compression"`
	KeepScratch  bool   `yaml:"keep_scratch"`
	SkipExisting bool   `yaml:"skip_existing"`
	MetricsFile  string `yaml:"metrics_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Request: Request{
			Dataset:        DefaultDataset,
			ProductType:    "reanalysis",
			Variables:      append([]string(nil), DefaultVariables...),
			PressureLevels: append([]string(nil), DefaultPressureLevels...),
			DailyStatistic: "daily_mean",
			Frequency:      "1_hourly",
			TimeZone:       "utc+00:00",
			DataFormat:     "netcdf",
		},
		API: API{
			PollInterval:    2 * time.Second,
			MaxPollInterval: time.Minute,
			Timeout:         10 * time.Minute,
		},
		StartYear:       DefaultStartYear,
		EndYear:         DefaultEndYear,
		DownloadDir:     "./era5_downloads",
		OutputDir:       "./era5_merged",
		DbPath:          "./era5_state.duckdb",
		ArchivePrefix:   DefaultArchivePrefix,
		DownloadWorkers: DefaultDownloadWorkers,
		ProcessWorkers:  DefaultProcessWorkers,
		MaxAttempts:     DefaultMaxAttempts,
		RetryBackoff:    30 * time.Second,
		Compression:     DefaultCompression,
	}
}

// LoadFile overlays a YAML file on c. Unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// cdsapirc is the credentials file format shared with the cdsapi tooling.
type cdsapirc struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// RCPath returns $CDSAPI_RC or ~/.cdsapirc.
func RCPath() string {
	if p := os.Getenv("CDSAPI_RC"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cdsapirc")
}

// LoadCredentials fills the API URL and key. The rc file only fills values
// that are still empty; .env files are loaded into the environment (never
// replacing variables already set) and CDSAPI_URL / CDSAPI_KEY then win.
// Missing files are skipped.
func (c *Config) LoadCredentials(rcPath string, envFiles ...string) error {
	if rcPath != "" && (c.API.URL == "" || c.API.Key == "") {
		raw, err := os.ReadFile(rcPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return fmt.Errorf("read %s: %w", rcPath, err)
		default:
			var rc cdsapirc
			if err := yaml.Unmarshal(raw, &rc); err != nil {
				return fmt.Errorf("parse %s: %w", rcPath, err)
			}
			if c.API.URL == "" {
				c.API.URL = rc.URL
			}
			if c.API.Key == "" {
				c.API.Key = rc.Key
			}
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	if v := os.Getenv("CDSAPI_URL"); v != "" {
		c.API.URL = v
	}
	if v := os.Getenv("CDSAPI_KEY"); v != "" {
		c.API.Key = v
	}
	if c.API.URL == "" {
		c.API.URL = DefaultAPIURL
	}
	return nil
}

// Validate checks the invariants the pipeline relies on.
func (c Config) Validate() error {
	var errs []error
	if c.StartYear > c.EndYear {
		errs = append(errs, fmt.Errorf("start year %d is after end year %d", c.StartYear, c.EndYear))
	}
	if c.DownloadWorkers < 1 {
		errs = append(errs, fmt.Errorf("download workers must be at least 1, got %d", c.DownloadWorkers))
	}
	if c.ProcessWorkers < 1 {
		errs = append(errs, fmt.Errorf("process workers must be at least 1, got %d", c.ProcessWorkers))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("failure threshold must not be negative, got %d", c.FailureThreshold))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry backoff must not be negative, got %s", c.RetryBackoff))
	}
	if !validCompression(c.Compression) {
		errs = append(errs, fmt.Errorf("unknown compression %q (want one of %s)", c.Compression, strings.Join(Compressions, ", ")))
	}
	if c.ArchivePrefix == "" || strings.ContainsAny(c.ArchivePrefix, "_/\\") {
		errs = append(errs, fmt.Errorf("archive prefix %q must be non-empty without '_' or path separators", c.ArchivePrefix))
	}
	if c.DownloadDir == "" || c.OutputDir == "" {
		errs = append(errs, errors.New("download and output directories are required"))
	}
	if c.Request.Dataset == "" {
		errs = append(errs, errors.New("dataset is required"))
	}
	if len(c.Request.Variables) == 0 {
		errs = append(errs, errors.New("at least one variable is required"))
	}
	return errors.Join(errs...)
}

func validCompression(name string) bool {
	for _, c := range Compressions {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.API.Key != "" {
		c.API.Key = "***"
	}
	return c
}
