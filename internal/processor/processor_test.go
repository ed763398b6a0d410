package processor

import (
	"archive/zip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/brensch/era5parquet/internal/config"
	"github.com/brensch/era5parquet/internal/dataset"
	"github.com/brensch/era5parquet/internal/fault"
	"github.com/brensch/era5parquet/internal/report"
)

// --- Log Capturing Handler ---

type capturingHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
	attrs   []slog.Attr
}

func newCapturingHandler() *capturingHandler {
	return &capturingHandler{mu: &sync.Mutex{}, records: &[]slog.Record{}}
}

func (h *capturingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	r = r.Clone()
	r.AddAttrs(h.attrs...)
	h.mu.Lock()
	*h.records = append(*h.records, r)
	h.mu.Unlock()
	return nil
}

func (h *capturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &capturingHandler{mu: h.mu, records: h.records, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *capturingHandler) WithGroup(string) slog.Handler { return h }

// errorTasks returns the "task" attribute of every error-level record.
func (h *capturingHandler) errorTasks() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, r := range *h.records {
		if r.Level < slog.LevelError {
			continue
		}
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "task" {
				out = append(out, a.Value.String())
			}
			return true
		})
	}
	return out
}

// --- Fixtures ---

// member writes a netCDF-4 file holding one variable on a 2x3 level/latitude grid.
func member(t *testing.T, dir, variable string, values []float64) string {
	t.Helper()
	path := filepath.Join(dir, variable+".nc")
	w, err := netcdf.OpenWriter(path, netcdf.KindHDF5)
	require.NoError(t, err)

	noAttrs, err := util.NewOrderedMap(nil, nil)
	require.NoError(t, err)
	fill, err := util.NewOrderedMap([]string{"missing_value"}, map[string]any{"missing_value": float32(-9999)})
	require.NoError(t, err)
	grid := make([][]float32, 2)
	for i := range grid {
		grid[i] = make([]float32, 3)
		for j := range grid[i] {
			grid[i][j] = float32(values[i*3+j])
		}
	}

	require.NoError(t, w.AddVar("pressure_level", api.Variable{Values: []float64{500, 1000}, Dimensions: []string{"pressure_level"}, Attributes: noAttrs}))
	require.NoError(t, w.AddVar("latitude", api.Variable{Values: []float64{10, 20, 30}, Dimensions: []string{"latitude"}, Attributes: noAttrs}))
	require.NoError(t, w.AddVar(variable, api.Variable{Values: grid, Dimensions: []string{"pressure_level", "latitude"}, Attributes: fill}))
	require.NoError(t, w.Close())
	return path
}

// buildArchive zips member files into <dir>/ERA5_<stamp>.zip.
func buildArchive(t *testing.T, dir, stamp string, members map[string][]float64) string {
	t.Helper()
	src := t.TempDir()
	path := filepath.Join(dir, "ERA5_"+stamp+".zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, vals := range members {
		raw, err := os.ReadFile(member(t, src, name, vals))
		require.NoError(t, err)
		w, err := zw.Create(name + ".nc")
		require.NoError(t, err)
		_, err = w.Write(raw)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()
	cfg.OutputDir = t.TempDir()
	cfg.ProcessWorkers = 2
	return cfg
}

func parquetRows(t *testing.T, path string) int64 {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, nil, 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	return pr.GetNumRows()
}

func TestRunPostProcessingIsolatesCorruptArchive(t *testing.T) {
	cfg := testConfig(t)
	good := buildArchive(t, cfg.DownloadDir, "20060101", map[string][]float64{
		"temperature":  {1, 2, 3, 4, 5, 6},
		"geopotential": {7, 8, 9, 10, 11, -9999},
	})
	bad := filepath.Join(cfg.DownloadDir, "ERA5_20060102.zip")
	require.NoError(t, os.WriteFile(bad, []byte("PK\x03\x04 not really"), 0o644))

	archives, err := DiscoverArchives(cfg.DownloadDir, cfg.ArchivePrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{good, bad}, archives)

	h := newCapturingHandler()
	var mu sync.Mutex
	var finished []report.Event
	obs := report.ObserverFunc(func(e report.Event) {
		if e.Status == report.StatusSucceeded || e.Status == report.StatusFailed {
			mu.Lock()
			finished = append(finished, e)
			mu.Unlock()
		}
	})
	s := RunPostProcessing(context.Background(), cfg, archives, obs, slog.New(h))

	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Succeeded)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, "20060102", s.Failures[0].Key)
	assert.ErrorIs(t, s.Failures[0].Err, fault.ErrIntegrity)
	assert.Len(t, finished, 2)
	assert.Contains(t, h.errorTasks(), "20060102")

	out := filepath.Join(cfg.OutputDir, "merged_20060101.parquet")
	assert.EqualValues(t, 6, parquetRows(t, out))
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, "merged_20060102.parquet"))

	for _, scratch := range []string{"extracted_20060101", "extracted_20060102"} {
		assert.NoDirExists(t, filepath.Join(cfg.DownloadDir, scratch))
	}
	assert.FileExists(t, good, "inputs are read-only to this stage")
}

func TestProcessArchiveMergeConflict(t *testing.T) {
	cfg := testConfig(t)
	src := t.TempDir()
	// Two members that both define "temperature", with different values.
	a := member(t, src, "temperature", []float64{1, 2, 3, 4, 5, 6})
	other := t.TempDir()
	b := member(t, other, "temperature", []float64{1, 2, 3, 4, 5, 7})

	path := filepath.Join(cfg.DownloadDir, "ERA5_20060103.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, p := range map[string]string{"a.nc": a, "b.nc": b} {
		raw, err := os.ReadFile(p)
		require.NoError(t, err)
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(raw)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = ProcessArchive(context.Background(), cfg, path, slog.New(newCapturingHandler()))
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrMergeConflict)
	var mc *dataset.MergeConflictError
	assert.ErrorAs(t, err, &mc)

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing may exist at or beside the final path")
	assert.NoDirExists(t, filepath.Join(cfg.DownloadDir, "extracted_20060103"))
}

func TestProcessArchiveKeepScratch(t *testing.T) {
	cfg := testConfig(t)
	cfg.KeepScratch = true
	path := buildArchive(t, cfg.DownloadDir, "20060104", map[string][]float64{"temperature": {1, 2, 3, 4, 5, 6}})

	rows, err := ProcessArchive(context.Background(), cfg, path, slog.New(newCapturingHandler()))
	require.NoError(t, err)
	assert.EqualValues(t, 6, rows)
	assert.FileExists(t, filepath.Join(cfg.DownloadDir, "extracted_20060104", "temperature.nc"))
}

func TestProcessArchiveClearsStaleScratch(t *testing.T) {
	cfg := testConfig(t)
	path := buildArchive(t, cfg.DownloadDir, "20060105", map[string][]float64{"temperature": {1, 2, 3, 4, 5, 6}})
	stale := filepath.Join(cfg.DownloadDir, "extracted_20060105")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	// A leftover member from an interrupted run with a clashing definition.
	member(t, stale, "temperature", []float64{9, 9, 9, 9, 9, 9})

	_, err := ProcessArchive(context.Background(), cfg, path, slog.New(newCapturingHandler()))
	require.NoError(t, err)
	assert.NoDirExists(t, stale)
}

func TestProcessArchiveWithoutMembers(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.DownloadDir, "ERA5_20060106.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("README.txt")
	require.NoError(t, err)
	io.WriteString(w, "no data here")
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = ProcessArchive(context.Background(), cfg, path, slog.New(newCapturingHandler()))
	assert.ErrorIs(t, err, fault.ErrIntegrity)
}

func TestRunPostProcessingSkipExisting(t *testing.T) {
	cfg := testConfig(t)
	cfg.SkipExisting = true
	path := buildArchive(t, cfg.DownloadDir, "20060107", map[string][]float64{"temperature": {1, 2, 3, 4, 5, 6}})
	out := filepath.Join(cfg.OutputDir, "merged_20060107.parquet")
	require.NoError(t, os.WriteFile(out, []byte("previous run"), 0o644))

	s := RunPostProcessing(context.Background(), cfg, []string{path}, nil, slog.New(newCapturingHandler()))
	assert.Equal(t, 1, s.Skipped)
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "previous run", string(raw))
}

func TestRunPostProcessingOverwritesByDefault(t *testing.T) {
	cfg := testConfig(t)
	path := buildArchive(t, cfg.DownloadDir, "20060108", map[string][]float64{"temperature": {1, 2, 3, 4, 5, 6}})
	out := filepath.Join(cfg.OutputDir, "merged_20060108.parquet")
	require.NoError(t, os.WriteFile(out, []byte("previous run"), 0o644))

	s := RunPostProcessing(context.Background(), cfg, []string{path}, nil, slog.New(newCapturingHandler()))
	require.True(t, s.OK(), s.FailureReport())
	assert.EqualValues(t, 6, parquetRows(t, out))
}

func TestRunPostProcessingBadName(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.DownloadDir, "ERA5_latest.zip")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	s := RunPostProcessing(context.Background(), cfg, []string{path}, nil, slog.New(newCapturingHandler()))
	require.Len(t, s.Failures, 1)
	assert.Equal(t, "ERA5_latest.zip", s.Failures[0].Key)
	assert.True(t, strings.Contains(s.Failures[0].Err.Error(), "latest"))
}

func TestWriteCompressedBroadcastsAndNulls(t *testing.T) {
	ds := dataset.New("mem")
	require.NoError(t, ds.AddVar(dataset.NewVariable("level", []string{"level"}, []int{2}, []float64{500, 1000})))
	require.NoError(t, ds.AddVar(dataset.NewVariable("t", []string{"level", "lat"}, []int{2, 2}, []float64{1, 2, 3, 4})))
	require.NoError(t, ds.AddVar(dataset.NewVariable("land", []string{"lat"}, []int{2}, []float64{0, 1})))

	for _, codec := range []string{"zstd", "snappy", "gzip", "none"} {
		out := filepath.Join(t.TempDir(), "merged_20060101.parquet")
		rows, err := WriteCompressed(context.Background(), ds, out, codec)
		require.NoError(t, err, codec)
		assert.EqualValues(t, 4, rows)
		assert.EqualValues(t, 4, parquetRows(t, out))
		assert.NoFileExists(t, out+".tmp")
	}

	_, err := WriteCompressed(context.Background(), ds, filepath.Join(t.TempDir(), "x.parquet"), "lzma")
	assert.Error(t, err)
}

func TestWriteCompressedCanceled(t *testing.T) {
	ds := dataset.New("mem")
	require.NoError(t, ds.AddVar(dataset.NewVariable("t", []string{"x"}, []int{3}, []float64{1, 2, 3})))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := filepath.Join(t.TempDir(), "merged.parquet")
	_, err := WriteCompressed(ctx, ds, out, "zstd")
	assert.ErrorIs(t, err, fault.ErrCanceled)
	assert.NoFileExists(t, out)
	assert.NoFileExists(t, out+".tmp")
}
