package downloader

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brensch/era5parquet/internal/archive"
	"github.com/brensch/era5parquet/internal/cds"
	"github.com/brensch/era5parquet/internal/config"
	"github.com/brensch/era5parquet/internal/fault"
	"github.com/brensch/era5parquet/internal/report"
	"github.com/brensch/era5parquet/internal/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockRetriever struct {
	mock.Mock
}

func (m *mockRetriever) Retrieve(ctx context.Context, req cds.Request, dest string) error {
	return m.Called(ctx, req, dest).Error(0)
}

type retrieverFunc func(ctx context.Context, req cds.Request, dest string) error

func (f retrieverFunc) Retrieve(ctx context.Context, req cds.Request, dest string) error {
	return f(ctx, req, dest)
}

func writeValidZip(t *testing.T, dest string) {
	t.Helper()
	f, err := os.Create(dest)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("temperature.nc")
	require.NoError(t, err)
	_, err = w.Write([]byte("gridded"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func writeGarbage(t *testing.T, dest string) {
	t.Helper()
	require.NoError(t, os.WriteFile(dest, []byte("PK\x03\x04 half an archive"), 0o644))
}

func newFetcher(r cds.Retriever) *Fetcher {
	return &Fetcher{Retriever: r, Request: config.Default().Request, Logger: discardLogger()}
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFetchSkipsValidExistingFile(t *testing.T) {
	dir := t.TempDir()
	tk := task.New(2006, 1, 1)
	dest := tk.ArchivePath(dir, "ERA5")

	r := &mockRetriever{}
	r.On("Retrieve", mock.Anything, mock.Anything, dest).
		Run(func(args mock.Arguments) { writeValidZip(t, dest) }).
		Return(nil).Once()
	f := newFetcher(r)

	first := f.Fetch(context.Background(), tk, dest, 3)
	require.True(t, first.OK)
	assert.False(t, first.Skipped)

	second := f.Fetch(context.Background(), tk, dest, 3)
	require.True(t, second.OK)
	assert.True(t, second.Skipped)
	r.AssertNumberOfCalls(t, "Retrieve", 1)
}

func TestFetchRecoversOnThirdAttempt(t *testing.T) {
	dir := t.TempDir()
	tk := task.New(2006, 1, 2)
	dest := tk.ArchivePath(dir, "ERA5")

	r := &mockRetriever{}
	// attempt 1: service "succeeds" but delivers a corrupt archive
	r.On("Retrieve", mock.Anything, mock.Anything, dest).
		Run(func(args mock.Arguments) { writeGarbage(t, dest) }).
		Return(nil).Once()
	// attempt 2: connection drops mid-body
	r.On("Retrieve", mock.Anything, mock.Anything, dest).
		Run(func(args mock.Arguments) { writeGarbage(t, dest) }).
		Return(fmt.Errorf("%w: connection reset", fault.ErrTransport)).Once()
	// attempt 3: good
	r.On("Retrieve", mock.Anything, mock.Anything, dest).
		Run(func(args mock.Arguments) { writeValidZip(t, dest) }).
		Return(nil).Once()

	var events []report.Status
	var mu sync.Mutex
	f := newFetcher(r)
	f.Observer = report.ObserverFunc(func(e report.Event) {
		mu.Lock()
		events = append(events, e.Status)
		mu.Unlock()
	})

	out := f.Fetch(context.Background(), tk, dest, 3)
	require.True(t, out.OK, "error: %v", out.Err)
	assert.Equal(t, 3, out.Attempts)
	assert.True(t, out.Retried())
	assert.True(t, archive.Validate(dest))
	assert.Equal(t, []string{"ERA5_20060102.zip"}, dirEntries(t, dir))
	assert.Equal(t, []report.Status{report.StatusStarted, report.StatusRetrying, report.StatusRetrying, report.StatusSucceeded}, events)
	r.AssertExpectations(t)
}

func TestFetchAlwaysFailingLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	tk := task.New(2006, 1, 3)
	dest := tk.ArchivePath(dir, "ERA5")

	r := &mockRetriever{}
	r.On("Retrieve", mock.Anything, mock.Anything, dest).
		Run(func(args mock.Arguments) { writeGarbage(t, dest) }).
		Return(fmt.Errorf("%w: 503 service unavailable", fault.ErrTransport))

	out := newFetcher(r).Fetch(context.Background(), tk, dest, 3)
	assert.False(t, out.OK)
	assert.Equal(t, 3, out.Attempts)
	assert.ErrorIs(t, out.Err, fault.ErrTransport)
	assert.NoFileExists(t, dest)
	assert.Empty(t, dirEntries(t, dir))
	r.AssertNumberOfCalls(t, "Retrieve", 3)
}

func TestFetchFilesystemErrorIsNotRetried(t *testing.T) {
	dir := t.TempDir()
	tk := task.New(2006, 1, 4)
	dest := tk.ArchivePath(dir, "ERA5")

	r := &mockRetriever{}
	r.On("Retrieve", mock.Anything, mock.Anything, dest).
		Return(fault.Filesystem(errors.New("disk full")))

	out := newFetcher(r).Fetch(context.Background(), tk, dest, 5)
	assert.False(t, out.OK)
	assert.ErrorIs(t, out.Err, fault.ErrFilesystem)
	r.AssertNumberOfCalls(t, "Retrieve", 1)
}

func TestFetchReplacesInvalidExistingFile(t *testing.T) {
	dir := t.TempDir()
	tk := task.New(2006, 1, 5)
	dest := tk.ArchivePath(dir, "ERA5")
	writeGarbage(t, dest)

	r := &mockRetriever{}
	r.On("Retrieve", mock.Anything, mock.Anything, dest).
		Run(func(args mock.Arguments) {
			_, err := os.Stat(dest)
			assert.ErrorIs(t, err, os.ErrNotExist, "corrupt file must be gone before the request")
			writeValidZip(t, dest)
		}).
		Return(nil).Once()

	out := newFetcher(r).Fetch(context.Background(), tk, dest, 3)
	assert.True(t, out.OK)
	assert.False(t, out.Skipped)
	r.AssertExpectations(t)
}

func TestFetchSendsDerivedRequest(t *testing.T) {
	dir := t.TempDir()
	tk := task.New(2008, 2, 29)
	dest := tk.ArchivePath(dir, "ERA5")

	var got cds.Request
	f := newFetcher(retrieverFunc(func(ctx context.Context, req cds.Request, d string) error {
		got = req
		writeValidZip(t, d)
		return nil
	}))
	require.True(t, f.Fetch(context.Background(), tk, dest, 1).OK)
	assert.Equal(t, config.DefaultDataset, got.Dataset)
	assert.Equal(t, "2008", got.Inputs["year"])
	assert.Equal(t, []string{"02"}, got.Inputs["month"])
	assert.Equal(t, []string{"29"}, got.Inputs["day"])
	assert.Equal(t, "daily_mean", got.Inputs["daily_statistic"])
	assert.Len(t, got.Inputs["pressure_level"], 22)
}

func testConfig(dir string, workers int) config.Config {
	cfg := config.Default()
	cfg.DownloadDir = dir
	cfg.DownloadWorkers = workers
	cfg.MaxAttempts = 2
	cfg.RetryBackoff = 0
	return cfg
}

func TestRunDownloadsIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 3)

	var calls atomic.Int32
	f := newFetcher(retrieverFunc(func(ctx context.Context, req cds.Request, dest string) error {
		calls.Add(1)
		if req.Inputs["day"].([]string)[0] == "07" {
			return fmt.Errorf("%w: always broken", fault.ErrTransport)
		}
		writeValidZip(t, dest)
		return nil
	}))

	days := func(yield func(task.Task) bool) {
		for d := 1; d <= 10; d++ {
			if !yield(task.New(2006, 1, d)) {
				return
			}
		}
	}
	s := RunDownloads(context.Background(), cfg, days, f, discardLogger())

	assert.Equal(t, 10, s.Total)
	assert.Equal(t, 9, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, "20060107", s.Failures[0].Key)
	assert.EqualValues(t, 11, calls.Load(), "nine single attempts plus two for the broken day")
	assert.Len(t, dirEntries(t, dir), 9)
}

func TestRunDownloadsRecoversPanics(t *testing.T) {
	cfg := testConfig(t.TempDir(), 2)
	f := newFetcher(retrieverFunc(func(ctx context.Context, req cds.Request, dest string) error {
		if req.Inputs["day"].([]string)[0] == "02" {
			panic("retriever bug")
		}
		writeValidZip(t, dest)
		return nil
	}))
	s := RunDownloads(context.Background(), cfg, task.Range(2006, 2006), f, discardLogger())
	assert.Equal(t, 365, s.Total)
	assert.Equal(t, 12, s.Failed, "the second of every month panics")
}

func TestRunDownloadsCanceled(t *testing.T) {
	cfg := testConfig(t.TempDir(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &mockRetriever{}
	s := RunDownloads(ctx, cfg, task.Range(2006, 2006), newFetcher(r), discardLogger())
	assert.Equal(t, 365, s.Total)
	assert.Equal(t, 365, s.Failed)
	assert.Equal(t, fault.KindCanceled, fault.Kind(s.Failures[0].Err))
	r.AssertNotCalled(t, "Retrieve", mock.Anything, mock.Anything, mock.Anything)
}
