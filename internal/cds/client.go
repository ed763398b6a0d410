// Package cds retrieves datasets from a Copernicus Climate Data Store style
// processes API: submit a job, poll it, then download the produced asset.
package cds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/brensch/era5parquet/internal/fault"
	"github.com/brensch/era5parquet/internal/util"
)

// Request names a dataset and the inputs of one retrieval.
type Request struct {
	Dataset string
	Inputs  map[string]any
}

// Retriever fetches a request's result into dest. Errors wrap
// fault.ErrTransport for service problems and fault.ErrFilesystem when dest
// cannot be written.
type Retriever interface {
	Retrieve(ctx context.Context, req Request, dest string) error
}

// Job states reported by the service.
const (
	StatusAccepted   = "accepted"
	StatusRunning    = "running"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusRejected   = "rejected"
	StatusDismissed  = "dismissed"
)

// Options configures a Client.
type Options struct {
	URL             string // e.g. https://cds.climate.copernicus.eu/api
	Key             string
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	HTTPClient      *http.Client
	UserAgent       string
}

// Client is the HTTP Retriever.
type Client struct {
	base      *url.URL
	key       string
	poll      time.Duration
	maxPoll   time.Duration
	http      *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewClient validates opts and builds a client.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("cds: API URL is required")
	}
	if opts.Key == "" {
		return nil, errors.New("cds: API key is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.URL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("cds: parse API URL: %w", err)
	}
	c := &Client{
		base:      base,
		key:       opts.Key,
		poll:      opts.PollInterval,
		maxPoll:   opts.MaxPollInterval,
		http:      opts.HTTPClient,
		userAgent: opts.UserAgent,
		logger:    logger,
	}
	if c.poll <= 0 {
		c.poll = time.Second
	}
	if c.maxPoll < c.poll {
		c.maxPoll = c.poll
	}
	if c.http == nil {
		c.http = util.DefaultHTTPClient(0)
	}
	if c.userAgent == "" {
		c.userAgent = "era5parquet"
	}
	return c, nil
}

type jobStatus struct {
	JobID   string `json:"jobID"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type jobResults struct {
	Asset struct {
		Value struct {
			Href string `json:"href"`
			Size int64  `json:"file:size"`
		} `json:"value"`
	} `json:"asset"`
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Retrieve submits req, waits for the job and streams its asset to dest.
func (c *Client) Retrieve(ctx context.Context, req Request, dest string) error {
	l := c.logger.With(slog.String("dataset", req.Dataset), slog.String("dest", dest))

	job, err := c.submit(ctx, req)
	if err != nil {
		return err
	}
	l = l.With(slog.String("job_id", job.JobID))
	l.Debug("Job submitted.", slog.String("status", job.Status))

	if err := c.wait(ctx, l, job); err != nil {
		return err
	}

	var res jobResults
	if err := c.getJSON(ctx, "retrieve/v1/jobs/"+url.PathEscape(job.JobID)+"/results", &res); err != nil {
		return fmt.Errorf("job %s results: %w", job.JobID, err)
	}
	if res.Asset.Value.Href == "" {
		return fmt.Errorf("%w: job %s results carry no asset", fault.ErrTransport, job.JobID)
	}
	href, err := c.base.Parse(res.Asset.Value.Href)
	if err != nil {
		return fmt.Errorf("%w: job %s asset href %q: %w", fault.ErrTransport, job.JobID, res.Asset.Value.Href, err)
	}

	start := time.Now()
	n, err := c.download(ctx, href.String(), dest, res.Asset.Value.Size)
	if err != nil {
		return err
	}
	l.Debug("Asset downloaded.", slog.Int64("bytes", n), slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return nil
}

func (c *Client) submit(ctx context.Context, req Request) (jobStatus, error) {
	body, err := json.Marshal(map[string]any{"inputs": req.Inputs})
	if err != nil {
		return jobStatus{}, fmt.Errorf("encode request: %w", err)
	}
	ref := c.base.JoinPath("retrieve/v1/processes", url.PathEscape(req.Dataset), "execution")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ref.String(), bytes.NewReader(body))
	if err != nil {
		return jobStatus{}, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var job jobStatus
	if err := c.doJSON(httpReq, &job); err != nil {
		return jobStatus{}, fmt.Errorf("submit %s: %w", req.Dataset, err)
	}
	if job.JobID == "" {
		return jobStatus{}, fmt.Errorf("%w: submit %s: response has no job id", fault.ErrTransport, req.Dataset)
	}
	return job, nil
}

// wait polls until the job is successful or ends in a terminal failure.
func (c *Client) wait(ctx context.Context, l *slog.Logger, job jobStatus) error {
	interval := c.poll
	status := job.Status
	for {
		switch status {
		case StatusSuccessful:
			return nil
		case StatusFailed, StatusRejected, StatusDismissed:
			return fmt.Errorf("%w: job %s %s: %s", fault.ErrTransport, job.JobID, status, c.failureDetail(ctx, job.JobID))
		}

		if err := util.Sleep(ctx, interval); err != nil {
			return fmt.Errorf("%w: waiting for job %s: %w", fault.ErrCanceled, job.JobID, err)
		}
		interval = min(interval*3/2, c.maxPoll)

		var cur jobStatus
		if err := c.getJSON(ctx, "retrieve/v1/jobs/"+url.PathEscape(job.JobID), &cur); err != nil {
			return fmt.Errorf("poll job %s: %w", job.JobID, err)
		}
		if cur.Status != status {
			l.Debug("Job status changed.", slog.String("from", status), slog.String("to", cur.Status))
		}
		status = cur.Status
	}
}

// failureDetail asks the results endpoint why a job failed.
func (c *Client) failureDetail(ctx context.Context, id string) string {
	ref := c.base.JoinPath("retrieve/v1/jobs", url.PathEscape(id), "results")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.String(), nil)
	if err != nil {
		return "no detail"
	}
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return "no detail"
	}
	defer resp.Body.Close()
	var p problem
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&p); err != nil || (p.Title == "" && p.Detail == "") {
		return "no detail"
	}
	return strings.TrimSpace(p.Title + " " + p.Detail)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath(path).String(), nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("PRIVATE-TOKEN", c.key)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) doJSON(req *http.Request, out any) error {
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr(req.Context(), fmt.Errorf("%s %s: %w", req.Method, req.URL, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s: bad status %s: %s", fault.ErrTransport, req.Method, req.URL, resp.Status, util.ErrorSnippet(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %w", fault.ErrTransport, req.URL, err)
	}
	return nil
}

// download streams href into dest and returns the bytes written. dest is
// created or truncated; a failed copy leaves whatever was written for the
// caller to clean up.
func (c *Client) download(ctx context.Context, href, dest string, want int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: build asset request: %w", fault.ErrTransport, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, transportErr(ctx, fmt.Errorf("GET %s: %w", href, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: GET %s: bad status %s: %s", fault.ErrTransport, href, resp.Status, util.ErrorSnippet(resp))
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, fault.Filesystem(fmt.Errorf("create %s: %w", dest, err))
	}
	n, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		var pathErr *os.PathError
		if errors.As(copyErr, &pathErr) {
			return n, fault.Filesystem(fmt.Errorf("write %s: %w", dest, copyErr))
		}
		return n, transportErr(ctx, fmt.Errorf("read asset body after %d bytes: %w", n, copyErr))
	}
	if closeErr != nil {
		return n, fault.Filesystem(fmt.Errorf("close %s: %w", dest, closeErr))
	}
	if want > 0 && n != want {
		return n, fmt.Errorf("%w: short asset download: got %d of %d bytes", fault.ErrTransport, n, want)
	}
	return n, nil
}

// transportErr classifies err as cancellation when ctx is done, transport otherwise.
func transportErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", fault.ErrCanceled, err)
	}
	return fmt.Errorf("%w: %w", fault.ErrTransport, err)
}
