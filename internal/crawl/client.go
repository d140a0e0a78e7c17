// Package crawl talks to the external crawler service. The crawler owns
// fetching, rendering and link discovery; this client submits one job and
// streams the resulting pages back in batches, so a large site never has
// to fit in memory.
package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/models"
	"github.com/knowledge-mesh/ingest-worker/internal/runner"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// errBodyLimit caps how much of an error response gets quoted back
const errBodyLimit = 512

// crawlRequest is the submission payload for one crawl job
type crawlRequest struct {
	URL       string    `json:"url"`
	CrawlType string    `json:"crawl_type"`
	RunID     uuid.UUID `json:"run_id"`
}

// Client streams pages from the crawler over NDJSON
type Client struct {
	baseURL   string
	http      *http.Client
	batchSize int
	logger    observability.Logger
}

func New(cfg config.CrawlerConfig, logger observability.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		http:      &http.Client{Transport: transport},
		batchSize: cfg.PageBatchSize,
		logger:    logger.WithPrefix("crawl"),
	}
}

// Crawl submits the job and forwards page batches to sink as they arrive.
// Rejections the crawler will never accept (4xx) come back wrapped in
// runner.Fatal; everything else is left retryable.
func (c *Client) Crawl(ctx context.Context, job models.CrawlJob, sink runner.PageSink) error {
	payload, err := json.Marshal(crawlRequest{
		URL:       job.URL,
		CrawlType: job.CrawlType,
		RunID:     job.RunID,
	})
	if err != nil {
		return fmt.Errorf("encode crawl request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/crawls", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build crawl request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit crawl: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp)
	}

	c.logger.Debug("crawl stream open", map[string]interface{}{
		"job_id": job.JobID,
		"url":    job.URL,
	})
	return c.stream(ctx, resp.Body, sink)
}

// stream decodes NDJSON pages and flushes them to sink in batches
func (c *Client) stream(ctx context.Context, body io.Reader, sink runner.PageSink) error {
	dec := json.NewDecoder(body)
	batch := make([]models.Page, 0, c.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out := batch
		batch = make([]models.Page, 0, c.batchSize)
		return sink(ctx, out)
	}

	for {
		var page models.Page
		err := dec.Decode(&page)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("page stream broke mid-crawl: %w", err)
		}
		batch = append(batch, page)
		if len(batch) >= c.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// statusError converts a non-2xx submission response into the right
// error class. Timeouts and throttling stay retryable; any other 4xx
// means the crawler will reject this job every time.
func (c *Client) statusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	err := fmt.Errorf("crawler returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return runner.Fatal(err)
	default:
		return err
	}
}
