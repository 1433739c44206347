// Package fetcher pulls the paginated upstream catalog with a bounded
// worker pool. Pages are grouped into batches; every page in a batch is
// requested concurrently, batches themselves run strictly in sequence.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"catalogmon/internal/domain"
	"catalogmon/internal/monitoring"
)

// Sentinel errors classifying upstream failures.
var (
	// ErrServerStatus marks a 5xx response; retried with backoff.
	ErrServerStatus = errors.New("upstream server error")
	// ErrClientStatus marks a 4xx response; never retried.
	ErrClientStatus = errors.New("upstream rejected request")
	// ErrBadPayload marks a response body that does not match the
	// two-part result tuple; never retried.
	ErrBadPayload = errors.New("malformed catalog payload")
)

// PageError records a page that failed after all retry attempts. A page
// failure never aborts the overall fetch; the page is skipped.
type PageError struct {
	Page int
	Err  error
}

func (e PageError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

// BatchFunc is invoked after every completed batch with the last requested
// page number and the configured page ceiling (0 when unbounded). The
// scheduler uses it as the run heartbeat.
type BatchFunc func(currentPage, totalPages int)

// Options holds the fetcher tunables, derived from config in main.
type Options struct {
	BaseURL    string
	PageSize   int
	Workers    int
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
	BatchDelay time.Duration
	Timeout    time.Duration
	Criteria   map[string]string
}

// Client fetches catalog pages from the upstream API.
type Client struct {
	opts    Options
	http    *http.Client
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

func New(opts Options, m *monitoring.Metrics, l *zap.Logger) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = opts.Workers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		logger:  l,
		metrics: m,
	}
}

// pageQuery is the upstream request body.
type pageQuery struct {
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
	Criteria map[string]string `json:"criteria,omitempty"`
}

type pageResult struct {
	page    int
	records []domain.RawRecord
	err     error
}

// FetchAll walks the catalog until the page ceiling is hit, a page comes
// back short, or an entire batch yields no records (a fully failed batch
// also stops pagination rather than hammering a dead upstream). maxPages
// <= 0 means unbounded. The returned records are the concatenation of all
// successfully fetched pages in page order.
func (c *Client) FetchAll(ctx context.Context, maxPages int, onBatch BatchFunc) ([]domain.RawRecord, []PageError) {
	var records []domain.RawRecord
	var failures []PageError

	page := 1
	for {
		batch := c.opts.BatchSize
		if maxPages > 0 && page+batch-1 > maxPages {
			batch = maxPages - page + 1
		}
		if batch <= 0 {
			break
		}

		results := c.fetchBatch(ctx, page, batch)
		lastPage := page + batch - 1
		stop := maxPages > 0 && lastPage >= maxPages

		batchRecords := 0
		for _, res := range results {
			if res.err != nil {
				failures = append(failures, PageError{Page: res.page, Err: res.err})
				c.metrics.PageErrors.Inc()
				c.logger.Warn("page failed, skipping",
					zap.Int("page", res.page), zap.Error(res.err))
				continue
			}
			c.metrics.PagesFetched.Inc()
			batchRecords += len(res.records)
			records = append(records, res.records...)
			if len(res.records) < c.opts.PageSize {
				// Short page signals the end of the result set.
				stop = true
			}
		}
		if batchRecords == 0 {
			stop = true
		}

		if onBatch != nil {
			onBatch(lastPage, maxPages)
		}

		if stop || ctx.Err() != nil {
			break
		}

		page = lastPage + 1
		select {
		case <-ctx.Done():
			return records, failures
		case <-time.After(c.opts.BatchDelay):
		}
	}

	return records, failures
}

// fetchBatch requests count pages starting at start, at most Workers in
// flight at once, and returns the results indexed by page order.
func (c *Client) fetchBatch(ctx context.Context, start, count int) []pageResult {
	results := make([]pageResult, count)
	sem := make(chan struct{}, c.opts.Workers)
	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			page := start + i
			recs, err := c.fetchPageWithRetry(ctx, page)
			results[i] = pageResult{page: page, records: recs, err: err}
		}(i)
	}
	wg.Wait()
	return results
}

// fetchPageWithRetry retries transient failures with exponential backoff
// (RetryDelay * 2^attempt). Non-transient failures fail the page
// immediately.
func (c *Client) fetchPageWithRetry(ctx context.Context, page int) ([]domain.RawRecord, error) {
	for attempt := 0; ; attempt++ {
		recs, err := c.fetchPage(ctx, page)
		if err == nil {
			return recs, nil
		}
		if !isTransient(err) || attempt >= c.opts.MaxRetries {
			return nil, err
		}

		delay := c.opts.RetryDelay * time.Duration(1<<attempt)
		c.logger.Warn("transient fetch error, backing off",
			zap.Int("page", page), zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, page int) ([]domain.RawRecord, error) {
	body, err := json.Marshal(pageQuery{
		Page:     page,
		PageSize: c.opts.PageSize,
		Criteria: c.opts.Criteria,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http POST: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrServerStatus, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d", ErrClientStatus, resp.StatusCode)
	}

	// The upstream wraps results in a two-part tuple; the item array is
	// the second element.
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: expected 2 elements, got %d", ErrBadPayload, len(parts))
	}

	var records []domain.RawRecord
	if err := json.Unmarshal(parts[1], &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return records, nil
}

// isTransient reports whether the error is worth a retry: network-level
// failures (reset, timeout, DNS) and 5xx responses. 4xx and parse errors
// are permanent.
func isTransient(err error) bool {
	if errors.Is(err, ErrServerStatus) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
