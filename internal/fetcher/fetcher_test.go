package fetcher_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"catalogmon/internal/domain"
	"catalogmon/internal/fetcher"
	"catalogmon/internal/monitoring"
)

type pageQuery struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// catalogServer serves totalItems fake records across pages, recording how
// often each page was requested. failures maps page -> list of status codes
// to return before succeeding (0 means drop the connection).
type catalogServer struct {
	mu         sync.Mutex
	totalItems int
	requests   map[int]int
	failures   map[int][]int
}

func newCatalogServer(totalItems int) *catalogServer {
	return &catalogServer{
		totalItems: totalItems,
		requests:   make(map[int]int),
		failures:   make(map[int][]int),
	}
}

func (cs *catalogServer) handler(w http.ResponseWriter, r *http.Request) {
	var q pageQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	cs.mu.Lock()
	cs.requests[q.Page]++
	var status int
	if codes := cs.failures[q.Page]; len(codes) > 0 {
		status = codes[0]
		cs.failures[q.Page] = codes[1:]
	}
	cs.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	start := (q.Page - 1) * q.PageSize
	end := start + q.PageSize
	if start > cs.totalItems {
		start = cs.totalItems
	}
	if end > cs.totalItems {
		end = cs.totalItems
	}

	items := make([]domain.RawRecord, 0, end-start)
	for i := start; i < end; i++ {
		items = append(items, domain.RawRecord{
			GoodsNo:   fmt.Sprintf("G%04d", i),
			GoodsName: fmt.Sprintf("Item %d", i),
			SalePrice: 100,
			StockYn:   "Y",
		})
	}

	meta := map[string]int{"count": cs.totalItems}
	resp, _ := json.Marshal([]any{meta, items})
	w.Header().Set("Content-Type", "application/json")
	w.Write(resp)
}

func (cs *catalogServer) requestCount(page int) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.requests[page]
}

func (cs *catalogServer) totalRequests() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for _, c := range cs.requests {
		n += c
	}
	return n
}

func newClient(t *testing.T, baseURL string, pageSize, batchSize, retries int) *fetcher.Client {
	t.Helper()
	m := monitoring.NewMetrics(prometheus.NewRegistry())
	return fetcher.New(fetcher.Options{
		BaseURL:    baseURL,
		PageSize:   pageSize,
		Workers:    3,
		BatchSize:  batchSize,
		MaxRetries: retries,
		RetryDelay: time.Millisecond,
		BatchDelay: time.Millisecond,
		Timeout:    2 * time.Second,
	}, m, zap.NewNop())
}

// ── pagination termination ─────────────────────────────────────────────────

func TestFetchAll_StopsOnShortPage(t *testing.T) {
	cs := newCatalogServer(45)
	srv := httptest.NewServer(http.HandlerFunc(cs.handler))
	defer srv.Close()

	c := newClient(t, srv.URL, 20, 1, 0)
	records, failures := c.FetchAll(context.Background(), 0, nil)

	if len(records) != 45 {
		t.Errorf("records = %d, want 45 (20+20+5)", len(records))
	}
	if len(failures) != 0 {
		t.Errorf("failures = %v, want none", failures)
	}
	if got := cs.totalRequests(); got != 3 {
		t.Errorf("requests = %d, want exactly 3 (stop on short page 3)", got)
	}
}

func TestFetchAll_StopsOnEmptyBatch(t *testing.T) {
	cs := newCatalogServer(0)
	srv := httptest.NewServer(http.HandlerFunc(cs.handler))
	defer srv.Close()

	c := newClient(t, srv.URL, 20, 3, 0)
	records, _ := c.FetchAll(context.Background(), 0, nil)

	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
	if got := cs.totalRequests(); got != 3 {
		t.Errorf("requests = %d, want one batch of 3", got)
	}
}

func TestFetchAll_HonorsPageCeiling(t *testing.T) {
	cs := newCatalogServer(1000)
	srv := httptest.NewServer(http.HandlerFunc(cs.handler))
	defer srv.Close()

	c := newClient(t, srv.URL, 10, 2, 0)
	records, _ := c.FetchAll(context.Background(), 3, nil)

	if len(records) != 30 {
		t.Errorf("records = %d, want 30 (ceiling of 3 pages)", len(records))
	}
	if got := cs.totalRequests(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

// ── retries ────────────────────────────────────────────────────────────────

func TestFetchAll_RetriesTransientThenSucceeds(t *testing.T) {
	cs := newCatalogServer(15)
	cs.failures[1] = []int{500, 503}
	srv := httptest.NewServer(http.HandlerFunc(cs.handler))
	defer srv.Close()

	c := newClient(t, srv.URL, 20, 1, 3)
	records, failures := c.FetchAll(context.Background(), 0, nil)

	if len(failures) != 0 {
		t.Fatalf("failures = %v, want none", failures)
	}
	if len(records) != 15 {
		t.Errorf("records = %d, want 15, page must appear exactly once", len(records))
	}
	if got := cs.requestCount(1); got != 3 {
		t.Errorf("page 1 attempts = %d, want 3 (two failures then success)", got)
	}
}

func TestFetchAll_ClientErrorNotRetried(t *testing.T) {
	cs := newCatalogServer(45)
	cs.failures[2] = []int{404, 404, 404, 404}
	srv := httptest.NewServer(http.HandlerFunc(cs.handler))
	defer srv.Close()

	c := newClient(t, srv.URL, 20, 3, 3)
	records, failures := c.FetchAll(context.Background(), 0, nil)

	if got := cs.requestCount(2); got != 1 {
		t.Errorf("page 2 attempts = %d, want 1 (4xx is permanent)", got)
	}
	if len(failures) != 1 || failures[0].Page != 2 {
		t.Fatalf("failures = %v, want exactly page 2", failures)
	}
	// Pages 1 and 3 still contribute: 20 + 5.
	if len(records) != 25 {
		t.Errorf("records = %d, want 25 (failed page skipped, fetch continues)", len(records))
	}
}

func TestFetchAll_ExhaustedRetriesRecordedAsFailure(t *testing.T) {
	cs := newCatalogServer(25)
	cs.failures[1] = []int{500, 500, 500}
	srv := httptest.NewServer(http.HandlerFunc(cs.handler))
	defer srv.Close()

	c := newClient(t, srv.URL, 20, 2, 2)
	records, failures := c.FetchAll(context.Background(), 0, nil)

	if got := cs.requestCount(1); got != 3 {
		t.Errorf("page 1 attempts = %d, want 3 (initial + 2 retries)", got)
	}
	if len(failures) != 1 || failures[0].Page != 1 {
		t.Fatalf("failures = %v, want exactly page 1", failures)
	}
	if len(records) != 5 {
		t.Errorf("records = %d, want 5 from page 2", len(records))
	}
}

// ── heartbeat hook ─────────────────────────────────────────────────────────

func TestFetchAll_InvokesOnBatchPerBatch(t *testing.T) {
	cs := newCatalogServer(100)
	srv := httptest.NewServer(http.HandlerFunc(cs.handler))
	defer srv.Close()

	var mu sync.Mutex
	var calls [][2]int
	c := newClient(t, srv.URL, 10, 2, 0)
	c.FetchAll(context.Background(), 6, func(page, total int) {
		mu.Lock()
		calls = append(calls, [2]int{page, total})
		mu.Unlock()
	})

	want := [][2]int{{2, 6}, {4, 6}, {6, 6}}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != len(want) {
		t.Fatalf("onBatch calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("onBatch call %d = %v, want %v", i, calls[i], want[i])
		}
	}
}

func TestFetchAll_CancelledContextStops(t *testing.T) {
	cs := newCatalogServer(10000)
	srv := httptest.NewServer(http.HandlerFunc(cs.handler))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := newClient(t, srv.URL, 10, 1, 0)
	c.FetchAll(ctx, 0, func(page, total int) {
		if page >= 2 {
			cancel()
		}
	})

	if got := cs.totalRequests(); got > 3 {
		t.Errorf("requests = %d, fetch should stop promptly after cancellation", got)
	}
}
