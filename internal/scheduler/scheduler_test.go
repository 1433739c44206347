package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"catalogmon/internal/detector"
	"catalogmon/internal/domain"
	"catalogmon/internal/fetcher"
	"catalogmon/internal/monitoring"
	"catalogmon/internal/scheduler"
	"catalogmon/internal/storage"
	"catalogmon/internal/tracker"
)

// testCatalog serves a fixed number of items at a settable price. When gate
// is non-nil every request blocks until the gate closes, which lets tests
// hold a scrape run open.
type testCatalog struct {
	mu    sync.Mutex
	items int
	price float64
	gate  chan struct{}
}

func (tc *testCatalog) setPrice(p float64) {
	tc.mu.Lock()
	tc.price = p
	tc.mu.Unlock()
}

func (tc *testCatalog) handler(w http.ResponseWriter, r *http.Request) {
	tc.mu.Lock()
	gate := tc.gate
	price := tc.price
	items := tc.items
	tc.mu.Unlock()

	if gate != nil {
		<-gate
	}

	var q struct {
		Page     int `json:"page"`
		PageSize int `json:"pageSize"`
	}
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	start := (q.Page - 1) * q.PageSize
	end := start + q.PageSize
	if start > items {
		start = items
	}
	if end > items {
		end = items
	}
	records := make([]domain.RawRecord, 0, end-start)
	for i := start; i < end; i++ {
		records = append(records, domain.RawRecord{
			GoodsNo:   fmt.Sprintf("G%04d", i),
			GoodsName: fmt.Sprintf("Item %d", i),
			SalePrice: price,
			StockYn:   "Y",
		})
	}
	resp, _ := json.Marshal([]any{map[string]int{"count": items}, records})
	w.Write(resp)
}

func newScheduler(t *testing.T, baseURL string, store storage.Store) *scheduler.Scheduler {
	t.Helper()
	m := monitoring.NewMetrics(prometheus.NewRegistry())
	logger := zap.NewNop()

	f := fetcher.New(fetcher.Options{
		BaseURL:    baseURL,
		PageSize:   20,
		Workers:    2,
		BatchSize:  1,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		BatchDelay: time.Millisecond,
		Timeout:    5 * time.Second,
	}, m, logger)

	d := detector.New(store, 10, m, logger)
	tr := tracker.New(store, logger)

	return scheduler.New(store, f, d, tr, m, logger, scheduler.Options{
		MaxPages:         0,
		InactiveAfter:    48 * time.Hour,
		HeartbeatTimeout: 60 * time.Second,
		ZombieTimeout:    30 * time.Minute,
		Retention:        90 * 24 * time.Hour,
		ScrapeSpec:       "@every 2h",
		ReportSpec:       "@daily",
		CleanupSpec:      "@weekly",
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── run lifecycle ──────────────────────────────────────────────────────────

func TestTriggerScrape_RecordsCompletedRun(t *testing.T) {
	tc := &testCatalog{items: 25, price: 100}
	srv := httptest.NewServer(http.HandlerFunc(tc.handler))
	defer srv.Close()

	store := storage.NewMemStore()
	s := newScheduler(t, srv.URL, store)

	if err := s.TriggerScrape(context.Background()); err != nil {
		t.Fatalf("TriggerScrape returned error: %v", err)
	}

	runs, _ := store.ListRuns(context.Background(), 0)
	if len(runs) != 1 {
		t.Fatalf("run rows = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if run.ProductsProcessed != 25 || run.NewProducts != 25 {
		t.Errorf("counts = %d processed / %d new, want 25/25", run.ProductsProcessed, run.NewProducts)
	}
	if run.PriceChanges != 0 || run.AlertsGenerated != 0 {
		t.Errorf("first run must not register changes or alerts, got %d/%d",
			run.PriceChanges, run.AlertsGenerated)
	}
	if run.LastHeartbeat == nil {
		t.Error("run must have a heartbeat after fetching")
	}
	if run.CurrentPage != 2 {
		t.Errorf("currentPage = %d, want 2 (20 + 5 items across two pages)", run.CurrentPage)
	}
	if run.EndTime == nil {
		t.Error("completed run must have an end time")
	}
}

func TestTriggerScrape_SecondRunDetectsChanges(t *testing.T) {
	tc := &testCatalog{items: 5, price: 100}
	srv := httptest.NewServer(http.HandlerFunc(tc.handler))
	defer srv.Close()

	store := storage.NewMemStore()
	s := newScheduler(t, srv.URL, store)
	ctx := context.Background()

	if err := s.TriggerScrape(ctx); err != nil {
		t.Fatalf("first scrape: %v", err)
	}
	tc.setPrice(80) // -20% on every item
	if err := s.TriggerScrape(ctx); err != nil {
		t.Fatalf("second scrape: %v", err)
	}

	runs, _ := store.ListRuns(ctx, 1)
	run := runs[0]
	if run.PriceChanges != 5 {
		t.Errorf("priceChanges = %d, want 5", run.PriceChanges)
	}
	if run.AlertsGenerated != 5 {
		t.Errorf("alertsGenerated = %d, want 5", run.AlertsGenerated)
	}

	alerts, _ := store.ListAlerts(ctx, 0)
	for _, a := range alerts {
		if a.AlertType != domain.AlertPriceDrop {
			t.Errorf("alertType = %s, want price_drop", a.AlertType)
		}
	}
}

// ── single-flight ──────────────────────────────────────────────────────────

func TestTriggerScrape_SingleFlight(t *testing.T) {
	gate := make(chan struct{})
	tc := &testCatalog{items: 5, price: 100, gate: gate}
	srv := httptest.NewServer(http.HandlerFunc(tc.handler))
	defer srv.Close()

	store := storage.NewMemStore()
	s := newScheduler(t, srv.URL, store)
	ctx := context.Background()

	if err := s.TriggerScrapeAsync(ctx); err != nil {
		t.Fatalf("async trigger: %v", err)
	}
	waitFor(t, "run row to appear", func() bool {
		runs, _ := store.RunningRuns(ctx)
		return len(runs) == 1
	})

	if err := s.TriggerScrape(ctx); !errors.Is(err, scheduler.ErrScrapeInProgress) {
		t.Errorf("concurrent trigger err = %v, want ErrScrapeInProgress", err)
	}
	if err := s.TriggerScrapeAsync(ctx); !errors.Is(err, scheduler.ErrScrapeInProgress) {
		t.Errorf("concurrent async trigger err = %v, want ErrScrapeInProgress", err)
	}

	running, _ := store.RunningRuns(ctx)
	if len(running) != 1 {
		t.Errorf("running rows = %d, want exactly 1", len(running))
	}

	close(gate)
	waitFor(t, "run to complete", func() bool {
		runs, _ := store.ListRuns(ctx, 0)
		return len(runs) == 1 && runs[0].Status == domain.RunCompleted
	})

	// Guard released: a new trigger is accepted again.
	if err := s.TriggerScrape(ctx); err != nil {
		t.Errorf("trigger after completion err = %v, want nil", err)
	}
}

// ── shutdown and failure paths ─────────────────────────────────────────────

// ctxCheckStore refuses run updates once its context is cancelled, the way
// a real database client would.
type ctxCheckStore struct{ *storage.MemStore }

func (s ctxCheckStore) UpdateRun(ctx context.Context, id int64, upd storage.RunUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemStore.UpdateRun(ctx, id, upd)
}

func TestShutdown_FinalizesInFlightRun(t *testing.T) {
	gate := make(chan struct{})
	tc := &testCatalog{items: 5, price: 100, gate: gate}
	srv := httptest.NewServer(http.HandlerFunc(tc.handler))
	defer srv.Close()

	mem := storage.NewMemStore()
	s := newScheduler(t, srv.URL, ctxCheckStore{mem})
	ctx, cancel := context.WithCancel(context.Background())

	if err := s.TriggerScrapeAsync(ctx); err != nil {
		t.Fatalf("async trigger: %v", err)
	}
	waitFor(t, "run row to appear", func() bool {
		runs, _ := mem.RunningRuns(context.Background())
		return len(runs) == 1
	})

	// Shutdown arrives mid-run: the context dies, the upstream unblocks,
	// and Stop must wait for the run to reach a terminal status.
	cancel()
	close(gate)
	s.Stop()

	runs, _ := mem.ListRuns(context.Background(), 0)
	if len(runs) != 1 {
		t.Fatalf("run rows = %d, want 1", len(runs))
	}
	if runs[0].Status == domain.RunRunning {
		t.Fatalf("run left in status %s after shutdown, want a terminal status", runs[0].Status)
	}
	if runs[0].EndTime == nil {
		t.Error("run finalized during shutdown must have an end time")
	}
}

// faultyStore blows up on the first heartbeat, simulating a storage
// failure deep inside a run.
type faultyStore struct{ *storage.MemStore }

func (s faultyStore) Heartbeat(context.Context, int64, int, int) error {
	panic("store connection lost")
}

func TestTriggerScrape_PanicFinalizesRunAsFailed(t *testing.T) {
	tc := &testCatalog{items: 5, price: 100}
	srv := httptest.NewServer(http.HandlerFunc(tc.handler))
	defer srv.Close()

	mem := storage.NewMemStore()
	s := newScheduler(t, srv.URL, faultyStore{mem})
	ctx := context.Background()

	if err := s.TriggerScrape(ctx); err != nil {
		t.Fatalf("TriggerScrape returned error: %v", err)
	}

	runs, _ := mem.ListRuns(ctx, 0)
	if len(runs) != 1 {
		t.Fatalf("run rows = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != domain.RunFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if !strings.Contains(run.ErrorMessage, "panic") {
		t.Errorf("errorMessage = %q, want the panic notice", run.ErrorMessage)
	}
	if !strings.Contains(run.ErrorDetails, "goroutine") {
		t.Error("errorDetails must carry the stack trace")
	}

	// Guard released: the next trigger is accepted, not rejected.
	if err := s.TriggerScrape(ctx); errors.Is(err, scheduler.ErrScrapeInProgress) {
		t.Fatal("guard not released after panic")
	}
}

// ── zombie recovery ────────────────────────────────────────────────────────

func TestCleanupZombies_FailsStuckRuns(t *testing.T) {
	tc := &testCatalog{items: 0, price: 100}
	srv := httptest.NewServer(http.HandlerFunc(tc.handler))
	defer srv.Close()

	store := storage.NewMemStore()
	s := newScheduler(t, srv.URL, store)
	ctx := context.Background()

	id, _ := store.InsertRun(ctx, &domain.ScrapeRun{
		TaskType: domain.TaskScrape, Status: domain.RunRunning, StartTime: time.Now(),
	})
	store.SetStartTime(id, time.Now().Add(-45*time.Minute))

	s.CleanupZombies(ctx)

	run, _ := store.GetRun(id)
	if run.Status != domain.RunFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if run.ErrorMessage == "" {
		t.Error("zombie run must carry a synthetic error message")
	}

	// Repeat is a no-op.
	s.CleanupZombies(ctx)
	again, _ := store.GetRun(id)
	if again.Status != domain.RunFailed {
		t.Errorf("second cleanup changed status to %s", again.Status)
	}
}

func TestTriggerScrape_RecoversZombiesBeforeRunning(t *testing.T) {
	tc := &testCatalog{items: 0, price: 100}
	srv := httptest.NewServer(http.HandlerFunc(tc.handler))
	defer srv.Close()

	store := storage.NewMemStore()
	s := newScheduler(t, srv.URL, store)
	ctx := context.Background()

	id, _ := store.InsertRun(ctx, &domain.ScrapeRun{
		TaskType: domain.TaskScrape, Status: domain.RunRunning, StartTime: time.Now(),
	})
	store.SetStartTime(id, time.Now().Add(-2*time.Hour))

	if err := s.TriggerScrape(ctx); err != nil {
		t.Fatalf("TriggerScrape: %v", err)
	}

	zombie, _ := store.GetRun(id)
	if zombie.Status != domain.RunFailed {
		t.Errorf("stuck run status = %s, want failed before the new run starts", zombie.Status)
	}
	running, _ := store.RunningRuns(ctx)
	if len(running) != 0 {
		t.Errorf("running rows = %d, want 0 after the scrape", len(running))
	}
}

// ── report and retention tasks ─────────────────────────────────────────────

func TestRunReport_RecordsReportRun(t *testing.T) {
	tc := &testCatalog{items: 0, price: 100}
	srv := httptest.NewServer(http.HandlerFunc(tc.handler))
	defer srv.Close()

	store := storage.NewMemStore()
	s := newScheduler(t, srv.URL, store)
	ctx := context.Background()

	store.UpsertProduct(ctx, &domain.Product{Code: "P1"})
	s.RunReport(ctx)

	runs, _ := store.ListRuns(ctx, 0)
	if len(runs) != 1 {
		t.Fatalf("run rows = %d, want 1", len(runs))
	}
	if runs[0].TaskType != domain.TaskReport || runs[0].Status != domain.RunCompleted {
		t.Errorf("run = %s/%s, want report/completed", runs[0].TaskType, runs[0].Status)
	}
	if runs[0].ProductsProcessed != 1 {
		t.Errorf("report products = %d, want 1", runs[0].ProductsProcessed)
	}
}

func TestRunRetention_PurgesOldRows(t *testing.T) {
	tc := &testCatalog{items: 0, price: 100}
	srv := httptest.NewServer(http.HandlerFunc(tc.handler))
	defer srv.Close()

	store := storage.NewMemStore()
	s := newScheduler(t, srv.URL, store)
	ctx := context.Background()

	store.UpsertProduct(ctx, &domain.Product{Code: "P1"})
	store.InsertSnapshot(ctx, &domain.PriceSnapshot{
		ProductCode: "P1", Price: 100, RecordedAt: time.Now().Add(-100 * 24 * time.Hour),
	})
	store.InsertSnapshot(ctx, &domain.PriceSnapshot{
		ProductCode: "P1", Price: 90, RecordedAt: time.Now(),
	})

	s.RunRetention(ctx)

	history, _ := store.SnapshotHistory(ctx, "P1", 0)
	if len(history) != 1 {
		t.Fatalf("snapshots after retention = %d, want 1", len(history))
	}
	if history[0].Price != 90 {
		t.Errorf("surviving snapshot price = %v, want the recent one (90)", history[0].Price)
	}

	p, err := store.GetProduct(ctx, "P1")
	if err != nil || p == nil {
		t.Error("retention must never delete products")
	}

	runs, _ := store.ListRuns(ctx, 1)
	if runs[0].TaskType != domain.TaskCleanup || runs[0].Status != domain.RunCompleted {
		t.Errorf("run = %s/%s, want cleanup/completed", runs[0].TaskType, runs[0].Status)
	}
}
