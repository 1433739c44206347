// Package scheduler owns the recurring tasks: the catalog scrape, the
// daily report, and the weekly retention cleanup. Only the scrape is
// single-flight guarded; the guard covers timer and manual triggers alike.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"catalogmon/internal/detector"
	"catalogmon/internal/domain"
	"catalogmon/internal/fetcher"
	"catalogmon/internal/monitoring"
	"catalogmon/internal/parser"
	"catalogmon/internal/storage"
	"catalogmon/internal/tracker"
)

// ErrScrapeInProgress is returned when a trigger arrives while a scrape
// run is still running.
var ErrScrapeInProgress = errors.New("scrape already in progress")

const zombieMessage = "run exceeded zombie timeout; presumed crashed"

// Task is one recurring job: a cron spec plus a handler. Disabled tasks
// are registered nowhere.
type Task struct {
	Name    string
	Spec    string
	Enabled bool
	Run     func(ctx context.Context)
}

// Options holds the scheduler tunables, derived from config in main.
type Options struct {
	MaxPages         int
	InactiveAfter    time.Duration
	HeartbeatTimeout time.Duration
	ZombieTimeout    time.Duration
	Retention        time.Duration
	ScrapeSpec       string
	ReportSpec       string
	CleanupSpec      string
}

// Scheduler wires Fetcher → Parser → Detector → Tracker into one run and
// drives the timers.
type Scheduler struct {
	cron     *cron.Cron
	store    storage.Store
	fetch    *fetcher.Client
	detect   *detector.Detector
	track    *tracker.Tracker
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	opts     Options
	scraping atomic.Bool
	inflight sync.WaitGroup
}

func New(store storage.Store, f *fetcher.Client, d *detector.Detector, t *tracker.Tracker,
	m *monitoring.Metrics, l *zap.Logger, opts Options) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		store:   store,
		fetch:   f,
		detect:  d,
		track:   t,
		metrics: m,
		logger:  l,
		opts:    opts,
	}
}

func (s *Scheduler) tasks() []Task {
	return []Task{
		{
			Name: domain.TaskScrape, Spec: s.opts.ScrapeSpec, Enabled: true,
			Run: func(ctx context.Context) {
				if err := s.TriggerScrape(ctx); errors.Is(err, ErrScrapeInProgress) {
					s.logger.Warn("scrape tick skipped, previous run still running")
				}
			},
		},
		{Name: domain.TaskReport, Spec: s.opts.ReportSpec, Enabled: true, Run: s.RunReport},
		{Name: domain.TaskCleanup, Spec: s.opts.CleanupSpec, Enabled: true, Run: s.RunRetention},
	}
}

// Start recovers zombie runs left over from a previous process, registers
// the recurring tasks, and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.CleanupZombies(ctx)

	for _, t := range s.tasks() {
		if !t.Enabled {
			continue
		}
		run := t.Run
		if _, err := s.cron.AddFunc(t.Spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("register task %s: %w", t.Name, err)
		}
		s.logger.Info("task registered", zap.String("task", t.Name), zap.String("spec", t.Spec))
	}

	s.cron.Start()
	return nil
}

// Stop halts the timers and waits for any in-flight task to finish,
// including scrapes started through TriggerScrapeAsync.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.inflight.Wait()
	s.logger.Info("scheduler stopped")
}

// TriggerScrape runs one scrape synchronously. Timer ticks and manual
// triggers share this path and its single-flight guard; a second caller
// gets ErrScrapeInProgress instead of a second run.
func (s *Scheduler) TriggerScrape(ctx context.Context) error {
	if !s.scraping.CompareAndSwap(false, true) {
		return ErrScrapeInProgress
	}
	defer s.scraping.Store(false)

	s.runScrape(ctx)
	return nil
}

// TriggerScrapeAsync acquires the single-flight guard and runs the scrape
// in the background; used by the manual-trigger API endpoint.
func (s *Scheduler) TriggerScrapeAsync(ctx context.Context) error {
	if !s.scraping.CompareAndSwap(false, true) {
		return ErrScrapeInProgress
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.scraping.Store(false)
		s.runScrape(ctx)
	}()
	return nil
}

type runCounts struct {
	processed    int
	newProducts  int
	priceChanges int
	alerts       int
}

// runScrape executes one full pipeline pass under an already-held guard.
// Page and product errors are isolated; only a panic escaping the driver
// marks the run failed.
func (s *Scheduler) runScrape(ctx context.Context) {
	s.CleanupZombies(ctx)

	start := time.Now()
	run := &domain.ScrapeRun{TaskType: domain.TaskScrape, Status: domain.RunRunning, StartTime: start}
	runID, err := s.store.InsertRun(ctx, run)
	if err != nil {
		s.logger.Error("cannot record scrape run, aborting", zap.Error(err))
		return
	}

	var counts runCounts
	defer func() {
		if r := recover(); r != nil {
			s.finalizeRun(ctx, runID, domain.TaskScrape, start, domain.RunFailed, counts,
				fmt.Sprintf("panic: %v", r), string(debug.Stack()))
		}
	}()

	s.logger.Info("scrape run started", zap.Int64("run_id", runID))

	records, pageErrs := s.fetch.FetchAll(ctx, s.opts.MaxPages, func(page, total int) {
		if err := s.store.Heartbeat(ctx, runID, page, total); err != nil {
			s.logger.Warn("heartbeat update failed", zap.Int64("run_id", runID), zap.Error(err))
		}
	})

	observedAt := time.Now()
	for _, raw := range records {
		obs, err := parser.Normalize(raw, observedAt)
		if err != nil {
			s.logger.Warn("skipping unparseable record", zap.Error(err))
			continue
		}
		res, err := s.detect.Apply(ctx, obs)
		if err != nil {
			s.logger.Error("product processing failed, skipping",
				zap.String("code", obs.Code), zap.Error(err))
			continue
		}
		counts.processed++
		s.metrics.ProductsProcessed.Inc()
		if res.NewProduct {
			counts.newProducts++
		}
		if res.SnapshotWritten && !res.NewProduct {
			counts.priceChanges++
		}
		if res.Alert != nil {
			counts.alerts++
		}
	}

	if _, err := s.track.Sweep(ctx, s.opts.InactiveAfter); err != nil {
		s.logger.Error("inactivity sweep failed", zap.Error(err))
	}

	details := ""
	if len(pageErrs) > 0 {
		msgs := make([]string, 0, len(pageErrs))
		for _, pe := range pageErrs {
			msgs = append(msgs, pe.Error())
		}
		details = strings.Join(msgs, "; ")
	}
	s.finalizeRun(ctx, runID, domain.TaskScrape, start, domain.RunCompleted, counts, "", details)

	s.logger.Info("scrape run completed",
		zap.Int64("run_id", runID),
		zap.Int("products", counts.processed),
		zap.Int("new_products", counts.newProducts),
		zap.Int("price_changes", counts.priceChanges),
		zap.Int("alerts", counts.alerts),
		zap.Int("page_errors", len(pageErrs)),
		zap.Duration("duration", time.Since(start)))
}

func (s *Scheduler) finalizeRun(ctx context.Context, id int64, task string, start time.Time,
	status string, counts runCounts, errMsg, errDetails string) {
	// The run row must reach a terminal status even when shutdown has
	// already cancelled the pipeline context.
	ctx = context.WithoutCancel(ctx)
	end := time.Now()
	upd := storage.RunUpdate{
		Status:            status,
		EndTime:           end,
		DurationMs:        end.Sub(start).Milliseconds(),
		ProductsProcessed: counts.processed,
		NewProducts:       counts.newProducts,
		PriceChanges:      counts.priceChanges,
		AlertsGenerated:   counts.alerts,
		ErrorMessage:      errMsg,
		ErrorDetails:      errDetails,
	}
	if err := s.store.UpdateRun(ctx, id, upd); err != nil {
		s.logger.Error("failed to finalize run", zap.Int64("run_id", id), zap.Error(err))
	}
	s.metrics.RunsTotal.WithLabelValues(task, status).Inc()
	if task == domain.TaskScrape {
		s.metrics.RunDuration.Observe(end.Sub(start).Seconds())
	}
}

// CleanupZombies force-fails running rows whose start time exceeds the
// zombie timeout. Idempotent; called at startup and before each scrape.
func (s *Scheduler) CleanupZombies(ctx context.Context) {
	if stale, err := s.store.StaleRuns(ctx, s.opts.HeartbeatTimeout); err == nil && len(stale) > 0 {
		// Stale but not yet past the zombie timeout: observed, not touched.
		s.logger.Warn("runs with stale heartbeats detected", zap.Int("count", len(stale)))
	}

	n, err := s.store.FailZombieRuns(ctx, s.opts.ZombieTimeout, zombieMessage)
	if err != nil {
		s.logger.Error("zombie cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("recovered zombie runs", zap.Int64("count", n))
	}
}

// RunReport records a daily summary as a run row of its own task type.
func (s *Scheduler) RunReport(ctx context.Context) {
	start := time.Now()
	run := &domain.ScrapeRun{TaskType: domain.TaskReport, Status: domain.RunRunning, StartTime: start}
	runID, err := s.store.InsertRun(ctx, run)
	if err != nil {
		s.logger.Error("cannot record report run", zap.Error(err))
		return
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.finalizeRun(ctx, runID, domain.TaskReport, start, domain.RunFailed, runCounts{}, err.Error(), "")
		return
	}

	s.logger.Info("daily report",
		zap.Int64("products", stats.Products),
		zap.Int64("active_products", stats.ActiveProducts),
		zap.Int64("snapshots", stats.Snapshots),
		zap.Int64("alerts_24h", stats.AlertsLast24h),
		zap.Int64("failed_runs", stats.FailedRuns))

	counts := runCounts{
		processed: int(stats.Products),
		alerts:    int(stats.AlertsLast24h),
	}
	s.finalizeRun(ctx, runID, domain.TaskReport, start, domain.RunCompleted, counts, "", "")
}

// RunRetention deletes snapshots and alerts outside the retention window.
// Products and run rows are kept.
func (s *Scheduler) RunRetention(ctx context.Context) {
	start := time.Now()
	run := &domain.ScrapeRun{TaskType: domain.TaskCleanup, Status: domain.RunRunning, StartTime: start}
	runID, err := s.store.InsertRun(ctx, run)
	if err != nil {
		s.logger.Error("cannot record cleanup run", zap.Error(err))
		return
	}

	snaps, alerts, err := s.store.PurgeOlderThan(ctx, s.opts.Retention)
	if err != nil {
		s.finalizeRun(ctx, runID, domain.TaskCleanup, start, domain.RunFailed, runCounts{}, err.Error(), "")
		return
	}

	s.logger.Info("retention cleanup done",
		zap.Int64("snapshots_purged", snaps),
		zap.Int64("alerts_purged", alerts),
		zap.Duration("retention", s.opts.Retention))
	s.finalizeRun(ctx, runID, domain.TaskCleanup, start, domain.RunCompleted, runCounts{}, "", "")
}
