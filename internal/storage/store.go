package storage

import (
	"context"
	"time"

	"catalogmon/internal/domain"
)

// RunUpdate carries the fields set when a run is finalized.
type RunUpdate struct {
	Status            string
	EndTime           time.Time
	DurationMs        int64
	ProductsProcessed int
	NewProducts       int
	PriceChanges      int
	AlertsGenerated   int
	ErrorMessage      string
	ErrorDetails      string
}

// ProductFilter narrows the product listing served by the read API.
type ProductFilter struct {
	Category   string
	Gender     string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Store is the persistence contract shared by the scrape pipeline and the
// read API. PostgresStore is the production implementation; MemStore backs
// the tests.
type Store interface {
	// Write side, used by the pipeline.
	UpsertProduct(ctx context.Context, p *domain.Product) (created bool, err error)
	LatestSnapshot(ctx context.Context, code string) (*domain.PriceSnapshot, error)
	InsertSnapshot(ctx context.Context, s *domain.PriceSnapshot) (int64, error)
	InsertAlert(ctx context.Context, a *domain.Alert) (int64, error)
	MarkInactive(ctx context.Context, olderThan time.Duration) (int64, error)

	// Run lifecycle.
	InsertRun(ctx context.Context, r *domain.ScrapeRun) (int64, error)
	UpdateRun(ctx context.Context, id int64, upd RunUpdate) error
	Heartbeat(ctx context.Context, id int64, currentPage, totalPages int) error
	RunningRuns(ctx context.Context) ([]domain.ScrapeRun, error)
	StaleRuns(ctx context.Context, timeout time.Duration) ([]domain.ScrapeRun, error)
	ActiveRuns(ctx context.Context, timeout time.Duration) ([]domain.ScrapeRun, error)
	FailZombieRuns(ctx context.Context, olderThan time.Duration, message string) (int64, error)

	// Retention.
	PurgeOlderThan(ctx context.Context, retention time.Duration) (snapshots, alerts int64, err error)

	// Read side, used by the HTTP API and the report task.
	ListProducts(ctx context.Context, f ProductFilter) ([]domain.Product, error)
	GetProduct(ctx context.Context, code string) (*domain.Product, error)
	SnapshotHistory(ctx context.Context, code string, limit int) ([]domain.PriceSnapshot, error)
	ListAlerts(ctx context.Context, limit int) ([]domain.Alert, error)
	ListRuns(ctx context.Context, limit int) ([]domain.ScrapeRun, error)
	Stats(ctx context.Context) (*domain.Stats, error)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemStore)(nil)
)
