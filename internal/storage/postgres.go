package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"catalogmon/internal/domain"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("not found")

// PostgresStore handles interactions with the PostgreSQL database.
// An optional SnapshotCache fronts the latest-snapshot lookup; a cache
// failure is never fatal, Postgres stays the source of truth.
type PostgresStore struct {
	db    *pgxpool.Pool
	cache *SnapshotCache
}

func NewPostgresStore(ctx context.Context, connStr string, cache *SnapshotCache) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	s := &PostgresStore{db: db, cache: cache}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema init: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		code         TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		name_en      TEXT NOT NULL DEFAULT '',
		category     TEXT NOT NULL DEFAULT '',
		gender       TEXT NOT NULL DEFAULT '',
		season       TEXT NOT NULL DEFAULT '',
		material     TEXT NOT NULL DEFAULT '',
		image_url    TEXT NOT NULL DEFAULT '',
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS price_snapshots (
		id           BIGSERIAL PRIMARY KEY,
		product_code TEXT NOT NULL REFERENCES products(code),
		origin_price DOUBLE PRECISION NOT NULL,
		price        DOUBLE PRECISION NOT NULL,
		min_price    DOUBLE PRECISION NOT NULL,
		max_price    DOUBLE PRECISION NOT NULL,
		in_stock     BOOLEAN NOT NULL,
		sizes        JSONB NOT NULL DEFAULT '[]',
		colors       JSONB NOT NULL DEFAULT '[]',
		sales_count  INT NOT NULL DEFAULT 0,
		eval_count   INT NOT NULL DEFAULT 0,
		score        DOUBLE PRECISION NOT NULL DEFAULT 0,
		recorded_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_code_id ON price_snapshots (product_code, id DESC);
	CREATE INDEX IF NOT EXISTS idx_snapshots_recorded ON price_snapshots (recorded_at);
	CREATE TABLE IF NOT EXISTS alerts (
		id             BIGSERIAL PRIMARY KEY,
		product_code   TEXT NOT NULL REFERENCES products(code),
		alert_type     TEXT NOT NULL,
		prev_price     DOUBLE PRECISION NOT NULL,
		curr_price     DOUBLE PRECISION NOT NULL,
		change_amount  DOUBLE PRECISION NOT NULL,
		change_percent DOUBLE PRECISION NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_code ON alerts (product_code);
	CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts (created_at);
	CREATE TABLE IF NOT EXISTS scrape_runs (
		id                 BIGSERIAL PRIMARY KEY,
		task_type          TEXT NOT NULL,
		status             TEXT NOT NULL,
		start_time         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		end_time           TIMESTAMPTZ,
		duration_ms        BIGINT NOT NULL DEFAULT 0,
		products_processed INT NOT NULL DEFAULT 0,
		new_products       INT NOT NULL DEFAULT 0,
		price_changes      INT NOT NULL DEFAULT 0,
		alerts_generated   INT NOT NULL DEFAULT 0,
		error_message      TEXT NOT NULL DEFAULT '',
		error_details      TEXT NOT NULL DEFAULT '',
		last_heartbeat     TIMESTAMPTZ,
		current_page       INT NOT NULL DEFAULT 0,
		total_pages        INT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON scrape_runs (status);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// UpsertProduct inserts or refreshes the identity row for a product.
// created_at is preserved on conflict; last_seen_at is always advanced and
// is_active reset to true.
func (s *PostgresStore) UpsertProduct(ctx context.Context, p *domain.Product) (bool, error) {
	var created bool
	err := s.db.QueryRow(ctx,
		`INSERT INTO products (code, name, name_en, category, gender, season, material, image_url, is_active, created_at, updated_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, NOW(), NOW(), NOW())
		 ON CONFLICT (code) DO UPDATE SET
		   name = EXCLUDED.name, name_en = EXCLUDED.name_en, category = EXCLUDED.category,
		   gender = EXCLUDED.gender, season = EXCLUDED.season, material = EXCLUDED.material,
		   image_url = EXCLUDED.image_url, is_active = TRUE, updated_at = NOW(), last_seen_at = NOW()
		 RETURNING (xmax = 0)`,
		p.Code, p.Name, p.NameEN, p.Category, p.Gender, p.Season, p.Material, p.ImageURL,
	).Scan(&created)
	return created, err
}

// LatestSnapshot returns the newest snapshot for a product, or (nil, nil)
// when the product has never been snapshotted.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, code string) (*domain.PriceSnapshot, error) {
	if s.cache != nil {
		if snap, ok := s.cache.Get(ctx, code); ok {
			return snap, nil
		}
	}

	row := s.db.QueryRow(ctx,
		`SELECT id, product_code, origin_price, price, min_price, max_price, in_stock,
		        sizes, colors, sales_count, eval_count, score, recorded_at
		 FROM price_snapshots WHERE product_code = $1
		 ORDER BY id DESC LIMIT 1`, code)

	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, snap)
	}
	return snap, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *domain.PriceSnapshot) (int64, error) {
	sizes, err := json.Marshal(snap.Sizes)
	if err != nil {
		return 0, err
	}
	colors, err := json.Marshal(snap.Colors)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRow(ctx,
		`INSERT INTO price_snapshots (product_code, origin_price, price, min_price, max_price,
		                              in_stock, sizes, colors, sales_count, eval_count, score, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		snap.ProductCode, snap.OriginPrice, snap.Price, snap.MinPrice, snap.MaxPrice,
		snap.InStock, sizes, colors, snap.SalesCount, snap.EvalCount, snap.Score, snap.RecordedAt,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	snap.ID = id
	if s.cache != nil {
		s.cache.Set(ctx, snap)
	}
	return id, nil
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a *domain.Alert) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO alerts (product_code, alert_type, prev_price, curr_price, change_amount, change_percent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		a.ProductCode, a.AlertType, a.PrevPrice, a.CurrPrice, a.ChangeAmount, a.ChangePercent, a.CreatedAt,
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) MarkInactive(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE products SET is_active = FALSE, updated_at = NOW()
		 WHERE is_active = TRUE AND last_seen_at < NOW() - $1::interval`,
		olderThan.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) InsertRun(ctx context.Context, r *domain.ScrapeRun) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO scrape_runs (task_type, status, start_time) VALUES ($1, $2, $3) RETURNING id`,
		r.TaskType, r.Status, r.StartTime,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, id int64, upd RunUpdate) error {
	_, err := s.db.Exec(ctx,
		`UPDATE scrape_runs SET status = $2, end_time = $3, duration_ms = $4,
		   products_processed = $5, new_products = $6, price_changes = $7,
		   alerts_generated = $8, error_message = $9, error_details = $10
		 WHERE id = $1`,
		id, upd.Status, upd.EndTime, upd.DurationMs,
		upd.ProductsProcessed, upd.NewProducts, upd.PriceChanges,
		upd.AlertsGenerated, upd.ErrorMessage, upd.ErrorDetails)
	return err
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id int64, currentPage, totalPages int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE scrape_runs SET last_heartbeat = NOW(), current_page = $2, total_pages = $3 WHERE id = $1`,
		id, currentPage, totalPages)
	return err
}

func (s *PostgresStore) RunningRuns(ctx context.Context) ([]domain.ScrapeRun, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM scrape_runs WHERE status = 'running' ORDER BY id DESC`)
}

// StaleRuns returns running runs whose heartbeat is missing or older than
// the timeout — runs that most likely crashed without finalizing.
func (s *PostgresStore) StaleRuns(ctx context.Context, timeout time.Duration) ([]domain.ScrapeRun, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM scrape_runs
		 WHERE status = 'running' AND (last_heartbeat IS NULL OR last_heartbeat < NOW() - $1::interval)
		 ORDER BY id DESC`, timeout.String())
}

func (s *PostgresStore) ActiveRuns(ctx context.Context, timeout time.Duration) ([]domain.ScrapeRun, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM scrape_runs
		 WHERE status = 'running' AND last_heartbeat IS NOT NULL AND last_heartbeat >= NOW() - $1::interval
		 ORDER BY id DESC`, timeout.String())
}

// FailZombieRuns force-fails running rows older than the given age. Safe to
// call repeatedly; typically invoked at process startup.
func (s *PostgresStore) FailZombieRuns(ctx context.Context, olderThan time.Duration, message string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE scrape_runs SET status = 'failed', end_time = NOW(), error_message = $2,
		   duration_ms = EXTRACT(EPOCH FROM (NOW() - start_time)) * 1000
		 WHERE status = 'running' AND start_time < NOW() - $1::interval`,
		olderThan.String(), message)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeOlderThan deletes snapshots and alerts outside the retention window.
// Products and runs are never purged.
func (s *PostgresStore) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, int64, error) {
	snapTag, err := s.db.Exec(ctx,
		`DELETE FROM price_snapshots WHERE recorded_at < NOW() - $1::interval`, retention.String())
	if err != nil {
		return 0, 0, err
	}
	alertTag, err := s.db.Exec(ctx,
		`DELETE FROM alerts WHERE created_at < NOW() - $1::interval`, retention.String())
	if err != nil {
		return snapTag.RowsAffected(), 0, err
	}
	if s.cache != nil {
		s.cache.Flush(ctx)
	}
	return snapTag.RowsAffected(), alertTag.RowsAffected(), nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, f ProductFilter) ([]domain.Product, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT code, name, name_en, category, gender, season, material, image_url,
		        is_active, created_at, updated_at, last_seen_at
		 FROM products
		 WHERE ($1 = '' OR category = $1)
		   AND ($2 = '' OR gender = $2)
		   AND (NOT $3 OR is_active)
		 ORDER BY last_seen_at DESC
		 LIMIT $4 OFFSET $5`,
		f.Category, f.Gender, f.ActiveOnly, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.Code, &p.Name, &p.NameEN, &p.Category, &p.Gender, &p.Season,
			&p.Material, &p.ImageURL, &p.IsActive, &p.CreatedAt, &p.UpdatedAt, &p.LastSeenAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *PostgresStore) GetProduct(ctx context.Context, code string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRow(ctx,
		`SELECT code, name, name_en, category, gender, season, material, image_url,
		        is_active, created_at, updated_at, last_seen_at
		 FROM products WHERE code = $1`, code,
	).Scan(&p.Code, &p.Name, &p.NameEN, &p.Category, &p.Gender, &p.Season,
		&p.Material, &p.ImageURL, &p.IsActive, &p.CreatedAt, &p.UpdatedAt, &p.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) SnapshotHistory(ctx context.Context, code string, limit int) ([]domain.PriceSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, product_code, origin_price, price, min_price, max_price, in_stock,
		        sizes, colors, sales_count, eval_count, score, recorded_at
		 FROM price_snapshots WHERE product_code = $1
		 ORDER BY id DESC LIMIT $2`, code, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []domain.PriceSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) ListAlerts(ctx context.Context, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, product_code, alert_type, prev_price, curr_price, change_amount, change_percent, created_at
		 FROM alerts ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		var a domain.Alert
		if err := rows.Scan(&a.ID, &a.ProductCode, &a.AlertType, &a.PrevPrice, &a.CurrPrice,
			&a.ChangeAmount, &a.ChangePercent, &a.CreatedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]domain.ScrapeRun, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM scrape_runs ORDER BY id DESC LIMIT $1`, limit)
}

func (s *PostgresStore) Stats(ctx context.Context) (*domain.Stats, error) {
	var st domain.Stats
	err := s.db.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM products),
		   (SELECT COUNT(*) FROM products WHERE is_active),
		   (SELECT COUNT(*) FROM price_snapshots),
		   (SELECT COUNT(*) FROM alerts),
		   (SELECT COUNT(*) FROM alerts WHERE created_at > NOW() - INTERVAL '24 hours'),
		   (SELECT COUNT(*) FROM scrape_runs WHERE status = 'completed'),
		   (SELECT COUNT(*) FROM scrape_runs WHERE status = 'failed')`,
	).Scan(&st.Products, &st.ActiveProducts, &st.Snapshots, &st.Alerts,
		&st.AlertsLast24h, &st.CompletedRuns, &st.FailedRuns)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

const runColumns = `id, task_type, status, start_time, end_time, duration_ms,
	products_processed, new_products, price_changes, alerts_generated,
	error_message, error_details, last_heartbeat, current_page, total_pages`

func (s *PostgresStore) queryRuns(ctx context.Context, query string, args ...any) ([]domain.ScrapeRun, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.ScrapeRun
	for rows.Next() {
		var r domain.ScrapeRun
		if err := rows.Scan(&r.ID, &r.TaskType, &r.Status, &r.StartTime, &r.EndTime, &r.DurationMs,
			&r.ProductsProcessed, &r.NewProducts, &r.PriceChanges, &r.AlertsGenerated,
			&r.ErrorMessage, &r.ErrorDetails, &r.LastHeartbeat, &r.CurrentPage, &r.TotalPages); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanSnapshot(row pgx.Row) (*domain.PriceSnapshot, error) {
	var snap domain.PriceSnapshot
	var sizes, colors []byte
	err := row.Scan(&snap.ID, &snap.ProductCode, &snap.OriginPrice, &snap.Price,
		&snap.MinPrice, &snap.MaxPrice, &snap.InStock, &sizes, &colors,
		&snap.SalesCount, &snap.EvalCount, &snap.Score, &snap.RecordedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sizes, &snap.Sizes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(colors, &snap.Colors); err != nil {
		return nil, err
	}
	return &snap, nil
}
