package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"catalogmon/internal/domain"
)

// MemStore is an in-memory Store used by tests. It mirrors the semantics of
// PostgresStore closely enough for pipeline tests: monotonic snapshot ids,
// created_at preserved on upsert, heartbeat-based run classification.
type MemStore struct {
	mu        sync.Mutex
	products  map[string]*domain.Product
	snapshots []domain.PriceSnapshot
	alerts    []domain.Alert
	runs      []domain.ScrapeRun
	nextSnap  int64
	nextAlert int64
	nextRun   int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		products:  make(map[string]*domain.Product),
		nextSnap:  1,
		nextAlert: 1,
		nextRun:   1,
	}
}

func (m *MemStore) UpsertProduct(_ context.Context, p *domain.Product) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	existing, ok := m.products[p.Code]
	if ok {
		created := existing.CreatedAt
		cp := *p
		cp.CreatedAt = created
		cp.UpdatedAt = now
		cp.LastSeenAt = now
		cp.IsActive = true
		m.products[p.Code] = &cp
		return false, nil
	}
	cp := *p
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.LastSeenAt = now
	cp.IsActive = true
	m.products[p.Code] = &cp
	return true, nil
}

func (m *MemStore) LatestSnapshot(_ context.Context, code string) (*domain.PriceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if m.snapshots[i].ProductCode == code {
			snap := m.snapshots[i]
			return &snap, nil
		}
	}
	return nil, nil
}

func (m *MemStore) InsertSnapshot(_ context.Context, s *domain.PriceSnapshot) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.nextSnap
	m.nextSnap++
	m.snapshots = append(m.snapshots, *s)
	return s.ID, nil
}

func (m *MemStore) InsertAlert(_ context.Context, a *domain.Alert) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.nextAlert
	m.nextAlert++
	m.alerts = append(m.alerts, *a)
	return a.ID, nil
}

func (m *MemStore) MarkInactive(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for _, p := range m.products {
		if p.IsActive && p.LastSeenAt.Before(cutoff) {
			p.IsActive = false
			n++
		}
	}
	return n, nil
}

func (m *MemStore) InsertRun(_ context.Context, r *domain.ScrapeRun) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.nextRun
	m.nextRun++
	m.runs = append(m.runs, *r)
	return r.ID, nil
}

func (m *MemStore) UpdateRun(_ context.Context, id int64, upd RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == id {
			end := upd.EndTime
			m.runs[i].Status = upd.Status
			m.runs[i].EndTime = &end
			m.runs[i].DurationMs = upd.DurationMs
			m.runs[i].ProductsProcessed = upd.ProductsProcessed
			m.runs[i].NewProducts = upd.NewProducts
			m.runs[i].PriceChanges = upd.PriceChanges
			m.runs[i].AlertsGenerated = upd.AlertsGenerated
			m.runs[i].ErrorMessage = upd.ErrorMessage
			m.runs[i].ErrorDetails = upd.ErrorDetails
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemStore) Heartbeat(_ context.Context, id int64, currentPage, totalPages int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == id {
			now := time.Now()
			m.runs[i].LastHeartbeat = &now
			m.runs[i].CurrentPage = currentPage
			m.runs[i].TotalPages = totalPages
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemStore) RunningRuns(_ context.Context) ([]domain.ScrapeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ScrapeRun
	for _, r := range m.runs {
		if r.Status == domain.RunRunning {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemStore) StaleRuns(_ context.Context, timeout time.Duration) ([]domain.ScrapeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-timeout)
	var out []domain.ScrapeRun
	for _, r := range m.runs {
		if r.Status == domain.RunRunning && (r.LastHeartbeat == nil || r.LastHeartbeat.Before(cutoff)) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemStore) ActiveRuns(_ context.Context, timeout time.Duration) ([]domain.ScrapeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-timeout)
	var out []domain.ScrapeRun
	for _, r := range m.runs {
		if r.Status == domain.RunRunning && r.LastHeartbeat != nil && !r.LastHeartbeat.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemStore) FailZombieRuns(_ context.Context, olderThan time.Duration, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for i := range m.runs {
		if m.runs[i].Status == domain.RunRunning && m.runs[i].StartTime.Before(cutoff) {
			now := time.Now()
			m.runs[i].Status = domain.RunFailed
			m.runs[i].EndTime = &now
			m.runs[i].ErrorMessage = message
			n++
		}
	}
	return n, nil
}

func (m *MemStore) PurgeOlderThan(_ context.Context, retention time.Duration) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	var keptSnaps []domain.PriceSnapshot
	var purgedSnaps int64
	for _, s := range m.snapshots {
		if s.RecordedAt.Before(cutoff) {
			purgedSnaps++
			continue
		}
		keptSnaps = append(keptSnaps, s)
	}
	m.snapshots = keptSnaps

	var keptAlerts []domain.Alert
	var purgedAlerts int64
	for _, a := range m.alerts {
		if a.CreatedAt.Before(cutoff) {
			purgedAlerts++
			continue
		}
		keptAlerts = append(keptAlerts, a)
	}
	m.alerts = keptAlerts
	return purgedSnaps, purgedAlerts, nil
}

func (m *MemStore) ListProducts(_ context.Context, f ProductFilter) ([]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Product
	for _, p := range m.products {
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if f.Gender != "" && p.Gender != f.Gender {
			continue
		}
		if f.ActiveOnly && !p.IsActive {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemStore) GetProduct(_ context.Context, code string) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) SnapshotHistory(_ context.Context, code string, limit int) ([]domain.PriceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PriceSnapshot
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if m.snapshots[i].ProductCode == code {
			out = append(out, m.snapshots[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) ListAlerts(_ context.Context, limit int) ([]domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Alert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		out = append(out, m.alerts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) ListRuns(_ context.Context, limit int) ([]domain.ScrapeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ScrapeRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) Stats(_ context.Context) (*domain.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &domain.Stats{
		Products:  int64(len(m.products)),
		Snapshots: int64(len(m.snapshots)),
		Alerts:    int64(len(m.alerts)),
	}
	for _, p := range m.products {
		if p.IsActive {
			st.ActiveProducts++
		}
	}
	dayAgo := time.Now().Add(-24 * time.Hour)
	for _, a := range m.alerts {
		if a.CreatedAt.After(dayAgo) {
			st.AlertsLast24h++
		}
	}
	for _, r := range m.runs {
		switch r.Status {
		case domain.RunCompleted:
			st.CompletedRuns++
		case domain.RunFailed:
			st.FailedRuns++
		}
	}
	return st, nil
}

// SetLastSeen rewinds a product's last_seen_at; test helper for the
// inactivity sweep.
func (m *MemStore) SetLastSeen(code string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[code]; ok {
		p.LastSeenAt = t
	}
}

// SetHeartbeat overrides a run's heartbeat timestamp; test helper for
// liveness classification.
func (m *MemStore) SetHeartbeat(id int64, t *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == id {
			m.runs[i].LastHeartbeat = t
		}
	}
}

// SetStartTime rewinds a run's start time; test helper for zombie cleanup.
func (m *MemStore) SetStartTime(id int64, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == id {
			m.runs[i].StartTime = t
		}
	}
}

// GetRun returns a copy of a run row; test helper.
func (m *MemStore) GetRun(id int64) (domain.ScrapeRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == id {
			return r, true
		}
	}
	return domain.ScrapeRun{}, false
}
