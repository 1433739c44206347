// Package tracker flags products that have dropped out of the catalog.
package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"catalogmon/internal/storage"
)

// Tracker sweeps products not observed within a window and marks them
// inactive. The next observation of such a product reactivates it via the
// detector's upsert.
type Tracker struct {
	store  storage.Store
	logger *zap.Logger
}

func New(store storage.Store, l *zap.Logger) *Tracker {
	return &Tracker{store: store, logger: l}
}

// Sweep marks every active product unseen for longer than the threshold as
// inactive and returns how many rows changed.
func (t *Tracker) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := t.store.MarkInactive(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Info("marked stale products inactive",
			zap.Int64("count", n), zap.Duration("threshold", olderThan))
	}
	return n, nil
}
