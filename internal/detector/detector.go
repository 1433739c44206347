// Package detector compares each new observation against the stored latest
// snapshot and decides whether to persist a snapshot and raise an alert.
package detector

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"catalogmon/internal/domain"
	"catalogmon/internal/monitoring"
	"catalogmon/internal/storage"
)

// priceEpsilon is the smallest price move treated as a change: one cent.
const priceEpsilon = 0.01

// Result reports what Apply did for one observation.
type Result struct {
	NewProduct      bool
	SnapshotWritten bool
	Alert           *domain.Alert
}

// Detector applies observations to the store.
type Detector struct {
	store        storage.Store
	thresholdPct float64
	metrics      *monitoring.Metrics
	logger       *zap.Logger
}

// New constructs a Detector. thresholdPct is the minimum absolute price
// change, in percent, that raises a price alert.
func New(store storage.Store, thresholdPct float64, m *monitoring.Metrics, l *zap.Logger) *Detector {
	return &Detector{store: store, thresholdPct: thresholdPct, metrics: m, logger: l}
}

// Apply upserts the product identity, then writes a snapshot when the
// observation differs from the latest one (price moved at least epsilon,
// stock flipped, or the size/color sets changed). At most one alert is
// created per written snapshot; a price-threshold breach takes precedence
// over a stock flip, and a sizes/colors-only change never alerts.
func (d *Detector) Apply(ctx context.Context, obs domain.Observation) (Result, error) {
	var res Result

	created, err := d.store.UpsertProduct(ctx, &domain.Product{
		Code:     obs.Code,
		Name:     obs.Name,
		NameEN:   obs.NameEN,
		Category: obs.Category,
		Gender:   obs.Gender,
		Season:   obs.Season,
		Material: obs.Material,
		ImageURL: obs.ImageURL,
	})
	if err != nil {
		return res, fmt.Errorf("upsert product %s: %w", obs.Code, err)
	}
	res.NewProduct = created

	prev, err := d.store.LatestSnapshot(ctx, obs.Code)
	if err != nil {
		return res, fmt.Errorf("latest snapshot %s: %w", obs.Code, err)
	}

	// First sighting: record the baseline, never alert.
	if prev == nil {
		if err := d.writeSnapshot(ctx, obs); err != nil {
			return res, err
		}
		res.SnapshotWritten = true
		return res, nil
	}

	priceDelta := obs.Price - prev.Price
	pctChange := 0.0
	if prev.Price != 0 {
		pctChange = priceDelta / prev.Price * 100
	}
	priceMoved := math.Abs(priceDelta) >= priceEpsilon
	stockChanged := obs.InStock != prev.InStock
	sizesChanged := !sameCodeSet(obs.Sizes, prev.Sizes)
	colorsChanged := !sameCodeSet(obs.Colors, prev.Colors)

	if !priceMoved && !stockChanged && !sizesChanged && !colorsChanged {
		return res, nil
	}

	if err := d.writeSnapshot(ctx, obs); err != nil {
		return res, err
	}
	res.SnapshotWritten = true

	alertType := classify(priceMoved, math.Abs(pctChange) >= d.thresholdPct, priceDelta, stockChanged, obs.InStock)
	if alertType == "" {
		return res, nil
	}

	alert := &domain.Alert{
		ProductCode:   obs.Code,
		AlertType:     alertType,
		PrevPrice:     prev.Price,
		CurrPrice:     obs.Price,
		ChangeAmount:  priceDelta,
		ChangePercent: pctChange,
		CreatedAt:     obs.ObservedAt,
	}
	if _, err := d.store.InsertAlert(ctx, alert); err != nil {
		return res, fmt.Errorf("insert alert %s: %w", obs.Code, err)
	}
	res.Alert = alert
	d.metrics.AlertsTotal.WithLabelValues(alertType).Inc()
	d.logger.Info("alert generated",
		zap.String("code", obs.Code),
		zap.String("type", alertType),
		zap.Float64("prev_price", prev.Price),
		zap.Float64("curr_price", obs.Price),
		zap.Float64("pct_change", pctChange))

	return res, nil
}

func (d *Detector) writeSnapshot(ctx context.Context, obs domain.Observation) error {
	snap := &domain.PriceSnapshot{
		ProductCode: obs.Code,
		OriginPrice: obs.OriginPrice,
		Price:       obs.Price,
		MinPrice:    obs.MinPrice,
		MaxPrice:    obs.MaxPrice,
		InStock:     obs.InStock,
		Sizes:       obs.Sizes,
		Colors:      obs.Colors,
		SalesCount:  obs.SalesCount,
		EvalCount:   obs.EvalCount,
		Score:       obs.Score,
		RecordedAt:  obs.ObservedAt,
	}
	if _, err := d.store.InsertSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("insert snapshot %s: %w", obs.Code, err)
	}
	d.metrics.SnapshotsWritten.Inc()
	return nil
}

// classify picks at most one alert type. Threshold comparisons are
// inclusive; a boundary hit alerts.
func classify(priceMoved, overThreshold bool, priceDelta float64, stockChanged, nowInStock bool) string {
	if priceMoved && overThreshold {
		if priceDelta < 0 {
			return domain.AlertPriceDrop
		}
		return domain.AlertPriceIncrease
	}
	if stockChanged {
		if nowInStock {
			return domain.AlertBackInStock
		}
		return domain.AlertOutOfStock
	}
	return ""
}

// sameCodeSet compares two code lists as sets; order does not matter.
func sameCodeSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
