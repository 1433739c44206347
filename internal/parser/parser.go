// Package parser normalizes raw upstream records into Observations.
package parser

import (
	"errors"
	"strings"
	"time"

	"catalogmon/internal/domain"
)

// ErrMissingCode marks a record without a usable product code; the record
// is skipped, it cannot be tracked.
var ErrMissingCode = errors.New("record has no product code")

// Normalize maps one raw catalog record onto the canonical Observation
// shape. Size and color code lists are cleaned but their order preserved.
func Normalize(raw domain.RawRecord, observedAt time.Time) (domain.Observation, error) {
	code := strings.TrimSpace(raw.GoodsNo)
	if code == "" {
		return domain.Observation{}, ErrMissingCode
	}

	price := raw.SalePrice
	if price == 0 {
		price = raw.OriginPrice
	}

	return domain.Observation{
		Code:        code,
		Name:        strings.TrimSpace(raw.GoodsName),
		NameEN:      strings.TrimSpace(raw.GoodsNameEN),
		Category:    strings.TrimSpace(raw.CategoryCd),
		Gender:      strings.TrimSpace(raw.GenderCd),
		Season:      strings.TrimSpace(raw.SeasonCd),
		Material:    strings.TrimSpace(raw.MaterialCd),
		ImageURL:    strings.TrimSpace(raw.ImagePath),
		OriginPrice: raw.OriginPrice,
		Price:       price,
		MinPrice:    raw.MinPrice,
		MaxPrice:    raw.MaxPrice,
		InStock:     strings.EqualFold(raw.StockYn, "Y"),
		Sizes:       cleanCodes(raw.SizeCds),
		Colors:      cleanCodes(raw.ColorCds),
		SalesCount:  raw.SalesCount,
		EvalCount:   raw.EvalCount,
		Score:       raw.Score,
		ObservedAt:  observedAt,
	}, nil
}

// cleanCodes trims entries, drops blanks and duplicates, keeps order.
func cleanCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
