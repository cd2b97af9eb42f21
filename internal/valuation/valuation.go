package valuation

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"cryptocheckout/internal/asset"
)

type Status string

const (
	Undervalued Status = "undervalued"
	Fair        Status = "fair"
	Overvalued  Status = "overvalued"
)

var ErrUpstreamUnavailable = errors.New("valuation upstream unavailable")

// Result is the fair-value reading for an asset at a point in time. Orders
// keep only frozen copies of it; the live value is owned by the cache.
type Result struct {
	Asset            asset.Asset     `json:"asset"`
	MarketPrice      decimal.Decimal `json:"market_price"`
	FairValue        decimal.Decimal `json:"fair_value"`
	ValuationPercent float64         `json:"valuation_percent"`
	Status           Status          `json:"status"`
	ComputedAt       time.Time       `json:"computed_at"`
}

// Provider fetches a price/fair-value pair from an external source.
type Provider interface {
	Fetch(ctx context.Context, a asset.Asset) (Result, error)
}

func newResult(a asset.Asset, market, fair decimal.Decimal, computedAt time.Time) (Result, error) {
	if market.Sign() <= 0 {
		return Result{}, errors.New("market price must be positive")
	}
	pct, _ := fair.Sub(market).Div(market).Float64()

	status := Fair
	switch {
	case pct > 0:
		status = Undervalued
	case pct < 0:
		status = Overvalued
	}

	if computedAt.IsZero() {
		computedAt = time.Now().UTC()
	}
	return Result{
		Asset:            a,
		MarketPrice:      market,
		FairValue:        fair,
		ValuationPercent: pct,
		Status:           status,
		ComputedAt:       computedAt,
	}, nil
}
