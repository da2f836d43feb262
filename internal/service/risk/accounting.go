package risk

import (
	"github.com/shopspring/decimal"

	"ordergate/internal/domain"
)

// ExposureMetrics summarizes an account's positions for risk evaluation.
type ExposureMetrics struct {
	OpenPositions int             `json:"open_positions"`
	Exposure      decimal.Decimal `json:"exposure"`
	Unrealized    decimal.Decimal `json:"unrealized_pnl"`
	// MarkPrice is the last price of the symbol being evaluated, zero when
	// the account never traded it.
	MarkPrice decimal.Decimal `json:"mark_price"`
}

// DeriveExposure sums absolute market value over every non-flat position.
func DeriveExposure(positions []domain.Position, symbol string) ExposureMetrics {
	var m ExposureMetrics
	for _, p := range positions {
		if p.Symbol == symbol {
			m.MarkPrice = p.LastPrice
		}
		if p.Qty == 0 {
			continue
		}
		m.OpenPositions++
		m.Exposure = m.Exposure.Add(p.MarketValue())
		m.Unrealized = m.Unrealized.Add(p.UnrealizedPnl)
	}
	return m
}
