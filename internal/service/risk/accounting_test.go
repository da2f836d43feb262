package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"ordergate/internal/domain"
)

func TestDeriveExposure_SumsAbsoluteMarketValue(t *testing.T) {
	positions := []domain.Position{
		{Symbol: "005930", Qty: 10, LastPrice: decimal.NewFromInt(70_000), UnrealizedPnl: decimal.NewFromInt(5_000)},
		{Symbol: "000660", Qty: -5, LastPrice: decimal.NewFromInt(120_000), UnrealizedPnl: decimal.NewFromInt(-2_000)},
		{Symbol: "035420", Qty: 0, LastPrice: decimal.NewFromInt(200_000)},
	}
	m := DeriveExposure(positions, "035420")
	if m.OpenPositions != 2 {
		t.Fatalf("expected 2 open positions, got %d", m.OpenPositions)
	}
	// 10*70,000 + 5*120,000
	if !m.Exposure.Equal(decimal.NewFromInt(1_300_000)) {
		t.Fatalf("expected exposure 1,300,000, got %s", m.Exposure)
	}
	if !m.Unrealized.Equal(decimal.NewFromInt(3_000)) {
		t.Fatalf("expected unrealized 3,000, got %s", m.Unrealized)
	}
	if !m.MarkPrice.Equal(decimal.NewFromInt(200_000)) {
		t.Fatalf("flat position still provides a mark, got %s", m.MarkPrice)
	}
}

func TestDeriveExposure_Empty(t *testing.T) {
	m := DeriveExposure(nil, "005930")
	if !m.Exposure.IsZero() || !m.MarkPrice.IsZero() || m.OpenPositions != 0 {
		t.Fatalf("expected zero metrics, got %+v", m)
	}
}
