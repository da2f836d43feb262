package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the net holding of one symbol in one account. Qty is signed:
// positive long, negative short.
type Position struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Qty           int64           `json:"qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MarketValue is |Qty| valued at the last known price.
func (p Position) MarketValue() decimal.Decimal {
	return p.LastPrice.Mul(decimal.NewFromInt(absInt64(p.Qty)))
}

// ApplyFill returns the position after f and the realized PnL the fill
// produced. Fee and tax are always charged against realized PnL.
func (p Position) ApplyFill(f Fill) (Position, decimal.Decimal) {
	signed := f.FillQty
	if f.Side == SideSell {
		signed = -signed
	}
	realized := f.Fee.Add(f.Tax).Neg()

	switch {
	case p.Qty == 0 || sameSign(p.Qty, signed):
		total := absInt64(p.Qty) + absInt64(signed)
		cost := p.AvgPrice.Mul(decimal.NewFromInt(absInt64(p.Qty))).
			Add(f.FillPrice.Mul(decimal.NewFromInt(absInt64(signed))))
		p.AvgPrice = cost.Div(decimal.NewFromInt(total))
		p.Qty += signed
	default:
		closing := min(absInt64(signed), absInt64(p.Qty))
		perShare := f.FillPrice.Sub(p.AvgPrice)
		if p.Qty < 0 {
			perShare = perShare.Neg()
		}
		realized = realized.Add(perShare.Mul(decimal.NewFromInt(closing)))
		flipped := absInt64(signed) > absInt64(p.Qty)
		p.Qty += signed
		switch {
		case p.Qty == 0:
			p.AvgPrice = decimal.Zero
		case flipped:
			p.AvgPrice = f.FillPrice
		}
	}

	p.RealizedPnl = p.RealizedPnl.Add(realized)
	p.LastPrice = f.FillPrice
	p.UnrealizedPnl = p.LastPrice.Sub(p.AvgPrice).Mul(decimal.NewFromInt(p.Qty))
	p.UpdatedAt = f.FillTimestamp
	return p, realized
}

func sameSign(a, b int64) bool {
	return (a > 0) == (b > 0)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
