package fill

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ordergate/internal/apperr"
	"ordergate/internal/domain"
)

var (
	MinPrice = decimal.NewFromInt(100)
	MaxPrice = decimal.NewFromInt(10_000_000)
)

const (
	MinQty        = 1
	MaxQty        = 1_000_000
	MaxFutureSkew = time.Minute
)

// Validate checks a fill against the acceptance bounds. now is the receipt
// time used for the future-timestamp check.
func Validate(f domain.Fill, now time.Time) error {
	switch {
	case strings.TrimSpace(f.FillID) == "":
		return missing("fill_id")
	case strings.TrimSpace(f.OrderID) == "":
		return missing("order_id")
	case strings.TrimSpace(f.AccountID) == "":
		return missing("account_id")
	case strings.TrimSpace(f.Symbol) == "":
		return missing("symbol")
	case f.FillTimestamp.IsZero():
		return missing("fill_timestamp")
	}
	if f.Side != domain.SideBuy && f.Side != domain.SideSell {
		return apperr.Validation("FILL_INVALID_SIDE", "side %q is not BUY or SELL", f.Side)
	}
	if f.FillPrice.LessThan(MinPrice) || f.FillPrice.GreaterThan(MaxPrice) {
		return apperr.Validation("FILL_PRICE_OUT_OF_RANGE", "price %s outside [%s, %s]", f.FillPrice, MinPrice, MaxPrice)
	}
	if f.FillQty < MinQty || f.FillQty > MaxQty {
		return apperr.Validation("FILL_QTY_OUT_OF_RANGE", "quantity %d outside [%d, %d]", f.FillQty, MinQty, MaxQty)
	}
	if f.Fee.IsNegative() || f.Tax.IsNegative() {
		return apperr.Validation("FILL_NEGATIVE_COST", "fee and tax must not be negative")
	}
	if f.FillTimestamp.After(now.Add(MaxFutureSkew)) {
		return apperr.Validation("FILL_FUTURE_TIMESTAMP", "timestamp %s is ahead of %s", f.FillTimestamp.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	return nil
}

func missing(field string) error {
	return apperr.Validation("FILL_MISSING_FIELD", "%s is required", field)
}
