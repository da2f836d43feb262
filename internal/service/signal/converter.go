package signal

import (
	"errors"

	"github.com/google/uuid"

	"ordergate/internal/apperr"
	"ordergate/internal/domain"
)

var ErrInvalidSignalType = errors.New("invalid signal type")

// IdempotencyKeyPrefix is prepended to the signal id to form the order's
// idempotency key.
const IdempotencyKeyPrefix = "sig_"

// IDGenerator returns a fresh order id.
type IDGenerator func() string

// NewOrderID returns a UUIDv7: unique and sortable by creation time.
func NewOrderID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type Converter struct {
	newID IDGenerator
}

func NewConverter(gen IDGenerator) *Converter {
	if gen == nil {
		gen = NewOrderID
	}
	return &Converter{newID: gen}
}

// Convert maps a signal to a NEW market order. HOLD yields ok=false and no
// error.
func (c *Converter) Convert(sig domain.Signal) (domain.Order, bool, error) {
	var side domain.Side
	switch sig.SignalType {
	case domain.SignalHold:
		return domain.Order{}, false, nil
	case domain.SignalBuy:
		side = domain.SideBuy
	case domain.SignalSell:
		side = domain.SideSell
	default:
		return domain.Order{}, false, &apperr.Error{
			Kind:    apperr.KindValidation,
			Code:    "SIGNAL_INVALID_TYPE",
			Message: "unknown signal type " + string(sig.SignalType),
			Err:     ErrInvalidSignalType,
		}
	}

	if sig.TargetValue == nil || !sig.TargetValue.IsPositive() {
		return domain.Order{}, false, apperr.Validation("SIGNAL_INVALID_TARGET", "target value must be greater than zero")
	}
	switch sig.TargetType {
	case "", domain.TargetQty:
	case domain.TargetWeight:
		return domain.Order{}, false, apperr.Validation("SIGNAL_UNSUPPORTED_TARGET", "weight targets need portfolio sizing and are not accepted")
	default:
		return domain.Order{}, false, apperr.Validation("SIGNAL_INVALID_TARGET", "unknown target type %q", sig.TargetType)
	}
	if !sig.TargetValue.IsInteger() {
		return domain.Order{}, false, apperr.Validation("SIGNAL_INVALID_TARGET", "quantity %s is not a whole number of shares", sig.TargetValue)
	}

	return domain.Order{
		OrderID:        c.newID(),
		AccountID:      sig.AccountID,
		StrategyID:     sig.StrategyID,
		SignalID:       sig.SignalID,
		Symbol:         sig.Symbol,
		Side:           side,
		OrderType:      domain.OrderTypeMarket,
		Qty:            sig.TargetValue.IntPart(),
		Status:         domain.StatusNew,
		IdempotencyKey: IdempotencyKeyPrefix + sig.SignalID,
	}, true, nil
}
