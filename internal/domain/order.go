package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidTransition = errors.New("invalid order state transition")

type OrderStatus string

const (
	StatusNew        OrderStatus = "NEW"
	StatusSent       OrderStatus = "SENT"
	StatusAccepted   OrderStatus = "ACCEPTED"
	StatusPartFilled OrderStatus = "PART_FILLED"
	StatusFilled     OrderStatus = "FILLED"
	StatusCancelled  OrderStatus = "CANCELLED"
	StatusRejected   OrderStatus = "REJECTED"
	StatusError      OrderStatus = "ERROR"
)

// progress is the position of a status on the forward lifecycle chain.
var progress = map[OrderStatus]int{
	StatusNew:        0,
	StatusSent:       1,
	StatusAccepted:   2,
	StatusPartFilled: 3,
	StatusFilled:     4,
}

// IsTerminal reports FILLED, CANCELLED and REJECTED.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// IsLive reports the statuses that have a working order at the broker.
// Modification and cancellation are only possible from these.
func (s OrderStatus) IsLive() bool {
	switch s {
	case StatusSent, StatusAccepted, StatusPartFilled:
		return true
	default:
		return false
	}
}

// IsOpen reports the statuses counted against the open order limit: live
// orders plus NEW orders whose broker call is in flight.
func (s OrderStatus) IsOpen() bool {
	return s == StatusNew || s.IsLive()
}

// OpenStatuses lists the statuses for which IsOpen is true.
func OpenStatuses() []OrderStatus {
	return []OrderStatus{StatusNew, StatusSent, StatusAccepted, StatusPartFilled}
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Forward moves follow NEW→SENT→ACCEPTED→PART_FILLED→FILLED and may skip
// intermediate steps; CANCELLED, REJECTED and ERROR are reachable from every
// non-terminal status. ERROR is absorbing.
func CanTransition(from, to OrderStatus) bool {
	if from.IsTerminal() || from == StatusError || from == to {
		return false
	}
	switch to {
	case StatusCancelled, StatusRejected, StatusError:
		return true
	}
	fp, ok := progress[from]
	if !ok {
		return false
	}
	tp, ok := progress[to]
	if !ok {
		return false
	}
	return tp > fp
}

// Order is a value type. Updates produce a new Order through the With*
// helpers and TransitionTo; only the order service persists them.
type Order struct {
	OrderID        string          `json:"order_id"`
	AccountID      string          `json:"account_id"`
	StrategyID     string          `json:"strategy_id"`
	SignalID       string          `json:"signal_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	OrderType      OrderType       `json:"order_type"`
	Qty            int64           `json:"qty"`
	Price          decimal.Decimal `json:"price"`
	Status         OrderStatus     `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	BrokerOrderNo  string          `json:"broker_order_no,omitempty"`
	FilledQty      int64           `json:"filled_qty"`
	StatusReason   string          `json:"status_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (o Order) IsModifiable() bool {
	return o.Status.IsLive()
}

func (o Order) IsCancellable() bool {
	return o.Status.IsLive()
}

// TransitionTo returns a copy of o in status next, or ErrInvalidTransition.
func (o Order) TransitionTo(next OrderStatus, at time.Time) (Order, error) {
	if !CanTransition(o.Status, next) {
		return o, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = at
	return o, nil
}

// WithReason returns a copy of o carrying a status explanation.
func (o Order) WithReason(reason string) Order {
	o.StatusReason = reason
	return o
}

func (o Order) WithBrokerOrderNo(no string) Order {
	o.BrokerOrderNo = no
	return o
}

// WithTerms returns a copy of o with new quantity and price; nil keeps the
// current value.
func (o Order) WithTerms(qty *int64, price *decimal.Decimal, at time.Time) Order {
	if qty != nil {
		o.Qty = *qty
	}
	if price != nil {
		o.Price = *price
	}
	o.UpdatedAt = at
	return o
}

func (o Order) WithFilledQty(filled int64, at time.Time) Order {
	o.FilledQty = filled
	o.UpdatedAt = at
	return o
}

// Notional values the order at its own price, or at fallback when the
// order has none (MARKET).
func (o Order) Notional(fallback decimal.Decimal) decimal.Decimal {
	price := o.Price
	if price.IsZero() {
		price = fallback
	}
	return price.Mul(decimal.NewFromInt(o.Qty))
}
