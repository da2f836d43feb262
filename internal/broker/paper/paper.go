// Package paper is an in-process broker that accepts every order and fills
// only when told to. It backs dry runs and tests.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ordergate/internal/apperr"
	"ordergate/internal/broker"
	"ordergate/internal/domain"
)

type order struct {
	domain.Order
	status    domain.OrderStatus
	filledQty int64
	notional  decimal.Decimal
}

func (o *order) snapshot() broker.Status {
	st := broker.Status{Status: o.status, FilledQty: o.filledQty, BrokerOrderNo: o.BrokerOrderNo}
	if o.filledQty > 0 {
		st.AvgPrice = o.notional.Div(decimal.NewFromInt(o.filledQty))
	}
	return st
}

type Broker struct {
	mu      sync.Mutex
	seq     int64
	orders  map[string]*order
	byNo    map[string]string
	decline *broker.Result
	fail    error
	onFill  func(context.Context, domain.Fill)

	placeCalls  int
	cancelCalls int
	modifyCalls int
}

var _ broker.Port = (*Broker)(nil)

func New() *Broker {
	return &Broker{
		orders: make(map[string]*order),
		byNo:   make(map[string]string),
	}
}

// OnFill registers the callback Execute reports fills through.
func (b *Broker) OnFill(fn func(context.Context, domain.Fill)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFill = fn
}

// DeclineNext makes the next place, modify or cancel call return an
// unsuccessful response.
func (b *Broker) DeclineNext(code, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decline = &broker.Result{Success: false, ErrorCode: code, Message: message}
}

// FailNext makes the next call return err as a communication failure.
func (b *Broker) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
}

func (b *Broker) PlaceCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placeCalls
}

func (b *Broker) PlaceOrder(ctx context.Context, o domain.Order) (broker.Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeCalls++
	if err := b.takeFailure(ctx); err != nil {
		return broker.Ack{}, err
	}
	if res := b.takeDecline(); res != nil {
		return broker.Ack{Success: false, Message: res.Message, ErrorCode: res.ErrorCode}, nil
	}
	if _, dup := b.orders[o.OrderID]; dup {
		return broker.Ack{Success: false, Message: "duplicate client order id", ErrorCode: "DUPLICATE_ORDER"}, nil
	}
	b.seq++
	no := fmt.Sprintf("P%010d", b.seq)
	o.BrokerOrderNo = no
	b.orders[o.OrderID] = &order{Order: o, status: domain.StatusAccepted}
	b.byNo[no] = o.OrderID
	return broker.Ack{Success: true, BrokerOrderNo: no, Message: "accepted"}, nil
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) (broker.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	if err := b.takeFailure(ctx); err != nil {
		return broker.Result{}, err
	}
	if res := b.takeDecline(); res != nil {
		return *res, nil
	}
	o, ok := b.orders[orderID]
	if !ok {
		return broker.Result{Success: false, Message: "unknown order", ErrorCode: "ORDER_NOT_FOUND"}, nil
	}
	if !o.status.IsLive() {
		return broker.Result{Success: false, Message: "order is " + string(o.status), ErrorCode: "ORDER_CLOSED"}, nil
	}
	o.status = domain.StatusCancelled
	return broker.Result{Success: true, Message: "cancelled"}, nil
}

func (b *Broker) ModifyOrder(ctx context.Context, orderID string, newQty *int64, newPrice *decimal.Decimal) (broker.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modifyCalls++
	if err := b.takeFailure(ctx); err != nil {
		return broker.Result{}, err
	}
	if res := b.takeDecline(); res != nil {
		return *res, nil
	}
	o, ok := b.orders[orderID]
	if !ok {
		return broker.Result{Success: false, Message: "unknown order", ErrorCode: "ORDER_NOT_FOUND"}, nil
	}
	if !o.status.IsLive() {
		return broker.Result{Success: false, Message: "order is " + string(o.status), ErrorCode: "ORDER_CLOSED"}, nil
	}
	if newQty != nil {
		if *newQty < o.filledQty {
			return broker.Result{Success: false, Message: "quantity below filled", ErrorCode: "INVALID_QTY"}, nil
		}
		o.Qty = *newQty
	}
	if newPrice != nil {
		o.Price = *newPrice
	}
	return broker.Result{Success: true, Message: "modified"}, nil
}

func (b *Broker) GetOrderStatus(ctx context.Context, brokerOrderNo string) (broker.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(ctx); err != nil {
		return broker.Status{}, err
	}
	id, ok := b.byNo[brokerOrderNo]
	if !ok {
		return broker.Status{}, apperr.Broker(apperr.ClassInvalidRequest, "unknown broker order "+brokerOrderNo, nil)
	}
	return b.orders[id].snapshot(), nil
}

func (b *Broker) LookupOrder(ctx context.Context, orderID string) (broker.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(ctx); err != nil {
		return broker.Status{}, err
	}
	o, ok := b.orders[orderID]
	if !ok {
		return broker.Status{}, apperr.Broker(apperr.ClassInvalidRequest, "unknown client order "+orderID, broker.ErrOrderNotFound)
	}
	return o.snapshot(), nil
}

// Execute fills qty of a working order at price and reports the fill through
// the OnFill callback.
func (b *Broker) Execute(ctx context.Context, orderID string, qty int64, price decimal.Decimal, at time.Time) (domain.Fill, error) {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return domain.Fill{}, fmt.Errorf("paper: unknown order %s", orderID)
	}
	if !o.status.IsLive() {
		b.mu.Unlock()
		return domain.Fill{}, fmt.Errorf("paper: order %s is %s", orderID, o.status)
	}
	qty = min(qty, o.Qty-o.filledQty)
	if qty <= 0 {
		b.mu.Unlock()
		return domain.Fill{}, fmt.Errorf("paper: order %s has nothing left to fill", orderID)
	}
	o.filledQty += qty
	o.notional = o.notional.Add(price.Mul(decimal.NewFromInt(qty)))
	o.status = domain.StatusPartFilled
	if o.filledQty == o.Qty {
		o.status = domain.StatusFilled
	}
	f := domain.Fill{
		FillID:        uuid.NewString(),
		OrderID:       o.OrderID,
		AccountID:     o.AccountID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		FillPrice:     price,
		FillQty:       qty,
		FillTimestamp: at.UTC(),
		BrokerOrderNo: o.BrokerOrderNo,
	}
	cb := b.onFill
	b.mu.Unlock()

	if cb != nil {
		cb(ctx, f)
	}
	return f, nil
}

func (b *Broker) takeFailure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return broker.Classify(err)
	}
	if b.fail == nil {
		return nil
	}
	err := b.fail
	b.fail = nil
	return broker.Classify(err)
}

func (b *Broker) takeDecline() *broker.Result {
	res := b.decline
	b.decline = nil
	return res
}
