package signal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordergate/internal/apperr"
	"ordergate/internal/broker/paper"
	"ordergate/internal/domain"
	"ordergate/internal/service/order"
	"ordergate/internal/service/risk"
	"ordergate/internal/store/memory"
)

func target(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func buySignal(id string, qty string) domain.Signal {
	return domain.Signal{
		SignalID:    id,
		StrategyID:  "strat-1",
		AccountID:   "acc-1",
		Symbol:      "005930",
		SignalType:  domain.SignalBuy,
		TargetType:  domain.TargetQty,
		TargetValue: target(qty),
	}
}

func fixedIDs() IDGenerator {
	return func() string { return "order-1" }
}

func TestConvert_Hold(t *testing.T) {
	sig := buySignal("s-1", "10")
	sig.SignalType = domain.SignalHold
	o, ok, err := NewConverter(fixedIDs()).Convert(sig)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.Order{}, o)
}

func TestConvert_Buy(t *testing.T) {
	o, ok, err := NewConverter(fixedIDs()).Convert(buySignal("s-1", "10"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SideBuy, o.Side)
	assert.Equal(t, int64(10), o.Qty)
	assert.Equal(t, domain.OrderTypeMarket, o.OrderType)
	assert.Equal(t, domain.StatusNew, o.Status)
	assert.Equal(t, "sig_s-1", o.IdempotencyKey)
	assert.Equal(t, "order-1", o.OrderID)
}

func TestConvert_SameSignalSameKey(t *testing.T) {
	c := NewConverter(nil)
	a, _, err := c.Convert(buySignal("s-9", "3"))
	require.NoError(t, err)
	b, _, err := c.Convert(buySignal("s-9", "3"))
	require.NoError(t, err)
	assert.Equal(t, a.IdempotencyKey, b.IdempotencyKey)
	assert.NotEqual(t, a.OrderID, b.OrderID)

	parsed, err := uuid.Parse(a.OrderID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestConvert_Rejections(t *testing.T) {
	c := NewConverter(fixedIDs())

	sell := buySignal("s-1", "0")
	sell.SignalType = domain.SignalSell
	_, _, err := c.Convert(sell)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, "SIGNAL_INVALID_TARGET", apperr.CodeOf(err))

	missing := buySignal("s-2", "1")
	missing.TargetValue = nil
	_, _, err = c.Convert(missing)
	assert.Equal(t, "SIGNAL_INVALID_TARGET", apperr.CodeOf(err))

	fractional := buySignal("s-3", "1.5")
	_, _, err = c.Convert(fractional)
	assert.Equal(t, "SIGNAL_INVALID_TARGET", apperr.CodeOf(err))

	weight := buySignal("s-4", "1")
	weight.TargetType = domain.TargetWeight
	_, _, err = c.Convert(weight)
	assert.Equal(t, "SIGNAL_UNSUPPORTED_TARGET", apperr.CodeOf(err))

	unknown := buySignal("s-5", "1")
	unknown.SignalType = "SHORT"
	_, _, err = c.Convert(unknown)
	assert.True(t, errors.Is(err, ErrInvalidSignalType))
	assert.Equal(t, "SIGNAL_INVALID_TYPE", apperr.CodeOf(err))
}

type pipeline struct {
	store  *memory.Store
	broker *paper.Broker
	svc    *Service
}

func newPipeline(window time.Duration) pipeline {
	st := memory.NewStore()
	pb := paper.New()
	rs := risk.NewService(risk.NewEngine(), st, risk.StaticRules(domain.RiskRule{MaxOpenOrders: 5}))
	orders := order.NewService(st, rs, pb)
	return pipeline{store: st, broker: pb, svc: NewService(NewConverter(nil), st, orders, window)}
}

func TestSubmit_PlacesOrderAndRecordsSignal(t *testing.T) {
	p := newPipeline(0)
	ctx := context.Background()

	res, err := p.svc.Submit(ctx, buySignal("s-1", "10"))
	require.NoError(t, err)
	require.NotNil(t, res.Placement)
	assert.Equal(t, domain.StatusSent, res.Placement.Order.Status)

	evs, err := p.store.ListEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, domain.EventSignalGenerated, evs[2].Type)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(evs[2].Payload, &ev))
	assert.Equal(t, "s-1", ev["signalId"])
	assert.Equal(t, "BUY", ev["signalType"])
	assert.Equal(t, "10", ev["targetValue"])
}

func TestSubmit_HoldRecordsEventOnly(t *testing.T) {
	p := newPipeline(0)
	sig := buySignal("s-1", "10")
	sig.SignalType = domain.SignalHold

	res, err := p.svc.Submit(context.Background(), sig)
	require.NoError(t, err)
	assert.True(t, res.Hold)
	assert.Nil(t, res.Placement)
	assert.Zero(t, p.broker.PlaceCalls())
}

func TestSubmit_RedeliveryReturnsOriginalOrder(t *testing.T) {
	p := newPipeline(time.Minute)
	ctx := context.Background()

	first, err := p.svc.Submit(ctx, buySignal("s-1", "10"))
	require.NoError(t, err)
	again, err := p.svc.Submit(ctx, buySignal("s-1", "25"))
	require.NoError(t, err)
	_, err = p.svc.Submit(ctx, buySignal("s-1", "10"))
	require.NoError(t, err)

	require.NotNil(t, again.Placement)
	assert.True(t, again.Placement.Existing)
	assert.Equal(t, first.Placement.Order.OrderID, again.Placement.Order.OrderID)
	assert.Equal(t, int64(10), again.Placement.Order.Qty)
	assert.Equal(t, 1, p.broker.PlaceCalls())

	evs, err := p.store.ListEvents(ctx, 50)
	require.NoError(t, err)
	generated := 0
	for _, ev := range evs {
		if ev.Type == domain.EventSignalGenerated {
			generated++
		}
	}
	assert.Equal(t, 1, generated, "redelivered signals are recorded once")
}

func TestSubmit_DuplicateWindow(t *testing.T) {
	p := newPipeline(time.Minute)
	clock := time.Date(2026, 10, 16, 1, 0, 0, 0, time.UTC)
	p.svc.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := p.svc.Submit(ctx, buySignal("s-1", "10"))
	require.NoError(t, err)

	res, err := p.svc.Submit(ctx, buySignal("s-2", "10"))
	require.NoError(t, err)
	assert.True(t, res.Suppressed)

	clock = clock.Add(2 * time.Minute)
	res, err = p.svc.Submit(ctx, buySignal("s-3", "10"))
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
	assert.Equal(t, 2, p.broker.PlaceCalls())

	p.svc.Reset()
	res, err = p.svc.Submit(ctx, buySignal("s-4", "10"))
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
}

func TestSubmit_RiskRejectionKeepsPlacement(t *testing.T) {
	st := memory.NewStore()
	rs := risk.NewService(risk.NewEngine(), st, risk.StaticRules(domain.RiskRule{}))
	require.NoError(t, rs.SetKillSwitch(context.Background(), domain.ScopeAccount, "acc-1", true, "halt"))
	svc := NewService(NewConverter(nil), st, order.NewService(st, rs, paper.New()), 0)

	res, err := svc.Submit(context.Background(), buySignal("s-1", "10"))
	assert.Equal(t, "RISK_KILL_SWITCH", apperr.CodeOf(err))
	require.NotNil(t, res.Placement)
	assert.Equal(t, domain.StatusRejected, res.Placement.Order.Status)
}

func TestSubmit_MissingField(t *testing.T) {
	p := newPipeline(0)
	sig := buySignal("s-1", "10")
	sig.AccountID = ""
	_, err := p.svc.Submit(context.Background(), sig)
	assert.Equal(t, "SIGNAL_MISSING_FIELD", apperr.CodeOf(err))
}
