package order

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordergate/internal/apperr"
	"ordergate/internal/broker/paper"
	"ordergate/internal/domain"
	"ordergate/internal/service/risk"
	"ordergate/internal/store/memory"
)

type harness struct {
	store  *memory.Store
	broker *paper.Broker
	risk   *risk.Service
	svc    *Service
}

func newHarness(t *testing.T, rule domain.RiskRule) *harness {
	t.Helper()
	st := memory.NewStore()
	pb := paper.New()
	rs := risk.NewService(risk.NewEngine(), st, risk.StaticRules(rule))
	return &harness{store: st, broker: pb, risk: rs, svc: NewService(st, rs, pb, WithBrokerTimeout(time.Second))}
}

func marketOrder(id, key string, qty int64) domain.Order {
	return domain.Order{
		OrderID:        id,
		AccountID:      "acc-1",
		StrategyID:     "strat-1",
		SignalID:       key,
		Symbol:         "005930",
		Side:           domain.SideBuy,
		OrderType:      domain.OrderTypeMarket,
		Qty:            qty,
		IdempotencyKey: "sig_" + key,
	}
}

func (h *harness) events(t *testing.T) []domain.OutboxEvent {
	t.Helper()
	evs, err := h.store.ListEvents(context.Background(), 100)
	require.NoError(t, err)
	return evs
}

func TestPlace_SentWithPlacedEvent(t *testing.T) {
	h := newHarness(t, domain.RiskRule{MaxOpenOrders: 5})

	res, err := h.svc.Place(context.Background(), marketOrder("o-1", "s-1", 10))
	require.NoError(t, err)

	assert.Equal(t, OutcomePlaced, res.Outcome)
	assert.True(t, res.Decision.Approved)
	assert.Equal(t, domain.StatusSent, res.Order.Status)
	assert.NotEmpty(t, res.Order.BrokerOrderNo)

	evs := h.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.EventOrderPlaced, evs[0].Type)
	assert.Equal(t, domain.EventOrderCreated, evs[1].Type)

	var placed domain.OrderPlaced
	require.NoError(t, json.Unmarshal(evs[0].Payload, &placed))
	assert.Equal(t, "acc-1", placed.AccountID)
	assert.Equal(t, "005930", placed.Symbol)
	assert.Equal(t, int64(10), placed.Qty)
	assert.Equal(t, res.Order.BrokerOrderNo, placed.BrokerOrderNo)
}

func TestPlace_KillSwitchBlocksBroker(t *testing.T) {
	h := newHarness(t, domain.RiskRule{MaxOpenOrders: 5})
	ctx := context.Background()
	require.NoError(t, h.risk.SetKillSwitch(ctx, domain.ScopeGlobal, "", true, "manual stop"))

	res, err := h.svc.Place(ctx, marketOrder("o-1", "s-1", 10))
	require.Error(t, err)
	assert.Equal(t, apperr.KindRiskRejection, apperr.KindOf(err))
	assert.Equal(t, "RISK_KILL_SWITCH", apperr.CodeOf(err))

	assert.False(t, res.Decision.Approved)
	assert.Equal(t, domain.RuleKillSwitch, res.Decision.RuleViolated)
	assert.Equal(t, OutcomeRiskRejected, res.Outcome)
	assert.Equal(t, domain.StatusRejected, res.Order.Status)
	assert.Zero(t, h.broker.PlaceCalls())

	evs := h.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.EventOrderRejected, evs[0].Type)
	var rejected domain.OrderRejected
	require.NoError(t, json.Unmarshal(evs[0].Payload, &rejected))
	assert.Equal(t, domain.RejectedByRisk, rejected.Source)
	assert.Equal(t, domain.RuleKillSwitch, rejected.RuleViolated)
}

func TestPlace_IdempotentOnKey(t *testing.T) {
	h := newHarness(t, domain.RiskRule{})
	ctx := context.Background()

	first, err := h.svc.Place(ctx, marketOrder("o-1", "s-1", 10))
	require.NoError(t, err)

	retry := marketOrder("o-2", "s-1", 99)
	retry.Price = decimal.NewFromInt(1234)
	second, err := h.svc.Place(ctx, retry)
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, OutcomeExisting, second.Outcome)
	assert.Equal(t, first.Order.OrderID, second.Order.OrderID)
	assert.Equal(t, int64(10), second.Order.Qty)
	assert.True(t, second.Order.Price.IsZero())
	assert.Equal(t, 1, h.broker.PlaceCalls())
}

func TestPlace_ConcurrentDuplicatesCallBrokerOnce(t *testing.T) {
	h := newHarness(t, domain.RiskRule{MaxOpenOrders: 100})
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := marketOrder("o-"+string(rune('a'+i)), "s-race", int64(i+1))
			res, err := h.svc.Place(ctx, o)
			if err == nil {
				ids[i] = res.Order.OrderID
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, h.broker.PlaceCalls())
}

func TestPlace_BrokerDeclineAndFailure(t *testing.T) {
	h := newHarness(t, domain.RiskRule{MaxConsecutiveFailures: 2})
	ctx := context.Background()

	h.broker.DeclineNext("INSUFFICIENT_BALANCE", "not enough cash")
	declined, err := h.svc.Place(ctx, marketOrder("o-1", "s-1", 10))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBrokerRejected, declined.Outcome)
	assert.Equal(t, domain.StatusRejected, declined.Order.Status)
	assert.Equal(t, "not enough cash", declined.Order.StatusReason)

	h.broker.FailNext(context.DeadlineExceeded)
	failed, err := h.svc.Place(ctx, marketOrder("o-2", "s-2", 10))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, failed.Outcome)
	assert.Equal(t, domain.StatusError, failed.Order.Status)

	var ev domain.OrderFailed
	require.NoError(t, json.Unmarshal(h.events(t)[0].Payload, &ev))
	assert.Equal(t, string(apperr.ClassNetwork), ev.ErrorClass)

	// Two failures in a row trip the circuit breaker.
	_, err = h.svc.Place(ctx, marketOrder("o-3", "s-3", 10))
	assert.Equal(t, "RISK_CONSECUTIVE_FAILURES", apperr.CodeOf(err))
	assert.Equal(t, 2, h.broker.PlaceCalls())
}

func TestPlace_SuccessResetsFailureCounter(t *testing.T) {
	h := newHarness(t, domain.RiskRule{MaxConsecutiveFailures: 2})
	ctx := context.Background()

	h.broker.DeclineNext("X", "no")
	_, err := h.svc.Place(ctx, marketOrder("o-1", "s-1", 1))
	require.NoError(t, err)
	_, err = h.svc.Place(ctx, marketOrder("o-2", "s-2", 1))
	require.NoError(t, err)

	acct, err := h.store.AccountRisk(ctx, "acc-1", "")
	require.NoError(t, err)
	assert.Zero(t, acct.ConsecutiveFailures)
}

func TestPlace_OpenOrderLimitCountsPersistedOrders(t *testing.T) {
	h := newHarness(t, domain.RiskRule{MaxOpenOrders: 1})
	ctx := context.Background()

	_, err := h.svc.Place(ctx, marketOrder("o-1", "s-1", 1))
	require.NoError(t, err)
	_, err = h.svc.Place(ctx, marketOrder("o-2", "s-2", 1))
	assert.Equal(t, "RISK_MAX_OPEN_ORDERS", apperr.CodeOf(err))
}

func TestPlace_MarketOrderWithoutMarkPriceFailsExposureCheck(t *testing.T) {
	h := newHarness(t, domain.RiskRule{MaxPositionValue: decimal.NewFromInt(1_000_000)})

	res, err := h.svc.Place(context.Background(), marketOrder("o-1", "s-1", 1_000_000))
	assert.Equal(t, "RISK_MAX_EXPOSURE", apperr.CodeOf(err))
	assert.Equal(t, domain.RuleMaxExposure, res.Decision.RuleViolated)
	assert.Equal(t, domain.StatusRejected, res.Order.Status)
	assert.Zero(t, h.broker.PlaceCalls())
}

func TestPlace_ValidatesInput(t *testing.T) {
	h := newHarness(t, domain.RiskRule{})
	o := marketOrder("o-1", "s-1", 0)
	_, err := h.svc.Place(context.Background(), o)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, "ORDER_INVALID_QTY", apperr.CodeOf(err))
}

func placeSent(t *testing.T, h *harness, id string) domain.Order {
	t.Helper()
	res, err := h.svc.Place(context.Background(), marketOrder(id, "s-"+id, 10))
	require.NoError(t, err)
	require.Equal(t, domain.StatusSent, res.Order.Status)
	return res.Order
}

func TestModify_PersistsTermsAndEvent(t *testing.T) {
	h := newHarness(t, domain.RiskRule{})
	o := placeSent(t, h, "o-1")

	qty := int64(15)
	price := decimal.NewFromInt(71_000)
	updated, err := h.svc.Modify(context.Background(), o.OrderID, &qty, &price)
	require.NoError(t, err)
	assert.Equal(t, int64(15), updated.Qty)
	assert.True(t, updated.Price.Equal(price))
	assert.Equal(t, domain.StatusSent, updated.Status)

	evs := h.events(t)
	require.Equal(t, domain.EventOrderModified, evs[0].Type)
	var ev domain.OrderModified
	require.NoError(t, json.Unmarshal(evs[0].Payload, &ev))
	assert.Equal(t, int64(10), ev.OriginalQty)
	assert.Equal(t, int64(15), ev.NewQty)
	assert.True(t, ev.OriginalPrice.IsZero())
	assert.True(t, ev.NewPrice.Equal(price))
	assert.Equal(t, domain.SideBuy, ev.Side)
	assert.Equal(t, domain.StatusSent, ev.Status)
}

func TestModify_Errors(t *testing.T) {
	h := newHarness(t, domain.RiskRule{})
	ctx := context.Background()
	o := placeSent(t, h, "o-1")

	_, err := h.svc.Modify(ctx, o.OrderID, nil, nil)
	assert.Equal(t, "ORDER_MODIFY_EMPTY", apperr.CodeOf(err))

	qty := int64(5)
	_, err = h.svc.Modify(ctx, "missing", &qty, nil)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	h.broker.DeclineNext("PRICE_OUT_OF_BAND", "price outside band")
	_, err = h.svc.Modify(ctx, o.OrderID, &qty, nil)
	var modErr *ModificationError
	require.True(t, errors.As(err, &modErr))
	assert.Equal(t, o.OrderID, modErr.OrderID)
	assert.Equal(t, domain.StatusSent, modErr.CurrentStatus)
	assert.Equal(t, "ORDER_MODIFY_FAILED", apperr.CodeOf(err))

	unchanged, err := h.svc.Get(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), unchanged.Qty, "local values never change before broker confirmation")

	h.broker.FailNext(errors.New("connection reset"))
	_, err = h.svc.Modify(ctx, o.OrderID, &qty, nil)
	assert.Equal(t, apperr.KindBroker, apperr.KindOf(err))
	assert.False(t, errors.As(err, &modErr))
}

func TestModifyAndCancel_RejectNonLiveStatuses(t *testing.T) {
	h := newHarness(t, domain.RiskRule{})
	ctx := context.Background()
	for i, status := range []domain.OrderStatus{domain.StatusNew, domain.StatusFilled, domain.StatusCancelled, domain.StatusRejected, domain.StatusError} {
		id := "o-" + string(rune('a'+i))
		_, err := h.store.CreateOrder(ctx, domain.Order{OrderID: id, AccountID: "acc-1", IdempotencyKey: id, Status: status, Qty: 1}, domain.OutboxEvent{ID: id})
		require.NoError(t, err)

		qty := int64(2)
		_, err = h.svc.Modify(ctx, id, &qty, nil)
		assert.Equalf(t, "ORDER_NOT_MODIFIABLE", apperr.CodeOf(err), "status %s", status)
		_, err = h.svc.Cancel(ctx, id)
		assert.Equalf(t, "ORDER_NOT_CANCELLABLE", apperr.CodeOf(err), "status %s", status)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, domain.RiskRule{})
	ctx := context.Background()
	o := placeSent(t, h, "o-1")

	h.broker.DeclineNext("TOO_LATE", "already executing")
	_, err := h.svc.Cancel(ctx, o.OrderID)
	var cancelErr *CancellationError
	require.True(t, errors.As(err, &cancelErr))
	assert.Equal(t, domain.StatusSent, cancelErr.CurrentStatus)
	still, _ := h.svc.Get(ctx, o.OrderID)
	assert.Equal(t, domain.StatusSent, still.Status)

	cancelled, err := h.svc.Cancel(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	evs := h.events(t)
	assert.Equal(t, domain.EventOrderCancelled, evs[0].Type)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(evs[0].Payload, &ev))
	assert.Equal(t, map[string]any{"orderId": o.OrderID, "accountId": "acc-1", "symbol": "005930"}, ev)
}

func TestSyncStatus_FollowsBroker(t *testing.T) {
	h := newHarness(t, domain.RiskRule{})
	ctx := context.Background()
	o := placeSent(t, h, "o-1")

	_, err := h.broker.Execute(ctx, o.OrderID, 4, decimal.NewFromInt(70_000), time.Now())
	require.NoError(t, err)

	synced, err := h.svc.SyncStatus(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartFilled, synced.Status)
	assert.Equal(t, int64(4), synced.FilledQty)
	assert.Equal(t, domain.EventOrderStatusChanged, h.events(t)[0].Type)

	_, err = h.broker.Execute(ctx, o.OrderID, 6, decimal.NewFromInt(70_000), time.Now())
	require.NoError(t, err)
	changed, err := h.svc.SyncOpenOrders(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	final, _ := h.svc.Get(ctx, o.OrderID)
	assert.Equal(t, domain.StatusFilled, final.Status)

	again, err := h.svc.SyncStatus(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, again.Status, "terminal orders are not synced")
}
