package order

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ordergate/internal/apperr"
	"ordergate/internal/broker"
	"ordergate/internal/domain"
	"ordergate/internal/store"
	"ordergate/internal/syncx"
)

var orderLog = logrus.WithField("component", "order")

// persistAttempts bounds how often a broker outcome is written before the
// order is left NEW for the reconciler to resolve.
const persistAttempts = 3

type Store interface {
	store.OrderStore
	RecordOrderOutcome(ctx context.Context, accountID string, failed bool) error
}

type RiskEvaluator interface {
	Evaluate(ctx context.Context, order domain.Order) (domain.RiskDecision, domain.RiskState, error)
}

type Outcome string

const (
	OutcomePlaced         Outcome = "PLACED"
	OutcomeExisting       Outcome = "EXISTING"
	OutcomeRiskRejected   Outcome = "RISK_REJECTED"
	OutcomeBrokerRejected Outcome = "BROKER_REJECTED"
	OutcomeFailed         Outcome = "FAILED"
)

// PlaceResult is returned for every placement attempt, including rejected
// and failed ones. Decision is empty when Existing is true.
type PlaceResult struct {
	Order    domain.Order        `json:"order"`
	Outcome  Outcome             `json:"outcome"`
	Decision domain.RiskDecision `json:"decision"`
	Existing bool                `json:"existing"`
}

type Service struct {
	store         Store
	risk          RiskEvaluator
	broker        broker.Port
	accountLocks  *syncx.KeyedMutex
	orderLocks    *syncx.KeyedMutex
	brokerTimeout time.Duration
	now           func() time.Time
}

type Option func(*Service)

// WithBrokerTimeout bounds every broker call made by the service.
func WithBrokerTimeout(d time.Duration) Option {
	return func(s *Service) { s.brokerTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st Store, risk RiskEvaluator, port broker.Port, opts ...Option) *Service {
	s := &Service{
		store:         st,
		risk:          risk,
		broker:        port,
		accountLocks:  syncx.NewKeyedMutex(64),
		orderLocks:    syncx.NewKeyedMutex(64),
		brokerTimeout: 10 * time.Second,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Get(ctx context.Context, orderID string) (domain.Order, error) {
	o, err := s.store.FindOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Order{}, apperr.NotFound("ORDER_NOT_FOUND", "order %s not found", orderID)
		}
		return domain.Order{}, apperr.Internal("ORDER_LOAD_FAILED", err)
	}
	return o, nil
}

// Place submits a NEW order. An order already holding the idempotency key is
// returned unchanged without touching risk or the broker. A risk rejection is
// persisted as REJECTED and also returned as an error.
func (s *Service) Place(ctx context.Context, o domain.Order) (PlaceResult, error) {
	if err := validateNewOrder(o); err != nil {
		return PlaceResult{}, err
	}
	if existing, ok, err := s.findExisting(ctx, o.IdempotencyKey); err != nil || ok {
		return existing, err
	}

	reserved, result, err := s.reserve(ctx, o)
	if err != nil || result != nil {
		if result != nil {
			return *result, err
		}
		return PlaceResult{}, err
	}
	return s.submit(ctx, reserved)
}

// reserve evaluates risk and persists the order under the account lock, so
// concurrent placements for one account see each other in the open count.
// A non-nil result ends placement.
func (s *Service) reserve(ctx context.Context, o domain.Order) (domain.Order, *PlaceResult, error) {
	unlock := s.accountLocks.Lock(o.AccountID)
	defer unlock()

	if existing, ok, err := s.findExisting(ctx, o.IdempotencyKey); err != nil || ok {
		return domain.Order{}, &existing, err
	}

	decision, _, err := s.risk.Evaluate(ctx, o)
	if err != nil {
		return domain.Order{}, nil, err
	}

	now := s.now()
	o.Status = domain.StatusNew
	o.CreatedAt = now
	o.UpdatedAt = now

	if !decision.Approved {
		o.Status = domain.StatusRejected
		o = o.WithReason(decision.Reason)
		riskErr := apperr.RiskRejected(string(decision.RuleViolated), decision.Reason)
		ev, err := domain.NewOutboxEvent(domain.OrderRejected{
			OrderID:      o.OrderID,
			AccountID:    o.AccountID,
			Symbol:       o.Symbol,
			Side:         o.Side,
			Qty:          o.Qty,
			Source:       domain.RejectedByRisk,
			RuleViolated: decision.RuleViolated,
			ErrorCode:    riskErr.Code,
			Reason:       decision.Reason,
			Status:       o.Status,
		}, now)
		if err != nil {
			return domain.Order{}, nil, apperr.Internal("EVENT_ENCODE_FAILED", err)
		}
		saved, err := s.store.CreateOrder(ctx, o, ev)
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			existing, _, findErr := s.findExisting(ctx, o.IdempotencyKey)
			return domain.Order{}, &existing, findErr
		}
		if err != nil {
			return domain.Order{}, nil, apperr.Internal("ORDER_PERSIST_FAILED", err)
		}
		return domain.Order{}, &PlaceResult{Order: saved, Outcome: OutcomeRiskRejected, Decision: decision}, riskErr
	}

	ev, err := domain.NewOutboxEvent(domain.OrderCreated{
		OrderID:        o.OrderID,
		AccountID:      o.AccountID,
		SignalID:       o.SignalID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Qty:            o.Qty,
		IdempotencyKey: o.IdempotencyKey,
		Status:         o.Status,
	}, now)
	if err != nil {
		return domain.Order{}, nil, apperr.Internal("EVENT_ENCODE_FAILED", err)
	}
	saved, err := s.store.CreateOrder(ctx, o, ev)
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		existing, _, findErr := s.findExisting(ctx, o.IdempotencyKey)
		return domain.Order{}, &existing, findErr
	}
	if err != nil {
		return domain.Order{}, nil, apperr.Internal("ORDER_PERSIST_FAILED", err)
	}
	return saved, nil, nil
}

// submit sends a reserved order to the broker and records the outcome. Broker
// failures become order state, not errors. The order lock is held so the
// reconciler never resolves an order whose broker call is in flight.
func (s *Service) submit(ctx context.Context, o domain.Order) (PlaceResult, error) {
	unlock := s.orderLocks.Lock(o.OrderID)
	defer unlock()

	approved := domain.Approve()
	log := orderLog.WithFields(logrus.Fields{"order_id": o.OrderID, "account_id": o.AccountID, "symbol": o.Symbol})

	bctx, cancel := s.brokerContext(ctx)
	ack, callErr := s.broker.PlaceOrder(bctx, o)
	cancel()
	now := s.now()

	var (
		status   domain.OrderStatus
		reason   string
		brokerNo string
		payload  domain.EventPayload
		outcome  Outcome
		failed   bool
	)
	switch {
	case callErr != nil:
		callErr = broker.Classify(callErr)
		class := apperr.BrokerClassOf(callErr)
		log.WithError(callErr).WithField("class", class).Error("broker place failed")
		status, reason = domain.StatusError, callErr.Error()
		payload = domain.OrderFailed{
			OrderID:    o.OrderID,
			AccountID:  o.AccountID,
			Symbol:     o.Symbol,
			Side:       o.Side,
			Qty:        o.Qty,
			ErrorClass: string(class),
			Reason:     reason,
			Status:     status,
		}
		outcome, failed = OutcomeFailed, true
	case !ack.Success:
		log.WithField("error_code", ack.ErrorCode).Warnf("broker declined order: %s", ack.Message)
		status, reason = domain.StatusRejected, ack.Message
		payload = domain.OrderRejected{
			OrderID:   o.OrderID,
			AccountID: o.AccountID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Qty:       o.Qty,
			Source:    domain.RejectedByBroker,
			ErrorCode: ack.ErrorCode,
			Reason:    reason,
			Status:    status,
		}
		outcome, failed = OutcomeBrokerRejected, true
	default:
		status, brokerNo = domain.StatusSent, ack.BrokerOrderNo
		payload = domain.OrderPlaced{
			OrderID:       o.OrderID,
			AccountID:     o.AccountID,
			StrategyID:    o.StrategyID,
			SignalID:      o.SignalID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			OrderType:     o.OrderType,
			Qty:           o.Qty,
			Price:         o.Price,
			BrokerOrderNo: brokerNo,
			Status:        status,
		}
		outcome = OutcomePlaced
		log.WithField("broker_order_no", brokerNo).Info("order sent")
	}

	next, err := o.TransitionTo(status, now)
	if err != nil {
		return PlaceResult{}, apperr.Internal("ORDER_TRANSITION_FAILED", err)
	}
	next = next.WithReason(reason)
	if brokerNo != "" {
		next = next.WithBrokerOrderNo(brokerNo)
	}

	// The broker has already acted, so the write must not be abandoned with
	// the caller's context.
	wctx := context.WithoutCancel(ctx)
	saved, err := s.persistOutcome(wctx, next, payload, now)
	if err != nil {
		log.WithError(err).WithField("status", status).Error("placement outcome not stored, order left NEW for reconciliation")
		return PlaceResult{}, err
	}
	if err := s.store.RecordOrderOutcome(wctx, o.AccountID, failed); err != nil {
		log.WithError(err).Error("record order outcome")
	}
	return PlaceResult{Order: saved, Outcome: outcome, Decision: approved}, nil
}

// Modify changes quantity and/or price of a live order once the broker has
// accepted the change.
func (s *Service) Modify(ctx context.Context, orderID string, newQty *int64, newPrice *decimal.Decimal) (domain.Order, error) {
	if newQty == nil && newPrice == nil {
		return domain.Order{}, apperr.Validation("ORDER_MODIFY_EMPTY", "new quantity or new price is required")
	}
	if newQty != nil && *newQty <= 0 {
		return domain.Order{}, apperr.Validation("ORDER_INVALID_QTY", "quantity must be positive")
	}
	if newPrice != nil && !newPrice.IsPositive() {
		return domain.Order{}, apperr.Validation("ORDER_INVALID_PRICE", "price must be positive")
	}

	unlock := s.orderLocks.Lock(orderID)
	defer unlock()

	o, err := s.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !o.IsModifiable() {
		return domain.Order{}, apperr.Conflict("ORDER_NOT_MODIFIABLE", "order %s is %s", orderID, o.Status)
	}

	bctx, cancel := s.brokerContext(ctx)
	res, err := s.broker.ModifyOrder(bctx, orderID, newQty, newPrice)
	cancel()
	if err != nil {
		err = broker.Classify(err)
		orderLog.WithError(err).WithField("order_id", orderID).Error("broker modify failed")
		return domain.Order{}, err
	}
	if !res.Success {
		return domain.Order{}, &ModificationError{OrderID: orderID, CurrentStatus: o.Status, BrokerCode: res.ErrorCode, Message: res.Message}
	}

	now := s.now()
	updated := o.WithTerms(newQty, newPrice, now)
	return s.persist(ctx, updated, domain.OrderModified{
		OrderID:       o.OrderID,
		AccountID:     o.AccountID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		OriginalQty:   o.Qty,
		NewQty:        updated.Qty,
		OriginalPrice: o.Price,
		NewPrice:      updated.Price,
		Status:        updated.Status,
	}, now)
}

// Cancel marks a live order CANCELLED once the broker confirms.
func (s *Service) Cancel(ctx context.Context, orderID string) (domain.Order, error) {
	unlock := s.orderLocks.Lock(orderID)
	defer unlock()

	o, err := s.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !o.IsCancellable() {
		return domain.Order{}, apperr.Conflict("ORDER_NOT_CANCELLABLE", "order %s is %s", orderID, o.Status)
	}

	bctx, cancel := s.brokerContext(ctx)
	res, err := s.broker.CancelOrder(bctx, orderID)
	cancel()
	if err != nil {
		err = broker.Classify(err)
		orderLog.WithError(err).WithField("order_id", orderID).Error("broker cancel failed")
		return domain.Order{}, err
	}
	if !res.Success {
		return domain.Order{}, &CancellationError{OrderID: orderID, CurrentStatus: o.Status, BrokerCode: res.ErrorCode, Message: res.Message}
	}

	now := s.now()
	cancelled, err := o.TransitionTo(domain.StatusCancelled, now)
	if err != nil {
		return domain.Order{}, apperr.Conflict("ORDER_NOT_CANCELLABLE", "%v", err)
	}
	return s.persist(ctx, cancelled, domain.OrderCancelled{
		OrderID:   o.OrderID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
	}, now)
}

// SyncStatus pulls the broker's view of an open order and applies it when it
// is a legal forward step. A NEW order past the pending grace period is looked
// up by its client order id; other orders without a broker number are
// returned as is.
func (s *Service) SyncStatus(ctx context.Context, orderID string) (domain.Order, error) {
	unlock := s.orderLocks.Lock(orderID)
	defer unlock()

	o, err := s.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if o.Status == domain.StatusNew {
		return s.resolvePending(ctx, o)
	}
	if !o.Status.IsLive() || o.BrokerOrderNo == "" {
		return o, nil
	}

	bctx, cancel := s.brokerContext(ctx)
	st, err := s.broker.GetOrderStatus(bctx, o.BrokerOrderNo)
	cancel()
	if err != nil {
		return domain.Order{}, broker.Classify(err)
	}
	if st.Status == o.Status && st.FilledQty == o.FilledQty {
		return o, nil
	}

	now := s.now()
	next := o
	if st.Status != o.Status {
		next, err = o.TransitionTo(st.Status, now)
		if err != nil {
			orderLog.WithFields(logrus.Fields{"order_id": orderID, "from": o.Status, "to": st.Status}).
				Warn("ignoring broker status")
			return o, nil
		}
	}
	next = next.WithFilledQty(st.FilledQty, now)
	return s.persist(ctx, next, domain.OrderStatusChanged{
		OrderID:   o.OrderID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		From:      o.Status,
		To:        next.Status,
		FilledQty: next.FilledQty,
	}, now)
}

// resolvePending settles a NEW order whose placement outcome was never
// stored. The broker either knows the order, and its status is adopted, or
// it does not, and the order becomes ERROR so it stops counting as open.
func (s *Service) resolvePending(ctx context.Context, o domain.Order) (domain.Order, error) {
	if s.now().Sub(o.CreatedAt) < s.pendingGrace() {
		return o, nil
	}
	log := orderLog.WithFields(logrus.Fields{"order_id": o.OrderID, "account_id": o.AccountID})

	bctx, cancel := s.brokerContext(ctx)
	st, err := s.broker.LookupOrder(bctx, o.OrderID)
	cancel()
	now := s.now()

	if errors.Is(err, broker.ErrOrderNotFound) {
		class := apperr.BrokerClassOf(err)
		failed, terr := o.TransitionTo(domain.StatusError, now)
		if terr != nil {
			return domain.Order{}, apperr.Internal("ORDER_TRANSITION_FAILED", terr)
		}
		failed = failed.WithReason("broker has no record of the order")
		log.Warn("pending order unknown to broker, marking ERROR")
		saved, err := s.persist(ctx, failed, domain.OrderFailed{
			OrderID:    o.OrderID,
			AccountID:  o.AccountID,
			Symbol:     o.Symbol,
			Side:       o.Side,
			Qty:        o.Qty,
			ErrorClass: string(class),
			Reason:     failed.StatusReason,
			Status:     failed.Status,
		}, now)
		if err != nil {
			return domain.Order{}, err
		}
		if err := s.store.RecordOrderOutcome(ctx, o.AccountID, true); err != nil {
			log.WithError(err).Error("record order outcome")
		}
		return saved, nil
	}
	if err != nil {
		return domain.Order{}, broker.Classify(err)
	}

	next, err := o.TransitionTo(st.Status, now)
	if err != nil {
		log.WithField("to", st.Status).Warn("ignoring broker status for pending order")
		return o, nil
	}
	next = next.WithBrokerOrderNo(st.BrokerOrderNo).WithFilledQty(st.FilledQty, now)
	log.WithFields(logrus.Fields{"broker_order_no": st.BrokerOrderNo, "status": next.Status}).Info("recovered pending order from broker")
	saved, err := s.persist(ctx, next, domain.OrderStatusChanged{
		OrderID:   o.OrderID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		From:      o.Status,
		To:        next.Status,
		FilledQty: next.FilledQty,
	}, now)
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.store.RecordOrderOutcome(ctx, o.AccountID, false); err != nil {
		log.WithError(err).Error("record order outcome")
	}
	return saved, nil
}

// pendingGrace is how long a NEW order may wait for its broker call before
// the reconciler looks it up.
func (s *Service) pendingGrace() time.Duration {
	if s.brokerTimeout <= 0 {
		return time.Minute
	}
	return 2 * s.brokerTimeout
}

// SyncOpenOrders reconciles up to limit open orders and returns how many
// changed. Per-order failures are logged and skipped.
func (s *Service) SyncOpenOrders(ctx context.Context, limit int) (int, error) {
	open, err := s.store.ListOpenOrders(ctx, limit)
	if err != nil {
		return 0, apperr.Internal("ORDER_LOAD_FAILED", err)
	}
	changed := 0
	for _, o := range open {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		synced, err := s.SyncStatus(ctx, o.OrderID)
		if err != nil {
			orderLog.WithError(err).WithField("order_id", o.OrderID).Warn("status sync failed")
			continue
		}
		if synced.Status != o.Status || synced.FilledQty != o.FilledQty {
			changed++
		}
	}
	return changed, nil
}

func (s *Service) findExisting(ctx context.Context, key string) (PlaceResult, bool, error) {
	existing, err := s.store.FindOrderByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		return PlaceResult{Order: existing, Outcome: OutcomeExisting, Existing: true}, true, nil
	case errors.Is(err, store.ErrNotFound):
		return PlaceResult{}, false, nil
	default:
		return PlaceResult{}, false, apperr.Internal("ORDER_LOAD_FAILED", err)
	}
}

func (s *Service) persist(ctx context.Context, o domain.Order, payload domain.EventPayload, at time.Time) (domain.Order, error) {
	ev, err := domain.NewOutboxEvent(payload, at)
	if err != nil {
		return domain.Order{}, apperr.Internal("EVENT_ENCODE_FAILED", err)
	}
	saved, err := s.store.UpdateOrder(ctx, o, ev)
	if err != nil {
		return domain.Order{}, apperr.Internal("ORDER_PERSIST_FAILED", err)
	}
	return saved, nil
}

// persistOutcome retries persist with a short linear backoff.
func (s *Service) persistOutcome(ctx context.Context, o domain.Order, payload domain.EventPayload, at time.Time) (domain.Order, error) {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		var saved domain.Order
		if saved, err = s.persist(ctx, o, payload, at); err == nil {
			return saved, nil
		}
		if attempt < persistAttempts {
			orderLog.WithError(err).WithFields(logrus.Fields{"order_id": o.OrderID, "attempt": attempt}).Warn("retrying order write")
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
	}
	return domain.Order{}, err
}

func (s *Service) brokerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.brokerTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.brokerTimeout)
}

func validateNewOrder(o domain.Order) error {
	switch {
	case strings.TrimSpace(o.OrderID) == "":
		return apperr.Validation("ORDER_INVALID", "order_id is required")
	case strings.TrimSpace(o.IdempotencyKey) == "":
		return apperr.Validation("ORDER_INVALID", "idempotency_key is required")
	case strings.TrimSpace(o.AccountID) == "":
		return apperr.Validation("ORDER_INVALID", "account_id is required")
	case strings.TrimSpace(o.Symbol) == "":
		return apperr.Validation("ORDER_INVALID", "symbol is required")
	case o.Side != domain.SideBuy && o.Side != domain.SideSell:
		return apperr.Validation("ORDER_INVALID", "side must be BUY or SELL")
	case o.Qty <= 0:
		return apperr.Validation("ORDER_INVALID_QTY", "quantity must be positive")
	case o.OrderType == domain.OrderTypeLimit && !o.Price.IsPositive():
		return apperr.Validation("ORDER_INVALID_PRICE", "limit orders need a positive price")
	}
	return nil
}
