package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ordergate/internal/domain"
	"ordergate/internal/store"
)

type killSwitch struct {
	status domain.KillSwitchStatus
	reason string
}

type dailyKey struct {
	accountID string
	day       string
}

type positionKey struct {
	accountID string
	symbol    string
}

// Store keeps everything in process memory. A single mutex makes every
// mutation and its event one atomic step.
type Store struct {
	mu sync.RWMutex

	orders     map[string]domain.Order
	orderByKey map[string]string

	killSwitches        map[string]killSwitch
	dailyPnl            map[dailyKey]decimal.Decimal
	consecutiveFailures map[string]int

	positions map[positionKey]domain.Position

	events   []domain.OutboxEvent
	eventIDs map[string]struct{}

	tokens map[string]domain.BrokerToken
}

var _ store.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		orders:              make(map[string]domain.Order),
		orderByKey:          make(map[string]string),
		killSwitches:        make(map[string]killSwitch),
		dailyPnl:            make(map[dailyKey]decimal.Decimal),
		consecutiveFailures: make(map[string]int),
		positions:           make(map[positionKey]domain.Position),
		events:              make([]domain.OutboxEvent, 0, 256),
		eventIDs:            make(map[string]struct{}),
		tokens:              make(map[string]domain.BrokerToken),
	}
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) FindOrderByIdempotencyKey(_ context.Context, key string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.orderByKey[key]
	if !ok {
		return domain.Order{}, store.ErrNotFound
	}
	return s.orders[id], nil
}

func (s *Store) FindOrder(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, store.ErrNotFound
	}
	return o, nil
}

func (s *Store) CountOpenOrdersByAccount(_ context.Context, accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, o := range s.orders {
		if o.AccountID == accountID && o.Status.IsOpen() {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListOpenOrders(_ context.Context, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Order, 0)
	for _, o := range s.orders {
		if o.Status.IsOpen() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order, event domain.OutboxEvent) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orderByKey[order.IdempotencyKey]; exists {
		return domain.Order{}, store.ErrDuplicateIdempotencyKey
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	s.orders[order.OrderID] = order
	s.orderByKey[order.IdempotencyKey] = order.OrderID
	s.appendEvent(event)
	return order, nil
}

func (s *Store) UpdateOrder(_ context.Context, order domain.Order, event domain.OutboxEvent) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderID]; !ok {
		return domain.Order{}, store.ErrNotFound
	}
	s.orders[order.OrderID] = order
	s.appendEvent(event)
	return order, nil
}

func (s *Store) KillSwitch(_ context.Context, scope domain.RiskScope, accountID string) (domain.KillSwitchStatus, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ks, ok := s.killSwitches[killSwitchKey(scope, accountID)]
	if !ok {
		return domain.KillSwitchOff, "", nil
	}
	return ks.status, ks.reason, nil
}

func (s *Store) SetKillSwitch(_ context.Context, scope domain.RiskScope, accountID string, status domain.KillSwitchStatus, reason string, event domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killSwitches[killSwitchKey(scope, accountID)] = killSwitch{status: status, reason: reason}
	s.appendEvent(event)
	return nil
}

func (s *Store) AccountRisk(_ context.Context, accountID, tradingDay string) (store.AccountRisk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.AccountRisk{
		DailyPnl:            s.dailyPnl[dailyKey{accountID: accountID, day: tradingDay}],
		ConsecutiveFailures: s.consecutiveFailures[accountID],
	}, nil
}

func (s *Store) RecordOrderOutcome(_ context.Context, accountID string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failed {
		s.consecutiveFailures[accountID]++
	} else {
		s.consecutiveFailures[accountID] = 0
	}
	return nil
}

func (s *Store) ResetOrderFailures(_ context.Context, accountID string, event domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consecutiveFailures, accountID)
	s.appendEvent(event)
	return nil
}

// SetDailyPnl overwrites the stored PnL for a day. Used by tests and by
// operators seeding state after a restart.
func (s *Store) SetDailyPnl(accountID, tradingDay string, pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyPnl[dailyKey{accountID: accountID, day: tradingDay}] = pnl
}

func (s *Store) Position(_ context.Context, accountID, symbol string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionKey{accountID: accountID, symbol: symbol}]
	if !ok {
		return domain.Position{AccountID: accountID, Symbol: symbol}, nil
	}
	return p, nil
}

func (s *Store) Positions(_ context.Context, accountID string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0)
	for k, p := range s.positions {
		if k.accountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Store) ApplyFill(_ context.Context, pos domain.Position, tradingDay string, realizedDelta decimal.Decimal, event domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[positionKey{accountID: pos.AccountID, symbol: pos.Symbol}] = pos
	key := dailyKey{accountID: pos.AccountID, day: tradingDay}
	s.dailyPnl[key] = s.dailyPnl[key].Add(realizedDelta)
	s.appendEvent(event)
	return nil
}

func (s *Store) AppendEvent(_ context.Context, event domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.eventIDs[event.ID]; dup {
		return nil
	}
	s.appendEvent(event)
	return nil
}

// appendEvent must be called with mu held.
func (s *Store) appendEvent(event domain.OutboxEvent) {
	s.events = append(s.events, event)
	s.eventIDs[event.ID] = struct{}{}
}

func (s *Store) ListEvents(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	if len(s.events) == 0 {
		return []domain.OutboxEvent{}, nil
	}
	start := max(len(s.events)-limit, 0)
	out := slices.Clone(s.events[start:])
	slices.Reverse(out)
	return out, nil
}

func (s *Store) UnpublishedEvents(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.OutboxEvent, 0)
	for _, e := range s.events {
		if e.PublishedAt != nil {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkEventsPublished(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if slices.Contains(ids, s.events[i].ID) && s.events[i].PublishedAt == nil {
			ts := at
			s.events[i].PublishedAt = &ts
		}
	}
	return nil
}

func (s *Store) SaveBrokerToken(_ context.Context, token domain.BrokerToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.Provider] = token
	return nil
}

func (s *Store) LoadBrokerToken(_ context.Context, provider string) (domain.BrokerToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[provider]
	if !ok {
		return domain.BrokerToken{}, store.ErrNotFound
	}
	return t, nil
}

func killSwitchKey(scope domain.RiskScope, accountID string) string {
	if scope == domain.ScopeGlobal {
		return string(domain.ScopeGlobal)
	}
	return string(scope) + ":" + accountID
}
