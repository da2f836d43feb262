package signal

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ordergate/internal/apperr"
	"ordergate/internal/domain"
	"ordergate/internal/service/order"
)

var signalLog = logrus.WithField("component", "signal")

var signalEventSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ordergate:signal-generated"))

type EventStore interface {
	AppendEvent(ctx context.Context, event domain.OutboxEvent) error
}

type OrderPlacer interface {
	Place(ctx context.Context, o domain.Order) (order.PlaceResult, error)
}

// SubmitResult is the outcome of one signal. Placement is nil for HOLD and
// for signals suppressed by the duplicate window.
type SubmitResult struct {
	SignalID   string             `json:"signal_id"`
	Hold       bool               `json:"hold"`
	Suppressed bool               `json:"suppressed"`
	Placement  *order.PlaceResult `json:"placement,omitempty"`
}

type Service struct {
	converter *Converter
	events    EventStore
	orders    OrderPlacer
	now       func() time.Time

	// Duplicate window keyed by account/strategy/symbol/type. Zero disables.
	window time.Duration
	mu     sync.Mutex
	recent map[string]time.Time
}

func NewService(converter *Converter, events EventStore, orders OrderPlacer, window time.Duration) *Service {
	return &Service{
		converter: converter,
		events:    events,
		orders:    orders,
		now:       func() time.Time { return time.Now().UTC() },
		window:    window,
		recent:    make(map[string]time.Time),
	}
}

// Submit records the signal, converts it and places the resulting order.
// A signal whose idempotency key already has an order returns that order.
func (s *Service) Submit(ctx context.Context, sig domain.Signal) (SubmitResult, error) {
	if err := validate(sig); err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{SignalID: sig.SignalID}

	o, ok, err := s.converter.Convert(sig)
	if err != nil {
		return SubmitResult{}, err
	}

	if ok && s.suppressed(sig) {
		signalLog.WithFields(logrus.Fields{"signal_id": sig.SignalID, "symbol": sig.Symbol}).
			Info("signal suppressed by duplicate window")
		res.Suppressed = true
		return res, nil
	}

	ev, err := domain.NewOutboxEvent(domain.SignalGenerated{
		SignalID:    sig.SignalID,
		AccountID:   sig.AccountID,
		StrategyID:  sig.StrategyID,
		Symbol:      sig.Symbol,
		SignalType:  sig.SignalType,
		TargetValue: sig.TargetValue,
	}, s.now())
	if err != nil {
		return SubmitResult{}, apperr.Internal("EVENT_ENCODE_FAILED", err)
	}
	// One event per signal id; redeliveries hit the same ID and are dropped.
	ev.ID = uuid.NewSHA1(signalEventSpace, []byte(sig.SignalID)).String()
	if err := s.events.AppendEvent(ctx, ev); err != nil {
		return SubmitResult{}, apperr.Internal("EVENT_PERSIST_FAILED", err)
	}

	if !ok {
		res.Hold = true
		return res, nil
	}

	placed, err := s.orders.Place(ctx, o)
	if placed.Order.OrderID != "" {
		res.Placement = &placed
	}
	return res, err
}

// Reset clears the duplicate window.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.recent)
}

// suppressed reports whether an equivalent signal was received within the
// window, using receipt time. Retries of the same signal id are never
// suppressed; idempotency handles them.
func (s *Service) suppressed(sig domain.Signal) bool {
	if s.window <= 0 {
		return false
	}
	key := strings.Join([]string{sig.AccountID, sig.StrategyID, sig.Symbol, string(sig.SignalType)}, "|")
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.recent {
		if now.Sub(at) >= s.window {
			delete(s.recent, k)
		}
	}
	idKey := key + "|" + sig.SignalID
	if _, retry := s.recent[idKey]; retry {
		return false
	}
	for k := range s.recent {
		if strings.HasPrefix(k, key+"|") {
			return true
		}
	}
	s.recent[idKey] = now
	return false
}

func validate(sig domain.Signal) error {
	fields := []struct{ name, value string }{
		{"signal_id", sig.SignalID},
		{"strategy_id", sig.StrategyID},
		{"account_id", sig.AccountID},
		{"symbol", sig.Symbol},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return apperr.Validation("SIGNAL_MISSING_FIELD", "%s is required", f.name)
		}
	}
	return nil
}
