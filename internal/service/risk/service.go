package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ordergate/internal/apperr"
	"ordergate/internal/domain"
	"ordergate/internal/store"
)

var riskLog = logrus.WithField("component", "risk")

// Store is the slice of persistence the risk service reads and writes.
type Store interface {
	store.RiskStore
	CountOpenOrdersByAccount(ctx context.Context, accountID string) (int, error)
	Positions(ctx context.Context, accountID string) ([]domain.Position, error)
}

// RuleSource resolves the limits for an account.
type RuleSource interface {
	For(accountID string) domain.RiskRule
}

// StaticRules applies one rule to every account.
type StaticRules domain.RiskRule

func (r StaticRules) For(string) domain.RiskRule {
	return domain.RiskRule(r)
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Service struct {
	engine   *Engine
	store    Store
	rules    RuleSource
	notifier Notifier
	loc      *time.Location
	now      func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLocation sets the time zone that buckets daily PnL.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(engine *Engine, st Store, rules RuleSource, opts ...Option) *Service {
	s := &Service{
		engine: engine,
		store:  st,
		rules:  rules,
		loc:    time.UTC,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TradingDay returns the daily PnL bucket for t.
func (s *Service) TradingDay(t time.Time) string {
	return domain.TradingDay(t, s.loc)
}

// State reads the live risk state of an account. A GLOBAL kill switch that
// is ON overrides the account switch. symbol selects the mark price.
func (s *Service) State(ctx context.Context, accountID, symbol string) (domain.RiskState, error) {
	state := domain.RiskState{
		Scope:            domain.ScopeAccount,
		AccountID:        accountID,
		KillSwitchStatus: domain.KillSwitchOff,
	}

	status, reason, err := s.store.KillSwitch(ctx, domain.ScopeGlobal, "")
	if err != nil {
		return domain.RiskState{}, fmt.Errorf("read global kill switch: %w", err)
	}
	if status == domain.KillSwitchOn {
		state.Scope = domain.ScopeGlobal
		state.KillSwitchStatus = status
		state.KillSwitchReason = reason
	} else {
		status, reason, err = s.store.KillSwitch(ctx, domain.ScopeAccount, accountID)
		if err != nil {
			return domain.RiskState{}, fmt.Errorf("read account kill switch: %w", err)
		}
		state.KillSwitchStatus = status
		state.KillSwitchReason = reason
	}

	acct, err := s.store.AccountRisk(ctx, accountID, s.TradingDay(s.now()))
	if err != nil {
		return domain.RiskState{}, fmt.Errorf("read account risk: %w", err)
	}
	state.DailyPnl = acct.DailyPnl
	state.ConsecutiveOrderFailures = acct.ConsecutiveFailures

	open, err := s.store.CountOpenOrdersByAccount(ctx, accountID)
	if err != nil {
		return domain.RiskState{}, fmt.Errorf("count open orders: %w", err)
	}
	state.OpenOrderCount = open

	positions, err := s.store.Positions(ctx, accountID)
	if err != nil {
		return domain.RiskState{}, fmt.Errorf("read positions: %w", err)
	}
	metrics := DeriveExposure(positions, symbol)
	state.Exposure = metrics.Exposure
	state.MarkPrice = metrics.MarkPrice
	return state, nil
}

// Evaluate reads fresh state and runs the engine against the account's rule.
// Alerts for blocked orders are sent in the background because callers hold
// the account lock while evaluating.
func (s *Service) Evaluate(ctx context.Context, order domain.Order) (domain.RiskDecision, domain.RiskState, error) {
	state, err := s.State(ctx, order.AccountID, order.Symbol)
	if err != nil {
		return domain.RiskDecision{}, domain.RiskState{}, apperr.Internal("RISK_STATE_UNAVAILABLE", err)
	}
	decision := s.engine.Evaluate(order, s.rules.For(order.AccountID), state)
	if !decision.Approved {
		riskLog.WithFields(logrus.Fields{
			"account_id": order.AccountID,
			"symbol":     order.Symbol,
			"rule":       decision.RuleViolated,
		}).Warn(decision.Reason)
		if decision.RuleViolated == domain.RuleKillSwitch || decision.RuleViolated == domain.RuleDailyLoss {
			go s.notify(context.WithoutCancel(ctx), fmt.Sprintf("order blocked for %s %s: %s", order.AccountID, order.Symbol, decision.Reason))
		}
	}
	return decision, state, nil
}

func (s *Service) Rule(accountID string) domain.RiskRule {
	return s.rules.For(accountID)
}

// SetKillSwitch persists the switch together with its KILL_SWITCH_CHANGED
// event.
func (s *Service) SetKillSwitch(ctx context.Context, scope domain.RiskScope, accountID string, on bool, reason string) error {
	switch scope {
	case domain.ScopeGlobal:
		accountID = ""
	case domain.ScopeAccount:
		if strings.TrimSpace(accountID) == "" {
			return apperr.Validation("RISK_ACCOUNT_REQUIRED", "account_id is required for ACCOUNT scope")
		}
	default:
		return apperr.Validation("RISK_INVALID_SCOPE", "unknown scope %q", scope)
	}

	status := domain.KillSwitchOff
	if on {
		status = domain.KillSwitchOn
	}
	ev, err := domain.NewOutboxEvent(domain.KillSwitchChanged{
		Scope:     scope,
		AccountID: accountID,
		Status:    status,
		Reason:    reason,
	}, s.now())
	if err != nil {
		return apperr.Internal("EVENT_ENCODE_FAILED", err)
	}
	if err := s.store.SetKillSwitch(ctx, scope, accountID, status, reason, ev); err != nil {
		return apperr.Internal("RISK_PERSIST_FAILED", err)
	}

	riskLog.WithFields(logrus.Fields{"scope": scope, "account_id": accountID, "status": status}).Warn("kill switch changed")
	target := string(scope)
	if accountID != "" {
		target += " " + accountID
	}
	s.notify(ctx, fmt.Sprintf("kill switch %s for %s: %s", status, target, reason))
	return nil
}

// ResetFailures clears the consecutive failure counter of an account, which
// is the only way to lift a tripped CONSECUTIVE_FAILURES breaker without a
// successful placement. It returns the count that was cleared.
func (s *Service) ResetFailures(ctx context.Context, accountID, reason string) (int, error) {
	if strings.TrimSpace(accountID) == "" {
		return 0, apperr.Validation("RISK_ACCOUNT_REQUIRED", "account_id is required")
	}
	now := s.now()
	acct, err := s.store.AccountRisk(ctx, accountID, s.TradingDay(now))
	if err != nil {
		return 0, apperr.Internal("RISK_STATE_UNAVAILABLE", err)
	}
	ev, err := domain.NewOutboxEvent(domain.FailuresReset{
		AccountID:     accountID,
		PreviousCount: acct.ConsecutiveFailures,
		Reason:        reason,
	}, now)
	if err != nil {
		return 0, apperr.Internal("EVENT_ENCODE_FAILED", err)
	}
	if err := s.store.ResetOrderFailures(ctx, accountID, ev); err != nil {
		return 0, apperr.Internal("RISK_PERSIST_FAILED", err)
	}

	riskLog.WithFields(logrus.Fields{"account_id": accountID, "previous": acct.ConsecutiveFailures}).Warn("failure counter reset")
	s.notify(ctx, fmt.Sprintf("failure counter reset for %s (was %d): %s", accountID, acct.ConsecutiveFailures, reason))
	return acct.ConsecutiveFailures, nil
}

func (s *Service) notify(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, text); err != nil {
		riskLog.WithError(err).Warn("telegram notify failed")
	}
}
