package risk

import (
	"fmt"

	"ordergate/internal/domain"
)

// Engine evaluates pre-trade rules. It holds no state and never touches the
// store, so the same inputs always give the same decision.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate checks rules in fixed priority and returns the first violation.
// A zero limit disables its rule; the kill switch is always checked.
func (e *Engine) Evaluate(order domain.Order, rule domain.RiskRule, state domain.RiskState) domain.RiskDecision {
	if state.KillSwitchStatus == domain.KillSwitchOn {
		reason := "kill switch is on"
		if state.KillSwitchReason != "" {
			reason = fmt.Sprintf("kill switch is on (%s): %s", state.Scope, state.KillSwitchReason)
		}
		return domain.Reject(domain.RuleKillSwitch, reason)
	}

	if rule.MaxDailyLoss.IsPositive() && state.DailyPnl.LessThanOrEqual(rule.MaxDailyLoss.Neg()) {
		return domain.Reject(domain.RuleDailyLoss,
			fmt.Sprintf("daily pnl %s reached loss limit %s", state.DailyPnl, rule.MaxDailyLoss))
	}

	if rule.MaxPositionValue.IsPositive() {
		// An order with no limit price on a symbol without a known mark
		// cannot be sized, so it is rejected rather than counted as zero.
		if !order.Price.IsPositive() && !state.MarkPrice.IsPositive() {
			return domain.Reject(domain.RuleMaxExposure,
				fmt.Sprintf("no reference price for %s to size exposure", order.Symbol))
		}
		projected := state.Exposure.Add(order.Notional(state.MarkPrice))
		if projected.GreaterThan(rule.MaxPositionValue) {
			return domain.Reject(domain.RuleMaxExposure,
				fmt.Sprintf("projected exposure %s exceeds limit %s", projected, rule.MaxPositionValue))
		}
	}

	if rule.MaxOpenOrders > 0 && state.OpenOrderCount >= rule.MaxOpenOrders {
		return domain.Reject(domain.RuleMaxOpenOrders,
			fmt.Sprintf("open orders %d reached limit %d", state.OpenOrderCount, rule.MaxOpenOrders))
	}

	if rule.MaxConsecutiveFailures > 0 && state.ConsecutiveOrderFailures >= rule.MaxConsecutiveFailures {
		return domain.Reject(domain.RuleConsecutiveFailures,
			fmt.Sprintf("consecutive order failures %d reached limit %d", state.ConsecutiveOrderFailures, rule.MaxConsecutiveFailures))
	}

	return domain.Approve()
}
