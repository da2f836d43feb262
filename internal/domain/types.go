package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalHold SignalType = "HOLD"
)

type TargetType string

const (
	TargetQty    TargetType = "QTY"
	TargetWeight TargetType = "WEIGHT"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

type RiskScope string

const (
	ScopeGlobal  RiskScope = "GLOBAL"
	ScopeAccount RiskScope = "ACCOUNT"
)

type KillSwitchStatus string

const (
	KillSwitchOn  KillSwitchStatus = "ON"
	KillSwitchOff KillSwitchStatus = "OFF"
)

// RiskRuleID names the rule a rejected RiskDecision violated.
type RiskRuleID string

const (
	RuleKillSwitch          RiskRuleID = "KILL_SWITCH"
	RuleDailyLoss           RiskRuleID = "DAILY_LOSS"
	RuleMaxExposure         RiskRuleID = "MAX_EXPOSURE"
	RuleMaxOpenOrders       RiskRuleID = "MAX_OPEN_ORDERS"
	RuleConsecutiveFailures RiskRuleID = "CONSECUTIVE_FAILURES"
)

// Signal is a strategy's trading intent. TargetValue is nil when the
// strategy did not provide one.
type Signal struct {
	SignalID          string           `json:"signal_id"`
	StrategyID        string           `json:"strategy_id"`
	StrategyVersionID string           `json:"strategy_version_id,omitempty"`
	AccountID         string           `json:"account_id"`
	Symbol            string           `json:"symbol"`
	SignalType        SignalType       `json:"signal_type"`
	TargetType        TargetType       `json:"target_type"`
	TargetValue       *decimal.Decimal `json:"target_value"`
	TTLSeconds        int              `json:"ttl_seconds,omitempty"`
	Reason            string           `json:"reason,omitempty"`
}

// RiskRule holds configured limits. A zero limit disables its check.
type RiskRule struct {
	MaxDailyLoss           decimal.Decimal `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxPositionValue       decimal.Decimal `json:"max_position_value" yaml:"max_position_value"`
	MaxOpenOrders          int             `json:"max_open_orders" yaml:"max_open_orders"`
	MaxConsecutiveFailures int             `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// RiskState is read fresh from the store at every evaluation.
// MarkPrice is the last known price of the evaluated order's symbol and is
// used to value MARKET orders, which carry no price.
type RiskState struct {
	Scope                    RiskScope        `json:"scope"`
	AccountID                string           `json:"account_id"`
	KillSwitchStatus         KillSwitchStatus `json:"kill_switch_status"`
	KillSwitchReason         string           `json:"kill_switch_reason,omitempty"`
	DailyPnl                 decimal.Decimal  `json:"daily_pnl"`
	Exposure                 decimal.Decimal  `json:"exposure"`
	OpenOrderCount           int              `json:"open_order_count"`
	ConsecutiveOrderFailures int              `json:"consecutive_order_failures"`
	MarkPrice                decimal.Decimal  `json:"mark_price"`
}

type RiskDecision struct {
	Approved     bool       `json:"approved"`
	Reason       string     `json:"reason,omitempty"`
	RuleViolated RiskRuleID `json:"rule_violated,omitempty"`
}

func Approve() RiskDecision {
	return RiskDecision{Approved: true}
}

func Reject(rule RiskRuleID, reason string) RiskDecision {
	return RiskDecision{Approved: false, Reason: reason, RuleViolated: rule}
}

// Fill is an execution report pushed by the broker. It is immutable once
// received.
type Fill struct {
	FillID        string          `json:"fill_id"`
	OrderID       string          `json:"order_id"`
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	FillQty       int64           `json:"fill_qty"`
	Fee           decimal.Decimal `json:"fee"`
	Tax           decimal.Decimal `json:"tax"`
	FillTimestamp time.Time       `json:"fill_timestamp"`
	BrokerOrderNo string          `json:"broker_order_no,omitempty"`
}

// BrokerToken is a cached broker access credential.
type BrokerToken struct {
	Provider    string    `json:"provider"`
	AccessToken string    `json:"-"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	IssuedAt    time.Time `json:"issued_at"`
}

// TradingDay buckets t into the calendar day used for daily PnL limits.
func TradingDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
