package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOrderCreated       EventType = "ORDER_CREATED"
	EventOrderPlaced        EventType = "ORDER_PLACED"
	EventOrderRejected      EventType = "ORDER_REJECTED"
	EventOrderFailed        EventType = "ORDER_FAILED"
	EventOrderModified      EventType = "ORDER_MODIFIED"
	EventOrderCancelled     EventType = "ORDER_CANCELLED"
	EventOrderStatusChanged EventType = "ORDER_STATUS_CHANGED"
	EventFillApplied        EventType = "FILL_APPLIED"
	EventSignalGenerated    EventType = "SIGNAL_GENERATED"
	EventKillSwitchChanged  EventType = "KILL_SWITCH_CHANGED"
	EventFailuresReset      EventType = "FAILURE_COUNTER_RESET"
)

// OutboxEvent is the durable record written in the same transaction as the
// mutation it describes. PublishedAt is set by the relay.
type OutboxEvent struct {
	ID          string          `json:"event_id"`
	Type        EventType       `json:"event_type"`
	AccountID   string          `json:"account_id,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

// EventPayload is implemented only by the event variants in this file.
type EventPayload interface {
	EventType() EventType
	account() string
}

// NewOutboxEvent is the single encode step from a typed variant to an outbox
// record.
func NewOutboxEvent(p EventPayload, at time.Time) (OutboxEvent, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("encode %s: %w", p.EventType(), err)
	}
	return OutboxEvent{
		ID:         uuid.NewString(),
		Type:       p.EventType(),
		AccountID:  p.account(),
		OccurredAt: at.UTC(),
		Payload:    raw,
	}, nil
}

// OrderCreated records the reservation of an idempotency key before the
// broker is contacted.
type OrderCreated struct {
	OrderID        string      `json:"orderId"`
	AccountID      string      `json:"accountId"`
	SignalID       string      `json:"signalId,omitempty"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Qty            int64       `json:"qty"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Status         OrderStatus `json:"status"`
}

type OrderPlaced struct {
	OrderID       string          `json:"orderId"`
	AccountID     string          `json:"accountId"`
	StrategyID    string          `json:"strategyId,omitempty"`
	SignalID      string          `json:"signalId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	OrderType     OrderType       `json:"orderType"`
	Qty           int64           `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	BrokerOrderNo string          `json:"brokerOrderNo"`
	Status        OrderStatus     `json:"status"`
}

// Rejection sources.
const (
	RejectedByRisk   = "RISK"
	RejectedByBroker = "BROKER"
)

type OrderRejected struct {
	OrderID      string      `json:"orderId"`
	AccountID    string      `json:"accountId"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Qty          int64       `json:"qty"`
	Source       string      `json:"source"`
	RuleViolated RiskRuleID  `json:"ruleViolated,omitempty"`
	ErrorCode    string      `json:"errorCode,omitempty"`
	Reason       string      `json:"reason"`
	Status       OrderStatus `json:"status"`
}

type OrderFailed struct {
	OrderID    string      `json:"orderId"`
	AccountID  string      `json:"accountId"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Qty        int64       `json:"qty"`
	ErrorClass string      `json:"errorClass"`
	Reason     string      `json:"reason"`
	Status     OrderStatus `json:"status"`
}

type OrderModified struct {
	OrderID       string          `json:"orderId"`
	AccountID     string          `json:"accountId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	OriginalQty   int64           `json:"originalQty"`
	NewQty        int64           `json:"newQty"`
	OriginalPrice decimal.Decimal `json:"originalPrice"`
	NewPrice      decimal.Decimal `json:"newPrice"`
	Status        OrderStatus     `json:"status"`
}

type OrderCancelled struct {
	OrderID   string `json:"orderId"`
	AccountID string `json:"accountId"`
	Symbol    string `json:"symbol"`
}

type OrderStatusChanged struct {
	OrderID   string      `json:"orderId"`
	AccountID string      `json:"accountId"`
	Symbol    string      `json:"symbol"`
	From      OrderStatus `json:"from"`
	To        OrderStatus `json:"to"`
	FilledQty int64       `json:"filledQty"`
}

type FillApplied struct {
	FillID           string          `json:"fillId"`
	OrderID          string          `json:"orderId"`
	AccountID        string          `json:"accountId"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	FillPrice        decimal.Decimal `json:"fillPrice"`
	FillQty          int64           `json:"fillQty"`
	Fee              decimal.Decimal `json:"fee"`
	Tax              decimal.Decimal `json:"tax"`
	PositionQty      int64           `json:"positionQty"`
	AvgPrice         decimal.Decimal `json:"avgPrice"`
	RealizedPnlDelta decimal.Decimal `json:"realizedPnlDelta"`
}

type SignalGenerated struct {
	SignalID    string           `json:"signalId"`
	AccountID   string           `json:"accountId"`
	StrategyID  string           `json:"strategyId"`
	Symbol      string           `json:"symbol"`
	SignalType  SignalType       `json:"signalType"`
	TargetValue *decimal.Decimal `json:"targetValue"`
}

type KillSwitchChanged struct {
	Scope     RiskScope        `json:"scope"`
	AccountID string           `json:"accountId,omitempty"`
	Status    KillSwitchStatus `json:"status"`
	Reason    string           `json:"reason,omitempty"`
}

// FailuresReset records an operator clearing the consecutive order failure
// counter after the circuit breaker tripped.
type FailuresReset struct {
	AccountID     string `json:"accountId"`
	PreviousCount int    `json:"previousCount"`
	Reason        string `json:"reason,omitempty"`
}

func (OrderCreated) EventType() EventType       { return EventOrderCreated }
func (OrderPlaced) EventType() EventType        { return EventOrderPlaced }
func (OrderRejected) EventType() EventType      { return EventOrderRejected }
func (OrderFailed) EventType() EventType        { return EventOrderFailed }
func (OrderModified) EventType() EventType      { return EventOrderModified }
func (OrderCancelled) EventType() EventType     { return EventOrderCancelled }
func (OrderStatusChanged) EventType() EventType { return EventOrderStatusChanged }
func (FillApplied) EventType() EventType        { return EventFillApplied }
func (SignalGenerated) EventType() EventType    { return EventSignalGenerated }
func (KillSwitchChanged) EventType() EventType  { return EventKillSwitchChanged }
func (FailuresReset) EventType() EventType      { return EventFailuresReset }

func (e OrderCreated) account() string       { return e.AccountID }
func (e OrderPlaced) account() string        { return e.AccountID }
func (e OrderRejected) account() string      { return e.AccountID }
func (e OrderFailed) account() string        { return e.AccountID }
func (e OrderModified) account() string      { return e.AccountID }
func (e OrderCancelled) account() string     { return e.AccountID }
func (e OrderStatusChanged) account() string { return e.AccountID }
func (e FillApplied) account() string        { return e.AccountID }
func (e SignalGenerated) account() string    { return e.AccountID }
func (e KillSwitchChanged) account() string  { return e.AccountID }
func (e FailuresReset) account() string      { return e.AccountID }
