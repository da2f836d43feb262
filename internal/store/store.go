package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ordergate/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateIdempotencyKey is returned by CreateOrder when another order
	// already holds the key. The unique constraint is the source of truth.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// Every mutating method takes the outbox event that describes it and commits
// both in one transaction.

type OrderStore interface {
	FindOrderByIdempotencyKey(ctx context.Context, key string) (domain.Order, error)
	FindOrder(ctx context.Context, orderID string) (domain.Order, error)
	CountOpenOrdersByAccount(ctx context.Context, accountID string) (int, error)
	ListOpenOrders(ctx context.Context, limit int) ([]domain.Order, error)
	CreateOrder(ctx context.Context, order domain.Order, event domain.OutboxEvent) (domain.Order, error)
	UpdateOrder(ctx context.Context, order domain.Order, event domain.OutboxEvent) (domain.Order, error)
}

// AccountRisk is the persisted per-account input to risk evaluation.
type AccountRisk struct {
	DailyPnl            decimal.Decimal
	ConsecutiveFailures int
}

type RiskStore interface {
	KillSwitch(ctx context.Context, scope domain.RiskScope, accountID string) (domain.KillSwitchStatus, string, error)
	SetKillSwitch(ctx context.Context, scope domain.RiskScope, accountID string, status domain.KillSwitchStatus, reason string, event domain.OutboxEvent) error
	AccountRisk(ctx context.Context, accountID, tradingDay string) (AccountRisk, error)
	// RecordOrderOutcome resets the consecutive failure counter on success
	// and increments it on failure.
	RecordOrderOutcome(ctx context.Context, accountID string, failed bool) error
	// ResetOrderFailures zeroes the counter and stores event with it.
	ResetOrderFailures(ctx context.Context, accountID string, event domain.OutboxEvent) error
}

type PositionStore interface {
	// Position returns a zero position (not ErrNotFound) for unknown symbols.
	Position(ctx context.Context, accountID, symbol string) (domain.Position, error)
	Positions(ctx context.Context, accountID string) ([]domain.Position, error)
	// ApplyFill stores the new position and adds realizedDelta to the
	// account's PnL for tradingDay.
	ApplyFill(ctx context.Context, pos domain.Position, tradingDay string, realizedDelta decimal.Decimal, event domain.OutboxEvent) error
}

type EventStore interface {
	// AppendEvent stores a standalone event. An event whose ID is already
	// stored is ignored, so replays with a deterministic ID are safe.
	AppendEvent(ctx context.Context, event domain.OutboxEvent) error
	// ListEvents returns the newest events first.
	ListEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	// UnpublishedEvents returns the oldest unpublished events first.
	UnpublishedEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkEventsPublished(ctx context.Context, ids []string, at time.Time) error
}

type TokenStore interface {
	SaveBrokerToken(ctx context.Context, token domain.BrokerToken) error
	LoadBrokerToken(ctx context.Context, provider string) (domain.BrokerToken, error)
}

// Store is the full persistence contract implemented by the memory, sqlite
// and postgres stores.
type Store interface {
	OrderStore
	RiskStore
	PositionStore
	EventStore
	TokenStore
	Close() error
}
