package fill

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ordergate/internal/apperr"
	"ordergate/internal/domain"
	"ordergate/internal/syncx"
)

var fillLog = logrus.WithField("component", "fill")

type Store interface {
	Position(ctx context.Context, accountID, symbol string) (domain.Position, error)
	ApplyFill(ctx context.Context, pos domain.Position, tradingDay string, realizedDelta decimal.Decimal, event domain.OutboxEvent) error
}

type Result string

const (
	ResultApplied   Result = "APPLIED"
	ResultDuplicate Result = "DUPLICATE"
	ResultInvalid   Result = "INVALID"
	ResultFailed    Result = "FAILED"
)

// Outcome describes what happened to one fill. Dropped fills are outcomes,
// not errors.
type Outcome struct {
	Result      Result          `json:"result"`
	FillID      string          `json:"fill_id"`
	Code        string          `json:"code,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Position    domain.Position `json:"position"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
}

type Stats struct {
	Received  int64 `json:"received"`
	Processed int64 `json:"processed"`
	Duplicate int64 `json:"duplicate"`
	Invalid   int64 `json:"invalid"`
	Failed    int64 `json:"failed"`
}

type Pipeline struct {
	store Store
	dedup *Deduplicator
	locks *syncx.KeyedMutex
	loc   *time.Location
	now   func() time.Time

	received  atomic.Int64
	processed atomic.Int64
	duplicate atomic.Int64
	invalid   atomic.Int64
	failed    atomic.Int64
}

type Option func(*Pipeline)

// WithLocation sets the time zone that buckets realized PnL into days.
func WithLocation(loc *time.Location) Option {
	return func(p *Pipeline) {
		if loc != nil {
			p.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(st Store, dedup *Deduplicator, opts ...Option) *Pipeline {
	if dedup == nil {
		dedup = NewDeduplicator(DefaultRetention, DefaultMaxSize)
	}
	p := &Pipeline{
		store: st,
		dedup: dedup,
		locks: syncx.NewKeyedMutex(128),
		loc:   time.UTC,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs validate, deduplicate and apply for one fill. It is safe to
// call from many stream callbacks at once.
func (p *Pipeline) Process(ctx context.Context, f domain.Fill) Outcome {
	p.received.Add(1)
	log := fillLog.WithFields(logrus.Fields{"fill_id": f.FillID, "order_id": f.OrderID, "symbol": f.Symbol})

	if err := Validate(f, p.now()); err != nil {
		p.invalid.Add(1)
		log.WithError(err).Warn("dropping invalid fill")
		return Outcome{Result: ResultInvalid, FillID: f.FillID, Code: apperr.CodeOf(err), Reason: err.Error()}
	}

	if p.dedup.IsDuplicate(f.FillID) {
		p.duplicate.Add(1)
		log.Debug("dropping duplicate fill")
		return Outcome{Result: ResultDuplicate, FillID: f.FillID, Code: "FILL_DUPLICATE"}
	}

	pos, realized, err := p.apply(ctx, f)
	if err != nil {
		p.failed.Add(1)
		p.dedup.Forget(f.FillID)
		log.WithError(err).Error("apply fill failed")
		return Outcome{Result: ResultFailed, FillID: f.FillID, Code: apperr.CodeOf(err), Reason: err.Error()}
	}
	p.processed.Add(1)
	log.WithFields(logrus.Fields{"position_qty": pos.Qty, "realized": realized.String()}).Info("fill applied")
	return Outcome{Result: ResultApplied, FillID: f.FillID, Position: pos, RealizedPnl: realized}
}

func (p *Pipeline) apply(ctx context.Context, f domain.Fill) (domain.Position, decimal.Decimal, error) {
	unlock := p.locks.Lock(f.AccountID + "|" + f.Symbol)
	defer unlock()

	current, err := p.store.Position(ctx, f.AccountID, f.Symbol)
	if err != nil {
		return domain.Position{}, decimal.Zero, apperr.Internal("POSITION_LOAD_FAILED", err)
	}
	current.AccountID, current.Symbol = f.AccountID, f.Symbol
	next, realized := current.ApplyFill(f)

	ev, err := domain.NewOutboxEvent(domain.FillApplied{
		FillID:           f.FillID,
		OrderID:          f.OrderID,
		AccountID:        f.AccountID,
		Symbol:           f.Symbol,
		Side:             f.Side,
		FillPrice:        f.FillPrice,
		FillQty:          f.FillQty,
		Fee:              f.Fee,
		Tax:              f.Tax,
		PositionQty:      next.Qty,
		AvgPrice:         next.AvgPrice,
		RealizedPnlDelta: realized,
	}, p.now())
	if err != nil {
		return domain.Position{}, decimal.Zero, apperr.Internal("EVENT_ENCODE_FAILED", err)
	}
	day := domain.TradingDay(f.FillTimestamp, p.loc)
	if err := p.store.ApplyFill(ctx, next, day, realized, ev); err != nil {
		return domain.Position{}, decimal.Zero, apperr.Internal("POSITION_PERSIST_FAILED", err)
	}
	return next, realized, nil
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:  p.received.Load(),
		Processed: p.processed.Load(),
		Duplicate: p.duplicate.Load(),
		Invalid:   p.invalid.Load(),
		Failed:    p.failed.Load(),
	}
}

// Reset clears counters and the dedup set.
func (p *Pipeline) Reset() {
	p.received.Store(0)
	p.processed.Store(0)
	p.duplicate.Store(0)
	p.invalid.Store(0)
	p.failed.Store(0)
	p.dedup.Reset()
}
