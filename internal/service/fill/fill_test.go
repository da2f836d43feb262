package fill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordergate/internal/apperr"
	"ordergate/internal/domain"
	"ordergate/internal/store/memory"
)

var now = time.Date(2026, 10, 16, 1, 0, 0, 0, time.UTC)

func validFill(id string) domain.Fill {
	return domain.Fill{
		FillID:        id,
		OrderID:       "o-1",
		AccountID:     "acc-1",
		Symbol:        "005930",
		Side:          domain.SideBuy,
		FillPrice:     decimal.NewFromInt(70_000),
		FillQty:       10,
		FillTimestamp: now,
	}
}

func TestValidateBoundaries(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*domain.Fill)
		valid bool
	}{
		{"price 0", func(f *domain.Fill) { f.FillPrice = decimal.Zero }, false},
		{"price 100", func(f *domain.Fill) { f.FillPrice = decimal.NewFromInt(100) }, true},
		{"price 99.99", func(f *domain.Fill) { f.FillPrice = decimal.RequireFromString("99.99") }, false},
		{"price max", func(f *domain.Fill) { f.FillPrice = decimal.NewFromInt(10_000_000) }, true},
		{"price above max", func(f *domain.Fill) { f.FillPrice = decimal.NewFromInt(10_000_001) }, false},
		{"qty 0", func(f *domain.Fill) { f.FillQty = 0 }, false},
		{"qty 1", func(f *domain.Fill) { f.FillQty = 1 }, true},
		{"qty max", func(f *domain.Fill) { f.FillQty = 1_000_000 }, true},
		{"qty above max", func(f *domain.Fill) { f.FillQty = 1_000_001 }, false},
		{"timestamp +2m", func(f *domain.Fill) { f.FillTimestamp = now.Add(2 * time.Minute) }, false},
		{"timestamp +30s", func(f *domain.Fill) { f.FillTimestamp = now.Add(30 * time.Second) }, true},
		{"missing fill id", func(f *domain.Fill) { f.FillID = "" }, false},
		{"missing symbol", func(f *domain.Fill) { f.Symbol = " " }, false},
		{"bad side", func(f *domain.Fill) { f.Side = "HOLD" }, false},
		{"negative fee", func(f *domain.Fill) { f.Fee = decimal.NewFromInt(-1) }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := validFill("f-1")
			tc.edit(&f)
			err := Validate(f, now)
			if tc.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestDeduplicatorFirstSeenOnce(t *testing.T) {
	d := NewDeduplicator(time.Hour, 100)
	assert.False(t, d.IsDuplicate("f-1"))
	for i := 0; i < 5; i++ {
		assert.True(t, d.IsDuplicate("f-1"))
	}
	assert.False(t, d.IsDuplicate("f-2"))
	assert.Equal(t, 2, d.Size())

	d.Reset()
	assert.Zero(t, d.Size())
	assert.False(t, d.IsDuplicate("f-1"))
}

func TestDeduplicatorConcurrentCheckAndInsert(t *testing.T) {
	d := NewDeduplicator(time.Hour, 100)
	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.IsDuplicate("f-race") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), firsts.Load())
}

func TestDeduplicatorRetentionAndPurge(t *testing.T) {
	clock := now
	d := NewDeduplicator(time.Hour, 3)
	d.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		assert.False(t, d.IsDuplicate(fmt.Sprintf("old-%d", i)))
	}

	clock = clock.Add(61 * time.Minute)
	assert.False(t, d.IsDuplicate("old-0"), "expired ids are accepted again")
	assert.Equal(t, 3, d.Size())

	// Growing past maxSize purges the two remaining expired entries.
	assert.False(t, d.IsDuplicate("new-1"))
	assert.Equal(t, 2, d.Size())
	assert.True(t, d.IsDuplicate("old-0"))
	assert.True(t, d.IsDuplicate("new-1"))
}

func TestDeduplicatorForget(t *testing.T) {
	d := NewDeduplicator(0, 0)
	assert.False(t, d.IsDuplicate("f-1"))
	d.Forget("f-1")
	assert.False(t, d.IsDuplicate("f-1"))
}

func newPipeline(st Store) *Pipeline {
	return NewPipeline(st, NewDeduplicator(time.Hour, 100), WithClock(func() time.Time { return now }))
}

func TestPipelineAppliesOnce(t *testing.T) {
	st := memory.NewStore()
	p := newPipeline(st)
	ctx := context.Background()

	first := p.Process(ctx, validFill("f-1"))
	require.Equal(t, ResultApplied, first.Result)
	assert.Equal(t, int64(10), first.Position.Qty)

	dup := p.Process(ctx, validFill("f-1"))
	assert.Equal(t, ResultDuplicate, dup.Result)

	bad := validFill("f-2")
	bad.FillQty = 0
	invalid := p.Process(ctx, bad)
	assert.Equal(t, ResultInvalid, invalid.Result)
	assert.Equal(t, "FILL_QTY_OUT_OF_RANGE", invalid.Code)

	pos, err := st.Position(ctx, "acc-1", "005930")
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos.Qty)
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(70_000)))

	assert.Equal(t, Stats{Received: 3, Processed: 1, Duplicate: 1, Invalid: 1}, p.Stats())

	evs, err := st.ListEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventFillApplied, evs[0].Type)

	p.Reset()
	assert.Equal(t, Stats{}, p.Stats())
}

func TestPipelineRealizedPnlFeedsDailyRisk(t *testing.T) {
	st := memory.NewStore()
	p := newPipeline(st)
	ctx := context.Background()

	buy := validFill("f-1")
	require.Equal(t, ResultApplied, p.Process(ctx, buy).Result)

	sell := validFill("f-2")
	sell.Side = domain.SideSell
	sell.FillQty = 4
	sell.FillPrice = decimal.NewFromInt(68_000)
	sell.Fee = decimal.NewFromInt(150)
	sell.Tax = decimal.NewFromInt(500)
	out := p.Process(ctx, sell)
	require.Equal(t, ResultApplied, out.Result)

	// 4 * (68,000 - 70,000) - 650
	want := decimal.NewFromInt(-8_650)
	assert.True(t, out.RealizedPnl.Equal(want), "realized=%s", out.RealizedPnl)

	risk, err := st.AccountRisk(ctx, "acc-1", "2026-10-16")
	require.NoError(t, err)
	assert.True(t, risk.DailyPnl.Equal(want), "daily=%s", risk.DailyPnl)
}

func TestPipelineConcurrentFillsSameSymbol(t *testing.T) {
	st := memory.NewStore()
	p := newPipeline(st)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := validFill(fmt.Sprintf("f-%d", i%25))
			f.FillQty = 2
			p.Process(ctx, f)
		}(i)
	}
	wg.Wait()

	pos, err := st.Position(ctx, "acc-1", "005930")
	require.NoError(t, err)
	assert.Equal(t, int64(50), pos.Qty, "25 distinct fills of 2")
	stats := p.Stats()
	assert.Equal(t, int64(25), stats.Processed)
	assert.Equal(t, int64(25), stats.Duplicate)
}

type failingStore struct {
	*memory.Store
	fail bool
}

func (f *failingStore) ApplyFill(ctx context.Context, pos domain.Position, day string, realized decimal.Decimal, ev domain.OutboxEvent) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.ApplyFill(ctx, pos, day, realized, ev)
}

func TestPipelineFailedApplyCanBeRetried(t *testing.T) {
	st := &failingStore{Store: memory.NewStore(), fail: true}
	p := newPipeline(st)
	ctx := context.Background()

	out := p.Process(ctx, validFill("f-1"))
	assert.Equal(t, ResultFailed, out.Result)
	assert.Equal(t, "POSITION_PERSIST_FAILED", out.Code)

	st.fail = false
	assert.Equal(t, ResultApplied, p.Process(ctx, validFill("f-1")).Result)
	assert.Equal(t, int64(1), p.Stats().Failed)
}
