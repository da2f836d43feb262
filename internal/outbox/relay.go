package outbox

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ordergate/internal/domain"
)

var outboxLog = logrus.WithField("component", "outbox")

type Store interface {
	UnpublishedEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkEventsPublished(ctx context.Context, ids []string, at time.Time) error
}

type Sink interface {
	Publish(ctx context.Context, event domain.OutboxEvent) error
}

// Relay forwards committed events in order. A failed event stops the batch
// so later events are never delivered ahead of it.
type Relay struct {
	store     Store
	sink      Sink
	batchSize int
	now       func() time.Time
}

func NewRelay(st Store, sink Sink, batchSize int) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{store: st, sink: sink, batchSize: batchSize, now: time.Now}
}

// RunOnce publishes one batch and returns how many events were delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.UnpublishedEvents(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	published := make([]string, 0, len(events))
	var pubErr error
	for _, e := range events {
		if pubErr = r.sink.Publish(ctx, e); pubErr != nil {
			outboxLog.WithError(pubErr).WithFields(logrus.Fields{"event_id": e.ID, "event_type": e.Type}).Warn("publish failed")
			break
		}
		published = append(published, e.ID)
	}
	if len(published) > 0 {
		if err := r.store.MarkEventsPublished(ctx, published, r.now().UTC()); err != nil {
			return 0, err
		}
	}
	return len(published), pubErr
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			outboxLog.WithError(err).Warn("relay batch incomplete")
		} else if n > 0 {
			outboxLog.WithField("count", n).Debug("events published")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
