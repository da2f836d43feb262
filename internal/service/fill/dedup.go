package fill

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultRetention = 60 * time.Minute
	DefaultMaxSize   = 10_000
)

// Deduplicator remembers fill ids for a retention window. The first
// IsDuplicate call for an id within the window returns false, every later
// one true. Entries past retention are purged once the set grows beyond
// maxSize; the purge never holds a lock the check path waits on.
type Deduplicator struct {
	seen      sync.Map // fill id -> time.Time
	size      atomic.Int64
	purging   atomic.Bool
	lastPurge atomic.Int64
	retention time.Duration
	maxSize   int64
	now       func() time.Time
}

func NewDeduplicator(retention time.Duration, maxSize int) *Deduplicator {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Deduplicator{retention: retention, maxSize: int64(maxSize), now: time.Now}
}

func (d *Deduplicator) IsDuplicate(fillID string) bool {
	now := d.now()
	for {
		v, loaded := d.seen.LoadOrStore(fillID, now)
		if !loaded {
			if d.size.Add(1) > d.maxSize {
				d.purge(now)
			}
			return false
		}
		at := v.(time.Time)
		if now.Sub(at) < d.retention {
			return true
		}
		// Expired entry: whoever swaps it first owns this observation.
		if d.seen.CompareAndSwap(fillID, at, now) {
			return false
		}
	}
}

// Forget drops an id so a fill that failed to apply can be retried.
func (d *Deduplicator) Forget(fillID string) {
	if _, ok := d.seen.LoadAndDelete(fillID); ok {
		d.size.Add(-1)
	}
}

func (d *Deduplicator) Size() int {
	return int(d.size.Load())
}

// Reset empties the set.
func (d *Deduplicator) Reset() {
	d.seen.Clear()
	d.size.Store(0)
	d.lastPurge.Store(0)
}

func (d *Deduplicator) purge(now time.Time) {
	if now.UnixNano()-d.lastPurge.Load() < int64(time.Second) {
		return
	}
	if !d.purging.CompareAndSwap(false, true) {
		return
	}
	defer d.purging.Store(false)
	d.lastPurge.Store(now.UnixNano())
	d.seen.Range(func(k, v any) bool {
		if now.Sub(v.(time.Time)) >= d.retention && d.seen.CompareAndDelete(k, v) {
			d.size.Add(-1)
		}
		return true
	})
}
