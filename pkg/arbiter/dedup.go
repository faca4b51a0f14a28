package arbiter

import (
	"context"
	"sync"
	"time"
)

// DedupStore suppresses duplicate intent deliveries. FirstSeen atomically
// records the key and reports whether it was already present inside the
// window; at-least-once delivery upstream makes this check load-bearing,
// not defensive.
type DedupStore interface {
	FirstSeen(ctx context.Context, key string, window time.Duration) (duplicate bool, err error)
}

// MemoryDedup is the in-process dedup store used for single-node
// deployments and tests.
type MemoryDedup struct {
	mu    sync.Mutex
	seen  map[string]time.Time // key → expiry
	clock func() time.Time
}

var _ DedupStore = (*MemoryDedup)(nil)

// NewMemoryDedup creates an empty store.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{
		seen:  make(map[string]time.Time),
		clock: time.Now,
	}
}

// WithClock overrides clock for testing.
func (d *MemoryDedup) WithClock(clock func() time.Time) *MemoryDedup {
	d.clock = clock
	return d
}

// FirstSeen implements DedupStore. Expired keys are reaped lazily on
// access.
func (d *MemoryDedup) FirstSeen(_ context.Context, key string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true, nil
	}
	d.seen[key] = now.Add(window)

	if len(d.seen) > 4096 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	return false, nil
}
