// Package pool holds reusable timers for the per-read timeouts and settle
// waits that dominate bus traffic.
package pool

import (
	"context"
	"sync"
	"time"
)

var timers = sync.Pool{
	New: func() any {
		t := time.NewTimer(time.Hour)
		stop(t)

		return t
	},
}

// GetTimer returns a stopped-and-drained pooled timer armed to fire after d.
// Hand it back with PutTimer once the wait is over.
func GetTimer(d time.Duration) *time.Timer {
	t, _ := timers.Get().(*time.Timer)
	t.Reset(d)

	return t
}

// PutTimer disarms t and returns it to the pool. The caller must not touch
// t afterwards.
func PutTimer(t *time.Timer) {
	stop(t)
	timers.Put(t)
}

// stop disarms t and discards a pending expiry so the next Reset starts clean.
func stop(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// Sleep blocks for d or until ctx is done, whichever comes first.
// A non-positive d returns immediately unless ctx is already done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := GetTimer(d)
	defer PutTimer(t)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
