package feed

import (
	"context"
	"time"
)

// Wait sleeps for d or until ctx is cancelled. Returns false on cancel.
func Wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
