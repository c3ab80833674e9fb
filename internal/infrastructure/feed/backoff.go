// Package feed holds the pieces shared by every upstream quote client:
// reconnect backoff, desired-subscription bookkeeping, message statistics
// and the websocket read loop.
package feed

import (
	"sync"
	"time"
)

// Backoff produces reconnect delays: base, 2*base, 4*base ... capped at the
// ceiling. A rate-limit class rejection jumps straight to the ceiling.
//
// Reset must be called only after a validated data message, not on
// socket-open: a provider may accept the connection and then reject it at
// the protocol layer, which must not look like recovery.
type Backoff struct {
	mu      sync.Mutex
	base    time.Duration
	ceiling time.Duration
	next    time.Duration
}

func NewBackoff(base, ceiling time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	return &Backoff{base: base, ceiling: ceiling, next: base}
}

// Next returns the delay to wait before the upcoming reconnect attempt and
// doubles the stored delay for the attempt after it.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.next
	b.next = min(b.next*2, b.ceiling)
	return d
}

// ForceCeiling raises the pending delay to the ceiling immediately. Used for
// rate-limit / max-connections rejections so we stop hammering the provider.
func (b *Backoff) ForceCeiling() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = b.ceiling
}

// Reset drops the pending delay back to the base.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = b.base
}

// Pending returns the delay the next failure would wait, without consuming it.
func (b *Backoff) Pending() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}
