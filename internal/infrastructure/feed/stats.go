package feed

import (
	"sync"
	"time"
)

// Stats counts accepted messages and tracks which symbols actually deliver
// data, for the health endpoint.
type Stats struct {
	mu            sync.Mutex
	lastMessageAt time.Time
	totalMessages int64
	seen          map[string]struct{}
}

func NewStats() *Stats {
	return &Stats{seen: make(map[string]struct{})}
}

// MarkMessage records one received message. Returns the running count.
func (s *Stats) MarkMessage(at time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMessageAt = at
	s.totalMessages++
	return s.totalMessages
}

// MarkSymbol records data coverage for a symbol. Returns true the first
// time the symbol is seen.
func (s *Stats) MarkSymbol(ticker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[ticker]; ok {
		return false
	}
	s.seen[ticker] = struct{}{}
	return true
}

// Snapshot returns last-message time (nil if none), total count and the
// number of symbols that have delivered at least one message.
func (s *Stats) Snapshot() (last *time.Time, total int64, covered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastMessageAt.IsZero() {
		t := s.lastMessageAt
		last = &t
	}
	return last, s.totalMessages, len(s.seen)
}
