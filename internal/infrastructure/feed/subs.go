package feed

import (
	"sort"
	"sync"
)

// SubSet tracks the desired subscription set for one client. Edits made
// while disconnected are queued here and replayed in full on reconnect.
type SubSet struct {
	mu   sync.Mutex
	want map[string]struct{}
}

func NewSubSet() *SubSet {
	return &SubSet{want: make(map[string]struct{})}
}

// Add inserts tickers and returns the ones that were not present before.
func (s *SubSet) Add(tickers []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added []string
	for _, t := range tickers {
		if t == "" {
			continue
		}
		if _, ok := s.want[t]; !ok {
			s.want[t] = struct{}{}
			added = append(added, t)
		}
	}
	return added
}

// Remove deletes tickers and returns the ones that were actually present.
func (s *SubSet) Remove(tickers []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for _, t := range tickers {
		if _, ok := s.want[t]; ok {
			delete(s.want, t)
			removed = append(removed, t)
		}
	}
	return removed
}

// Snapshot returns the current set, sorted for stable replay order.
func (s *SubSet) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.want))
	for t := range s.want {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *SubSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.want)
}
