package tools

import (
	"strings"
	"sync"
)

// NormalizeQuery is the key used to deduplicate web lookups.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// QuerySet records which lookups already ran during a call. Claim is an
// atomic check-then-insert so concurrent invocations cannot both win.
type QuerySet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewQuerySet() *QuerySet {
	return &QuerySet{seen: make(map[string]struct{})}
}

// Claim reports whether query had not been seen, recording it if so.
func (s *QuerySet) Claim(query string) bool {
	key := NormalizeQuery(query)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

func (s *QuerySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *QuerySet) Reset() {
	s.mu.Lock()
	s.seen = make(map[string]struct{})
	s.mu.Unlock()
}
