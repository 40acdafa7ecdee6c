package signaling

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterStore holds one token bucket per connected identifier.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newLimiterStore(r rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// allow reports whether id may relay one more message now. A zero rate
// disables limiting.
func (s *limiterStore) allow(id string) bool {
	if s.rate == 0 {
		return true
	}

	s.mu.Lock()
	limiter, ok := s.limiters[id]
	if !ok {
		limiter = rate.NewLimiter(s.rate, s.burst)
		s.limiters[id] = limiter
	}
	s.mu.Unlock()

	return limiter.Allow()
}

func (s *limiterStore) forget(id string) {
	s.mu.Lock()
	delete(s.limiters, id)
	s.mu.Unlock()
}
