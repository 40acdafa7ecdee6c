package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/togetherly/internal/clock"
)

// Registry records which connection identifiers are in use. Claims expire
// unless refreshed, so a crashed broker does not hold identifiers forever.
type Registry interface {
	// Claim reserves id for ttl. It reports false if id is already held.
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// Refresh extends a claim held by this registry.
	Refresh(ctx context.Context, id string, ttl time.Duration) error
	// Release drops a claim held by this registry.
	Release(ctx context.Context, id string) error
	// Taken reports whether id is currently claimed by anyone.
	Taken(ctx context.Context, id string) (bool, error)
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	clk clock.Clock

	mu     sync.Mutex
	claims map[string]time.Time // id → expiry
}

func NewMemoryRegistry(clk clock.Clock) *MemoryRegistry {
	return &MemoryRegistry{clk: clk, claims: make(map[string]time.Time)}
}

func (r *MemoryRegistry) Claim(_ context.Context, id string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	if exp, ok := r.claims[id]; ok && now.Before(exp) {
		return false, nil
	}
	r.claims[id] = now.Add(ttl)
	return true, nil
}

func (r *MemoryRegistry) Refresh(_ context.Context, id string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims[id] = r.clk.Now().Add(ttl)
	return nil
}

func (r *MemoryRegistry) Release(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims, id)
	return nil
}

func (r *MemoryRegistry) Taken(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.claims[id]
	return ok && r.clk.Now().Before(exp), nil
}
