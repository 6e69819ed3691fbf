package session

import (
	"context"
	"sync"
)

// Registry records pending extension requests. A request is a boolean flag:
// any number of requests before the next Consume collapse into one.
type Registry interface {
	// Request marks id as having a pending extension. Idempotent.
	Request(ctx context.Context, id string) error

	// Consume atomically reads and clears the flag and reports whether it
	// was set. A Request that completes after Consume returns is seen by the
	// next Consume.
	Consume(ctx context.Context, id string) (bool, error)

	// Pending reports whether a request is waiting, without clearing it.
	Pending(ctx context.Context, id string) (bool, error)

	// Kind names the implementation for health output.
	Kind() string
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry returns an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{pending: make(map[string]struct{})}
}

// Request implements Registry.
func (r *MemoryRegistry) Request(_ context.Context, id string) error {
	r.mu.Lock()
	r.pending[id] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Consume implements Registry.
func (r *MemoryRegistry) Consume(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	delete(r.pending, id)
	return ok, nil
}

// Pending implements Registry.
func (r *MemoryRegistry) Pending(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok, nil
}

// Kind implements Registry.
func (r *MemoryRegistry) Kind() string { return "memory" }
