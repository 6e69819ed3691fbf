package research

import (
	"context"
	"sync"
	"time"
)

const (
	// ExtendThreshold is the remaining time below which an extension is offered.
	ExtendThreshold = 90 * time.Second

	// OptimisticExtension is added locally after a successful extension request.
	OptimisticExtension = 300 * time.Second

	// DefaultTick is how often Run recomputes the remaining time.
	DefaultTick = time.Second
)

// Countdown presents the remaining budget of a running session. Remaining is
// always recomputed from the wall clock and the start time, never by
// decrementing a counter, so a suspended process shows the right value when
// it resumes. Safe for concurrent use.
type Countdown struct {
	start time.Time

	mu    sync.Mutex
	limit time.Duration
}

// NewCountdown creates a Countdown for a session that started at start with
// the given budget.
func NewCountdown(start time.Time, limit time.Duration) *Countdown {
	return &Countdown{start: start, limit: limit}
}

// Remaining is max(0, limit - (now - start)).
func (c *Countdown) Remaining(now time.Time) time.Duration {
	c.mu.Lock()
	limit := c.limit
	c.mu.Unlock()
	return max(limit-now.Sub(c.start), 0)
}

// ShouldOfferExtension reports whether the extend affordance should be shown.
// It is hidden once the budget is exhausted.
func (c *Countdown) ShouldOfferExtension(now time.Time) bool {
	r := c.Remaining(now)
	return r > 0 && r < ExtendThreshold
}

// ApplyOptimisticExtension adds OptimisticExtension to the displayed budget.
// Call it after ExtendTimeout succeeds; the worker applies the real grant on
// its next poll.
func (c *Countdown) ApplyOptimisticExtension() {
	c.mu.Lock()
	c.limit += OptimisticExtension
	c.mu.Unlock()
}

// Sync adopts an authoritative budget, replacing any optimistic value.
func (c *Countdown) Sync(limit time.Duration) {
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
}

// Limit returns the budget currently displayed.
func (c *Countdown) Limit() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Run calls fn with the remaining time immediately and then every tick until
// ctx is cancelled or the budget reaches zero. tick <= 0 uses DefaultTick.
func (c *Countdown) Run(ctx context.Context, tick time.Duration, fn func(remaining time.Duration)) {
	if tick <= 0 {
		tick = DefaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		r := c.Remaining(time.Now())
		fn(r)
		if r == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
