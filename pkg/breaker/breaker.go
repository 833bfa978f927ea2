package breaker

import "sync"

// Breaker is the read-only circuit-breaker contract the executor
// consults at execution time. The guard never trips or resets it; it is
// owned and fed by whatever tracks execution health.
type Breaker interface {
	Tripped() bool
}

// ConsecutiveFailures trips after N execution failures in a row and
// resets on any success.
type ConsecutiveFailures struct {
	mu        sync.Mutex
	threshold int
	count     int
}

// NewConsecutiveFailures returns a breaker that trips at threshold
// consecutive failures. A threshold of zero or less never trips.
func NewConsecutiveFailures(threshold int) *ConsecutiveFailures {
	return &ConsecutiveFailures{threshold: threshold}
}

// Observe records one execution outcome.
func (b *ConsecutiveFailures) Observe(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.count = 0
		return
	}
	b.count++
}

func (b *ConsecutiveFailures) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threshold > 0 && b.count >= b.threshold
}

// Failures reports the current consecutive-failure count.
func (b *ConsecutiveFailures) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Reset clears the failure count, for operator intervention.
func (b *ConsecutiveFailures) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count = 0
}
