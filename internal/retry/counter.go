// Package retry provides the failed-attempt counter used to compute
// exponential backoff delays, and the scheduler that runs a closure once
// such a delay has elapsed.
package retry

import (
	"sync"
	"time"
)

const (
	// DefaultStandardDelay is the delay after zero failed attempts.
	DefaultStandardDelay = 500 * time.Millisecond
	// DefaultMaximumDelay caps every computed delay.
	DefaultMaximumDelay = 30 * time.Minute

	// maxShift bounds the exponent so the shift cannot overflow.
	maxShift = 20
)

// Counter counts failed attempts per key and turns the count into a delay:
//
//	delay = min(standard << min(count, 20), maximum)
//
// Keys can be any comparable type: identities, attachment ids, URLs or
// composite structs. Use one Counter per key category.
//
// Thread-safety: Counter is safe for concurrent use; increments are never
// lost.
type Counter[K comparable] struct {
	standard time.Duration
	maximum  time.Duration

	mu     sync.Mutex
	counts map[K]uint64
}

// NewCounter creates a counter. Non-positive delays fall back to the
// defaults, and a maximum below standard is raised to standard.
func NewCounter[K comparable](standard, maximum time.Duration) *Counter[K] {
	if standard <= 0 {
		standard = DefaultStandardDelay
	}
	if maximum <= 0 {
		maximum = DefaultMaximumDelay
	}
	if maximum < standard {
		maximum = standard
	}
	return &Counter[K]{
		standard: standard,
		maximum:  maximum,
		counts:   make(map[K]uint64),
	}
}

// IncrementAndGetDelay records one failed attempt for key and returns the
// delay to wait before the next one.
func (c *Counter[K]) IncrementAndGetDelay(key K) time.Duration {
	return c.IncrementByAndGetDelay(key, 1)
}

// IncrementByAndGetDelay records n failed attempts for key.
func (c *Counter[K]) IncrementByAndGetDelay(key K, n uint64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := c.counts[key] + n
	if count < n {
		count = ^uint64(0)
	}
	c.counts[key] = count
	return c.delay(count)
}

// CurrentDelay returns the delay for key without recording an attempt.
func (c *Counter[K]) CurrentDelay(key K) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay(c.counts[key])
}

// Count returns the number of failed attempts recorded for key.
func (c *Counter[K]) Count(key K) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// Reset forgets the failed attempts of key, typically after a success.
func (c *Counter[K]) Reset(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
}

// ResetAll forgets every key.
func (c *Counter[K]) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.counts)
}

func (c *Counter[K]) delay(count uint64) time.Duration {
	shift := min(count, maxShift)
	d := c.standard << shift
	if d>>shift != c.standard || d > c.maximum {
		return c.maximum
	}
	return d
}
