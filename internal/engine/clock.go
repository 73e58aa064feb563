package engine

import "sync/atomic"

// Clock is a monotonic logical clock. The engine stamps every published
// snapshot with Clock.Next so readers can tell two snapshots apart without
// comparing contents.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// though only the Run loop calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
