// Package ratelimit throttles repetitive log lines while keeping exact counts.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter counts events and admits at most one log line per interval. It is
// safe for concurrent use; a non-positive interval admits every event.
type Counter struct {
	interval time.Duration
	nextLog  atomic.Int64 // unix nanos before which logging stays suppressed
	total    atomic.Uint64
}

// NewCounter builds a Counter admitting one log per interval.
func NewCounter(interval time.Duration) Counter {
	return Counter{interval: interval}
}

// Inc counts one event and reports whether the caller may log it.
func (c *Counter) Inc() (uint64, bool) {
	return c.IncAt(time.Now())
}

// IncAt is Inc against an explicit clock.
func (c *Counter) IncAt(now time.Time) (uint64, bool) {
	if c == nil {
		return 0, false
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		return total, true
	}
	at := now.UnixNano()
	next := c.nextLog.Load()
	if at < next {
		return total, false
	}
	// only the goroutine that moves the window forward logs
	return total, c.nextLog.CompareAndSwap(next, at+c.interval.Nanoseconds())
}

// Total returns the number of events counted so far.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}
