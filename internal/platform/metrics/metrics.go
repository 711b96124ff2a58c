// Package metrics keeps lightweight in-process request counters that the
// admin metrics endpoint exposes as a JSON snapshot.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Collector accumulates request counters. All methods are safe for
// concurrent use.
type Collector struct {
	requests    atomic.Uint64
	serverErrs  atomic.Uint64
	rateLimited atomic.Uint64
	durationMs  atomic.Uint64
}

func New() *Collector {
	return &Collector{}
}

// Record counts one finished request by its response status.
func (c *Collector) Record(status int, duration time.Duration) {
	c.requests.Add(1)
	switch {
	case status >= 500:
		c.serverErrs.Add(1)
	case status == http.StatusTooManyRequests:
		c.rateLimited.Add(1)
	}
	c.durationMs.Add(uint64(duration.Milliseconds()))
}

// Snapshot returns the counters in the shape the metrics endpoint serves.
func (c *Collector) Snapshot() map[string]any {
	total := c.requests.Load()
	totalMs := c.durationMs.Load()
	avg := float64(0)
	if total > 0 {
		avg = float64(totalMs) / float64(total)
	}
	return map[string]any{
		"requestsTotal":    total,
		"errorsTotal":      c.serverErrs.Load(),
		"rateLimitedTotal": c.rateLimited.Load(),
		"avgDurationMs":    avg,
		"totalDurationMs":  totalMs,
	}
}
