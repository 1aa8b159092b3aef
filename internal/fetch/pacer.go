package fetch

import (
	"context"
	"sync"
	"time"
)

// Pacer spaces request starts at least interval apart across all workers
type Pacer struct {
	interval time.Duration
	max      time.Duration
	next     time.Time
	mu       sync.Mutex
}

// NewPacer creates a pacer with a starting interval and the cap Slow may raise it to
func NewPacer(interval, max time.Duration) *Pacer {
	if max < interval {
		max = interval
	}
	return &Pacer{
		interval: interval,
		max:      max,
	}
}

// Wait blocks until the caller may start a request
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	start := p.next
	if start.Before(now) {
		start = now
	}
	p.next = start.Add(p.interval)
	p.mu.Unlock()

	delay := time.Until(start)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Slow doubles the interval up to the cap and returns the new interval.
// Called when the server answers 429.
func (p *Pacer) Slow() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.interval <= 0:
		p.interval = 100 * time.Millisecond
	default:
		p.interval *= 2
	}
	if p.interval > p.max {
		p.interval = p.max
	}
	return p.interval
}

// Interval returns the current spacing
func (p *Pacer) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}
