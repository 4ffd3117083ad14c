package util

import (
	"context"
	"sync"
	"time"
)

// DefaultQuota is the default number of requests allowed per window
var DefaultQuota = 60

// DefaultWindow is the default rolling window size
var DefaultWindow = time.Minute

// QuotaLimiter enforces a fixed request quota per rolling time window.
// A single instance is shared by every code path that talks to the
// bibliographic provider; callers that would exceed the quota block in
// Wait until a slot frees or their context is cancelled.
type QuotaLimiter struct {
	mu     sync.Mutex
	quota  int
	window time.Duration
	stamps []time.Time
}

// NewQuotaLimiter creates a limiter allowing quota requests per window.
func NewQuotaLimiter(quota int, window time.Duration) *QuotaLimiter {
	if quota <= 0 {
		quota = DefaultQuota
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &QuotaLimiter{
		quota:  quota,
		window: window,
		stamps: make([]time.Time, 0, quota),
	}
}

// Wait blocks until a request slot is available or the context is
// cancelled. On success one slot is consumed.
func (l *QuotaLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)

		if len(l.stamps) < l.quota {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}

		// Oldest slot frees first.
		next := l.stamps[0].Add(l.window)
		l.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available returns the number of request slots currently free.
func (l *QuotaLimiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return l.quota - len(l.stamps)
}

// Quota returns the configured quota per window.
func (l *QuotaLimiter) Quota() int {
	return l.quota
}

// prune drops acquisition stamps older than the window. Callers must
// hold the mutex.
func (l *QuotaLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && l.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}
