package retry

import (
	"context"
	"sync"
	"time"
)

const (
	// maxInterval caps the adaptively increased pacing interval.
	maxInterval = 2 * time.Second
	// slowdownFactor is applied to the interval on a rate-limit response.
	slowdownFactor = 1.5
	// decayFactor pulls the interval back toward baseline on success.
	decayFactor = 0.9
)

// Pacer enforces a minimum interval between call starts for a single client.
// The interval grows by 50% (capped at 2s) when the backend rate-limits and
// decays back toward the configured baseline on success.
type Pacer struct {
	mu       sync.Mutex
	baseline time.Duration
	interval time.Duration
	last     time.Time

	// swappable for tests
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewPacer creates a pacer with the given baseline minimum interval.
func NewPacer(baseline time.Duration) *Pacer {
	return &Pacer{
		baseline: baseline,
		interval: baseline,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Wait blocks until at least the current minimum interval has elapsed since
// the previous call start, then records this call's start time.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	now := p.now()
	var wait time.Duration
	if !p.last.IsZero() {
		if elapsed := now.Sub(p.last); elapsed < p.interval {
			wait = p.interval - elapsed
		}
	}
	p.last = now.Add(wait)
	p.mu.Unlock()

	if wait > 0 {
		return p.sleep(ctx, wait)
	}
	return nil
}

// Slower increases the minimum interval by 50%, capped at 2s. Called on
// rate-limit responses.
func (p *Pacer) Slower() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = time.Duration(float64(p.interval) * slowdownFactor)
	if p.interval > maxInterval {
		p.interval = maxInterval
	}
}

// Faster decays the minimum interval toward the baseline. Called on
// successful responses.
func (p *Pacer) Faster() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interval <= p.baseline {
		return
	}
	p.interval = time.Duration(float64(p.interval) * decayFactor)
	if p.interval < p.baseline {
		p.interval = p.baseline
	}
}

// Interval reports the current minimum interval.
func (p *Pacer) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// SetClock overrides the pacer's time and sleep functions. Tests only.
func (p *Pacer) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
	p.sleep = sleep
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
