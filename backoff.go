package mqlight

import (
	"context"
	"time"
)

// DefaultBackoffTable is the reconnect delay after each failed pass over the service list.
var DefaultBackoffTable = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
	60 * time.Second,
}

// backoff walks a delay table. The index advances on each failed pass,
// saturating at the last entry, and returns to the start on success.
type backoff struct {
	table []time.Duration
	index int
}

func newBackoff(table []time.Duration) *backoff {
	if len(table) == 0 {
		table = DefaultBackoffTable
	}
	return &backoff{table: table}
}

// current returns the delay at the current index.
func (b *backoff) current() time.Duration {
	return b.table[b.index]
}

// fail returns the delay for the failed pass and advances the index.
func (b *backoff) fail() time.Duration {
	d := b.table[b.index]
	if b.index < len(b.table)-1 {
		b.index++
	}
	return d
}

func (b *backoff) reset() {
	b.index = 0
}

// sleeper is a sleep that can be cut short by wake or by its context.
type sleeper struct {
	wakeCh chan struct{}
}

func newSleeper() *sleeper {
	return &sleeper{wakeCh: make(chan struct{}, 1)}
}

// wake ends the current sleep, or the next one if nobody is sleeping.
func (s *sleeper) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// sleep waits for d, a wake, or ctx. It reports false when ctx is done.
func (s *sleeper) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.wakeCh:
		return true
	case <-timer.C:
		return true
	}
}

// sleepContext waits for d or ctx and reports false when ctx is done.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
