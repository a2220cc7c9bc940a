package agentproc

import (
	"context"
	"time"
)

// DefaultBackoff is the delay ladder applied between retry attempts at every
// level (job, agent, synthesis). Attempts beyond the ladder reuse the last
// configured delay.
var DefaultBackoff = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
}

// BackoffDelay returns the delay after the given failed attempt (1-based).
func BackoffDelay(ladder []time.Duration, attempt int) time.Duration {
	if len(ladder) == 0 {
		ladder = DefaultBackoff
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	return ladder[idx]
}

// Sleep waits for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewClosedStream returns an already-ended stream yielding the given lines
// and terminal error. Lets fakes stand in for the adapter.
func NewClosedStream(err error, lines ...string) *Stream {
	ch := make(chan string, len(lines))
	for _, line := range lines {
		ch <- line
	}
	close(ch)
	done := make(chan struct{})
	close(done)
	return &Stream{Lines: ch, done: done, err: err}
}
