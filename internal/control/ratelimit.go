package control

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// StreamLimiter throttles mutating control-plane calls to roughly one per
// second per stream, per spec.md 5's rate-limit note. Ported from the
// per-IP RateLimiter in the teacher's HTTP gateway, repurposed from
// request throttling to per-stream control-plane throttling.
type StreamLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewStreamLimiter creates a limiter allowing r mutations/sec per stream
// with burst capacity b.
func NewStreamLimiter(r rate.Limit, b int) *StreamLimiter {
	return &StreamLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

// WaitForStream blocks until stream's token bucket admits one more
// mutating call, or ctx is canceled.
func (l *StreamLimiter) WaitForStream(ctx context.Context, stream string) error {
	return l.limiterFor(stream).Wait(ctx)
}

func (l *StreamLimiter) limiterFor(stream string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[stream]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[stream] = lim
	}
	return lim
}

// DefaultStreamLimiter allows one mutation per second per stream with a
// burst of one, matching the control plane's documented write limit.
func DefaultStreamLimiter() *StreamLimiter {
	return NewStreamLimiter(rate.Every(time.Second), 1)
}
