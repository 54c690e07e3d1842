package transport

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"dripline/internal/scenario"
)

// Throttled limits sends per credential with a token bucket, so parallel
// deliveries for one bot stay under the platform's flood limits.
type Throttled struct {
	next  Sender
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottled wraps next. perSec <= 0 returns next unchanged.
func NewThrottled(next Sender, perSec, burst int) Sender {
	if perSec <= 0 {
		return next
	}
	if burst <= 0 {
		burst = perSec
	}
	return &Throttled{next: next, limit: rate.Limit(perSec), burst: burst, limiters: map[string]*rate.Limiter{}}
}

func (t *Throttled) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[key] = l
	}
	return l
}

func (t *Throttled) Send(ctx context.Context, cred Credential, to string, msg scenario.Message) error {
	if err := t.limiter(cred.Transport + "|" + cred.AccountID).Wait(ctx); err != nil {
		return err
	}
	return t.next.Send(ctx, cred, to, msg)
}
