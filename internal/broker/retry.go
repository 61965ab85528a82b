package broker

import (
	"context"
	"sync"
	"time"

	"marginctl/internal/errs"
	"marginctl/internal/logger"

	"golang.org/x/time/rate"
)

// readRetrier gates retries of idempotent read operations. Each operation
// kind (get_positions, get_account_info, check_spread, OHLC) gets its own
// token bucket so a flaky broker session backs a single slow operation off
// without starving retries of a different, healthy operation. Retry attempt
// n first sleeps backoff × (n-1) and then takes a token from the operation's
// bucket, so successive retries back off linearly.
type readRetrier struct {
	maxAttempts int
	backoff     time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newReadRetrier(maxAttempts int, backoff time.Duration) *readRetrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &readRetrier{
		maxAttempts: maxAttempts,
		backoff:     backoff,
		limiters:    make(map[string]*rate.Limiter),
	}
}

func (r *readRetrier) limiterFor(op string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[op]
	if !ok {
		every := r.backoff
		if every <= 0 {
			every = time.Millisecond
		}
		lim = rate.NewLimiter(rate.Every(every), 1)
		r.limiters[op] = lim
	}
	return lim
}

// do runs fn, retrying on Transport/Timeout classifications up to
// maxAttempts. Before every attempt after the first it sleeps a linearly
// growing backoff (backoff × (attempt-1)) and then waits on op's limiter.
// The final failure
// (if every attempt fails) is returned to the caller.
func (r *readRetrier) do(ctx context.Context, op string, fn func(context.Context) *errs.Error) *errs.Error {
	lim := r.limiterFor(op)
	var last *errs.Error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindCancelled, "broker."+op, "context cancelled before attempt", ctx.Err())
		}
		if attempt > 1 {
			if delay := r.backoff * time.Duration(attempt-1); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return errs.Wrap(errs.KindCancelled, "broker."+op, "cancelled waiting for retry backoff", ctx.Err())
				case <-timer.C:
				}
			}
			if err := lim.Wait(ctx); err != nil {
				return errs.Wrap(errs.KindCancelled, "broker."+op, "cancelled waiting for retry token", err)
			}
			logger.Warnf("broker: retrying %s (attempt %d/%d) after %v", op, attempt, r.maxAttempts, last)
		}
		if failure := fn(ctx); failure != nil {
			last = failure
			if !errs.Retryable(failure) {
				return failure
			}
			continue
		}
		return nil
	}
	return last
}
