package eth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/AIAleph/wallet_features/internal/metrics"
)

// Limiter is a minimal interface to rate-limit explorer calls.
type Limiter interface {
	Wait(ctx context.Context) error
}

// nopLimiter allows unlimited throughput.
type nopLimiter struct{}

func (nopLimiter) Wait(ctx context.Context) error { return ctx.Err() }

// tokenLimiter is a token bucket shared by every worker of a run.
type tokenLimiter struct {
	limiter *rate.Limiter
}

// Wait consumes exactly one token, sleeping until it is available or ctx is done.
func (l tokenLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := l.limiter.Reserve()
	if !r.OK() {
		return errors.New("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.ExplorerRateLimitWaits.Inc()
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// NewLimiter returns a Limiter enforcing perSecond requests with the given
// burst. If perSecond <= 0, returns unlimited.
func NewLimiter(perSecond, burst int) Limiter {
	if perSecond <= 0 {
		return nopLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return tokenLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}
