package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"toolgate/internal/domain"
)

// Policy controls how failed operations are re-attempted. The zero
// value is not usable; call NewPolicy.
type Policy struct {
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	multiplier  float64
	jitter      float64
	retryIf     func(error) bool
	sleep       func(ctx context.Context, d time.Duration) error
}

type Options struct {
	// MaxAttempts counts the first try, so 3 means at most 2 retries.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	// RetryIf overrides the default retryability check.
	RetryIf func(error) bool
}

func NewPolicy(opts Options) *Policy {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	initial := opts.InitialInterval
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	max := opts.MaxInterval
	if max <= 0 {
		max = 5 * time.Second
	}
	multiplier := opts.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}
	jitter := opts.Jitter
	if jitter < 0 || jitter > 1 {
		jitter = 0.1
	}
	retryIf := opts.RetryIf
	if retryIf == nil {
		retryIf = defaultRetryIf
	}
	return &Policy{
		maxAttempts: maxAttempts,
		initial:     initial,
		max:         max,
		multiplier:  multiplier,
		jitter:      jitter,
		retryIf:     retryIf,
		sleep:       sleepWithContext,
	}
}

func defaultRetryIf(err error) bool {
	return domain.Retryable(domain.KindFrom(err))
}

// Do runs op until it succeeds, exhausts the attempt budget, or hits a
// non-retryable error. The context is checked before each attempt and
// during backoff waits.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	interval := p.initial

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Wrap(domain.KindFrom(err), "retry.Do", err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.retryIf(err) {
			return err
		}
		if attempt == p.maxAttempts {
			break
		}

		wait := interval
		if p.jitter > 0 {
			offset := float64(wait) * p.jitter * (rand.Float64()*2 - 1)
			wait += time.Duration(offset)
		}
		if wait > p.max {
			wait = p.max
		}
		if err := p.sleep(ctx, wait); err != nil {
			return domain.Wrap(domain.KindFrom(err), "retry.Do", err)
		}

		interval = time.Duration(float64(interval) * p.multiplier)
		if interval > p.max {
			interval = p.max
		}
	}

	return fmt.Errorf("after %d attempts: %w", p.maxAttempts, lastErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
