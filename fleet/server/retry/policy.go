package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/server/status"
)

const (
	DefaultMaxAttempts = 3
	DefaultDelay       = time.Second
	defaultMaxDelay    = 30 * time.Second
)

// Policy describes how an operation against a remote collaborator is retried
type Policy struct {
	// MaxAttempts bounds the number of calls, 0 means retry until the context is done
	MaxAttempts int
	// Delay is the wait before the second attempt
	Delay time.Duration
	// Backoff grows the delay exponentially up to MaxDelay instead of keeping it fixed
	Backoff  bool
	MaxDelay time.Duration
	// Retryable decides whether err is worth another attempt. Nil retries RemoteUnreachable only.
	Retryable func(err error) bool
	// OnRetry is called before sleeping for the next attempt
	OnRetry func(err error, next time.Duration)
}

// DefaultPolicy retries unreachable remotes a bounded number of times with a fixed delay
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
	}
}

// Forever retries every error with exponential backoff until ctx is done
func Forever(delay, maxDelay time.Duration) Policy {
	return Policy{
		Delay:     delay,
		Backoff:   true,
		MaxDelay:  maxDelay,
		Retryable: func(error) bool { return true },
	}
}

// IsRemoteUnreachable reports whether err is a transport level failure
func IsRemoteUnreachable(err error) bool {
	return status.IsType(err, status.RemoteUnreachable)
}

// WithOnRetry returns a copy of p calling fn before each retry
func (p Policy) WithOnRetry(fn func(err error, next time.Duration)) Policy {
	p.OnRetry = fn
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}

	var b backoff.BackOff
	if p.Backoff {
		maxDelay := p.MaxDelay
		if maxDelay <= 0 {
			maxDelay = defaultMaxDelay
		}
		b = &backoff.ExponentialBackOff{
			InitialInterval:     delay,
			RandomizationFactor: 0.2,
			Multiplier:          2,
			MaxInterval:         maxDelay,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
	} else {
		b = backoff.NewConstantBackOff(delay)
	}

	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}

	return backoff.WithContext(b, ctx)
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsRemoteUnreachable(err)
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts the
// attempts or ctx is done. The last error of op is returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err != nil && !p.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		log.WithContext(ctx).Debugf("operation failed, retrying in %v: %v", next, err)
		if p.OnRetry != nil {
			p.OnRetry(err, next)
		}
	}

	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}

// Do is the value returning variant of Policy.Do
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var res T
	err := p.Do(ctx, func() error {
		var err error
		res, err = op()
		return err
	})
	return res, err
}
