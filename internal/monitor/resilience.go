package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/aristath/spider/internal/persistence"
)

// RetryConfig configures exponential backoff for storage calls.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 5s)
	MaxElapsedTime      time.Duration // Maximum total retry time per call (default 30s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) policy() *backoff.ExponentialBackOff {
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = c.InitialInterval
	p.MaxInterval = c.MaxInterval
	p.MaxElapsedTime = c.MaxElapsedTime
	p.Multiplier = c.Multiplier
	p.RandomizationFactor = c.RandomizationFactor
	return p
}

// transient reports whether err may go away on retry. Storage errors other
// than ErrInternal describe the request, not the store.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var serr *persistence.StorageError
	if errors.As(err, &serr) {
		return serr.Kind == persistence.ErrInternal
	}
	return true
}

// newStorageBreaker trips after five consecutive transient storage failures
// and probes again after 30s.
func newStorageBreaker(log logrus.FieldLogger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "storage",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker changed state")
		},
		IsSuccessful: func(err error) bool {
			return !transient(err)
		},
	})
}

// call runs fn through the breaker, retrying transient failures with
// exponential backoff. An open breaker and request errors are not retried.
func call[T any](ctx context.Context, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var result T

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := cb.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil || !transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		result = out.(T)
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(retryCfg.policy(), ctx))
	return result, err
}

// exec is call for operations without a result.
func exec(ctx context.Context, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig, fn func(context.Context) error) error {
	_, err := call(ctx, cb, retryCfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
