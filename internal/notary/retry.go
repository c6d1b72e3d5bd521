package notary

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"artledger/internal/domain"
)

// RetryOptions tunes RetryingClient.
type RetryOptions struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// BreakerFailures consecutive transient failures open the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          *zap.Logger
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:      5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// RetryingClient resubmits the identical transaction on transient failures.
// Resubmission is safe because the notary answers by transaction hash.
type RetryingClient struct {
	next    Client
	opts    RetryOptions
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewRetryingClient(next Client, opts RetryOptions) *RetryingClient {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        "notary",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
	}
	return &RetryingClient{
		next:    next,
		opts:    opts,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func transient(err error) bool {
	return errors.Is(err, domain.ErrNotaryUnavailable) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (c *RetryingClient) RequestFinality(ctx context.Context, stx domain.SignedTransaction) (domain.NotaryDecision, error) {
	var decision domain.NotaryDecision
	attempt := 0
	operation := func() error {
		attempt++
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.next.RequestFinality(ctx, stx)
		})
		if err != nil {
			if ctx.Err() != nil || !transient(err) {
				return backoff.Permanent(err)
			}
			c.logger.Warn("notary request failed, retrying",
				zap.String("tx_hash", stx.Hash),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		decision = res.(domain.NotaryDecision)
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	if c.opts.InitialInterval > 0 {
		exp.InitialInterval = c.opts.InitialInterval
	}
	if c.opts.MaxInterval > 0 {
		exp.MaxInterval = c.opts.MaxInterval
	}
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, c.opts.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return domain.NotaryDecision{}, err
	}
	return decision, nil
}
