// Package retry centralizes the backoff policy applied to upstream calls.
// Only explicitly retryable failure classes (rate-limit signals) are
// retried; everything else fails immediately.
package retry

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
)

// Policy describes a bounded exponential backoff
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsRateLimited when nil.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used for chain reads, bundler
// submissions and store writes
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Retryable:    IsRateLimited,
	}
}

// Do runs op with the policy's backoff until it succeeds, a non-retryable
// error occurs, the attempt budget is exhausted, or ctx is cancelled
func (p *Policy) Do(ctx context.Context, op func() error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRateLimited
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	attempts := uint64(1)
	if p.MaxAttempts > 1 {
		attempts = uint64(p.MaxAttempts)
	}

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx))
}

// IsRateLimited reports whether the error carries an explicit rate-limit
// signal from an upstream service
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.HasCode(err, apperrors.ErrCodeRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429")
}
