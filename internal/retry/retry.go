// Package retry implements the gateway's retry policy: up to maxAttempts
// executions of a thunk with exponential backoff, retrying only failures
// classified as transient. On exhaustion the last failure is surfaced
// unchanged. Backoff scheduling is delegated to cenkalti/backoff/v4
// rather than hand-rolled, per the rest of the gateway's domain stack.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config parameterizes a retry Policy.
type Config struct {
	MaxAttempts int
	BaseMs      int
	MaxMs       int
	Jitter      bool
}

// Policy executes a thunk with exponential backoff, retrying only
// failures the caller classifies as retryable.
type Policy struct {
	maxAttempts int
	base        time.Duration
	max         time.Duration
	jitter      bool
}

// New creates a Policy from cfg, applying the spec's defaults when unset.
func New(cfg Config) *Policy {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	base := time.Duration(cfg.BaseMs) * time.Millisecond
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := time.Duration(cfg.MaxMs) * time.Millisecond
	if max <= 0 {
		max = 2 * time.Second
	}
	return &Policy{maxAttempts: maxAttempts, base: base, max: max, jitter: cfg.Jitter}
}

// permanentError marks a failure isRetryable rejected, so backoff.Retry
// stops without consuming further attempts.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Execute runs fn, retrying failures for which isRetryable returns true,
// up to the policy's maxAttempts, with backoff baseMs*2^(n-1) capped at
// maxMs. Cancellation of ctx stops further attempts immediately. On
// exhaustion (or a non-retryable failure), the last failure is returned
// unchanged.
func (p *Policy) Execute(ctx context.Context, isRetryable func(error) bool, fn func() (any, error)) (any, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.base
	bo.MaxInterval = p.max
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // bounded by attempts and ctx, not elapsed wall time
	if !p.jitter {
		bo.RandomizationFactor = 0
	}

	withCtx := backoff.WithContext(bo, ctx)
	bounded := backoff.WithMaxRetries(withCtx, uint64(p.maxAttempts-1))

	var result any
	var lastErr error

	op := func() error {
		r, err := fn()
		if err == nil {
			result = r
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return backoff.Permanent(&permanentError{err: err})
		}
		return err
	}

	if err := backoff.Retry(op, bounded); err != nil {
		if pe, ok := err.(*backoff.PermanentError); ok {
			if inner, ok := pe.Err.(*permanentError); ok {
				return nil, inner.err
			}
		}
		return nil, lastErr
	}
	return result, nil
}
