/*
Copyright 2025 the Industry Monitor contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package resilience hosts the retry policy and the named circuit
// breakers that guard upstream calls.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/qzsyzn/industry-monitor/internal/config"
	"github.com/qzsyzn/industry-monitor/internal/errs"
)

// NotifyFunc is invoked before each retry sleep with the attempt number
// that just failed (1-based), the error, and the upcoming delay.
type NotifyFunc func(attempt int, err error, delay time.Duration)

type retryOptions struct {
	notify    NotifyFunc
	retryable func(error) bool
}

// RetryOption customizes a Do call.
type RetryOption func(*retryOptions)

// WithNotify registers a callback fired before each retry sleep.
func WithNotify(n NotifyFunc) RetryOption {
	return func(o *retryOptions) { o.notify = n }
}

// WithRetryable overrides the default retryable-error predicate.
func WithRetryable(fn func(error) bool) RetryOption {
	return func(o *retryOptions) { o.retryable = fn }
}

// DefaultRetryable treats transient upstream failures as retryable and
// everything the caller can't fix by waiting (validation, auth, an open
// breaker, cancellation) as permanent.
func DefaultRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, errs.ErrValidation),
		errors.Is(err, errs.ErrUnauthorized),
		errors.Is(err, errs.ErrNotFound),
		errors.Is(err, errs.ErrRateLimited),
		errors.Is(err, errs.ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Do runs op with exponential backoff and ±25% jitter until it succeeds,
// a non-retryable error occurs, the attempt budget is spent, or ctx ends.
func Do[T any](ctx context.Context, cfg config.RetryConfig, op func(context.Context) (T, error), opts ...RetryOption) (T, error) {
	o := retryOptions{retryable: DefaultRetryable}
	for _, apply := range opts {
		apply(&o)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = 0.25

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !o.retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, delay time.Duration) {
		if o.notify != nil {
			o.notify(attempt, err, delay)
		}
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithNotify(notify),
	)
}
