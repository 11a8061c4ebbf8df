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

package resilience_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/qzsyzn/industry-monitor/internal/config"
	"github.com/qzsyzn/industry-monitor/internal/errs"
	"github.com/qzsyzn/industry-monitor/internal/resilience"
)

// fastRetry keeps test sleeps in the low milliseconds.
var fastRetry = config.RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	MaxDelay:    5 * time.Millisecond,
	Multiplier:  2,
}

var _ = Describe("Do", func() {
	It("returns immediately on success", func() {
		calls := 0
		v, err := resilience.Do(context.Background(), fastRetry, func(context.Context) (int, error) {
			calls++
			return 42, nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(42))
		Expect(calls).To(Equal(1))
	})

	It("retries transient failures up to the attempt budget", func() {
		calls := 0
		_, err := resilience.Do(context.Background(), fastRetry, func(context.Context) (int, error) {
			calls++
			return 0, errs.Wrap(errs.ErrUpstreamError, errors.New("boom"))
		})
		Expect(err).To(MatchError(errs.ErrUpstreamError))
		Expect(calls).To(Equal(3))
	})

	It("recovers when a later attempt succeeds", func() {
		calls := 0
		v, err := resilience.Do(context.Background(), fastRetry, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errs.Wrap(errs.ErrUpstreamTimeout, nil)
			}
			return "ok", nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal("ok"))
		Expect(calls).To(Equal(3))
	})

	It("does not retry permanent failures", func() {
		calls := 0
		_, err := resilience.Do(context.Background(), fastRetry, func(context.Context) (int, error) {
			calls++
			return 0, errs.Validationf("bad action")
		})
		Expect(err).To(MatchError(errs.ErrValidation))
		Expect(calls).To(Equal(1))
	})

	It("does not retry an open circuit breaker", func() {
		calls := 0
		_, err := resilience.Do(context.Background(), fastRetry, func(context.Context) (int, error) {
			calls++
			return 0, errs.ErrCircuitOpen
		})
		Expect(err).To(MatchError(errs.ErrCircuitOpen))
		Expect(calls).To(Equal(1))
	})

	It("fires the notify callback before each retry sleep", func() {
		var attempts []int
		_, _ = resilience.Do(context.Background(), fastRetry, func(context.Context) (int, error) {
			return 0, errs.ErrUpstreamError
		}, resilience.WithNotify(func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
			Expect(err).To(MatchError(errs.ErrUpstreamError))
		}))
		Expect(attempts).To(Equal([]int{1, 2}))
	})

	It("honors a custom retryable predicate", func() {
		calls := 0
		_, err := resilience.Do(context.Background(), fastRetry, func(context.Context) (int, error) {
			calls++
			return 0, errors.New("anything")
		}, resilience.WithRetryable(func(error) bool { return false }))
		Expect(err).To(HaveOccurred())
		Expect(calls).To(Equal(1))
	})

	It("stops when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		_, err := resilience.Do(ctx, fastRetry, func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, errs.ErrUpstreamError
		})
		Expect(err).To(HaveOccurred())
		Expect(calls).To(Equal(1))
	})
})

var _ = Describe("DefaultRetryable", func() {
	DescribeTable("classification",
		func(err error, retryable bool) {
			Expect(resilience.DefaultRetryable(err)).To(Equal(retryable))
		},
		Entry("nil", nil, false),
		Entry("validation", errs.ErrValidation, false),
		Entry("unauthorized", errs.ErrUnauthorized, false),
		Entry("not found", errs.ErrNotFound, false),
		Entry("rate limited", errs.ErrRateLimited, false),
		Entry("circuit open", errs.ErrCircuitOpen, false),
		Entry("context cancelled", context.Canceled, false),
		Entry("deadline exceeded", context.DeadlineExceeded, false),
		Entry("upstream error", errs.ErrUpstreamError, true),
		Entry("upstream timeout", errs.ErrUpstreamTimeout, true),
		Entry("unclassified", errors.New("flaky"), true),
	)
})
