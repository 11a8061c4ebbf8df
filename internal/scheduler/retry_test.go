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

package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/collector"
)

// countingQuerier fails its first failFirst calls, then succeeds.
type countingQuerier struct {
	mu        sync.Mutex
	calls     int
	failFirst int
}

func (c *countingQuerier) Execute(ctx context.Context, q collector.Query) (*collector.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failFirst {
		return nil, errors.New("upstream down")
	}
	return &collector.Result{}, nil
}

var _ = Describe("collectWithRetry", func() {
	var (
		querier *countingQuerier
		s       *Scheduler
		ctx     context.Context
	)

	BeforeEach(func() {
		querier = &countingQuerier{}
		s = &Scheduler{querier: querier, logger: zap.NewNop()}
		ctx = context.Background()

		saved := retryWait
		retryWait = time.Millisecond
		DeferCleanup(func() { retryWait = saved })
	})

	It("does not retry a successful item", func() {
		Expect(s.collectWithRetry(ctx, collector.Query{Action: "high"})).To(Succeed())
		Expect(querier.calls).To(Equal(1))
	})

	It("retries exactly once after the fixed wait", func() {
		querier.failFirst = 1
		Expect(s.collectWithRetry(ctx, collector.Query{Action: "high"})).To(Succeed())
		Expect(querier.calls).To(Equal(2))
	})

	It("gives up after the single extra attempt", func() {
		querier.failFirst = 3
		Expect(s.collectWithRetry(ctx, collector.Query{Action: "high"})).NotTo(Succeed())
		Expect(querier.calls).To(Equal(2))
	})

	It("abandons the wait when the context ends", func() {
		retryWait = time.Hour
		querier.failFirst = 1
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		Expect(s.collectWithRetry(cancelled, collector.Query{Action: "high"})).NotTo(Succeed())
		Expect(querier.calls).To(Equal(1))
	})
})
