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

package alerting_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/alerting"
	"github.com/qzsyzn/industry-monitor/internal/metrics"
)

func successRateRule(cooldown time.Duration) alerting.Rule {
	return alerting.Rule{
		Name:        "low_success_rate",
		Description: "success rate too low",
		Severity:    alerting.SeverityWarning,
		Threshold:   0.95,
		Comparison:  alerting.Below,
		Cooldown:    cooldown,
		MinSamples:  10,
		Value:       func(s metrics.Snapshot) float64 { return s.SuccessRate },
	}
}

func snapshot(total int64, successRate float64) metrics.Snapshot {
	return metrics.Snapshot{Total: total, SuccessRate: successRate}
}

var _ = Describe("Manager", func() {
	var (
		mgr    *alerting.Manager
		events []alerting.Event
	)

	BeforeEach(func() {
		events = nil
		mgr = alerting.NewManager([]alerting.Rule{successRateRule(0)}, zap.NewNop())
		mgr.AddNotifier(func(e alerting.Event) { events = append(events, e) })
	})

	It("triggers once when a rule starts breaching", func() {
		out := mgr.CheckAll(snapshot(100, 0.5))
		Expect(out).To(HaveLen(1))
		Expect(out[0].Rule).To(Equal("low_success_rate"))
		Expect(out[0].Resolved).To(BeFalse())
		Expect(events).To(HaveLen(1))
		Expect(mgr.Active()).To(ConsistOf("low_success_rate"))

		// Still breaching: no second notification.
		Expect(mgr.CheckAll(snapshot(100, 0.5))).To(BeEmpty())
		Expect(events).To(HaveLen(1))
	})

	It("resolves when the rule stops breaching", func() {
		mgr.CheckAll(snapshot(100, 0.5))
		out := mgr.CheckAll(snapshot(100, 0.99))
		Expect(out).To(HaveLen(1))
		Expect(out[0].Resolved).To(BeTrue())
		Expect(mgr.Active()).To(BeEmpty())
	})

	It("suppresses rate rules until enough samples exist", func() {
		Expect(mgr.CheckAll(snapshot(5, 0.0))).To(BeEmpty())
		Expect(mgr.CheckAll(snapshot(10, 0.0))).To(HaveLen(1))
	})

	It("suppresses re-triggering within the cooldown", func() {
		mgr = alerting.NewManager([]alerting.Rule{successRateRule(time.Hour)}, zap.NewNop())

		Expect(mgr.CheckAll(snapshot(100, 0.5))).To(HaveLen(1))
		Expect(mgr.CheckAll(snapshot(100, 0.99))).To(HaveLen(1)) // resolve
		// The breach returns inside the cooldown window.
		Expect(mgr.CheckAll(snapshot(100, 0.5))).To(BeEmpty())
	})

	Describe("Silence", func() {
		It("holds a rule down for the duration", func() {
			mgr = alerting.NewManager([]alerting.Rule{successRateRule(0)}, zap.NewNop())
			Expect(mgr.Silence("low_success_rate", time.Hour)).To(BeTrue())
			Expect(mgr.CheckAll(snapshot(100, 0.5))).To(BeEmpty())
		})

		It("rejects unknown rules", func() {
			Expect(mgr.Silence("nope", time.Minute)).To(BeFalse())
		})
	})

	Describe("Acknowledge", func() {
		It("marks the latest unresolved event", func() {
			mgr.CheckAll(snapshot(100, 0.5))
			Expect(mgr.Acknowledge("low_success_rate")).To(BeTrue())

			history := mgr.History()
			Expect(history).To(HaveLen(1))
			Expect(history[0].Acknowledged).To(BeTrue())
		})

		It("reports when nothing is outstanding", func() {
			Expect(mgr.Acknowledge("low_success_rate")).To(BeFalse())
		})
	})

	Describe("History", func() {
		It("retains transitions in order", func() {
			mgr.CheckAll(snapshot(100, 0.5))
			mgr.CheckAll(snapshot(100, 0.99))

			history := mgr.History()
			Expect(history).To(HaveLen(2))
			Expect(history[0].Resolved).To(BeFalse())
			Expect(history[1].Resolved).To(BeTrue())
		})
	})
})

var _ = Describe("DefaultRules", func() {
	It("covers success rate, latency and cache hit rate", func() {
		names := map[string]bool{}
		for _, r := range alerting.DefaultRules() {
			names[r.Name] = true
			Expect(r.Value).NotTo(BeNil())
		}
		Expect(names).To(HaveKey("low_success_rate"))
		Expect(names).To(HaveKey("critical_success_rate"))
		Expect(names).To(HaveKey("high_latency"))
		Expect(names).To(HaveKey("low_cache_hit_rate"))
	})

	It("fires the critical rule on a severe failure rate", func() {
		mgr := alerting.NewManager(alerting.DefaultRules(), zap.NewNop())
		out := mgr.CheckAll(metrics.Snapshot{Total: 50, SuccessRate: 0.5, CacheHitRate: 0.9})

		rules := map[string]bool{}
		for _, e := range out {
			rules[e.Rule] = true
		}
		Expect(rules).To(HaveKey("low_success_rate"))
		Expect(rules).To(HaveKey("critical_success_rate"))
		Expect(rules).NotTo(HaveKey("low_cache_hit_rate"))
	})
})
