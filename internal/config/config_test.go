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

package config_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/config"
	"github.com/qzsyzn/industry-monitor/internal/period"
)

// setenv sets an env var for the duration of the current spec.
func setenv(key, value string) {
	GinkgoHelper()
	prev, had := os.LookupEnv(key)
	Expect(os.Setenv(key, value)).To(Succeed())
	DeferCleanup(func() {
		if had {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

var _ = Describe("Load", func() {
	var logger *zap.Logger

	BeforeEach(func() {
		logger = zap.NewNop()
	})

	It("produces a valid configuration from an empty environment", func() {
		cfg, err := config.Load(logger)
		Expect(err).ToNot(HaveOccurred())

		Expect(cfg.HTTPAddr).To(Equal(":8000"))
		Expect(cfg.MongoDB).To(Equal("industry_monitor"))
		Expect(cfg.Upstream.TaskName).To(Equal("萌啦数据采集"))
		Expect(cfg.Upstream.Timeout).To(Equal(300 * time.Second))
		Expect(cfg.Upstream.MaxInflight).To(Equal(int64(1)))
		Expect(cfg.Cache.TTL[period.Day]).To(Equal(4 * time.Hour))
		Expect(cfg.Cache.Retention[period.Year]).To(Equal(730 * 24 * time.Hour))
		Expect(cfg.Retry.MaxAttempts).To(Equal(3))
		Expect(cfg.Breaker.FailureThreshold).To(Equal(uint32(5)))
	})

	It("derives the webhook URL from the app base when not set explicitly", func() {
		setenv("APP_BASEURL", "https://monitor.example.com/")

		cfg, err := config.Load(logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Upstream.WebhookURL).To(Equal("https://monitor.example.com/api/webhook/mengla-notify"))
	})

	It("prefers an explicit webhook URL over the derived one", func() {
		setenv("APP_BASEURL", "https://monitor.example.com")
		setenv("MENGLA_WEBHOOK_URL", "https://hooks.example.com/notify/")

		cfg, err := config.Load(logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Upstream.WebhookURL).To(Equal("https://hooks.example.com/notify"))
	})

	It("applies environment overrides", func() {
		setenv("COLLECT_SERVICE_URL", "http://upstream.internal:3001/")
		setenv("MENGLA_TIMEOUT_SECONDS", "30")
		setenv("L1_CACHE_MAX_SIZE", "50")
		setenv("COLLECT_INTERVAL_SECONDS", "0.5")
		setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com ,")

		cfg, err := config.Load(logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Upstream.BaseURL).To(Equal("http://upstream.internal:3001"))
		Expect(cfg.Upstream.Timeout).To(Equal(30 * time.Second))
		Expect(cfg.Cache.L1Size).To(Equal(50))
		Expect(cfg.Scheduler.CollectInterval).To(Equal(500 * time.Millisecond))
		Expect(cfg.CORSAllowedOrigins).To(Equal([]string{"https://a.example.com", "https://b.example.com"}))
	})

	It("keeps the admin panel on by default and off in production", func() {
		cfg, err := config.Load(logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.PanelAdminEnabled).To(BeTrue())

		setenv("ENV", "production")
		cfg, err = config.Load(logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.PanelAdminEnabled).To(BeFalse())

		setenv("ENABLE_PANEL_ADMIN", "1")
		cfg, err = config.Load(logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.PanelAdminEnabled).To(BeTrue())
	})

	It("falls back to the default when a numeric var is malformed", func() {
		setenv("RETRY_MAX_ATTEMPTS", "lots")

		cfg, err := config.Load(logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Retry.MaxAttempts).To(Equal(3))
	})

	It("lets a single cron entry be overridden without touching the rest", func() {
		setenv("CRON_DAILY_COLLECT", "30 2 * * *")

		cfg, err := config.Load(logger)
		Expect(err).ToNot(HaveOccurred())

		specs := map[string]string{}
		for _, j := range cfg.Scheduler.Jobs {
			specs[j.ID] = j.Spec
		}
		Expect(specs["daily_collect"]).To(Equal("30 2 * * *"))
		Expect(specs["backfill_check"]).To(Equal("0 */4 * * *"))
	})
})
