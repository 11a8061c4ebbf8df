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

package server_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/auth"
	"github.com/qzsyzn/industry-monitor/internal/cache"
	"github.com/qzsyzn/industry-monitor/internal/collector"
	"github.com/qzsyzn/industry-monitor/internal/config"
	"github.com/qzsyzn/industry-monitor/internal/errs"
	"github.com/qzsyzn/industry-monitor/internal/metrics"
	"github.com/qzsyzn/industry-monitor/internal/period"
	"github.com/qzsyzn/industry-monitor/internal/resilience"
	"github.com/qzsyzn/industry-monitor/internal/server"
	"github.com/qzsyzn/industry-monitor/internal/storage"
	"github.com/qzsyzn/industry-monitor/internal/upstream"
)

// nilStore satisfies the collector and cache store interfaces with an
// always-empty repository.
type nilStore struct{}

func (n *nilStore) Get(ctx context.Context, id storage.Identity) (*storage.Record, error) {
	return nil, nil
}

func (n *nilStore) FindPeriods(ctx context.Context, action, catID string, g period.Granularity, keys []string) ([]storage.Record, error) {
	return nil, nil
}

func (n *nilStore) Upsert(ctx context.Context, rec *storage.Record) error { return nil }

func (n *nilStore) Touch(ctx context.Context, id storage.Identity, expiredAt time.Time) error {
	return nil
}

func (n *nilStore) Warmup(ctx context.Context, limit int64, actions, catIDs []string, granularity string, fn func(*storage.Record) error) (int, int, error) {
	return 0, 0, nil
}

type staticDispatcher struct {
	response json.RawMessage
	err      error
}

func (d *staticDispatcher) Dispatch(ctx context.Context, req upstream.Request) (json.RawMessage, error) {
	return d.response, d.err
}

const webhookPath = "/api/webhook/mengla-notify"

var _ = Describe("Server", func() {
	var (
		mr         *miniredis.Miniredis
		rdb        *redis.Client
		cfg        *config.Config
		dispatcher *staticDispatcher
		handler    http.Handler
	)

	build := func() {
		cacheCfg := config.CacheConfig{
			L1Size: 100,
			L1TTL:  time.Minute,
			TTL:    map[period.Granularity]time.Duration{period.Day: time.Hour},
			Retention: map[period.Granularity]time.Duration{
				period.Day: 24 * time.Hour,
			},
		}
		store := &nilStore{}
		cacheMgr := cache.NewManager(cacheCfg, rdb, store, zap.NewNop())
		breakers := resilience.NewBreakerManager(config.BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			OpenWindow:       time.Minute,
			HalfOpenMaxCalls: 1,
		}, zap.NewNop())
		coll := collector.New(cacheMgr, store, dispatcher, breakers,
			metrics.NewCollector(zap.NewNop()), nil, cacheCfg,
			config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
			zap.NewNop())

		srv := server.New(server.Deps{
			Config:    cfg,
			Logger:    zap.NewNop(),
			Collector: coll,
			Cache:     cacheMgr,
			Breakers:  breakers,
			Collect:   metrics.NewCollector(zap.NewNop()),
			Prom:      metrics.NewProm(),
			Auth:      auth.NewService(cfg.Auth, rdb, zap.NewNop()),
			Redis:     rdb,
		})
		handler = srv.Routes()
	}

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})

		cfg = &config.Config{
			HTTPAddr:           ":0",
			CORSAllowedOrigins: []string{"*"},
			WebhookSecret:      "hook-secret",
			PanelAdminEnabled:  true,
		}
		dispatcher = &staticDispatcher{
			response: json.RawMessage(`{"resultData":{"highList":{"code":0,"data":[{"rank":1}]}}}`),
		}
		build()
	})

	AfterEach(func() {
		_ = rdb.Close()
		mr.Close()
	})

	do := func(req *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	sign := func(body string) string {
		mac := hmac.New(sha256.New, []byte(cfg.WebhookSecret))
		mac.Write([]byte(body))
		return "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	Describe("health", func() {
		It("answers ok", func() {
			rec := do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"status":"ok"`))
		})

		It("exposes the webhook probe", func() {
			rec := do(httptest.NewRequest(http.MethodGet, webhookPath, nil))
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("webhook endpoint is ready"))
		})
	})

	Describe("webhook notify", func() {
		It("stores a signed terminal payload at the rendezvous key", func() {
			body := `{"executionId":"e42","resultData":{"done":true}}`
			req := httptest.NewRequest(http.MethodPost, webhookPath, strings.NewReader(body))
			req.Header.Set("X-Signature-256", sign(body))

			rec := do(req)
			Expect(rec.Code).To(Equal(http.StatusOK))

			stored, err := mr.Get("mengla:exec:e42")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(MatchJSON(`{"done":true}`))
		})

		It("falls back to the data envelope and then the whole body", func() {
			body := `{"data":{"executionId":"e43","rows":[1]}}`
			req := httptest.NewRequest(http.MethodPost, webhookPath, strings.NewReader(body))
			req.Header.Set("X-Signature-256", sign(body))

			rec := do(req)
			Expect(rec.Code).To(Equal(http.StatusOK))
			stored, err := mr.Get("mengla:exec:e43")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(ContainSubstring(`"rows":[1]`))
		})

		It("rejects a bad signature", func() {
			body := `{"executionId":"e42"}`
			req := httptest.NewRequest(http.MethodPost, webhookPath, strings.NewReader(body))
			req.Header.Set("X-Signature-256", "sha256=deadbeef")

			Expect(do(req).Code).To(Equal(http.StatusForbidden))
			Expect(mr.Exists("mengla:exec:e42")).To(BeFalse())
		})

		It("rejects a missing signature when a secret is configured", func() {
			body := `{"executionId":"e42"}`
			req := httptest.NewRequest(http.MethodPost, webhookPath, strings.NewReader(body))
			Expect(do(req).Code).To(Equal(http.StatusForbidden))
		})

		It("accepts unsigned posts when no secret is configured", func() {
			cfg.WebhookSecret = ""
			build()

			body := `{"executionId":"e44","resultData":{}}`
			req := httptest.NewRequest(http.MethodPost, webhookPath, strings.NewReader(body))
			Expect(do(req).Code).To(Equal(http.StatusOK))
			Expect(mr.Exists("mengla:exec:e44")).To(BeTrue())
		})

		It("requires an execution id", func() {
			body := `{"resultData":{}}`
			req := httptest.NewRequest(http.MethodPost, webhookPath, strings.NewReader(body))
			req.Header.Set("X-Signature-256", sign(body))
			Expect(do(req).Code).To(Equal(http.StatusBadRequest))
		})

		It("skips heartbeats without storing them", func() {
			body := `{"executionId":"e45","status":"running"}`
			req := httptest.NewRequest(http.MethodPost, webhookPath, strings.NewReader(body))
			req.Header.Set("X-Signature-256", sign(body))

			rec := do(req)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"skipped":true`))
			Expect(mr.Exists("mengla:exec:e45")).To(BeFalse())
		})
	})

	Describe("query", func() {
		It("serves a query and labels the source", func() {
			rec := do(httptest.NewRequest(http.MethodGet,
				"/api/mengla/query?action=high&dateType=day&timest=20250115", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("X-MengLa-Source")).To(Equal("fresh"))
			Expect(rec.Body.String()).To(ContainSubstring("highList"))
		})

		It("maps validation failures to 400 with a machine code", func() {
			rec := do(httptest.NewRequest(http.MethodGet, "/api/mengla/query?action=bogus", nil))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Body.String()).To(ContainSubstring("validation_error"))
		})

		It("maps upstream timeouts to 504", func() {
			dispatcher.err = errs.Wrap(errs.ErrUpstreamTimeout, context.DeadlineExceeded)
			dispatcher.response = nil
			build()

			rec := do(httptest.NewRequest(http.MethodGet,
				"/api/mengla/query?action=high&dateType=day&timest=20250116", nil))
			Expect(rec.Code).To(Equal(http.StatusGatewayTimeout))
			Expect(rec.Body.String()).To(ContainSubstring("upstream_timeout"))
		})

		It("rejects malformed extra parameters", func() {
			rec := do(httptest.NewRequest(http.MethodGet,
				"/api/mengla/query?action=high&dateType=day&timest=20250115&extra=notjson", nil))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			cfg.Auth = config.AuthConfig{
				AdminUsername: "admin",
				AdminPassword: "s3cret",
				JWTSecret:     "signing-key",
				JWTTTL:        time.Hour,
			}
			build()
		})

		login := func(username, password string) *httptest.ResponseRecorder {
			body, _ := json.Marshal(map[string]string{"username": username, "password": password})
			req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(string(body)))
			req.Header.Set("Content-Type", "application/json")
			return do(req)
		}

		It("guards the query surface", func() {
			rec := do(httptest.NewRequest(http.MethodGet,
				"/api/mengla/query?action=high&dateType=day&timest=20250115", nil))
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("admits a bearer token end to end", func() {
			rec := login("admin", "s3cret")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var resp struct {
				Token string `json:"token"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Token).NotTo(BeEmpty())

			req := httptest.NewRequest(http.MethodGet,
				"/api/mengla/query?action=high&dateType=day&timest=20250115", nil)
			req.Header.Set("Authorization", "Bearer "+resp.Token)
			Expect(do(req).Code).To(Equal(http.StatusOK))
		})

		It("rejects bad credentials", func() {
			Expect(login("admin", "wrong").Code).To(Equal(http.StatusUnauthorized))
		})

		It("rejects incomplete login bodies", func() {
			Expect(login("admin", "").Code).To(Equal(http.StatusBadRequest))
		})

		It("leaves the webhook public", func() {
			body := `{"executionId":"e50","resultData":{}}`
			req := httptest.NewRequest(http.MethodPost, webhookPath, strings.NewReader(body))
			req.Header.Set("X-Signature-256", sign(body))
			Expect(do(req).Code).To(Equal(http.StatusOK))
		})
	})

	Describe("admin panel switch", func() {
		It("serves admin routes while enabled", func() {
			rec := do(httptest.NewRequest(http.MethodGet, "/api/admin/circuit-breakers", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))
		})

		It("locks the whole admin surface when disabled", func() {
			cfg.PanelAdminEnabled = false
			build()

			rec := do(httptest.NewRequest(http.MethodGet, "/api/admin/circuit-breakers", nil))
			Expect(rec.Code).To(Equal(http.StatusForbidden))
			Expect(rec.Body.String()).To(ContainSubstring("panel_disabled"))

			// The non-admin surfaces stay up.
			Expect(do(httptest.NewRequest(http.MethodGet, "/api/health", nil)).Code).To(Equal(http.StatusOK))
		})
	})

	Describe("metrics endpoint", func() {
		It("serves the Prometheus registry", func() {
			rec := do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))
		})
	})
})
