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

// Package server exposes the HTTP surface: the public webhook sink and
// health probe, the authenticated query endpoint, the admin API, and the
// Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/alerting"
	"github.com/qzsyzn/industry-monitor/internal/auth"
	"github.com/qzsyzn/industry-monitor/internal/cache"
	"github.com/qzsyzn/industry-monitor/internal/collector"
	"github.com/qzsyzn/industry-monitor/internal/config"
	"github.com/qzsyzn/industry-monitor/internal/errs"
	"github.com/qzsyzn/industry-monitor/internal/metrics"
	"github.com/qzsyzn/industry-monitor/internal/queue"
	"github.com/qzsyzn/industry-monitor/internal/resilience"
	"github.com/qzsyzn/industry-monitor/internal/scheduler"
	"github.com/qzsyzn/industry-monitor/internal/storage"
	"github.com/qzsyzn/industry-monitor/internal/tasklog"
	"github.com/qzsyzn/industry-monitor/internal/upstream"
)

// Server bundles the HTTP surface and its collaborators.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	validate  *validator.Validate
	startedAt time.Time

	collector *collector.Collector
	cache     *cache.Manager
	dataStore *storage.DataStore
	upstream  *upstream.Client
	breakers  *resilience.BreakerManager
	collect   *metrics.Collector
	prom      *metrics.Prom
	alerts    *alerting.Manager
	sched     *scheduler.Scheduler
	tasklogs  *tasklog.Store
	jobs      *queue.Store
	auth      *auth.Service
	rdb       *redis.Client

	httpServer *http.Server
}

// Deps collects the collaborators New needs.
type Deps struct {
	Config    *config.Config
	Logger    *zap.Logger
	Collector *collector.Collector
	Cache     *cache.Manager
	DataStore *storage.DataStore
	Upstream  *upstream.Client
	Breakers  *resilience.BreakerManager
	Collect   *metrics.Collector
	Prom      *metrics.Prom
	Alerts    *alerting.Manager
	Scheduler *scheduler.Scheduler
	TaskLogs  *tasklog.Store
	Jobs      *queue.Store
	Auth      *auth.Service
	Redis     *redis.Client
}

// New builds the server.
func New(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		logger:    d.Logger.Named("http"),
		validate:  validator.New(),
		startedAt: time.Now(),
		collector: d.Collector,
		cache:     d.Cache,
		dataStore: d.DataStore,
		upstream:  d.Upstream,
		breakers:  d.Breakers,
		collect:   d.Collect,
		prom:      d.Prom,
		alerts:    d.Alerts,
		sched:     d.Scheduler,
		tasklogs:  d.TaskLogs,
		jobs:      d.Jobs,
		auth:      d.Auth,
		rdb:       d.Redis,
	}
}

// Routes assembles the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-MengLa-Source", "X-MengLa-Trend-Partial"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/webhook/mengla-notify", s.handleWebhookHealth)
	r.Post("/api/webhook/mengla-notify", s.handleWebhookNotify)
	r.Post("/api/auth/login", s.handleLogin)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.prom.Registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/mengla/query", s.handleQuery)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(s.panelEnabledMiddleware)

			r.Get("/mengla/status", s.handleMengLaStatus)
			r.Post("/mengla/enqueue-full-crawl", s.handleEnqueueFullCrawl)
			r.Post("/backfill", s.handleBackfill)
			r.Post("/collect/granular", s.handleGranularCollect)
			r.Get("/collect-health", s.handleCollectHealth)

			r.Get("/sync-tasks/today", s.handleSyncTasksToday)
			r.Get("/sync-tasks/{logID}", s.handleSyncTaskByID)
			r.Delete("/sync-tasks/{logID}", s.handleSyncTaskDelete)

			r.Get("/metrics", s.handleMetrics)
			r.Get("/metrics/latency", s.handleLatency)

			r.Get("/alerts", s.handleAlerts)
			r.Get("/alerts/history", s.handleAlertHistory)
			r.Post("/alerts/check", s.handleAlertCheck)
			r.Post("/alerts/silence", s.handleAlertSilence)
			r.Post("/alerts/acknowledge", s.handleAlertAcknowledge)

			r.Get("/cache/stats", s.handleCacheStats)
			r.Post("/cache/warmup", s.handleCacheWarmup)
			r.Post("/cache/clear-l1", s.handleCacheClearL1)

			r.Get("/circuit-breakers", s.handleBreakers)
			r.Post("/circuit-breakers/reset", s.handleBreakersReset)

			r.Get("/scheduler/status", s.handleSchedulerStatus)
			r.Post("/scheduler/pause", s.handleSchedulerPause)
			r.Post("/scheduler/resume", s.handleSchedulerResume)

			r.Get("/jobs", s.handleJobs)
			r.Get("/jobs/{jobID}", s.handleJobByID)

			r.Post("/tasks/cancel", s.handleTaskCancel)
			r.Post("/tasks/cancel-all", s.handleTaskCancelAll)

			r.Get("/system/status", s.handleSystemStatus)
			r.Post("/data/purge", s.handleDataPurge)
		})
	})

	return r
}

// Start serves until ctx is cancelled, then drains with a bounded
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(shutdownCtx)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Middleware
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		dur := time.Since(start)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", dur),
			zap.String("request_id", middleware.GetReqID(r.Context())))

		s.prom.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(ww.Status())).Inc()
		s.prom.HTTPDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur.Seconds())
	})
}

// authMiddleware requires a valid bearer token when auth is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			s.respondError(w, r, errs.Wrap(errs.ErrUnauthorized, nil))
			return
		}
		if _, err := s.auth.Verify(header[len(prefix):]); err != nil {
			s.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// panelEnabledMiddleware is the admin kill switch: with the panel
// disabled every admin route answers 403, token or not.
func (s *Server) panelEnabledMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.PanelAdminEnabled {
			s.respondJSON(w, http.StatusForbidden, errorBody{
				Code:    "panel_disabled",
				Message: "panel admin is disabled, set ENABLE_PANEL_ADMIN=1 to enable",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Response helpers
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	if status >= 500 {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	s.respondJSON(w, status, errorBody{Code: errs.Code(err), Message: msg})
}

func (s *Server) decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errs.Validationf("malformed JSON body: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return errs.Validationf("invalid request: %v", err)
	}
	return nil
}
