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

// Package config assembles the runtime configuration from the environment.
// Values are read once at startup; malformed values log a warning and fall
// back to the default rather than aborting, so a typo in a tuning knob
// cannot keep the service down.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/period"
)

// CronJob is one scheduled entry, overridable via CRON_<ID-upper>.
type CronJob struct {
	ID   string
	Spec string
}

// Config is the full runtime configuration.
type Config struct {
	HTTPAddr           string `validate:"required"`
	LogLevel           string
	CORSAllowedOrigins []string

	MongoURI string `validate:"required"`
	MongoDB  string `validate:"required"`
	RedisURL string `validate:"required"`

	Upstream  UpstreamConfig
	Cache     CacheConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Scheduler SchedulerConfig
	Auth      AuthConfig

	WebhookSecret string

	// PanelAdminEnabled gates the whole admin surface. Defaults to on
	// except when ENV=production and ENABLE_PANEL_ADMIN is unset.
	PanelAdminEnabled bool
}

// UpstreamConfig tunes the dispatcher fronting the collection service.
type UpstreamConfig struct {
	BaseURL    string `validate:"required,url"`
	APIToken   string
	TaskName   string `validate:"required"`
	WebhookURL string `validate:"required,url"`

	Timeout     time.Duration `validate:"min=1s"`
	MinInterval time.Duration
	MaxInflight int64 `validate:"min=1"`
}

// CacheConfig tunes the three storage tiers.
type CacheConfig struct {
	L1Size int           `validate:"min=1"`
	L1TTL  time.Duration `validate:"min=1s"`

	// TTL is the L2 lifetime per granularity; Retention bounds how long
	// L3 rows live before the TTL index reaps them.
	TTL       map[period.Granularity]time.Duration
	Retention map[period.Granularity]time.Duration
}

// RetryConfig tunes the shared retry policy.
type RetryConfig struct {
	MaxAttempts int           `validate:"min=1"`
	BaseDelay   time.Duration `validate:"min=1ms"`
	MaxDelay    time.Duration `validate:"min=1ms"`
	Multiplier  float64       `validate:"min=1"`
}

// BreakerConfig tunes the per-action circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32 `validate:"min=1"`
	SuccessThreshold uint32 `validate:"min=1"`
	OpenWindow       time.Duration
	HalfOpenMaxCalls uint32 `validate:"min=1"`
}

// SchedulerConfig carries the cron table and pacing knobs.
type SchedulerConfig struct {
	Jobs []CronJob

	QueueInterval      time.Duration
	CollectInterval    time.Duration
	MaxConcurrentTasks int `validate:"min=1"`
	TaskTimeout        time.Duration
}

// AuthConfig carries the single admin credential and token settings.
type AuthConfig struct {
	AdminUsername string
	AdminPassword string
	JWTSecret     string
	JWTTTL        time.Duration
}

// Load reads .env (if present) and the process environment into a
// validated Config.
func Load(logger *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load .env file", zap.Error(err))
	}

	env := &reader{logger: logger}

	appBase := strings.TrimRight(env.str("APP_BASEURL", "http://localhost:8000"), "/")
	webhookURL := strings.TrimRight(env.str("MENGLA_WEBHOOK_URL", ""), "/")
	if webhookURL == "" {
		webhookURL = appBase + "/api/webhook/mengla-notify"
	}

	cfg := &Config{
		HTTPAddr:           env.str("HTTP_ADDR", ":8000"),
		LogLevel:           env.str("LOG_LEVEL", "info"),
		CORSAllowedOrigins: splitCSV(env.str("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),

		MongoURI: env.str("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:  env.str("MONGO_DB", "industry_monitor"),
		RedisURL: env.str("REDIS_URI", "redis://localhost:6379/0"),

		Upstream: UpstreamConfig{
			BaseURL:     strings.TrimRight(env.str("COLLECT_SERVICE_URL", "http://localhost:3001"), "/"),
			APIToken:    env.str("COLLECT_SERVICE_API_KEY", ""),
			TaskName:    env.str("MENGLA_TASK_NAME", "萌啦数据采集"),
			WebhookURL:  webhookURL,
			Timeout:     env.seconds("MENGLA_TIMEOUT_SECONDS", 300),
			MinInterval: env.seconds("MIN_REQUEST_INTERVAL", 5),
			MaxInflight: int64(env.integer("MAX_INFLIGHT_REQUESTS", 1)),
		},

		Cache: CacheConfig{
			L1Size: env.integer("L1_CACHE_MAX_SIZE", 1000),
			L1TTL:  env.seconds("L1_CACHE_TTL", 300),
			TTL: map[period.Granularity]time.Duration{
				period.Day:     env.seconds("CACHE_TTL_DAY", 4*3600),
				period.Month:   env.seconds("CACHE_TTL_MONTH", 24*3600),
				period.Quarter: env.seconds("CACHE_TTL_QUARTER", 7*24*3600),
				period.Year:    env.seconds("CACHE_TTL_YEAR", 30*24*3600),
			},
			Retention: map[period.Granularity]time.Duration{
				period.Day:     env.days("RETENTION_DAYS_DAY", 30),
				period.Month:   env.days("RETENTION_DAYS_MONTH", 90),
				period.Quarter: env.days("RETENTION_DAYS_QUARTER", 365),
				period.Year:    env.days("RETENTION_DAYS_YEAR", 730),
			},
		},

		Retry: RetryConfig{
			MaxAttempts: env.integer("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   env.seconds("RETRY_BASE_DELAY", 1),
			MaxDelay:    env.seconds("RETRY_MAX_DELAY", 60),
			Multiplier:  env.float("RETRY_MULTIPLIER", 2.0),
		},

		Breaker: BreakerConfig{
			FailureThreshold: uint32(env.integer("CB_FAILURE_THRESHOLD", 5)),
			SuccessThreshold: uint32(env.integer("CB_SUCCESS_THRESHOLD", 3)),
			OpenWindow:       env.seconds("CB_TIMEOUT", 60),
			HalfOpenMaxCalls: uint32(env.integer("CB_HALF_OPEN_CALLS", 3)),
		},

		Scheduler: SchedulerConfig{
			Jobs:               cronJobs(env),
			QueueInterval:      env.seconds("QUEUE_CONSUME_INTERVAL_SECONDS", 240),
			CollectInterval:    env.secondsFloat("COLLECT_INTERVAL_SECONDS", 2.0),
			MaxConcurrentTasks: env.integer("MAX_CONCURRENT_TASKS", 5),
			TaskTimeout:        env.seconds("TASK_TIMEOUT_SECONDS", 300),
		},

		Auth: AuthConfig{
			AdminUsername: env.str("ADMIN_USERNAME", "admin"),
			AdminPassword: env.str("ADMIN_PASSWORD", ""),
			JWTSecret:     env.str("JWT_SECRET", ""),
			JWTTTL:        time.Duration(env.integer("JWT_TTL_HOURS", 24)) * time.Hour,
		},

		WebhookSecret: env.str("WEBHOOK_SECRET", ""),

		PanelAdminEnabled: panelAdminEnabled(),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func panelAdminEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ENABLE_PANEL_ADMIN"))) {
	case "1", "true", "yes":
		return true
	case "":
		return strings.ToLower(strings.TrimSpace(os.Getenv("ENV"))) != "production"
	default:
		return false
	}
}

// cronJobs returns the default schedule table with per-job env overrides
// applied (CRON_DAILY_COLLECT, CRON_BACKFILL_CHECK, ...).
func cronJobs(env *reader) []CronJob {
	defaults := []CronJob{
		{ID: "daily_collect", Spec: "0 4 * * *"},
		{ID: "monthly_collect", Spec: "0 5 3 * *"},
		{ID: "quarterly_collect", Spec: "0 6 10 1,4,7,10 *"},
		{ID: "yearly_collect", Spec: "0 7 20 1 *"},
		{ID: "backfill_check", Spec: "0 */4 * * *"},
	}
	for i := range defaults {
		key := "CRON_" + strings.ToUpper(defaults[i].ID)
		if v := os.Getenv(key); strings.TrimSpace(v) != "" {
			defaults[i].Spec = strings.TrimSpace(v)
		}
	}
	return defaults
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// reader parses env vars with warn-and-default semantics.
type reader struct {
	logger *zap.Logger
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.logger.Warn("ignoring malformed integer env var",
			zap.String("key", key), zap.String("value", v), zap.Int("default", def))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		r.logger.Warn("ignoring malformed float env var",
			zap.String("key", key), zap.String("value", v), zap.Float64("default", def))
		return def
	}
	return f
}

func (r *reader) seconds(key string, def int) time.Duration {
	return time.Duration(r.integer(key, def)) * time.Second
}

func (r *reader) secondsFloat(key string, def float64) time.Duration {
	return time.Duration(r.float(key, def) * float64(time.Second))
}

func (r *reader) days(key string, def int) time.Duration {
	return time.Duration(r.integer(key, def)) * 24 * time.Hour
}
