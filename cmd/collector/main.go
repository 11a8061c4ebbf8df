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

// The collector binary hosts the whole service: HTTP surface, scheduler,
// queue consumer, and the caching and collection pipeline behind them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qzsyzn/industry-monitor/internal/alerting"
	"github.com/qzsyzn/industry-monitor/internal/auth"
	"github.com/qzsyzn/industry-monitor/internal/cache"
	"github.com/qzsyzn/industry-monitor/internal/collector"
	"github.com/qzsyzn/industry-monitor/internal/config"
	"github.com/qzsyzn/industry-monitor/internal/metrics"
	"github.com/qzsyzn/industry-monitor/internal/queue"
	"github.com/qzsyzn/industry-monitor/internal/resilience"
	"github.com/qzsyzn/industry-monitor/internal/scheduler"
	"github.com/qzsyzn/industry-monitor/internal/server"
	"github.com/qzsyzn/industry-monitor/internal/storage"
	"github.com/qzsyzn/industry-monitor/internal/tasklog"
	"github.com/qzsyzn/industry-monitor/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := buildLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ━━━ storage ━━━
	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	mongoClient, db, err := storage.Connect(bootCtx, cfg.MongoURI, cfg.MongoDB, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(disconnectCtx); err != nil {
			logger.Warn("mongodb disconnect failed", zap.Error(err))
		}
	}()
	if err := storage.EnsureIndexes(bootCtx, db, logger); err != nil {
		return fmt.Errorf("failed to ensure indexes: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URI: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(bootCtx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}

	// ━━━ components ━━━
	dataStore := storage.NewDataStore(db, logger)
	cacheMgr := cache.NewManager(cfg.Cache, rdb, dataStore, logger)
	breakers := resilience.NewBreakerManager(cfg.Breaker, logger)
	collect := metrics.NewCollector(logger)
	prom := metrics.NewProm()
	alerts := alerting.NewManager(alerting.DefaultRules(), logger)
	client := upstream.NewClient(cfg.Upstream, rdb, logger)

	coll := collector.New(cacheMgr, dataStore, client, breakers, collect, prom, cfg.Cache, cfg.Retry, logger)

	taskLogs := tasklog.NewStore(db, logger)
	if n, err := taskLogs.RecoverInterrupted(bootCtx); err != nil {
		logger.Warn("failed to recover interrupted task logs", zap.Error(err))
	} else if n > 0 {
		logger.Info("marked interrupted task logs as failed", zap.Int64("count", n))
	}

	jobStore := queue.NewStore(db, logger)
	worker := queue.NewWorker(jobStore, coll, logger)

	sched := scheduler.New(cfg.Scheduler, coll, dataStore, taskLogs, worker,
		collect, alerts, rdb, logger)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	authSvc := auth.NewService(cfg.Auth, rdb, logger)
	if !authSvc.Enabled() {
		logger.Warn("admin authentication disabled: ADMIN_PASSWORD or JWT_SECRET not set")
	}

	srv := server.New(server.Deps{
		Config:    cfg,
		Logger:    logger,
		Collector: coll,
		Cache:     cacheMgr,
		DataStore: dataStore,
		Upstream:  client,
		Breakers:  breakers,
		Collect:   collect,
		Prom:      prom,
		Alerts:    alerts,
		Scheduler: sched,
		TaskLogs:  taskLogs,
		Jobs:      jobStore,
		Auth:      authSvc,
		Redis:     rdb,
	})

	logger.Info("collector starting",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("mongo_uri", storage.MaskURI(cfg.MongoURI)),
		zap.Int("cron_jobs", len(cfg.Scheduler.Jobs)))

	serveErr := srv.Start(ctx)

	// Shutdown ordering: drain HTTP first so admin calls in flight
	// finish, then stop the cron and queue loops, then land the final
	// stats snapshot in Redis.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancelStop()
	sched.Stop(stopCtx)

	if err := collect.PersistToRedis(stopCtx, rdb); err != nil {
		logger.Warn("failed to persist final stats", zap.Error(err))
	}

	logger.Info("collector stopped")
	return serveErr
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
		lvl = parsed
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
