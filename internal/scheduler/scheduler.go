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

// Package scheduler drives the recurring work: period collections on a
// cron table (business timezone), the backfill check, the crawl-queue
// consumer, and the periodic alert/stats ticks. Every run is recorded in
// the sync task log and honors cooperative cancellation between work
// units.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qzsyzn/industry-monitor/internal/alerting"
	"github.com/qzsyzn/industry-monitor/internal/catalog"
	"github.com/qzsyzn/industry-monitor/internal/collector"
	"github.com/qzsyzn/industry-monitor/internal/config"
	"github.com/qzsyzn/industry-monitor/internal/metrics"
	"github.com/qzsyzn/industry-monitor/internal/payload"
	"github.com/qzsyzn/industry-monitor/internal/period"
	"github.com/qzsyzn/industry-monitor/internal/queue"
	"github.com/qzsyzn/industry-monitor/internal/storage"
	"github.com/qzsyzn/industry-monitor/internal/tasklog"
)

// Querier executes one collection query.
type Querier interface {
	Execute(ctx context.Context, q collector.Query) (*collector.Result, error)
}

// Peeker checks whether a document already exists (backfill probe).
type Peeker interface {
	Get(ctx context.Context, id storage.Identity) (*storage.Record, error)
}

// listActions are the non-trend actions collected per category.
var listActions = []string{
	payload.ActionHigh,
	payload.ActionHot,
	payload.ActionChance,
	payload.ActionIndustryView,
}

// Scheduler owns the cron table and the background loops.
type Scheduler struct {
	cfg config.SchedulerConfig

	cron    *cron.Cron
	querier Querier
	peeker  Peeker
	logs    *tasklog.Store
	worker  *queue.Worker
	collect *metrics.Collector
	alerts  *alerting.Manager
	rdb     *redis.Client
	logger  *zap.Logger

	paused  atomic.Bool
	stopped chan struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New wires the scheduler. Call Start to begin.
func New(
	cfg config.SchedulerConfig,
	querier Querier,
	peeker Peeker,
	logs *tasklog.Store,
	worker *queue.Worker,
	collect *metrics.Collector,
	alerts *alerting.Manager,
	rdb *redis.Client,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		cron:     cron.New(cron.WithLocation(period.Location())),
		querier:  querier,
		peeker:   peeker,
		logs:     logs,
		worker:   worker,
		collect:  collect,
		alerts:   alerts,
		rdb:      rdb,
		logger:   logger.Named("scheduler"),
		stopped:  make(chan struct{}),
	}
}

// Start registers the cron table and launches the background loops.
func (s *Scheduler) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, job := range s.cfg.Jobs {
		job := job
		fn, ok := s.jobFunc(ctx, job.ID)
		if !ok {
			return fmt.Errorf("unknown cron job id %q", job.ID)
		}
		if _, err := s.cron.AddFunc(job.Spec, fn); err != nil {
			return fmt.Errorf("register cron job %s (%q): %w", job.ID, job.Spec, err)
		}
		s.logger.Info("registered cron job", zap.String("job", job.ID), zap.String("spec", job.Spec))
	}
	s.cron.Start()

	s.wg.Add(3)
	go s.queueLoop(ctx)
	go s.alertLoop(ctx)
	go s.statsLoop(ctx)
	return nil
}

// Stop halts cron and waits for the loops (bounded by ctx).
func (s *Scheduler) Stop(ctx context.Context) {
	close(s.stopped)
	if s.cancel != nil {
		s.cancel()
	}
	cronCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronCtx.Done()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// jobFunc maps a cron job id to its body, wrapped with the pause gate.
func (s *Scheduler) jobFunc(ctx context.Context, id string) (func(), bool) {
	var body func(context.Context)
	switch id {
	case "daily_collect":
		body = func(ctx context.Context) { s.RunPeriodCollect(ctx, period.Day, tasklog.TriggerScheduled) }
	case "monthly_collect":
		body = func(ctx context.Context) { s.RunPeriodCollect(ctx, period.Month, tasklog.TriggerScheduled) }
	case "quarterly_collect":
		body = func(ctx context.Context) { s.RunPeriodCollect(ctx, period.Quarter, tasklog.TriggerScheduled) }
	case "yearly_collect":
		body = func(ctx context.Context) { s.RunPeriodCollect(ctx, period.Year, tasklog.TriggerScheduled) }
	case "backfill_check":
		body = func(ctx context.Context) { s.RunBackfillCheck(ctx, tasklog.TriggerScheduled) }
	default:
		return nil, false
	}
	return func() {
		if s.paused.Load() {
			s.logger.Info("scheduler paused, skipping job", zap.String("job", id))
			return
		}
		body(ctx)
	}, true
}

// Pause suspends cron-triggered and queue work. Manual triggers still run.
func (s *Scheduler) Pause()  { s.paused.Store(true) }
func (s *Scheduler) Resume() { s.paused.Store(false) }

// Paused reports the pause gate.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// EntryStatus describes one cron entry for the admin surface.
type EntryStatus struct {
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// Status reports pause state and the cron entries.
func (s *Scheduler) Status() map[string]any {
	entries := make([]EntryStatus, 0)
	for _, e := range s.cron.Entries() {
		entries = append(entries, EntryStatus{Next: e.Next, Prev: e.Prev})
	}
	return map[string]any{
		"paused":  s.paused.Load(),
		"entries": entries,
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Period collection
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// RunPeriodCollect collects the previous period of granularity g for every
// top-level category: the four list actions per category, then the trend
// series for the category's year to date.
func (s *Scheduler) RunPeriodCollect(ctx context.Context, g period.Granularity, trigger string) {
	taskID := map[period.Granularity]string{
		period.Day:     "daily_collect",
		period.Month:   "monthly_collect",
		period.Quarter: "quarterly_collect",
		period.Year:    "yearly_collect",
	}[g]
	targetKey := period.Previous(g, time.Now())

	cats := catalog.TopLevelIDs()
	total := len(cats) * (len(listActions) + 1)

	run, err := s.logs.Start(ctx, taskID, fmt.Sprintf("period collect (%s)", g), trigger)
	if err != nil {
		if errors.Is(err, tasklog.ErrAlreadyRunning) {
			s.logger.Info("period collect already running, skipping", zap.String("task", taskID))
			return
		}
		s.logger.Error("failed to open run log", zap.String("task", taskID), zap.Error(err))
		return
	}
	s.logger.Info("period collect started",
		zap.String("task", taskID),
		zap.String("target_period", targetKey),
		zap.Int("total", total))

	progress := tasklog.Progress{Total: total}
	cancelled := false

collect:
	for _, cat := range cats {
		for _, action := range listActions {
			if s.checkCancelled(ctx, taskID) {
				cancelled = true
				break collect
			}
			if err := s.collectWithRetry(ctx, collector.Query{
				Action:   action,
				CatID:    cat,
				DateType: string(g),
				Timest:   targetKey,
				UseCache: true,
			}); err != nil {
				progress.Failed++
				s.logger.Warn("period collect item failed",
					zap.String("action", action),
					zap.String("cat_id", cat),
					zap.String("period_key", targetKey),
					zap.Error(err))
			} else {
				progress.Completed++
			}
			_ = s.logs.UpdateProgress(ctx, run.LogID, progress)
			s.pace(ctx)
		}

		if s.checkCancelled(ctx, taskID) {
			cancelled = true
			break
		}
		// Trend: refresh the category's series for the current year.
		year := fmt.Sprintf("%d", time.Now().In(period.Location()).Year())
		if err := s.collectWithRetry(ctx, collector.Query{
			Action:    payload.ActionTrend,
			CatID:     cat,
			DateType:  string(g),
			StarRange: year + "-01-01",
			EndRange:  time.Now().In(period.Location()).Format("2006-01-02"),
			UseCache:  false,
		}); err != nil {
			progress.Failed++
			s.logger.Warn("trend collect failed", zap.String("cat_id", cat), zap.Error(err))
		} else {
			progress.Completed++
		}
		_ = s.logs.UpdateProgress(ctx, run.LogID, progress)
		s.pace(ctx)
	}

	s.finishRun(ctx, run.LogID, taskID, progress, cancelled)
}

// retryWait is the fixed pause before the single extra attempt a failed
// collection item gets. Variable so tests can shrink it.
var retryWait = 5 * time.Second

// collectWithRetry runs one query and, on failure, retries it exactly
// once after a fixed wait. Per-call transient retries live deeper in the
// pipeline; this pass only smooths over a momentary bad item.
func (s *Scheduler) collectWithRetry(ctx context.Context, q collector.Query) error {
	_, err := s.querier.Execute(ctx, q)
	if err == nil {
		return nil
	}
	s.logger.Warn("collect attempt failed, retrying once",
		zap.String("action", q.Action),
		zap.String("cat_id", q.CatID),
		zap.Duration("delay", retryWait),
		zap.Error(err))

	timer := time.NewTimer(retryWait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return err
	}
	_, err = s.querier.Execute(ctx, q)
	return err
}

func (s *Scheduler) checkCancelled(ctx context.Context, taskID string) bool {
	return ctx.Err() != nil || s.logs.IsCancelled(taskID)
}

func (s *Scheduler) finishRun(ctx context.Context, logID, taskID string, p tasklog.Progress, cancelled bool) {
	_ = s.logs.UpdateProgress(ctx, logID, p)
	if cancelled {
		// The cancel path already flipped the row; just clear the mark.
		s.logs.ClearCancelled(taskID)
		s.logger.Info("run cancelled", zap.String("task", taskID))
		return
	}
	status := tasklog.StatusCompleted
	errMsg := ""
	if p.Failed > 0 {
		status = tasklog.StatusFailed
		errMsg = fmt.Sprintf("%d of %d items failed", p.Failed, p.Total)
	}
	if err := s.logs.Finish(ctx, logID, status, errMsg); err != nil {
		s.logger.Error("failed to close run log", zap.String("log_id", logID), zap.Error(err))
	}
	s.logger.Info("run finished",
		zap.String("task", taskID),
		zap.String("status", status),
		zap.Int("completed", p.Completed),
		zap.Int("failed", p.Failed))
}

// pace sleeps the configured inter-call interval.
func (s *Scheduler) pace(ctx context.Context) {
	timer := time.NewTimer(s.cfg.CollectInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Backfill check
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// backfillLookback is how many recent periods the check probes per
// granularity.
const backfillLookback = 3

// RunBackfillCheck probes the recent day and month periods for every
// category and recollects the holes.
func (s *Scheduler) RunBackfillCheck(ctx context.Context, trigger string) {
	const taskID = "backfill_check"
	run, err := s.logs.Start(ctx, taskID, "backfill check", trigger)
	if err != nil {
		if errors.Is(err, tasklog.ErrAlreadyRunning) {
			s.logger.Info("backfill check already running, skipping")
			return
		}
		s.logger.Error("failed to open run log", zap.String("task", taskID), zap.Error(err))
		return
	}

	progress := tasklog.Progress{}
	cancelled := false

	now := time.Now()
check:
	for _, g := range []period.Granularity{period.Day, period.Month} {
		keys := recentKeys(g, now, backfillLookback)
		for _, cat := range catalog.TopLevelIDs() {
			for _, action := range listActions {
				for _, key := range keys {
					if s.checkCancelled(ctx, taskID) {
						cancelled = true
						break check
					}
					id := storage.Identity{Action: action, CatID: cat, Granularity: g, PeriodKey: key}
					rec, err := s.peeker.Get(ctx, id)
					if err != nil {
						s.logger.Warn("backfill probe failed", zap.String("identity", id.String()), zap.Error(err))
						continue
					}
					if rec != nil {
						continue
					}

					progress.Total++
					s.logger.Info("backfilling missing period", zap.String("identity", id.String()))
					if err := s.collectWithRetry(ctx, collector.Query{
						Action:   action,
						CatID:    cat,
						DateType: string(g),
						Timest:   key,
						UseCache: true,
					}); err != nil {
						progress.Failed++
					} else {
						progress.Completed++
					}
					_ = s.logs.UpdateProgress(ctx, run.LogID, progress)
					s.pace(ctx)
				}
			}
		}
	}

	s.finishRun(ctx, run.LogID, taskID, progress, cancelled)
}

// recentKeys returns the n period keys immediately before the current one.
func recentKeys(g period.Granularity, now time.Time, n int) []string {
	keys := make([]string, 0, n)
	cursor := now
	for i := 0; i < n; i++ {
		key := period.Previous(g, cursor)
		keys = append(keys, key)
		cursor = period.ParseTimest(g, key)
	}
	return keys
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Granular on-demand jobs
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// GranularRequest is an on-demand collection over explicit dimensions.
type GranularRequest struct {
	Actions       []string `json:"actions"`
	Granularities []string `json:"granularities"`
	Periods       []string `json:"periods"`
	CatIDs        []string `json:"cat_ids"`
}

// RunGranular collects the cross product of the request dimensions with
// bounded parallelism, checkpointing cancellation at every level.
func (s *Scheduler) RunGranular(ctx context.Context, taskID string, req GranularRequest, trigger string) error {
	if len(req.Actions) == 0 {
		req.Actions = listActions
	}
	if len(req.Granularities) == 0 {
		req.Granularities = []string{string(period.Day)}
	}
	if len(req.CatIDs) == 0 {
		req.CatIDs = catalog.TopLevelIDs()
	}
	if len(req.Periods) == 0 {
		return fmt.Errorf("granular job needs at least one period")
	}

	run, err := s.logs.Start(ctx, taskID, "granular collect", trigger)
	if err != nil {
		return err
	}

	total := len(req.Actions) * len(req.Granularities) * len(req.Periods) * len(req.CatIDs)
	var mu sync.Mutex
	progress := tasklog.Progress{Total: total}
	cancelled := false

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxConcurrentTasks)

outer:
	for _, rawG := range req.Granularities {
		g := period.Normalize(rawG)
		for _, p := range req.Periods {
			for _, cat := range req.CatIDs {
				for _, action := range req.Actions {
					if s.checkCancelled(groupCtx, taskID) {
						cancelled = true
						break outer
					}
					action, cat, p, g := action, cat, p, g
					group.Go(func() error {
						q := collector.Query{Action: action, CatID: cat, DateType: string(g), UseCache: true}
						if action == payload.ActionTrend {
							q.StarRange, q.EndRange = p, p
						} else {
							q.Timest = p
						}
						err := s.collectWithRetry(groupCtx, q)
						mu.Lock()
						if err != nil {
							progress.Failed++
						} else {
							progress.Completed++
						}
						current := progress
						mu.Unlock()
						_ = s.logs.UpdateProgress(groupCtx, run.LogID, current)
						return nil
					})
				}
			}
		}
	}
	_ = group.Wait()

	s.finishRun(ctx, run.LogID, taskID, progress, cancelled)
	return nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Background loops
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// queueJitter spreads the queue ticks by up to a minute either way so
// multiple deployments do not synchronize.
const queueJitter = time.Minute

// queueLoop consumes the crawl queue one subtask per jittered tick.
func (s *Scheduler) queueLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		jittered := s.cfg.QueueInterval - queueJitter +
			time.Duration(rand.Int63n(int64(2*queueJitter)))
		if jittered <= 0 {
			jittered = s.cfg.QueueInterval
		}
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return
		}
		if s.paused.Load() {
			continue
		}
		if n, err := s.worker.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("queue tick failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("queue tick processed subtasks", zap.Int("count", n))
		}
	}
}

// alertLoop evaluates the alert rules once a minute.
func (s *Scheduler) alertLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.alerts.CheckAll(s.collect.Snapshot())
		case <-ctx.Done():
			return
		}
	}
}

// statsLoop persists the metric counters to Redis every five minutes.
func (s *Scheduler) statsLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.collect.PersistToRedis(ctx, s.rdb); err != nil {
				s.logger.Warn("failed to persist stats", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
