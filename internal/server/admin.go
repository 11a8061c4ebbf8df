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

package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/catalog"
	"github.com/qzsyzn/industry-monitor/internal/errs"
	"github.com/qzsyzn/industry-monitor/internal/payload"
	"github.com/qzsyzn/industry-monitor/internal/period"
	"github.com/qzsyzn/industry-monitor/internal/queue"
	"github.com/qzsyzn/industry-monitor/internal/scheduler"
	"github.com/qzsyzn/industry-monitor/internal/tasklog"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Collection control
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (s *Server) handleMengLaStatus(w http.ResponseWriter, r *http.Request) {
	total, byAction, err := s.dataStore.Stats(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"documents": map[string]any{
			"total":     total,
			"by_action": byAction,
		},
		"upstream": s.upstream.Stats(),
	})
}

type fullCrawlRequest struct {
	StartDate     string         `json:"start_date" validate:"required"`
	EndDate       string         `json:"end_date" validate:"required"`
	Granularities []string       `json:"granularities"`
	Actions       []string       `json:"actions"`
	CatID         string         `json:"cat_id"`
	Extra         map[string]any `json:"extra"`
}

func (s *Server) handleEnqueueFullCrawl(w http.ResponseWriter, r *http.Request) {
	var req fullCrawlRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	job, err := s.jobs.CreateJob(r.Context(), queue.JobConfig{
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		Granularities: req.Granularities,
		Actions:       req.Actions,
		CatID:         req.CatID,
		Extra:         req.Extra,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]any{
		"job_id":         job.JobID,
		"total_subtasks": job.Stats.TotalSubtasks,
	})
}

// handleBackfill kicks off a backfill sweep without waiting for the next
// cron window. The sweep runs in the background; progress lands in the
// task log like any scheduled run.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Scheduler.TaskTimeout)
		defer cancel()
		s.sched.RunBackfillCheck(ctx, tasklog.TriggerManual)
	}()
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type granularRequest struct {
	TaskID        string   `json:"task_id"`
	Actions       []string `json:"actions"`
	Granularities []string `json:"granularities"`
	Periods       []string `json:"periods" validate:"required,min=1"`
	CatIDs        []string `json:"cat_ids"`
}

func (s *Server) handleGranularCollect(w http.ResponseWriter, r *http.Request) {
	var req granularRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = "granular_collect"
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Scheduler.TaskTimeout)
		defer cancel()
		err := s.sched.RunGranular(ctx, taskID, scheduler.GranularRequest{
			Actions:       req.Actions,
			Granularities: req.Granularities,
			Periods:       req.Periods,
			CatIDs:        req.CatIDs,
		}, tasklog.TriggerManual)
		if err != nil {
			s.logger.Warn("granular collect did not start",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}()
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"status":  "started",
		"task_id": taskID,
	})
}

// handleCollectHealth reports per-action day coverage across the top-level
// categories for one date (default today, business timezone).
func (s *Server) handleCollectHealth(w http.ResponseWriter, r *http.Request) {
	day := time.Now().In(period.Location())
	if date := r.URL.Query().Get("date"); date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", date, period.Location())
		if err != nil {
			s.respondError(w, r, errs.Validationf("invalid date %q, want yyyy-MM-dd", date))
			return
		}
		day = parsed
	}
	periodKey := period.KeyFor(period.Day, day.Format("2006-01-02"))
	cats := catalog.TopLevelIDs()

	report := make(map[string]any)
	complete := true
	for _, action := range payload.Actions {
		if action == payload.ActionTrend {
			continue
		}
		covered, err := s.dataStore.CoveredCats(r.Context(), action, period.Day, periodKey)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		missing := make([]string, 0)
		for _, cat := range cats {
			if _, ok := covered[cat]; !ok {
				missing = append(missing, cat)
			}
		}
		if len(missing) > 0 {
			complete = false
		}
		report[action] = map[string]any{
			"expected": len(cats),
			"present":  len(cats) - len(missing),
			"missing":  missing,
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"date":       day.Format("2006-01-02"),
		"period_key": periodKey,
		"actions":    report,
		"complete":   complete,
	})
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Metrics and alerting
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"snapshot": s.collect.Snapshot(),
		"daily":    s.collect.Daily(),
	})
}

func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Minute
	if raw := r.URL.Query().Get("window_minutes"); raw != "" {
		mins, err := strconv.Atoi(raw)
		if err != nil || mins <= 0 {
			s.respondError(w, r, errs.Validationf("window_minutes must be a positive integer"))
			return
		}
		window = time.Duration(mins) * time.Minute
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"window_minutes": int(window.Minutes()),
		"percentiles":    s.collect.Percentiles(window),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"rules":  s.alerts.Rules(),
		"active": s.alerts.Active(),
	})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	history := s.alerts.History()
	s.respondJSON(w, http.StatusOK, map[string]any{"events": history, "count": len(history)})
}

func (s *Server) handleAlertCheck(w http.ResponseWriter, r *http.Request) {
	events := s.alerts.CheckAll(s.collect.Snapshot())
	s.respondJSON(w, http.StatusOK, map[string]any{"triggered": events, "count": len(events)})
}

type silenceRequest struct {
	Rule     string `json:"rule" validate:"required"`
	Duration string `json:"duration" validate:"required"`
}

func (s *Server) handleAlertSilence(w http.ResponseWriter, r *http.Request) {
	var req silenceRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		s.respondError(w, r, errs.Validationf("duration must be a positive Go duration, e.g. 30m"))
		return
	}
	if !s.alerts.Silence(req.Rule, d) {
		s.respondError(w, r, errs.Wrap(errs.ErrNotFound, nil))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"rule": req.Rule, "silenced_for": d.String()})
}

type acknowledgeRequest struct {
	Rule string `json:"rule" validate:"required"`
}

func (s *Server) handleAlertAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if !s.alerts.Acknowledge(req.Rule) {
		s.respondError(w, r, errs.Wrap(errs.ErrNotFound, nil))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"rule": req.Rule, "status": "acknowledged"})
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Cache and circuit breakers
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.cache.Stats())
}

type warmupRequest struct {
	Limit       int64    `json:"limit"`
	Actions     []string `json:"actions"`
	CatIDs      []string `json:"cat_ids"`
	Granularity string   `json:"granularity"`
}

func (s *Server) handleCacheWarmup(w http.ResponseWriter, r *http.Request) {
	var req warmupRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 500
	}
	loaded, failed, err := s.cache.Warmup(r.Context(), req.Limit, req.Actions, req.CatIDs, req.Granularity)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"loaded": loaded, "failed": failed})
}

func (s *Server) handleCacheClearL1(w http.ResponseWriter, r *http.Request) {
	s.cache.ClearL1()
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	stats := s.breakers.Stats()
	s.respondJSON(w, http.StatusOK, map[string]any{"breakers": stats, "count": len(stats)})
}

type breakerResetRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleBreakersReset(w http.ResponseWriter, r *http.Request) {
	var req breakerResetRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Name == "" || req.Name == "all" {
		n := s.breakers.ResetAll()
		s.respondJSON(w, http.StatusOK, map[string]any{"reset": n})
		return
	}
	if !s.breakers.Reset(req.Name) {
		s.respondError(w, r, errs.Wrap(errs.ErrNotFound, nil))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"reset": 1, "name": req.Name})
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Scheduler, jobs, tasks
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleSchedulerPause(w http.ResponseWriter, r *http.Request) {
	s.sched.Pause()
	s.logger.Info("scheduler paused by admin")
	s.respondJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleSchedulerResume(w http.ResponseWriter, r *http.Request) {
	s.sched.Resume()
	s.logger.Info("scheduler resumed by admin")
	s.respondJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if job == nil {
		s.respondError(w, r, errs.Wrap(errs.ErrNotFound, nil))
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

type taskCancelRequest struct {
	TaskID string `json:"task_id" validate:"required"`
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	var req taskCancelRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	cancelled, err := s.tasklogs.Cancel(r.Context(), req.TaskID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !cancelled {
		s.respondError(w, r, errs.Validationf("task %q has no running log", req.TaskID))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"task_id": req.TaskID, "cancelled": true})
}

func (s *Server) handleTaskCancelAll(w http.ResponseWriter, r *http.Request) {
	logs, err := s.tasklogs.CancelAllRunning(r.Context(), "cancelled by admin")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	jobs, subtasks, err := s.jobs.CancelAll(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"task_logs_cancelled": logs,
		"jobs_cancelled":      jobs,
		"subtasks_cancelled":  subtasks,
	})
}

// collectTaskGranularity maps the scheduled collect task ids to the
// granularity their run covered, for delete-with-data.
var collectTaskGranularity = map[string]period.Granularity{
	"daily_collect":     period.Day,
	"monthly_collect":   period.Month,
	"quarterly_collect": period.Quarter,
	"yearly_collect":    period.Year,
}

// handleSyncTaskDelete removes a finished run row. With ?delete_data=true
// the documents the run collected (same granularity, the run's period) go
// with it; cached copies age out by TTL.
func (s *Server) handleSyncTaskDelete(w http.ResponseWriter, r *http.Request) {
	logID := chi.URLParam(r, "logID")
	row, err := s.tasklogs.Delete(r.Context(), logID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if row == nil {
		s.respondError(w, r, errs.Wrap(errs.ErrNotFound, nil))
		return
	}

	resp := map[string]any{"status": "ok", "log_id": row.LogID}
	if r.URL.Query().Get("delete_data") == "true" {
		g, ok := collectTaskGranularity[row.TaskID]
		if !ok {
			resp["deleted_documents"] = 0
		} else {
			periodKey := period.KeyFor(g, row.StartedAt.In(period.Location()).Format("2006-01-02"))
			n, err := s.dataStore.DeletePeriod(r.Context(), g, periodKey)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			resp["deleted_documents"] = n
			resp["period_key"] = periodKey
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// System
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	total, byAction, err := s.dataStore.Stats(r.Context())
	if err != nil {
		s.logger.Warn("mongo stats unavailable", zap.Error(err))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"scheduler":      s.sched.Status(),
		"upstream":       s.upstream.Stats(),
		"breakers":       s.breakers.Stats(),
		"cache":          s.cache.Stats(),
		"documents": map[string]any{
			"total":     total,
			"by_action": byAction,
		},
	})
}

type purgeRequest struct {
	Targets []string `json:"targets" validate:"required,min=1,dive,oneof=mongodb redis l1"`
	Confirm bool     `json:"confirm"`
}

// handleDataPurge wipes the requested storage tiers. Destructive, so the
// body must carry confirm=true.
func (s *Server) handleDataPurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if !req.Confirm {
		s.respondError(w, r, errs.Validationf("purge requires confirm=true"))
		return
	}

	result := map[string]any{}
	for _, target := range req.Targets {
		switch target {
		case "mongodb":
			deleted, err := s.dataStore.DeleteAll(r.Context())
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			result["mongodb_deleted"] = deleted
		case "redis":
			deleted, err := s.purgeRedis(r.Context())
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			result["redis_deleted"] = deleted
		case "l1":
			s.cache.ClearL1()
			result["l1_cleared"] = true
		}
	}

	s.logger.Warn("data purge executed", zap.Strings("targets", req.Targets))
	s.respondJSON(w, http.StatusOK, result)
}

// purgeRedis deletes every key under the service prefix with SCAN so a
// large keyspace never blocks the server.
func (s *Server) purgeRedis(ctx context.Context) (int64, error) {
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "mengla:*", 500).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := s.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
