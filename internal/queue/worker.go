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

package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/collector"
	"github.com/qzsyzn/industry-monitor/internal/payload"
)

// Querier executes one collection query. Satisfied by *collector.Collector.
type Querier interface {
	Execute(ctx context.Context, q collector.Query) (*collector.Result, error)
}

// JobStore is the slice of the queue repository the worker drives.
type JobStore interface {
	NextJob(ctx context.Context) (*Job, error)
	SetRunning(ctx context.Context, jobID string) error
	ClaimSubtask(ctx context.Context, jobID string) (*Subtask, error)
	SubtaskSucceeded(ctx context.Context, sub *Subtask) error
	SubtaskFailed(ctx context.Context, sub *Subtask, cause string) error
	FinishIfDone(ctx context.Context, jobID string) (bool, error)
}

// Worker drains crawl jobs one subtask at a time.
type Worker struct {
	store   JobStore
	querier Querier
	logger  *zap.Logger
}

// NewWorker builds a worker.
func NewWorker(store JobStore, querier Querier, logger *zap.Logger) *Worker {
	return &Worker{store: store, querier: querier, logger: logger.Named("queue-worker")}
}

// RunOnce claims at most one subtask of the oldest open job, so each
// tick sends a single request at the upstream. Subtask claims are
// atomic, so overlapping ticks cooperate rather than duplicating work.
// It returns how many subtasks it processed (0 or 1).
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	job, err := w.store.NextJob(ctx)
	if err != nil || job == nil {
		return 0, err
	}
	if job.Status == StatusPending {
		if err := w.store.SetRunning(ctx, job.JobID); err != nil {
			return 0, err
		}
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	sub, err := w.store.ClaimSubtask(ctx, job.JobID)
	if err != nil {
		return 0, err
	}
	if sub == nil {
		_, err := w.store.FinishIfDone(ctx, job.JobID)
		return 0, err
	}

	if execErr := w.executeSubtask(ctx, job, sub); execErr != nil {
		w.logger.Warn("subtask failed",
			zap.String("job_id", job.JobID),
			zap.String("subtask_id", sub.SubtaskID),
			zap.String("action", sub.Action),
			zap.String("period_key", sub.PeriodKey),
			zap.Int("attempts", sub.Attempts),
			zap.Error(execErr))
		if err := w.store.SubtaskFailed(ctx, sub, execErr.Error()); err != nil {
			return 1, err
		}
	} else if err := w.store.SubtaskSucceeded(ctx, sub); err != nil {
		return 1, err
	}

	if _, err := w.store.FinishIfDone(ctx, job.JobID); err != nil {
		return 1, err
	}
	return 1, nil
}

func (w *Worker) executeSubtask(ctx context.Context, job *Job, sub *Subtask) error {
	q := collector.Query{
		Action:   sub.Action,
		CatID:    sub.CatID,
		DateType: sub.Granularity,
		Extra:    job.Config.Extra,
		UseCache: true,
	}
	if sub.Action == payload.ActionTrend {
		// One trend subtask covers one period; the collector expands the
		// key into the real date range.
		q.StarRange = sub.PeriodKey
		q.EndRange = sub.PeriodKey
	} else {
		q.Timest = sub.PeriodKey
	}
	_, err := w.querier.Execute(ctx, q)
	return err
}
