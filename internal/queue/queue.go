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

// Package queue implements durable crawl jobs: a job expands into one
// subtask per (action, granularity, period key), subtasks are claimed
// atomically so concurrent consumer ticks never double-execute, and the
// job closes once no child is PENDING or RUNNING.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/errs"
	"github.com/qzsyzn/industry-monitor/internal/payload"
	"github.com/qzsyzn/industry-monitor/internal/period"
)

// Collection names.
const (
	JobsCollection     = "crawl_jobs"
	SubtasksCollection = "crawl_subtasks"
)

// Statuses. Jobs end COMPLETED, subtasks end SUCCESS; the remaining
// values are shared.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// MaxAttempts bounds how often a failing subtask is requeued.
const MaxAttempts = 3

// JobConfig is the caller-supplied crawl plan.
type JobConfig struct {
	StartDate     string         `bson:"start_date" json:"start_date"`
	EndDate       string         `bson:"end_date" json:"end_date"`
	Granularities []string       `bson:"granularities" json:"granularities"`
	Actions       []string       `bson:"actions" json:"actions"`
	CatID         string         `bson:"cat_id" json:"cat_id"`
	Extra         map[string]any `bson:"extra,omitempty" json:"extra,omitempty"`
}

// JobStats counts subtask outcomes.
type JobStats struct {
	TotalSubtasks int `bson:"total_subtasks" json:"total_subtasks"`
	Succeeded     int `bson:"succeeded" json:"succeeded"`
	Failed        int `bson:"failed" json:"failed"`
}

// Job is one durable crawl job.
type Job struct {
	JobID      string     `bson:"job_id" json:"job_id"`
	Config     JobConfig  `bson:"config" json:"config"`
	Status     string     `bson:"status" json:"status"`
	Stats      JobStats   `bson:"stats" json:"stats"`
	Error      string     `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt  time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `bson:"updated_at" json:"updated_at"`
	StartedAt  *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt *time.Time `bson:"finished_at,omitempty" json:"finished_at,omitempty"`
}

// Subtask is one work unit of a job.
type Subtask struct {
	SubtaskID   string     `bson:"subtask_id" json:"subtask_id"`
	JobID       string     `bson:"job_id" json:"job_id"`
	Action      string     `bson:"action" json:"action"`
	CatID       string     `bson:"cat_id" json:"cat_id"`
	Granularity string     `bson:"granularity" json:"granularity"`
	PeriodKey   string     `bson:"period_key" json:"period_key"`
	Status      string     `bson:"status" json:"status"`
	Attempts    int        `bson:"attempts" json:"attempts"`
	Error       string     `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
	StartedAt   *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt  *time.Time `bson:"finished_at,omitempty" json:"finished_at,omitempty"`
}

// Store is the repository over both collections.
type Store struct {
	jobs     *mongo.Collection
	subtasks *mongo.Collection
	logger   *zap.Logger
}

// NewStore wires the repository.
func NewStore(db *mongo.Database, logger *zap.Logger) *Store {
	return &Store{
		jobs:     db.Collection(JobsCollection),
		subtasks: db.Collection(SubtasksCollection),
		logger:   logger.Named("queue"),
	}
}

// CreateJob validates the plan, expands it into subtasks, and persists
// both. The subtask set is the cross product of actions, granularities and
// the period keys each granularity yields over the date range.
func (s *Store) CreateJob(ctx context.Context, cfg JobConfig) (*Job, error) {
	if cfg.StartDate == "" || cfg.EndDate == "" {
		return nil, errs.Validationf("start_date and end_date are required")
	}
	if len(cfg.Granularities) == 0 {
		cfg.Granularities = []string{string(period.Day)}
	}
	if len(cfg.Actions) == 0 {
		cfg.Actions = payload.Actions
	}
	for _, a := range cfg.Actions {
		if !payload.ValidAction(a) {
			return nil, errs.Validationf("unknown action %q", a)
		}
	}

	now := time.Now().UTC()
	job := &Job{
		JobID:     uuid.NewString(),
		Config:    cfg,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var docs []any
	for _, rawG := range cfg.Granularities {
		g := period.Normalize(rawG)
		for _, key := range period.KeysInRange(g, cfg.StartDate, cfg.EndDate) {
			for _, action := range cfg.Actions {
				docs = append(docs, Subtask{
					SubtaskID:   uuid.NewString(),
					JobID:       job.JobID,
					Action:      action,
					CatID:       cfg.CatID,
					Granularity: string(g),
					PeriodKey:   key,
					Status:      StatusPending,
					CreatedAt:   now,
					UpdatedAt:   now,
				})
			}
		}
	}
	if len(docs) == 0 {
		return nil, errs.Validationf("crawl plan expands to zero subtasks")
	}
	job.Stats.TotalSubtasks = len(docs)

	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if _, err := s.subtasks.InsertMany(ctx, docs); err != nil {
		return nil, fmt.Errorf("insert subtasks: %w", err)
	}
	s.logger.Info("crawl job created",
		zap.String("job_id", job.JobID),
		zap.Int("subtasks", len(docs)))
	return job, nil
}

// NextJob returns the oldest job still carrying work, or nil.
func (s *Store) NextJob(ctx context.Context) (*Job, error) {
	var job Job
	err := s.jobs.FindOne(ctx,
		bson.M{"status": bson.M{"$in": []string{StatusPending, StatusRunning}}},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// SetRunning moves a PENDING job to RUNNING.
func (s *Store) SetRunning(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	_, err := s.jobs.UpdateOne(ctx,
		bson.M{"job_id": jobID, "status": StatusPending},
		bson.M{"$set": bson.M{"status": StatusRunning, "started_at": now, "updated_at": now}})
	return err
}

// ClaimSubtask atomically moves the oldest PENDING subtask of a job to
// RUNNING and bumps its attempt counter. Returns nil when none is left.
func (s *Store) ClaimSubtask(ctx context.Context, jobID string) (*Subtask, error) {
	now := time.Now().UTC()
	var sub Subtask
	err := s.subtasks.FindOneAndUpdate(ctx,
		bson.M{"job_id": jobID, "status": StatusPending},
		bson.M{
			"$set": bson.M{"status": StatusRunning, "started_at": now, "updated_at": now},
			"$inc": bson.M{"attempts": 1},
		},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&sub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim subtask for %s: %w", jobID, err)
	}
	return &sub, nil
}

// SubtaskSucceeded closes a subtask and bumps the job counter.
func (s *Store) SubtaskSucceeded(ctx context.Context, sub *Subtask) error {
	now := time.Now().UTC()
	_, err := s.subtasks.UpdateOne(ctx,
		bson.M{"subtask_id": sub.SubtaskID},
		bson.M{"$set": bson.M{"status": StatusSuccess, "error": "", "finished_at": now, "updated_at": now}})
	if err != nil {
		return err
	}
	_, err = s.jobs.UpdateOne(ctx,
		bson.M{"job_id": sub.JobID},
		bson.M{"$inc": bson.M{"stats.succeeded": 1}, "$set": bson.M{"updated_at": now}})
	return err
}

const errMessageCap = 2000

// capErrMessage bounds a stored failure cause the same way the sync
// task log bounds its error column.
func capErrMessage(cause string) string {
	if len(cause) > errMessageCap {
		return cause[:errMessageCap]
	}
	return cause
}

// SubtaskFailed either requeues the subtask (attempts left) or closes it
// FAILED and bumps the job's failure counter.
func (s *Store) SubtaskFailed(ctx context.Context, sub *Subtask, cause string) error {
	cause = capErrMessage(cause)
	now := time.Now().UTC()
	if sub.Attempts < MaxAttempts {
		_, err := s.subtasks.UpdateOne(ctx,
			bson.M{"subtask_id": sub.SubtaskID},
			bson.M{"$set": bson.M{"status": StatusPending, "error": cause, "updated_at": now}})
		return err
	}
	_, err := s.subtasks.UpdateOne(ctx,
		bson.M{"subtask_id": sub.SubtaskID},
		bson.M{"$set": bson.M{"status": StatusFailed, "error": cause, "finished_at": now, "updated_at": now}})
	if err != nil {
		return err
	}
	_, err = s.jobs.UpdateOne(ctx,
		bson.M{"job_id": sub.JobID},
		bson.M{"$inc": bson.M{"stats.failed": 1}, "$set": bson.M{"updated_at": now}})
	return err
}

// FinishIfDone closes the job once no child is PENDING or RUNNING:
// FAILED when any child failed, COMPLETED otherwise. Reports whether the
// job closed.
func (s *Store) FinishIfDone(ctx context.Context, jobID string) (bool, error) {
	open, err := s.subtasks.CountDocuments(ctx, bson.M{
		"job_id": jobID,
		"status": bson.M{"$in": []string{StatusPending, StatusRunning}},
	})
	if err != nil {
		return false, err
	}
	if open > 0 {
		return false, nil
	}

	failed, err := s.subtasks.CountDocuments(ctx, bson.M{"job_id": jobID, "status": StatusFailed})
	if err != nil {
		return false, err
	}
	status := StatusCompleted
	if failed > 0 {
		status = StatusFailed
	}
	now := time.Now().UTC()
	_, err = s.jobs.UpdateOne(ctx,
		bson.M{"job_id": jobID, "status": StatusRunning},
		bson.M{"$set": bson.M{"status": status, "finished_at": now, "updated_at": now}})
	if err != nil {
		return false, err
	}
	s.logger.Info("crawl job finished", zap.String("job_id", jobID), zap.String("status", status))
	return true, nil
}

// Get returns one job, or nil when absent.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := s.jobs.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns the most recent jobs.
func (s *Store) List(ctx context.Context, limit int64) ([]Job, error) {
	cursor, err := s.jobs.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, err
	}
	var jobs []Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CancelAll aborts every open job and its open subtasks. Admin emergency
// stop; returns (jobs, subtasks) touched.
func (s *Store) CancelAll(ctx context.Context) (int64, int64, error) {
	now := time.Now().UTC()
	jobRes, err := s.jobs.UpdateMany(ctx,
		bson.M{"status": bson.M{"$in": []string{StatusPending, StatusRunning}}},
		bson.M{"$set": bson.M{"status": StatusCancelled, "finished_at": now, "updated_at": now}})
	if err != nil {
		return 0, 0, err
	}
	subRes, err := s.subtasks.UpdateMany(ctx,
		bson.M{"status": bson.M{"$in": []string{StatusPending, StatusRunning}}},
		bson.M{"$set": bson.M{"status": StatusFailed, "error": "cancelled by admin", "finished_at": now, "updated_at": now}})
	if err != nil {
		return jobRes.ModifiedCount, 0, err
	}
	return jobRes.ModifiedCount, subRes.ModifiedCount, nil
}
