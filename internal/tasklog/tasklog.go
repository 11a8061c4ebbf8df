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

// Package tasklog records scheduled and manual job runs in
// sync_task_logs, enforces the one-RUNNING-row-per-task invariant, and
// carries the cooperative cancellation registry jobs poll between work
// units.
package tasklog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/period"
)

// Collection is the Mongo collection name.
const Collection = "sync_task_logs"

// Run statuses.
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Triggers.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// ErrAlreadyRunning is returned when a run for the same task id is active.
var ErrAlreadyRunning = errors.New("task already running")

const errMessageCap = 2000

// Progress tracks work units inside one run.
type Progress struct {
	Total     int `bson:"total" json:"total"`
	Completed int `bson:"completed" json:"completed"`
	Failed    int `bson:"failed" json:"failed"`
}

// Log is one run row.
type Log struct {
	LogID        string     `bson:"log_id" json:"log_id"`
	TaskID       string     `bson:"task_id" json:"task_id"`
	TaskName     string     `bson:"task_name" json:"task_name"`
	Status       string     `bson:"status" json:"status"`
	Progress     Progress   `bson:"progress" json:"progress"`
	StartedAt    time.Time  `bson:"started_at" json:"started_at"`
	FinishedAt   *time.Time `bson:"finished_at,omitempty" json:"finished_at,omitempty"`
	Trigger      string     `bson:"trigger" json:"trigger"`
	ErrorMessage string     `bson:"error_message,omitempty" json:"error_message,omitempty"`
	CreatedAt    time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at" json:"updated_at"`
}

// Store is the repository plus the process-local cancellation set.
type Store struct {
	coll   *mongo.Collection
	logger *zap.Logger

	mu        sync.Mutex
	cancelled map[string]struct{}
}

// NewStore wires the repository.
func NewStore(db *mongo.Database, logger *zap.Logger) *Store {
	return &Store{
		coll:      db.Collection(Collection),
		logger:    logger.Named("tasklog"),
		cancelled: make(map[string]struct{}),
	}
}

// Start opens a run for taskID, enforcing at most one RUNNING row per task
// id. The check-insert-recheck dance closes the race between two
// concurrent starters: both may insert, but only the older row survives.
func (s *Store) Start(ctx context.Context, taskID, taskName, trigger string) (*Log, error) {
	running := s.coll.FindOne(ctx, bson.M{"task_id": taskID, "status": StatusRunning})
	if running.Err() == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, taskID)
	}
	if !errors.Is(running.Err(), mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("overlap probe for %s: %w", taskID, running.Err())
	}

	now := time.Now().UTC()
	row := &Log{
		LogID:     uuid.NewString(),
		TaskID:    taskID,
		TaskName:  taskName,
		Status:    StatusRunning,
		StartedAt: now,
		Trigger:   trigger,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.coll.InsertOne(ctx, row); err != nil {
		return nil, fmt.Errorf("insert run for %s: %w", taskID, err)
	}

	// Double check: if a concurrent starter raced us in, the oldest row
	// wins and we withdraw ours.
	var oldest Log
	err := s.coll.FindOne(ctx,
		bson.M{"task_id": taskID, "status": StatusRunning},
		options.FindOne().SetSort(bson.D{{Key: "started_at", Value: 1}, {Key: "log_id", Value: 1}}),
	).Decode(&oldest)
	if err == nil && oldest.LogID != row.LogID {
		_, _ = s.coll.DeleteOne(ctx, bson.M{"log_id": row.LogID})
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, taskID)
	}

	s.mu.Lock()
	delete(s.cancelled, taskID)
	s.mu.Unlock()
	return row, nil
}

// UpdateProgress writes the run's progress counters.
func (s *Store) UpdateProgress(ctx context.Context, logID string, p Progress) error {
	_, err := s.coll.UpdateOne(ctx, bson.M{"log_id": logID}, bson.M{
		"$set": bson.M{"progress": p, "updated_at": time.Now().UTC()},
	})
	return err
}

// Finish closes a run with a terminal status.
func (s *Store) Finish(ctx context.Context, logID, status, errMsg string) error {
	if len(errMsg) > errMessageCap {
		errMsg = errMsg[:errMessageCap]
	}
	now := time.Now().UTC()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"log_id": logID, "status": StatusRunning},
		bson.M{"$set": bson.M{
			"status":        status,
			"error_message": errMsg,
			"finished_at":   now,
			"updated_at":    now,
		}})
	if err != nil {
		return fmt.Errorf("finish run %s: %w", logID, err)
	}
	return nil
}

// Cancel requests cooperative cancellation of the RUNNING run of taskID.
// The row flips to CANCELLED immediately; the job observes the registry at
// its next checkpoint and stops doing work.
func (s *Store) Cancel(ctx context.Context, taskID string) (bool, error) {
	now := time.Now().UTC()
	res := s.coll.FindOneAndUpdate(ctx,
		bson.M{"task_id": taskID, "status": StatusRunning},
		bson.M{"$set": bson.M{
			"status":        StatusCancelled,
			"error_message": "cancelled by admin",
			"finished_at":   now,
			"updated_at":    now,
		}})
	if errors.Is(res.Err(), mongo.ErrNoDocuments) {
		return false, nil
	}
	if res.Err() != nil {
		return false, fmt.Errorf("cancel %s: %w", taskID, res.Err())
	}

	s.mu.Lock()
	s.cancelled[taskID] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("task cancellation requested", zap.String("task_id", taskID))
	return true, nil
}

// IsCancelled reports whether a cancel was requested for taskID in this
// process.
func (s *Store) IsCancelled(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[taskID]
	return ok
}

// ClearCancelled removes the local cancellation mark once the job has
// acknowledged it.
func (s *Store) ClearCancelled(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancelled, taskID)
}

// CancelAllRunning flips every RUNNING row to FAILED with the given
// reason and marks their task ids cancelled. Admin emergency stop.
func (s *Store) CancelAllRunning(ctx context.Context, reason string) (int64, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"status": StatusRunning})
	if err != nil {
		return 0, err
	}
	var rows []Log
	if err := cursor.All(ctx, &rows); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"status": StatusRunning},
		bson.M{"$set": bson.M{
			"status":        StatusFailed,
			"error_message": reason,
			"finished_at":   now,
			"updated_at":    now,
		}})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	for _, row := range rows {
		s.cancelled[row.TaskID] = struct{}{}
	}
	s.mu.Unlock()
	return res.ModifiedCount, nil
}

// RecoverInterrupted marks RUNNING rows left by a previous process as
// FAILED. Called once at startup, before the scheduler starts.
func (s *Store) RecoverInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"status": StatusRunning},
		bson.M{"$set": bson.M{
			"status":        StatusFailed,
			"error_message": "interrupted by restart",
			"finished_at":   now,
			"updated_at":    now,
		}})
	if err != nil {
		return 0, fmt.Errorf("recover interrupted runs: %w", err)
	}
	if res.ModifiedCount > 0 {
		s.logger.Warn("marked interrupted runs failed", zap.Int64("count", res.ModifiedCount))
	}
	return res.ModifiedCount, nil
}

// Today lists runs started today (business timezone), newest first.
func (s *Store) Today(ctx context.Context) ([]Log, error) {
	now := time.Now().In(period.Location())
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, period.Location())

	cursor, err := s.coll.Find(ctx,
		bson.M{"started_at": bson.M{"$gte": dayStart.UTC()}},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var rows []Log
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Delete removes one finished run row and returns it, or nil when absent.
// RUNNING rows are refused; cancel them first.
func (s *Store) Delete(ctx context.Context, logID string) (*Log, error) {
	var row Log
	err := s.coll.FindOneAndDelete(ctx,
		bson.M{"log_id": logID, "status": bson.M{"$ne": StatusRunning}},
	).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delete run %s: %w", logID, err)
	}
	return &row, nil
}

// Get returns one run by log id, or nil when absent.
func (s *Store) Get(ctx context.Context, logID string) (*Log, error) {
	var row Log
	err := s.coll.FindOne(ctx, bson.M{"log_id": logID}).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
