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

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/period"
)

// Identity is the tuple that names exactly one collected document.
type Identity struct {
	Action      string
	CatID       string
	Granularity period.Granularity
	PeriodKey   string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", id.Action, id.CatID, id.Granularity, id.PeriodKey)
}

// Record is one persisted document in mengla_data.
type Record struct {
	Action      string    `bson:"action"`
	CatID       string    `bson:"cat_id"`
	Granularity string    `bson:"granularity"`
	PeriodKey   string    `bson:"period_key"`
	Data        bson.M    `bson:"data"`
	DataHash    string    `bson:"data_hash"`
	Source      string    `bson:"source"`
	CollectMS   int64     `bson:"collect_duration_ms"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
	ExpiredAt   time.Time `bson:"expired_at"`
}

// DataJSON re-encodes the stored document body as raw JSON bytes.
func (r *Record) DataJSON() ([]byte, error) {
	return json.Marshal(r.Data)
}

// NewRecord builds a Record from a raw JSON payload.
func NewRecord(id Identity, raw []byte, hash, source string, collectMS int64, expiredAt time.Time) (*Record, error) {
	var body bson.M
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	now := time.Now().UTC()
	return &Record{
		Action:      id.Action,
		CatID:       id.CatID,
		Granularity: string(id.Granularity),
		PeriodKey:   id.PeriodKey,
		Data:        body,
		DataHash:    hash,
		Source:      source,
		CollectMS:   collectMS,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiredAt:   expiredAt,
	}, nil
}

// DataStore is the repository over mengla_data.
type DataStore struct {
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewDataStore wires the repository against db.
func NewDataStore(db *mongo.Database, logger *zap.Logger) *DataStore {
	return &DataStore{
		coll:   db.Collection(DataCollection),
		logger: logger.Named("datastore"),
	}
}

func identityFilter(id Identity) bson.M {
	return bson.M{
		"action":      id.Action,
		"cat_id":      id.CatID,
		"granularity": string(id.Granularity),
		"period_key":  id.PeriodKey,
	}
}

// Get returns the document for id, or nil when absent.
func (s *DataStore) Get(ctx context.Context, id Identity) (*Record, error) {
	var rec Record
	err := s.coll.FindOne(ctx, identityFilter(id)).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", id, err)
	}
	return &rec, nil
}

// FindPeriods returns the documents matching any of the period keys for
// one (action, cat, granularity) triple. Used by the trend merge path.
func (s *DataStore) FindPeriods(ctx context.Context, action, catID string, g period.Granularity, keys []string) ([]Record, error) {
	filter := bson.M{
		"action":      action,
		"cat_id":      catID,
		"granularity": string(g),
		"period_key":  bson.M{"$in": keys},
	}
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "period_key", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find periods for %s: %w", action, err)
	}
	var recs []Record
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("decode periods for %s: %w", action, err)
	}
	return recs, nil
}

// Upsert replaces the document for the record's identity, creating it when
// absent. created_at of an existing row is preserved.
func (s *DataStore) Upsert(ctx context.Context, rec *Record) error {
	id := Identity{Action: rec.Action, CatID: rec.CatID, Granularity: period.Granularity(rec.Granularity), PeriodKey: rec.PeriodKey}
	update := bson.M{
		"$set": bson.M{
			"data":                rec.Data,
			"data_hash":           rec.DataHash,
			"source":              rec.Source,
			"collect_duration_ms": rec.CollectMS,
			"updated_at":          rec.UpdatedAt,
			"expired_at":          rec.ExpiredAt,
		},
		"$setOnInsert": bson.M{
			"action":      rec.Action,
			"cat_id":      rec.CatID,
			"granularity": rec.Granularity,
			"period_key":  rec.PeriodKey,
			"created_at":  rec.CreatedAt,
		},
	}
	_, err := s.coll.UpdateOne(ctx, identityFilter(id), update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	return nil
}

// Touch refreshes updated_at and expired_at without rewriting the body,
// for payloads whose hash did not change.
func (s *DataStore) Touch(ctx context.Context, id Identity, expiredAt time.Time) error {
	_, err := s.coll.UpdateOne(ctx, identityFilter(id), bson.M{
		"$set": bson.M{
			"updated_at": time.Now().UTC(),
			"expired_at": expiredAt,
		},
	})
	if err != nil {
		return fmt.Errorf("touch %s: %w", id, err)
	}
	return nil
}

// Warmup streams the most recently updated documents (optionally filtered
// by actions, categories and granularity) into fn, newest first. Rows that
// fail fn are counted and skipped.
func (s *DataStore) Warmup(ctx context.Context, limit int64, actions, catIDs []string, g string, fn func(*Record) error) (loaded, failed int, err error) {
	filter := bson.M{}
	if len(actions) > 0 {
		filter["action"] = bson.M{"$in": actions}
	}
	if len(catIDs) > 0 {
		filter["cat_id"] = bson.M{"$in": catIDs}
	}
	if g != "" {
		filter["granularity"] = g
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return 0, 0, fmt.Errorf("warmup find: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var rec Record
		if err := cursor.Decode(&rec); err != nil {
			failed++
			continue
		}
		if err := fn(&rec); err != nil {
			failed++
			s.logger.Warn("warmup row rejected",
				zap.String("action", rec.Action),
				zap.String("period_key", rec.PeriodKey),
				zap.Error(err))
			continue
		}
		loaded++
	}
	return loaded, failed, cursor.Err()
}

// Stats reports total and per-action document counts.
func (s *DataStore) Stats(ctx context.Context) (int64, map[string]int64, error) {
	total, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, nil, fmt.Errorf("count documents: %w", err)
	}
	cursor, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$action", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return total, nil, fmt.Errorf("aggregate by action: %w", err)
	}
	var rows []struct {
		ID    string `bson:"_id"`
		Count int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return total, nil, err
	}
	byAction := make(map[string]int64, len(rows))
	for _, r := range rows {
		byAction[r.ID] = r.Count
	}
	return total, byAction, nil
}

// CoveredCats returns the set of cat ids that have a stored document for
// the given action, granularity, and period key. Drives the collect-health
// coverage report.
func (s *DataStore) CoveredCats(ctx context.Context, action string, g period.Granularity, periodKey string) (map[string]struct{}, error) {
	filter := bson.M{
		"action":      action,
		"granularity": string(g),
		"period_key":  periodKey,
	}
	ids, err := s.coll.Distinct(ctx, "cat_id", filter)
	if err != nil {
		return nil, fmt.Errorf("distinct cats for %s/%s: %w", action, periodKey, err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, v := range ids {
		if cat, ok := v.(string); ok {
			out[cat] = struct{}{}
		}
	}
	return out, nil
}

// DeletePeriod removes every document for a granularity and period key,
// across all actions and categories.
func (s *DataStore) DeletePeriod(ctx context.Context, g period.Granularity, periodKey string) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"granularity": string(g),
		"period_key":  periodKey,
	})
	if err != nil {
		return 0, fmt.Errorf("delete period %s/%s: %w", g, periodKey, err)
	}
	return res.DeletedCount, nil
}

// DeleteAll wipes the collection. Admin purge only.
func (s *DataStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("delete all: %w", err)
	}
	return res.DeletedCount, nil
}
