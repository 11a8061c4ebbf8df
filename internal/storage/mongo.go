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

// Package storage owns the MongoDB connection and the persisted-data
// repository (the L3 tier). Collection layout:
//
//	mengla_data     - collected documents, one per identity tuple
//	sync_task_logs  - one row per scheduled/manual job run
//	crawl_jobs      - durable backfill jobs
//	crawl_subtasks  - per-period work units of a crawl job
package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// DataCollection is the collected-documents collection name.
const DataCollection = "mengla_data"

// Connect opens a client against uri, pings it, and returns the database
// handle. Retryable writes are disabled: the deployment target is a
// single-node Mongo without an oplog.
func Connect(ctx context.Context, uri, dbName string, logger *zap.Logger) (*mongo.Client, *mongo.Database, error) {
	opts := options.Client().ApplyURI(uri).SetRetryWrites(false)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}

	logger.Info("connected to mongodb",
		zap.String("uri", MaskURI(uri)),
		zap.String("database", dbName))
	return client, client.Database(dbName), nil
}

// MaskURI hides credentials in a connection string for logging.
func MaskURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	u.User = url.User("***")
	return u.String()
}

// dataIndexModels is the index set for mengla_data. The TTL index on
// expired_at implements retention; the unique main-query index enforces
// one document per identity tuple; idx_action_period backs the trend
// range reads, which filter on granularity.
func dataIndexModels() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "action", Value: 1},
				{Key: "cat_id", Value: 1},
				{Key: "granularity", Value: 1},
				{Key: "period_key", Value: 1},
			},
			Options: options.Index().SetName("idx_main_query").SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "cat_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_cat_time"),
		},
		{
			Keys: bson.D{
				{Key: "action", Value: 1},
				{Key: "granularity", Value: 1},
				{Key: "period_key", Value: 1},
			},
			Options: options.Index().SetName("idx_action_period"),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("idx_updated"),
		},
		{
			Keys:    bson.D{{Key: "expired_at", Value: 1}},
			Options: options.Index().SetName("idx_ttl_expired").SetExpireAfterSeconds(0),
		},
	}
}

// EnsureIndexes creates the index set on mengla_data.
func EnsureIndexes(ctx context.Context, db *mongo.Database, logger *zap.Logger) error {
	coll := db.Collection(DataCollection)
	names, err := coll.Indexes().CreateMany(ctx, dataIndexModels())
	if err != nil {
		return fmt.Errorf("create indexes on %s: %w", DataCollection, err)
	}
	logger.Info("ensured mongodb indexes", zap.Strings("indexes", names))
	return nil
}
